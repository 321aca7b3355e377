// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package run

import (
	"context"
	"sync"
)

var closedChannelCloserChan <-chan struct{}

func init() {
	ch := make(chan struct{})
	close(ch)
	closedChannelCloserChan = ch
}

// ChannelCloser coordinates the shutdown of goroutines paired through a
// channel: senders stop producing first, then receivers drain and exit.
type ChannelCloser struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sender   sync.WaitGroup
	receiver sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewChannelCloser returns a ChannelCloser tracking one sender and one
// receiver.
func NewChannelCloser() *ChannelCloser {
	c := &ChannelCloser{}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sender.Add(1)
	c.receiver.Add(1)
	return c
}

// AddSender registers a new sender. It reports false once the closer has
// started shutting down, in which case the caller must not send.
func (c *ChannelCloser) AddSender() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.sender.Add(1)
	return true
}

// SenderDone marks one registered sender as finished.
func (c *ChannelCloser) SenderDone() {
	if c == nil {
		return
	}
	c.sender.Done()
}

// AddReceiver registers a new receiver. It reports false once the closer has
// started shutting down.
func (c *ChannelCloser) AddReceiver() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.receiver.Add(1)
	return true
}

// ReceiverDone marks one registered receiver as finished.
func (c *ChannelCloser) ReceiverDone() {
	if c == nil {
		return
	}
	c.receiver.Done()
}

// CloseNotify returns a channel that closes when shutdown begins. Receivers
// select on it to learn there is nothing more to drain.
func (c *ChannelCloser) CloseNotify() <-chan struct{} {
	if c == nil {
		return closedChannelCloserChan
	}
	return c.ctx.Done()
}

// CloseThenWait stops admission, waits for the senders to finish, signals the
// receivers, and waits for them too.
func (c *ChannelCloser) CloseThenWait() {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.sender.Done()
	c.sender.Wait()

	c.cancel()
	c.receiver.Done()
	c.receiver.Wait()
}

// Closed reports whether shutdown has begun.
func (c *ChannelCloser) Closed() bool {
	if c == nil {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
