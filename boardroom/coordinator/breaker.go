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

package coordinator

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type breakerState uint8

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker guards one participant. Consecutive failures past the threshold
// open it; after the cooldown it half-opens and admits a bounded number of
// probes. A probe success closes it again, a probe failure re-opens it.
type breaker struct {
	clk         clock.Clock
	openedAt    time.Time
	domain      string
	threshold   int
	cooldown    time.Duration
	halfOpenMax int
	failures    int
	probes      int
	state       breakerState
	mu          sync.Mutex
}

func newBreaker(domain string, clk clock.Clock, threshold int, cooldown time.Duration, halfOpenMax int) *breaker {
	return &breaker{
		domain:      domain,
		clk:         clk,
		threshold:   threshold,
		cooldown:    cooldown,
		halfOpenMax: halfOpenMax,
	}
}

// Allow admits or rejects a call. In half-open it counts the caller as a probe.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cooldown {
			return errors.Wrap(ErrBreakerOpen, b.domain)
		}
		b.state = breakerHalfOpen
		b.probes = 0
		fallthrough
	case breakerHalfOpen:
		if b.probes >= b.halfOpenMax {
			return errors.Wrap(ErrBreakerOpen, b.domain+" is half-open and out of probes")
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

// Success reports a successful call.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
		b.probes = 0
	}
}

// Failure reports a failed call.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = breakerOpen
	b.openedAt = b.clk.Now()
	b.failures = 0
	b.probes = 0
}

// State returns a printable state name.
func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
