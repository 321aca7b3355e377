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
	"context"
	"time"

	"github.com/boardroomdb/boardroom/pkg/bus"
)

// TopicTransactionEvents carries an Event per terminated transaction or saga.
var TopicTransactionEvents = bus.UniTopic("transaction-lifecycle")

// Event describes a terminated transaction. It is published on the local bus
// so other modules (audit trail, metrics) can observe coordination outcomes
// without coupling to the engine.
type Event struct {
	At             time.Time     `json:"at"`
	TxID           string        `json:"tx_id"`
	Outcome        string        `json:"outcome"`
	Saga           string        `json:"saga,omitempty"`
	Domains        []string      `json:"domains,omitempty"`
	PrepareLatency time.Duration `json:"prepare_latency"`
	CommitLatency  time.Duration `json:"commit_latency"`
	Recovered      bool          `json:"recovered,omitempty"`
}

// Transaction outcomes carried by Event.
const (
	OutcomeCommitted   = "committed"
	OutcomeAborted     = "aborted"
	OutcomeCompensated = "compensated"
)

func (s *service) publishEvent(ev Event) {
	if s.pub == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clk.Now()
	}
	// Lifecycle events are advisory; a missing subscriber is not an error.
	_, _ = s.pub.Publish(context.Background(), TopicTransactionEvents, bus.NewMessage(bus.MessageID(ev.At.UnixNano()), ev))
}
