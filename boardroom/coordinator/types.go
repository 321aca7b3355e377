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

// Package coordinator implements the transaction coordination engine:
// single-domain transactions with rollback, cross-domain two-phase commit,
// saga execution with compensating actions, optimistic locking with deadlock
// detection, per-participant circuit breaking, and journal-driven recovery
// after a coordinator failure.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrConflict hints a staged write lost an optimistic version check.
	ErrConflict = errors.New("optimistic version conflict")
	// ErrDeadlock hints the transaction was chosen as a deadlock victim.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrLockWaitTimeout hints a lock wait exceeded the configured bound.
	ErrLockWaitTimeout = errors.New("lock wait timeout")
	// ErrBreakerOpen hints a participant's circuit breaker rejected admission.
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrTxTerminal hints an operation arrived after the transaction reached a terminal state.
	ErrTxTerminal = errors.New("transaction is in a terminal state")
	// ErrUnknownDomain hints an intent references a domain without a registered participant.
	ErrUnknownDomain = errors.New("no participant registered for domain")
	// ErrUnknownSaga hints a saga name without a registered definition.
	ErrUnknownSaga = errors.New("no saga registered with this name")
	// ErrNotServing hints the engine has not finished recovery yet or is shut down.
	ErrNotServing = errors.New("coordinator is not serving")
)

// State is a transaction's position in its lifecycle. Transitions are
// monotonic: active -> prepared -> (committed | aborted). Terminal states
// never change.
type State uint8

// Transaction lifecycle states.
const (
	StateActive State = iota + 1
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal returns whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Intent is one staged operation of a transaction. The payload is an opaque
// domain record interpreted by the owning participant.
type Intent struct {
	Domain          string          `json:"domain"`
	Op              string          `json:"op"`
	Key             string          `json:"key"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	// ExpectedVersion guards the write: negative skips the check, zero
	// demands the record be absent, positive must equal the stored version.
	ExpectedVersion int64 `json:"expected_version"`
}

// LockKey returns the global lock namespace key of the intent.
func (i Intent) LockKey() string {
	return i.Domain + "/" + i.Key
}

// Participant is a domain resource manager driven by the coordinator.
//
// Prepare stages the writes of the given intents and validates their
// optimistic versions; a non-nil error is a no-vote. Commit applies the
// staged writes and Abort discards them. Both Commit and Abort must be
// idempotent: the coordinator retries them while recovering from a failure.
type Participant interface {
	Domain() string
	Prepare(ctx context.Context, txID string, intents []Intent) error
	Commit(ctx context.Context, txID string) error
	Abort(ctx context.Context, txID string) error
}

// Tx is a transaction handle. Intents are staged on the handle and handed to
// the engine on Commit.
type Tx struct {
	startedAt time.Time
	id        string
	intents   []Intent
	seq       uint64
	mu        sync.Mutex
	state     State
}

// ID returns the transaction's identity.
func (t *Tx) ID() string {
	return t.id
}

// StartedAt returns the transaction's begin time.
func (t *Tx) StartedAt() time.Time {
	return t.startedAt
}

// State returns the transaction's current lifecycle state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stage appends an intent to the transaction.
func (t *Tx) Stage(intent Intent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return errors.Wrap(ErrTxTerminal, t.id)
	}
	t.intents = append(t.intents, intent)
	return nil
}

// Intents returns a copy of the staged intents.
func (t *Tx) Intents() []Intent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ii := make([]Intent, len(t.intents))
	copy(ii, t.intents)
	return ii
}

func (t *Tx) domains() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{}, len(t.intents))
	var dd []string
	for _, intent := range t.intents {
		if _, ok := seen[intent.Domain]; ok {
			continue
		}
		seen[intent.Domain] = struct{}{}
		dd = append(dd, intent.Domain)
	}
	return dd
}

func (t *Tx) transit(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

// Info is a point-in-time description of a transaction for admin surfaces.
type Info struct {
	StartedAt time.Time `json:"started_at"`
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Domains   []string  `json:"domains,omitempty"`
	Seq       uint64    `json:"seq"`
}
