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
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroomdb/boardroom/pkg/bus"
	"github.com/boardroomdb/boardroom/pkg/run"
)

// fakeParticipant records the calls the engine drives against one domain and
// can be told to fail any phase.
type fakeParticipant struct {
	prepareErr error
	commitErr  error
	abortErr   error
	name       string
	prepared   []string
	committed  []string
	aborted    []string
	intents    map[string][]Intent
	mu         sync.Mutex
}

func newFakeParticipant(name string) *fakeParticipant {
	return &fakeParticipant{name: name, intents: make(map[string][]Intent)}
}

func (f *fakeParticipant) Domain() string { return f.name }

func (f *fakeParticipant) Prepare(_ context.Context, txID string, intents []Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return f.prepareErr
	}
	f.prepared = append(f.prepared, txID)
	f.intents[txID] = intents
	return nil
}

func (f *fakeParticipant) Commit(_ context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, txID)
	return nil
}

func (f *fakeParticipant) Abort(_ context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortErr != nil {
		return f.abortErr
	}
	f.aborted = append(f.aborted, txID)
	return nil
}

func (f *fakeParticipant) committedTxs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...)
}

func (f *fakeParticipant) abortedTxs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func (f *fakeParticipant) preparedTxs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prepared...)
}

func newUnstartedService(t *testing.T, participants ...Participant) *service {
	t.Helper()
	s := NewService(nil).(*service)
	s.journalPath = t.TempDir()
	s.journalFileSize = run.Bytes(1 << 20)
	s.journalBufSize = run.Bytes(4 << 10)
	s.flushInterval = 20 * time.Millisecond
	s.prepareTimeout = time.Second
	s.lockWaitTimeout = 200 * time.Millisecond
	s.lockLeaseTTL = time.Minute
	s.commitRetries = 1
	s.breakerLimit = 3
	s.breakerCooldown = time.Minute
	s.breakerProbes = 1
	s.recentSize = 128
	s.compensateMax = 1
	for _, p := range participants {
		s.RegisterParticipant(p)
	}
	return s
}

func newTestService(t *testing.T, participants ...Participant) *service {
	t.Helper()
	s := newUnstartedService(t, participants...)
	require.NoError(t, s.PreRun(context.Background()))
	t.Cleanup(s.GracefulStop)
	return s
}

func TestCommitTwoDomains(t *testing.T) {
	vault := newFakeParticipant("vault")
	meeting := newFakeParticipant("meeting")
	s := newTestService(t, vault, meeting)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
	require.NoError(t, tx.Stage(Intent{Domain: "meeting", Op: "put-meeting", Key: "m-1", ExpectedVersion: -1}))
	require.NoError(t, s.Commit(ctx, tx))

	assert.Equal(t, StateCommitted, tx.State())
	assert.Equal(t, []string{tx.ID()}, vault.committedTxs())
	assert.Equal(t, []string{tx.ID()}, meeting.committedTxs())
	assert.Empty(t, vault.abortedTxs())
	assert.Empty(t, s.ActiveTransactions())

	outcome, ok := s.Outcome(tx.ID())
	require.True(t, ok)
	assert.Equal(t, StateCommitted, outcome)
}

func TestCommitEmptyTransaction(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx))
	assert.Equal(t, StateCommitted, tx.State())
}

func TestPrepareFailureAbortsEveryDomain(t *testing.T) {
	vault := newFakeParticipant("vault")
	voting := newFakeParticipant("voting")
	voting.prepareErr = errors.New("checksum mismatch")
	s := newTestService(t, vault, voting)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
	require.NoError(t, tx.Stage(Intent{Domain: "voting", Op: "open-ballot", Key: "b-1", ExpectedVersion: 0}))

	err = s.Commit(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, StateAborted, tx.State())
	// One no-vote aborts the whole group, including the participant that
	// already voted yes.
	assert.Equal(t, []string{tx.ID()}, vault.abortedTxs())
	assert.Equal(t, []string{tx.ID()}, voting.abortedTxs())
	assert.Empty(t, vault.committedTxs())

	outcome, ok := s.Outcome(tx.ID())
	require.True(t, ok)
	assert.Equal(t, StateAborted, outcome)
}

func TestCommitUnknownDomain(t *testing.T) {
	s := newTestService(t, newFakeParticipant("vault"))
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "payroll", Op: "put", Key: "x", ExpectedVersion: -1}))
	err = s.Commit(ctx, tx)
	assert.True(t, errors.Is(err, ErrUnknownDomain))
	assert.Equal(t, StateAborted, tx.State())
}

func TestRollback(t *testing.T) {
	vault := newFakeParticipant("vault")
	s := newTestService(t, vault)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
	require.NoError(t, s.Rollback(ctx, tx))
	assert.Equal(t, StateAborted, tx.State())
	// Nothing was delivered before Commit, so no participant saw the tx.
	assert.Empty(t, vault.preparedTxs())

	err = s.Commit(ctx, tx)
	assert.True(t, errors.Is(err, ErrTxTerminal))
}

func TestCommitTerminalTwice(t *testing.T) {
	vault := newFakeParticipant("vault")
	s := newTestService(t, vault)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
	require.NoError(t, s.Commit(ctx, tx))
	assert.True(t, errors.Is(s.Commit(ctx, tx), ErrTxTerminal))
	assert.True(t, errors.Is(s.Rollback(ctx, tx), ErrTxTerminal))
	assert.Len(t, vault.committedTxs(), 1)
}

func TestConflictPropagates(t *testing.T) {
	vault := newFakeParticipant("vault")
	vault.prepareErr = errors.Wrap(ErrConflict, "vault v-1: expected version 3, stored 5")
	s := newTestService(t, vault)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: 3}))
	err = s.Commit(ctx, tx)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, StateAborted, tx.State())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	vault := newFakeParticipant("vault")
	vault.prepareErr = errors.New("store unavailable")
	s := newTestService(t, vault)
	ctx := context.Background()

	for i := 0; i < s.breakerLimit; i++ {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
		require.Error(t, s.Commit(ctx, tx))
	}
	assert.Equal(t, map[string]string{"vault": "open"}, s.BreakerStates())

	// The open breaker fails admission before any participant is touched.
	prepared := len(vault.preparedTxs())
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
	err = s.Commit(ctx, tx)
	assert.True(t, errors.Is(err, ErrBreakerOpen))
	assert.Len(t, vault.preparedTxs(), prepared)
	assert.Equal(t, StateAborted, tx.State())
}

func TestActiveTransactionsOrderedByAge(t *testing.T) {
	s := newTestService(t, newFakeParticipant("vault"))
	ctx := context.Background()

	first, err := s.Begin(ctx)
	require.NoError(t, err)
	second, err := s.Begin(ctx)
	require.NoError(t, err)

	infos := s.ActiveTransactions()
	require.Len(t, infos, 2)
	assert.Equal(t, first.ID(), infos[0].ID)
	assert.Equal(t, second.ID(), infos[1].ID)
	assert.Equal(t, "active", infos[0].State)
}

// eventSink collects lifecycle events off the bus.
type eventSink struct {
	events []Event
	mu     sync.Mutex
}

func (e *eventSink) Rev(_ context.Context, m bus.Message) bus.Message {
	if ev, ok := m.Data().(Event); ok {
		e.mu.Lock()
		e.events = append(e.events, ev)
		e.mu.Unlock()
	}
	return bus.Message{}
}

func (e *eventSink) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

func TestEventTimestampUsesServiceClock(t *testing.T) {
	pipeline := bus.NewBus()
	sink := &eventSink{}
	require.NoError(t, pipeline.Subscribe(TopicTransactionEvents, sink))

	vault := newFakeParticipant("vault")
	s := newUnstartedService(t, vault)
	s.pub = pipeline
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	s.clk = mock
	require.NoError(t, s.PreRun(context.Background()))
	t.Cleanup(s.GracefulStop)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Stage(Intent{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}))
	require.NoError(t, s.Commit(ctx, tx))

	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].At.Equal(mock.Now()))
}

func TestNotServingAfterStop(t *testing.T) {
	s := newUnstartedService(t, newFakeParticipant("vault"))
	ctx := context.Background()
	require.NoError(t, s.PreRun(ctx))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	s.GracefulStop()
	_, err = s.Begin(ctx)
	assert.True(t, errors.Is(err, ErrNotServing))
	assert.True(t, errors.Is(s.Commit(ctx, tx), ErrNotServing))
	assert.True(t, errors.Is(s.Rollback(ctx, tx), ErrNotServing))
}
