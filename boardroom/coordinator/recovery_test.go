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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroomdb/boardroom/boardroom/journal"
)

// seedJournal writes records the way a crashed coordinator would have left
// them, then closes the journal so recovery reads a cold directory.
func seedJournal(t *testing.T, path string, records []journal.Record) {
	t.Helper()
	jnl, err := journal.New(path, nil)
	require.NoError(t, err)
	for _, record := range records {
		require.NoError(t, jnl.WriteSync(record))
	}
	require.NoError(t, jnl.Close())
}

func TestRecoveryAbortsUndecidedTransaction(t *testing.T) {
	path := t.TempDir()
	intents := []Intent{
		{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1},
		{Domain: "meeting", Op: "put-meeting", Key: "m-1", ExpectedVersion: -1},
	}
	seedJournal(t, path, []journal.Record{
		{TxID: "tx-undecided", Kind: kindBegin, Payload: mustMarshal(beginPayload{Seq: 7})},
		{TxID: "tx-undecided", Kind: kindIntents, Payload: mustMarshal(intentsPayload{Intents: intents})},
		{TxID: "tx-undecided", Kind: kindPrepared},
	})

	vault := newFakeParticipant("vault")
	meeting := newFakeParticipant("meeting")
	s := newUnstartedService(t, vault, meeting)
	s.journalPath = path
	require.NoError(t, s.PreRun(context.Background()))
	t.Cleanup(s.GracefulStop)

	// No durable decision means abort everywhere.
	assert.Equal(t, []string{"tx-undecided"}, vault.abortedTxs())
	assert.Equal(t, []string{"tx-undecided"}, meeting.abortedTxs())
	assert.Empty(t, vault.committedTxs())

	outcome, ok := s.Outcome("tx-undecided")
	require.True(t, ok)
	assert.Equal(t, StateAborted, outcome)

	// New transactions continue past the journaled sequence.
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	assert.Greater(t, tx.seq, uint64(7))
}

func TestRecoveryFinishesDecidedCommit(t *testing.T) {
	path := t.TempDir()
	intents := []Intent{
		{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1},
		{Domain: "meeting", Op: "put-meeting", Key: "m-1", ExpectedVersion: -1},
	}
	seedJournal(t, path, []journal.Record{
		{TxID: "tx-decided", Kind: kindBegin, Payload: mustMarshal(beginPayload{Seq: 3})},
		{TxID: "tx-decided", Kind: kindIntents, Payload: mustMarshal(intentsPayload{Intents: intents})},
		{TxID: "tx-decided", Kind: kindPrepared},
		{TxID: "tx-decided", Kind: kindDecisionCommit},
		{TxID: "tx-decided", Kind: kindParticipantDone, Payload: mustMarshal(participantDonePayload{Domain: "vault", Outcome: OutcomeCommitted})},
	})

	vault := newFakeParticipant("vault")
	meeting := newFakeParticipant("meeting")
	s := newUnstartedService(t, vault, meeting)
	s.journalPath = path
	require.NoError(t, s.PreRun(context.Background()))
	t.Cleanup(s.GracefulStop)

	// The vault already finished before the crash; only the meeting domain is
	// re-prepared and committed.
	assert.Empty(t, vault.preparedTxs())
	assert.Empty(t, vault.committedTxs())
	assert.Equal(t, []string{"tx-decided"}, meeting.preparedTxs())
	assert.Equal(t, []string{"tx-decided"}, meeting.committedTxs())

	outcome, ok := s.Outcome("tx-decided")
	require.True(t, ok)
	assert.Equal(t, StateCommitted, outcome)
}

func TestRecoverySkipsCompletedTransaction(t *testing.T) {
	path := t.TempDir()
	intents := []Intent{{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}}
	seedJournal(t, path, []journal.Record{
		{TxID: "tx-done", Kind: kindBegin, Payload: mustMarshal(beginPayload{Seq: 1})},
		{TxID: "tx-done", Kind: kindIntents, Payload: mustMarshal(intentsPayload{Intents: intents})},
		{TxID: "tx-done", Kind: kindDecisionCommit},
		{TxID: "tx-done", Kind: kindParticipantDone, Payload: mustMarshal(participantDonePayload{Domain: "vault", Outcome: OutcomeCommitted})},
		{TxID: "tx-done", Kind: kindCompleted},
	})

	vault := newFakeParticipant("vault")
	s := newUnstartedService(t, vault)
	s.journalPath = path
	require.NoError(t, s.PreRun(context.Background()))
	t.Cleanup(s.GracefulStop)

	assert.Empty(t, vault.preparedTxs())
	assert.Empty(t, vault.committedTxs())
	assert.Empty(t, vault.abortedTxs())
}

func TestRecoveryCompensatesInterruptedSaga(t *testing.T) {
	path := t.TempDir()
	seedJournal(t, path, []journal.Record{
		{TxID: "tx-saga", Kind: kindSagaBegin, Payload: mustMarshal(sagaBeginPayload{
			Name:   "archive-vault",
			Params: map[string]string{"vault_id": "v-1"},
		})},
		{TxID: "tx-saga", Kind: kindSagaStepDone, Payload: mustMarshal(sagaStepPayload{Step: 0})},
		{TxID: "tx-saga", Kind: kindSagaStepDone, Payload: mustMarshal(sagaStepPayload{Step: 1})},
		// Step 1 was already compensated before the crash.
		{TxID: "tx-saga", Kind: kindSagaStepCompensated, Payload: mustMarshal(sagaStepPayload{Step: 1})},
	})

	rec := &sagaRecorder{}
	s := newUnstartedService(t)
	s.journalPath = path
	require.NoError(t, s.RegisterSaga(SagaDefinition{
		Name:  "archive-vault",
		Steps: []SagaStep{rec.step("archive-assets", nil), rec.step("close-ballots", nil), rec.step("audit", nil)},
	}))
	require.NoError(t, s.PreRun(context.Background()))
	t.Cleanup(s.GracefulStop)

	assert.Equal(t, []string{"comp:archive-assets"}, rec.get())
	outcome, ok := s.Outcome("tx-saga")
	require.True(t, ok)
	assert.Equal(t, StateAborted, outcome)
}

func TestRecoveryCheckpointClearsJournal(t *testing.T) {
	path := t.TempDir()
	intents := []Intent{{Domain: "vault", Op: "put-vault", Key: "v-1", ExpectedVersion: -1}}
	seedJournal(t, path, []journal.Record{
		{TxID: "tx-1", Kind: kindBegin, Payload: mustMarshal(beginPayload{Seq: 1})},
		{TxID: "tx-1", Kind: kindIntents, Payload: mustMarshal(intentsPayload{Intents: intents})},
	})

	vault := newFakeParticipant("vault")
	s := newUnstartedService(t, vault)
	s.journalPath = path
	require.NoError(t, s.PreRun(context.Background()))
	require.Equal(t, []string{"tx-1"}, vault.abortedTxs())
	s.GracefulStop()

	// Recovery completed every transaction, so the replayed segments were
	// checkpointed away and a restart finds nothing to do.
	vault2 := newFakeParticipant("vault")
	s2 := newUnstartedService(t, vault2)
	s2.journalPath = path
	require.NoError(t, s2.PreRun(context.Background()))
	t.Cleanup(s2.GracefulStop)
	assert.Empty(t, vault2.abortedTxs())
	assert.Empty(t, vault2.committedTxs())
}

func TestRecoveryWithoutSagaDefinitionKeepsJournal(t *testing.T) {
	path := t.TempDir()
	seedJournal(t, path, []journal.Record{
		{TxID: "tx-saga", Kind: kindSagaBegin, Payload: mustMarshal(sagaBeginPayload{Name: "archive-vault"})},
		{TxID: "tx-saga", Kind: kindSagaStepDone, Payload: mustMarshal(sagaStepPayload{Step: 0})},
	})

	// The definition is missing, so the saga cannot be compensated yet. The
	// engine still serves; the journal is kept for a later restart.
	s := newUnstartedService(t)
	s.journalPath = path
	require.NoError(t, s.PreRun(context.Background()))
	s.GracefulStop()

	// A restart with the definition registered compensates it.
	rec := &sagaRecorder{}
	s2 := newUnstartedService(t)
	s2.journalPath = path
	require.NoError(t, s2.RegisterSaga(SagaDefinition{
		Name:  "archive-vault",
		Steps: []SagaStep{rec.step("archive-assets", nil)},
	}))
	require.NoError(t, s2.PreRun(context.Background()))
	t.Cleanup(s2.GracefulStop)
	assert.Equal(t, []string{"comp:archive-assets"}, rec.get())
}
