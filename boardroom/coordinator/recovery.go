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
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/journal"
)

// replayState is what the journal proves about one transaction at startup.
type replayState struct {
	doneDomains map[string]struct{}
	compensated map[int]struct{}
	sagaName    string
	sagaParams  map[string]string
	intents     []Intent
	seq         uint64
	lastStep    int
	saga        bool
	decided     bool
	committed   bool
	completed   bool
}

// recover replays the journal and finishes what the crash interrupted. A
// transaction with a durable commit decision is driven forward: its intents
// are re-prepared and committed on every participant that has no completion
// record. An undecided transaction is aborted everywhere. A saga that never
// completed is compensated from its last durable step boundary. Participant
// Prepare, Commit, Abort and saga compensations are idempotent, so replaying
// work that finished just before the crash is harmless.
func (s *service) recover(ctx context.Context) error {
	segments, err := s.jnl.ReadAllSegments()
	if err != nil {
		return err
	}

	states := make(map[string]*replayState)
	var order []string
	stateOf := func(txID string) *replayState {
		st, ok := states[txID]
		if !ok {
			st = &replayState{
				doneDomains: make(map[string]struct{}),
				compensated: make(map[int]struct{}),
				lastStep:    -1,
			}
			states[txID] = st
			order = append(order, txID)
		}
		return st
	}

	for _, seg := range segments {
		for _, record := range seg.GetRecords() {
			st := stateOf(record.TxID)
			switch record.Kind {
			case kindBegin:
				var p beginPayload
				if err = json.Unmarshal(record.Payload, &p); err == nil {
					st.seq = p.Seq
				}
			case kindIntents:
				var p intentsPayload
				if err = json.Unmarshal(record.Payload, &p); err != nil {
					return errors.Wrapf(err, "corrupt intents record of %s", record.TxID)
				}
				st.intents = p.Intents
			case kindPrepared:
				// Informational; the decision record is what matters.
			case kindDecisionCommit:
				st.decided, st.committed = true, true
			case kindDecisionAbort:
				st.decided, st.committed = true, false
			case kindParticipantDone:
				var p participantDonePayload
				if err = json.Unmarshal(record.Payload, &p); err == nil {
					st.doneDomains[p.Domain] = struct{}{}
				}
			case kindCompleted:
				st.completed = true
			case kindSagaBegin:
				var p sagaBeginPayload
				if err = json.Unmarshal(record.Payload, &p); err != nil {
					return errors.Wrapf(err, "corrupt saga record of %s", record.TxID)
				}
				st.saga = true
				st.sagaName = p.Name
				st.sagaParams = p.Params
			case kindSagaStepDone:
				var p sagaStepPayload
				if err = json.Unmarshal(record.Payload, &p); err == nil && p.Step > st.lastStep {
					st.lastStep = p.Step
				}
			case kindSagaStepCompensated:
				var p sagaStepPayload
				if err = json.Unmarshal(record.Payload, &p); err == nil {
					st.compensated[p.Step] = struct{}{}
				}
			case kindSagaCompleted:
				st.completed = true
			}
		}
	}

	var recovered int
	allComplete := true
	for _, txID := range order {
		st := states[txID]
		if st.seq > s.seq {
			s.seq = st.seq
		}
		if st.completed {
			continue
		}
		recovered++
		if st.saga {
			if !s.recoverSaga(ctx, txID, st) {
				allComplete = false
			}
			continue
		}
		if !s.recoverTx(ctx, txID, st) {
			allComplete = false
		}
	}
	if recovered > 0 {
		s.l.Info().Int("transactions", recovered).Msg("recovery finished interrupted transactions")
	}
	if !allComplete {
		// The journal still carries intents a later restart needs; keep it.
		return nil
	}
	return s.checkpoint(segments)
}

// recoverTx finishes one interrupted non-saga transaction belonging to the
// previous run. Reports whether the transaction reached a terminal state.
func (s *service) recoverTx(ctx context.Context, txID string, st *replayState) bool {
	if len(st.intents) == 0 {
		// Begun but nothing staged; nothing could have reached a participant.
		s.jnl.Write(journal.Record{TxID: txID, Kind: kindCompleted}, nil)
		return true
	}
	groups, domains, err := s.groupIntents(st.intents)
	if err != nil {
		s.l.Error().Err(err).Str("tx", txID).Msg("journal names an unregistered domain, cannot recover")
		return false
	}

	complete := true
	if !st.decided || !st.committed {
		// No durable commit decision: the transaction must abort.
		for _, domain := range domains {
			if _, done := st.doneDomains[domain]; done {
				continue
			}
			if err = s.participants[domain].Abort(ctx, txID); err != nil {
				s.l.Error().Err(err).Str("tx", txID).Str("domain", domain).Msg("recovery abort failed")
				complete = false
				continue
			}
			s.jnl.Write(journal.Record{
				TxID:    txID,
				Kind:    kindParticipantDone,
				Payload: mustMarshal(participantDonePayload{Domain: domain, Outcome: OutcomeAborted}),
			}, nil)
		}
		if !complete {
			return false
		}
		s.jnl.Write(journal.Record{TxID: txID, Kind: kindCompleted}, nil)
		if s.recent != nil {
			s.recent.Add(txID, StateAborted)
		}
		s.publishEvent(Event{TxID: txID, Outcome: OutcomeAborted, Domains: domains, Recovered: true})
		return true
	}

	// Decision was commit: re-deliver intents so a participant that lost its
	// staging can rebuild it, then finish phase two.
	for _, domain := range domains {
		if _, done := st.doneDomains[domain]; done {
			continue
		}
		p := s.participants[domain]
		if err = p.Prepare(ctx, txID, groups[domain]); err != nil {
			s.l.Error().Err(err).Str("tx", txID).Str("domain", domain).Msg("recovery re-prepare failed")
			complete = false
			continue
		}
		if err = s.commitParticipant(ctx, txID, domain); err != nil {
			s.l.Error().Err(err).Str("tx", txID).Str("domain", domain).Msg("recovery commit failed")
			complete = false
			continue
		}
		s.jnl.Write(journal.Record{
			TxID:    txID,
			Kind:    kindParticipantDone,
			Payload: mustMarshal(participantDonePayload{Domain: domain, Outcome: OutcomeCommitted}),
		}, nil)
	}
	if !complete {
		// Leave the journal as is; the next restart retries the remainder.
		return false
	}
	s.jnl.Write(journal.Record{TxID: txID, Kind: kindCompleted}, nil)
	if s.recent != nil {
		s.recent.Add(txID, StateCommitted)
	}
	s.publishEvent(Event{TxID: txID, Outcome: OutcomeCommitted, Domains: domains, Recovered: true})
	return true
}

// recoverSaga compensates an interrupted saga from its last durable step
// boundary, skipping steps whose compensation was already journaled. Reports
// whether the saga reached a terminal state.
func (s *service) recoverSaga(ctx context.Context, txID string, st *replayState) bool {
	s.registerMu.Lock()
	def, ok := s.sagas[st.sagaName]
	s.registerMu.Unlock()
	if !ok {
		s.l.Error().Str("tx", txID).Str("saga", st.sagaName).Msg("saga definition not registered, cannot compensate")
		return false
	}
	last := st.lastStep
	if last >= len(def.Steps) {
		last = len(def.Steps) - 1
	}
	for i := last; i >= 0; i-- {
		if _, done := st.compensated[i]; done {
			continue
		}
		step := def.Steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, txID, st.sagaParams); err != nil {
			s.l.Error().Err(err).Str("tx", txID).Str("saga", def.Name).Str("step", step.Name).Msg("recovery compensation failed")
			return false
		}
		s.jnl.Write(journal.Record{
			TxID:    txID,
			Kind:    kindSagaStepCompensated,
			Payload: mustMarshal(sagaStepPayload{Step: i}),
		}, nil)
	}
	s.jnl.Write(journal.Record{
		TxID:    txID,
		Kind:    kindSagaCompleted,
		Payload: mustMarshal(sagaCompletedPayload{Status: sagaStatusCompensated}),
	}, nil)
	if s.recent != nil {
		s.recent.Add(txID, StateAborted)
	}
	s.publishEvent(Event{TxID: txID, Outcome: OutcomeCompensated, Saga: st.sagaName, Recovered: true})
	return true
}

// checkpoint rotates the journal and deletes fully replayed segments so the
// journal does not grow without bound across restarts.
func (s *service) checkpoint(replayed []journal.Segment) error {
	if len(replayed) == 0 {
		return nil
	}
	if _, err := s.jnl.Rotate(); err != nil {
		return errors.Wrap(err, "rotating journal after recovery")
	}
	ids := make([]journal.SegmentID, 0, len(replayed))
	for _, seg := range replayed {
		ids = append(ids, seg.GetSegmentID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := s.jnl.Delete(id); err != nil {
			return errors.Wrapf(err, "deleting replayed segment %d", id)
		}
	}
	return nil
}
