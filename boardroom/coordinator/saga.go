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

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/boardroomdb/boardroom/boardroom/journal"
)

// SagaStep is one forward action of a saga paired with the compensation that
// undoes it. Compensations must be idempotent: recovery may re-run one that
// already took effect.
type SagaStep struct {
	Execute    func(ctx context.Context, txID string, params map[string]string) error
	Compensate func(ctx context.Context, txID string, params map[string]string) error
	Name       string
}

// SagaDefinition is an ordered sequence of steps registered under a stable
// name. The name keys recovery: a journaled saga can only be compensated if
// its definition is registered again after a restart.
type SagaDefinition struct {
	Name  string
	Steps []SagaStep
}

func (d SagaDefinition) validate() error {
	if d.Name == "" {
		return errors.New("saga: empty name")
	}
	if len(d.Steps) == 0 {
		return errors.Errorf("saga %s: no steps", d.Name)
	}
	for i, step := range d.Steps {
		if step.Execute == nil {
			return errors.Errorf("saga %s: step %d has no execute action", d.Name, i)
		}
	}
	return nil
}

const (
	sagaStatusCommitted   = "committed"
	sagaStatusCompensated = "compensated"
)

// RunSaga executes a registered saga. Each step boundary is journaled durably
// before the next step runs, so a crash mid-saga compensates exactly the steps
// that completed. On a step failure the completed prefix is compensated in
// reverse order and the saga terminates as compensated. If a compensation
// exhausts its retries the saga is left open and journal recovery finishes
// it on the next start.
func (s *service) RunSaga(ctx context.Context, name string, params map[string]string) (string, error) {
	if !s.isServing() {
		return "", ErrNotServing
	}
	s.registerMu.Lock()
	def, ok := s.sagas[name]
	s.registerMu.Unlock()
	if !ok {
		return "", errors.Wrap(ErrUnknownSaga, name)
	}

	txID := uuid.NewString()
	if err := s.jnl.WriteSync(journal.Record{
		TxID:    txID,
		Kind:    kindSagaBegin,
		Payload: mustMarshal(sagaBeginPayload{Name: name, Params: params}),
	}); err != nil {
		return "", errors.Wrap(err, "journaling saga begin")
	}
	start := s.clk.Now()

	for i, step := range def.Steps {
		if err := step.Execute(ctx, txID, params); err != nil {
			s.l.Warn().Err(err).Str("tx", txID).Str("saga", name).Str("step", step.Name).Msg("saga step failed, compensating")
			stepErr := errors.Wrapf(err, "saga %s failed at step %s", name, step.Name)
			if cerr := s.compensateSaga(ctx, def, txID, params, i-1); cerr != nil {
				// No terminal record: the saga stays open in the journal and
				// the next recovery pass retries the outstanding compensations.
				return txID, multierr.Append(stepErr, cerr)
			}
			s.sagaDone(txID, name, sagaStatusCompensated, start)
			return txID, stepErr
		}
		if err := s.jnl.WriteSync(journal.Record{
			TxID:    txID,
			Kind:    kindSagaStepDone,
			Payload: mustMarshal(sagaStepPayload{Step: i}),
		}); err != nil {
			// The step took effect but its boundary is not durable. Treat the
			// step as done and compensate it with the rest.
			s.l.Error().Err(err).Str("tx", txID).Str("saga", name).Msg("journaling saga step, compensating")
			stepErr := errors.Wrap(err, "journaling saga step")
			if cerr := s.compensateSaga(ctx, def, txID, params, i); cerr != nil {
				return txID, multierr.Append(stepErr, cerr)
			}
			s.sagaDone(txID, name, sagaStatusCompensated, start)
			return txID, stepErr
		}
	}

	s.sagaDone(txID, name, sagaStatusCommitted, start)
	return txID, nil
}

// compensateSaga undoes steps lastDone..0 in reverse order. A failing
// compensation is retried with backoff; one that exhausts its retries is
// reported while the remaining compensations still run, so the caller must
// not terminalize the saga.
func (s *service) compensateSaga(ctx context.Context, def SagaDefinition, txID string, params map[string]string, lastDone int) error {
	var exhausted error
	for i := lastDone; i >= 0; i-- {
		step := def.Steps[i]
		if step.Compensate == nil {
			continue
		}
		backoff := 100 * time.Millisecond
		var err error
		for attempt := 0; attempt <= s.compensateMax; attempt++ {
			if err = step.Compensate(ctx, txID, params); err == nil {
				break
			}
			s.l.Warn().Err(err).Str("tx", txID).Str("saga", def.Name).Str("step", step.Name).
				Int("attempt", attempt+1).Msg("saga compensation failed, retrying")
			s.clk.Sleep(backoff)
			backoff *= 2
		}
		if err != nil {
			s.l.Error().Err(err).Str("tx", txID).Str("saga", def.Name).Str("step", step.Name).
				Msg("saga compensation exhausted retries")
			exhausted = multierr.Append(exhausted, errors.Wrapf(err, "compensating saga step %s", step.Name))
			continue
		}
		s.jnl.Write(journal.Record{
			TxID:    txID,
			Kind:    kindSagaStepCompensated,
			Payload: mustMarshal(sagaStepPayload{Step: i}),
		}, nil)
	}
	return exhausted
}

func (s *service) sagaDone(txID, name, status string, start time.Time) {
	s.jnl.Write(journal.Record{
		TxID:    txID,
		Kind:    kindSagaCompleted,
		Payload: mustMarshal(sagaCompletedPayload{Status: status}),
	}, nil)
	terminal := StateCommitted
	outcome := OutcomeCommitted
	if status == sagaStatusCompensated {
		terminal = StateAborted
		outcome = OutcomeCompensated
	}
	if s.recent != nil {
		s.recent.Add(txID, terminal)
	}
	s.publishEvent(Event{
		TxID:          txID,
		Outcome:       outcome,
		Saga:          name,
		CommitLatency: s.clk.Now().Sub(start),
	})
}
