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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/boardroomdb/boardroom/boardroom/journal"
	"github.com/boardroomdb/boardroom/pkg/bus"
	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

const moduleName = "coordinator"

var (
	_ run.Config    = (*service)(nil)
	_ run.PreRunner = (*service)(nil)
	_ run.Service   = (*service)(nil)
)

// Service is the transaction coordination engine.
type Service interface {
	run.Unit
	// RegisterParticipant attaches a domain resource manager. All participants
	// must be registered before the engine recovers its journal.
	RegisterParticipant(p Participant)
	// RegisterSaga attaches a saga definition under its name.
	RegisterSaga(def SagaDefinition) error
	// Begin opens a transaction.
	Begin(ctx context.Context) (*Tx, error)
	// Commit drives the transaction to its terminal state: one-phase with
	// rollback for a single domain, two-phase commit across several.
	Commit(ctx context.Context, tx *Tx) error
	// Rollback aborts a transaction that has not been committed.
	Rollback(ctx context.Context, tx *Tx) error
	// RunSaga executes a registered saga and returns its transaction ID.
	RunSaga(ctx context.Context, name string, params map[string]string) (string, error)
	// ActiveTransactions lists in-flight transactions ordered by age.
	ActiveTransactions() []Info
	// BreakerStates reports each participant's circuit breaker state.
	BreakerStates() map[string]string
	// Outcome returns the terminal state of a recently terminated transaction.
	Outcome(txID string) (State, bool)
}

type service struct {
	clk             clock.Clock
	jnl             journal.Journal
	locks           *lockManager
	l               *logger.Logger
	pub             bus.Publisher
	participants    map[string]Participant
	sagas           map[string]SagaDefinition
	active          *treemap.Map
	recent          *lru.Cache
	breakers        map[string]*breaker
	stopCh          chan struct{}
	journalPath     string
	journalFileSize run.Bytes
	journalBufSize  run.Bytes
	flushInterval   time.Duration
	prepareTimeout  time.Duration
	lockWaitTimeout time.Duration
	lockLeaseTTL    time.Duration
	breakerCooldown time.Duration
	seq             uint64
	commitRetries   int
	breakerLimit    int
	breakerProbes   int
	recentSize      int
	compensateMax   int
	activeMu        sync.RWMutex
	breakerMu       sync.Mutex
	registerMu      sync.Mutex
	serving         uint32
}

// NewService returns the coordination engine. Lifecycle events are published
// to pub; pass nil to disable publishing.
func NewService(pub bus.Publisher) Service {
	return &service{
		clk:          clock.New(),
		pub:          pub,
		participants: make(map[string]Participant),
		sagas:        make(map[string]SagaDefinition),
		breakers:     make(map[string]*breaker),
		active:       treemap.NewWith(godsutils.UInt64Comparator),
		stopCh:       make(chan struct{}),
	}
}

func (s *service) Name() string {
	return moduleName
}

func (s *service) FlagSet() *run.FlagSet {
	flagSet := run.NewFlagSet(moduleName)
	flagSet.StringVar(&s.journalPath, "tx-journal-path", "/tmp/boardroom/journal", "path of the transaction journal")
	s.journalFileSize = run.Bytes(8 << 20)
	flagSet.Var(&s.journalFileSize, "tx-journal-file-size", "maximum size of a journal segment")
	s.journalBufSize = run.Bytes(16 << 10)
	flagSet.Var(&s.journalBufSize, "tx-journal-buffer-size", "size of the journal write buffer")
	flagSet.DurationVar(&s.flushInterval, "tx-journal-flush-interval", 500*time.Millisecond, "interval of journal buffer flushing")
	flagSet.DurationVar(&s.prepareTimeout, "tx-prepare-timeout", 3*time.Second, "per-participant prepare timeout, a timeout counts as a no-vote")
	flagSet.DurationVar(&s.lockWaitTimeout, "tx-lock-wait-timeout", 5*time.Second, "bound of a single lock wait")
	flagSet.DurationVar(&s.lockLeaseTTL, "tx-lock-lease-ttl", 10*time.Second, "lease of an acquired lock before it can be reclaimed")
	flagSet.IntVar(&s.commitRetries, "tx-commit-retries", 5, "retries of a participant commit after the decision")
	flagSet.IntVar(&s.breakerLimit, "tx-breaker-failure-threshold", 5, "consecutive participant failures opening its circuit breaker")
	flagSet.DurationVar(&s.breakerCooldown, "tx-breaker-cooldown", 10*time.Second, "cooldown before an open breaker half-opens")
	flagSet.IntVar(&s.breakerProbes, "tx-breaker-half-open-probes", 1, "admitted probes while a breaker is half-open")
	flagSet.IntVar(&s.recentSize, "tx-recent-outcomes", 4096, "cached terminal outcomes for idempotent acknowledgements")
	flagSet.IntVar(&s.compensateMax, "tx-compensate-retries", 5, "retries of a failing saga compensation")
	return flagSet
}

func (s *service) Validate() error {
	if s.journalPath == "" {
		return errors.New("coordinator: empty journal path")
	}
	if s.prepareTimeout <= 0 || s.lockWaitTimeout <= 0 || s.lockLeaseTTL <= 0 {
		return errors.New("coordinator: timeouts must be positive")
	}
	if s.breakerLimit < 1 || s.breakerProbes < 1 {
		return errors.New("coordinator: breaker thresholds must be positive")
	}
	return nil
}

func (s *service) PreRun(ctx context.Context) error {
	s.l = logger.GetLogger(moduleName)
	s.locks = newLockManager(s.clk, s.lockLeaseTTL, s.lockWaitTimeout, s.l.Named("locks"))
	var err error
	s.recent, err = lru.New(s.recentSize)
	if err != nil {
		return err
	}
	s.jnl, err = journal.New(s.journalPath, &journal.Options{
		FileSize:            int(s.journalFileSize),
		BufferSize:          int(s.journalBufSize),
		BufferBatchInterval: s.flushInterval,
	})
	if err != nil {
		return errors.Wrap(err, "coordinator: opening journal")
	}
	if err = s.recover(ctx); err != nil {
		return errors.Wrap(err, "coordinator: journal recovery")
	}
	atomic.StoreUint32(&s.serving, 1)
	s.l.Info().Str("journal", s.journalPath).Msg("coordinator is serving")
	return nil
}

func (s *service) Serve() run.StopNotify {
	return s.stopCh
}

func (s *service) GracefulStop() {
	atomic.StoreUint32(&s.serving, 0)
	if s.jnl != nil {
		if err := s.jnl.Close(); err != nil {
			s.l.Error().Err(err).Msg("closing journal")
		}
	}
	close(s.stopCh)
}

func (s *service) isServing() bool {
	return atomic.LoadUint32(&s.serving) == 1
}

func (s *service) RegisterParticipant(p Participant) {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()
	s.participants[p.Domain()] = p
}

func (s *service) RegisterSaga(def SagaDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	s.registerMu.Lock()
	defer s.registerMu.Unlock()
	s.sagas[def.Name] = def
	return nil
}

func (s *service) breakerFor(domain string) *breaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	b, ok := s.breakers[domain]
	if !ok {
		b = newBreaker(domain, s.clk, s.breakerLimit, s.breakerCooldown, s.breakerProbes)
		s.breakers[domain] = b
	}
	return b
}

// Begin opens a transaction.
func (s *service) Begin(_ context.Context) (*Tx, error) {
	if !s.isServing() {
		return nil, ErrNotServing
	}
	tx := &Tx{
		id:        uuid.NewString(),
		seq:       atomic.AddUint64(&s.seq, 1),
		startedAt: s.clk.Now(),
		state:     StateActive,
	}
	s.jnl.Write(journal.Record{
		TxID:    tx.id,
		Kind:    kindBegin,
		Payload: mustMarshal(beginPayload{Seq: tx.seq, StartedAt: tx.startedAt.UnixNano()}),
	}, nil)

	s.activeMu.Lock()
	s.active.Put(tx.seq, tx)
	s.activeMu.Unlock()
	return tx, nil
}

// Commit drives the transaction to its terminal state.
func (s *service) Commit(ctx context.Context, tx *Tx) error {
	if !s.isServing() {
		return ErrNotServing
	}
	if tx.State().Terminal() {
		return errors.Wrap(ErrTxTerminal, tx.id)
	}
	intents := tx.Intents()
	if len(intents) == 0 {
		s.finish(tx, StateCommitted, Event{TxID: tx.id, Outcome: OutcomeCommitted})
		return nil
	}

	groups, domains, err := s.groupIntents(intents)
	if err != nil {
		s.abortTx(ctx, tx, nil)
		return err
	}
	for _, domain := range domains {
		if allowErr := s.breakerFor(domain).Allow(); allowErr != nil {
			s.abortTx(ctx, tx, nil)
			return allowErr
		}
	}

	s.jnl.Write(journal.Record{
		TxID:    tx.id,
		Kind:    kindIntents,
		Payload: mustMarshal(intentsPayload{Intents: intents}),
	}, nil)

	keys := make([]string, 0, len(intents))
	for _, intent := range intents {
		keys = append(keys, intent.LockKey())
	}
	if err = s.locks.Acquire(ctx, tx.id, tx.seq, keys); err != nil {
		s.abortTx(ctx, tx, nil)
		return err
	}

	// Phase one: every participant stages and votes.
	prepareStart := s.clk.Now()
	for _, domain := range domains {
		p := s.participants[domain]
		b := s.breakerFor(domain)
		prepareCtx, cancel := context.WithTimeout(ctx, s.prepareTimeout)
		prepareErr := p.Prepare(prepareCtx, tx.id, groups[domain])
		cancel()
		if prepareErr != nil {
			b.Failure()
			s.l.Warn().Err(prepareErr).Str("tx", tx.id).Str("domain", domain).Msg("participant voted no")
			// Abort everywhere: Abort is idempotent and the failing
			// participant may have staged partially.
			s.abortTx(ctx, tx, domains)
			return errors.Wrapf(prepareErr, "prepare failed on %s", domain)
		}
		b.Success()
	}
	prepareLatency := s.clk.Now().Sub(prepareStart)
	tx.transit(StateActive, StatePrepared)
	s.jnl.Write(journal.Record{TxID: tx.id, Kind: kindPrepared}, nil)

	// The decision must be durable before any participant commits.
	if err = s.jnl.WriteSync(journal.Record{TxID: tx.id, Kind: kindDecisionCommit}); err != nil {
		s.abortTx(ctx, tx, domains)
		return errors.Wrap(err, "journaling the commit decision")
	}
	s.locks.MarkDecided(tx.id)

	// Phase two: the decision is final, participant failures are retried.
	commitStart := s.clk.Now()
	var commitErr error
	for _, domain := range domains {
		if perErr := s.commitParticipant(ctx, tx.id, domain); perErr != nil {
			commitErr = multierr.Append(commitErr, perErr)
			continue
		}
		s.jnl.Write(journal.Record{
			TxID:    tx.id,
			Kind:    kindParticipantDone,
			Payload: mustMarshal(participantDonePayload{Domain: domain, Outcome: OutcomeCommitted}),
		}, nil)
	}
	if commitErr == nil {
		s.jnl.Write(journal.Record{TxID: tx.id, Kind: kindCompleted}, nil)
	} else {
		// The transaction stays committed; recovery finishes the laggards.
		s.l.Error().Err(commitErr).Str("tx", tx.id).Msg("phase two incomplete, deferring to recovery")
	}

	s.finish(tx, StateCommitted, Event{
		TxID:           tx.id,
		Outcome:        OutcomeCommitted,
		Domains:        domains,
		PrepareLatency: prepareLatency,
		CommitLatency:  s.clk.Now().Sub(commitStart),
	})
	return nil
}

// Rollback aborts a transaction that has not been committed.
func (s *service) Rollback(ctx context.Context, tx *Tx) error {
	if !s.isServing() {
		return ErrNotServing
	}
	if tx.State().Terminal() {
		return errors.Wrap(ErrTxTerminal, tx.id)
	}
	s.abortTx(ctx, tx, nil)
	return nil
}

func (s *service) commitParticipant(ctx context.Context, txID, domain string) error {
	p := s.participants[domain]
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt <= s.commitRetries; attempt++ {
		if err = p.Commit(ctx, txID); err == nil {
			return nil
		}
		s.l.Warn().Err(err).Str("tx", txID).Str("domain", domain).Int("attempt", attempt+1).Msg("participant commit failed, retrying")
		s.clk.Sleep(backoff)
		backoff *= 2
	}
	return errors.Wrapf(err, "commit exhausted retries on %s", domain)
}

// abortTx journals the abort decision, rolls back the named participants,
// and retires the transaction.
func (s *service) abortTx(ctx context.Context, tx *Tx, domains []string) {
	if err := s.jnl.WriteSync(journal.Record{TxID: tx.id, Kind: kindDecisionAbort}); err != nil {
		s.l.Error().Err(err).Str("tx", tx.id).Msg("journaling the abort decision")
	}
	for _, domain := range domains {
		p := s.participants[domain]
		if err := p.Abort(ctx, tx.id); err != nil {
			s.l.Error().Err(err).Str("tx", tx.id).Str("domain", domain).Msg("participant abort failed")
			continue
		}
		s.jnl.Write(journal.Record{
			TxID:    tx.id,
			Kind:    kindParticipantDone,
			Payload: mustMarshal(participantDonePayload{Domain: domain, Outcome: OutcomeAborted}),
		}, nil)
	}
	s.jnl.Write(journal.Record{TxID: tx.id, Kind: kindCompleted}, nil)
	s.finish(tx, StateAborted, Event{TxID: tx.id, Outcome: OutcomeAborted, Domains: tx.domains()})
}

// finish moves the transaction to its terminal state and retires the handle.
func (s *service) finish(tx *Tx, terminal State, ev Event) {
	tx.mu.Lock()
	if !tx.state.Terminal() {
		tx.state = terminal
	}
	tx.mu.Unlock()
	s.locks.Release(tx.id)

	s.activeMu.Lock()
	s.active.Remove(tx.seq)
	s.activeMu.Unlock()
	if s.recent != nil {
		s.recent.Add(tx.id, terminal)
	}
	s.publishEvent(ev)
}

func (s *service) groupIntents(intents []Intent) (map[string][]Intent, []string, error) {
	groups := make(map[string][]Intent)
	for _, intent := range intents {
		if _, ok := s.participants[intent.Domain]; !ok {
			return nil, nil, errors.Wrap(ErrUnknownDomain, intent.Domain)
		}
		groups[intent.Domain] = append(groups[intent.Domain], intent)
	}
	domains := make([]string, 0, len(groups))
	for domain := range groups {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return groups, domains, nil
}

// ActiveTransactions lists in-flight transactions ordered by age.
func (s *service) ActiveTransactions() []Info {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	infos := make([]Info, 0, s.active.Size())
	it := s.active.Iterator()
	for it.Next() {
		tx := it.Value().(*Tx)
		infos = append(infos, Info{
			ID:        tx.id,
			Seq:       tx.seq,
			State:     tx.State().String(),
			Domains:   tx.domains(),
			StartedAt: tx.startedAt,
		})
	}
	return infos
}

// BreakerStates reports each participant's circuit breaker state.
func (s *service) BreakerStates() map[string]string {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	states := make(map[string]string, len(s.breakers))
	for domain, b := range s.breakers {
		states[domain] = b.State()
	}
	return states
}

// Outcome returns the terminal state of a recently terminated transaction.
func (s *service) Outcome(txID string) (State, bool) {
	if s.recent == nil {
		return 0, false
	}
	v, ok := s.recent.Get(txID)
	if !ok {
		return 0, false
	}
	return v.(State), true
}
