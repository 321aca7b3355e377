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

// Package domain carries the participant plumbing shared by the governance
// resource managers: staged write sets resolved from intents at prepare time
// and applied atomically, with an applied marker making Commit idempotent.
package domain

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/storage"
	"github.com/boardroomdb/boardroom/pkg/logger"
)

// Key builds a store key in the shared <domain>/<kind>/<id> layout.
func Key(domain, kind, id string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", domain, kind, id))
}

// Prefix builds a scan prefix over all records of a kind.
func Prefix(domain, kind string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", domain, kind))
}

func appliedKey(domain, txID string) []byte {
	return Key(domain, "txapplied", txID)
}

// Resolver turns one intent into the mutations applying it. Resolvers read
// current state to validate expected versions and return
// coordinator.ErrConflict (wrapped) on a stale version.
type Resolver func(intent coordinator.Intent) ([]storage.Mutation, error)

// StagedParticipant implements coordinator.Participant over a Store. Prepare
// resolves intents into an in-memory write set; Commit applies the set plus an
// applied marker in one atomic batch; Abort drops the set. Staging does not
// survive a restart, the coordinator re-prepares from its journal during
// recovery, and the marker keeps the replayed Commit a no-op.
type StagedParticipant struct {
	store   storage.Store
	staged  map[string][]storage.Mutation
	resolve Resolver
	l       *logger.Logger
	name    string
	mu      sync.Mutex
}

// NewStagedParticipant wires a resolver to the store under a domain name.
func NewStagedParticipant(name string, store storage.Store, l *logger.Logger, resolve Resolver) *StagedParticipant {
	return &StagedParticipant{
		name:    name,
		store:   store,
		l:       l,
		resolve: resolve,
		staged:  make(map[string][]storage.Mutation),
	}
}

// Domain returns the participant's registered name.
func (p *StagedParticipant) Domain() string {
	return p.name
}

// Prepare resolves the intents into a staged write set and votes yes if every
// intent resolves. An already-applied transaction prepares trivially.
func (p *StagedParticipant) Prepare(_ context.Context, txID string, intents []coordinator.Intent) error {
	if p.applied(txID) {
		return nil
	}
	mutations := make([]storage.Mutation, 0, len(intents))
	for _, intent := range intents {
		mm, err := p.resolve(intent)
		if err != nil {
			return errors.Wrapf(err, "%s: resolving %s on %s", p.name, intent.Op, intent.Key)
		}
		mutations = append(mutations, mm...)
	}
	p.mu.Lock()
	p.staged[txID] = mutations
	p.mu.Unlock()
	return nil
}

// Commit applies the staged write set atomically together with the applied
// marker. Replaying Commit after a crash is a no-op once the marker exists.
func (p *StagedParticipant) Commit(_ context.Context, txID string) error {
	if p.applied(txID) {
		p.drop(txID)
		return nil
	}
	p.mu.Lock()
	mutations, ok := p.staged[txID]
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("%s: commit of unprepared transaction %s", p.name, txID)
	}
	batch := append(mutations, storage.Mutation{Key: appliedKey(p.name, txID), Value: []byte{1}})
	if err := p.store.Batch(batch); err != nil {
		return errors.Wrapf(err, "%s: applying %s", p.name, txID)
	}
	p.drop(txID)
	return nil
}

// Abort discards the staged write set. Nothing has touched the store before
// Commit, so there is no on-disk undo.
func (p *StagedParticipant) Abort(_ context.Context, txID string) error {
	p.drop(txID)
	return nil
}

func (p *StagedParticipant) applied(txID string) bool {
	_, err := p.store.Get(appliedKey(p.name, txID))
	return err == nil
}

func (p *StagedParticipant) drop(txID string) {
	p.mu.Lock()
	delete(p.staged, txID)
	p.mu.Unlock()
}
