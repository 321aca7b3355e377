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

// Package compliance keeps the append-only audit trail. Entries arrive two
// ways: as a participant in a transaction that wants its audit record
// committed atomically with the domain writes, and as a bus subscriber
// recording every coordinator outcome.
package compliance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/domain"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

// DomainName registers the compliance participant with the coordinator.
const DomainName = "compliance"

// OpAppendAudit is the only operation the compliance participant accepts;
// the trail is append-only.
const OpAppendAudit = "append-audit"

const kindAudit = "audit"

// Entry is one immutable line of the audit trail.
type Entry struct {
	At      time.Time `json:"at"`
	ID      string    `json:"id"`
	TxID    string    `json:"tx_id"`
	Outcome string    `json:"outcome,omitempty"`
	Saga    string    `json:"saga,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Domains []string  `json:"domains,omitempty"`
}

// entryID orders the trail by time; the uuid suffix breaks ties.
func entryID(at time.Time) string {
	return fmt.Sprintf("%020d-%s", at.UnixNano(), uuid.NewString())
}

// Repo appends and reads audit entries.
type Repo struct {
	store storage.Store
}

// NewRepo wires the repository to the store.
func NewRepo(store storage.Store) *Repo {
	return &Repo{store: store}
}

// Append writes one entry outside any transaction.
func (r *Repo) Append(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = entryID(e.At)
	}
	m, err := domain.PutMutation(domain.Key(DomainName, kindAudit, e.ID), e)
	if err != nil {
		return err
	}
	return r.store.Put(m.Key, m.Value)
}

// List returns entries in time order, newest last. A non-positive limit
// returns all.
func (r *Repo) List(limit int) ([]Entry, error) {
	var ee []Entry
	err := domain.ListJSON(r.store, domain.Prefix(DomainName, kindAudit), func(raw []byte) error {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		ee = append(ee, e)
		if limit > 0 && len(ee) >= limit {
			return storage.ErrStopScan
		}
		return nil
	})
	return ee, err
}

// Resolve turns an append-audit intent into its mutation. Existing entries
// are never rewritten.
func (r *Repo) Resolve(intent coordinator.Intent) ([]storage.Mutation, error) {
	if intent.Op != OpAppendAudit {
		return nil, errors.Errorf("compliance: unknown operation %s", intent.Op)
	}
	var e Entry
	if err := json.Unmarshal(intent.Payload, &e); err != nil {
		return nil, err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.ID = intent.Key
	key := domain.Key(DomainName, kindAudit, e.ID)
	if _, err := r.store.Get(key); err == nil {
		return nil, errors.Wrapf(coordinator.ErrConflict, "audit entry %s exists", e.ID)
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, err
	}
	m, err := domain.PutMutation(key, e)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}
