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

// Package voting manages ballots and the votes members cast on them.
package voting

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/domain"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

// DomainName registers the voting participant with the coordinator.
const DomainName = "voting"

// Intent operations accepted by the voting participant.
const (
	OpOpenBallot   = "open-ballot"
	OpCloseBallot  = "close-ballot"
	OpReopenBallot = "reopen-ballot"
	OpCastVote     = "cast-vote"
)

// Ballot statuses.
const (
	BallotOpen   = "open"
	BallotClosed = "closed"
)

const (
	kindBallot = "ballot"
	kindVote   = "vote"
)

// Ballot collects votes on a resolution.
type Ballot struct {
	OpensAt      time.Time `json:"opens_at"`
	ClosesAt     time.Time `json:"closes_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ID           string    `json:"id"`
	ResolutionID string    `json:"resolution_id"`
	Status       string    `json:"status"`
	Version      int64     `json:"version"`
}

// Vote is one member's choice on a ballot. A member votes at most once per
// ballot; the vote key encodes both IDs so a duplicate cast fails the
// version check.
type Vote struct {
	CastAt   time.Time `json:"cast_at"`
	BallotID string    `json:"ballot_id"`
	MemberID string    `json:"member_id"`
	Choice   string    `json:"choice"`
	Version  int64     `json:"version"`
}

// Tally counts votes by choice.
type Tally map[string]int

func voteID(ballotID, memberID string) string {
	return ballotID + "/" + memberID
}

// Repo reads voting records and resolves voting intents.
type Repo struct {
	store storage.Store
}

// NewRepo wires the repository to the store.
func NewRepo(store storage.Store) *Repo {
	return &Repo{store: store}
}

// GetBallot loads one ballot.
func (r *Repo) GetBallot(id string) (Ballot, bool, error) {
	var b Ballot
	ok, err := domain.GetJSON(r.store, domain.Key(DomainName, kindBallot, id), &b)
	return b, ok, err
}

// ListBallots returns all ballots; a non-empty resolutionID filters by it.
func (r *Repo) ListBallots(resolutionID string) ([]Ballot, error) {
	var bb []Ballot
	err := domain.ListJSON(r.store, domain.Prefix(DomainName, kindBallot), func(raw []byte) error {
		var b Ballot
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		if resolutionID == "" || b.ResolutionID == resolutionID {
			bb = append(bb, b)
		}
		return nil
	})
	return bb, err
}

// ListVotes returns the votes of a ballot.
func (r *Repo) ListVotes(ballotID string) ([]Vote, error) {
	var vv []Vote
	prefix := domain.Key(DomainName, kindVote, ballotID+"/")
	err := domain.ListJSON(r.store, prefix, func(raw []byte) error {
		var v Vote
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		vv = append(vv, v)
		return nil
	})
	return vv, err
}

// TallyBallot counts the ballot's votes by choice.
func (r *Repo) TallyBallot(ballotID string) (Tally, error) {
	votes, err := r.ListVotes(ballotID)
	if err != nil {
		return nil, err
	}
	t := make(Tally)
	for _, v := range votes {
		t[v.Choice]++
	}
	return t, nil
}

// Resolve turns one voting intent into its mutations.
func (r *Repo) Resolve(intent coordinator.Intent) ([]storage.Mutation, error) {
	switch intent.Op {
	case OpOpenBallot:
		var in Ballot
		if err := json.Unmarshal(intent.Payload, &in); err != nil {
			return nil, err
		}
		return r.putBallot(intent, func(b *Ballot) error {
			b.ResolutionID, b.ClosesAt = in.ResolutionID, in.ClosesAt
			b.Status = BallotOpen
			if b.OpensAt.IsZero() {
				b.OpensAt = time.Now()
			}
			return nil
		})
	case OpCloseBallot:
		return r.putBallot(intent, func(b *Ballot) error {
			b.Status = BallotClosed
			return nil
		})
	case OpReopenBallot:
		return r.putBallot(intent, func(b *Ballot) error {
			b.Status = BallotOpen
			return nil
		})
	case OpCastVote:
		return r.castVote(intent)
	}
	return nil, errors.Errorf("voting: unknown operation %s", intent.Op)
}

func (r *Repo) putBallot(intent coordinator.Intent, apply func(*Ballot) error) ([]storage.Mutation, error) {
	cur, exists, err := r.GetBallot(intent.Key)
	if err != nil {
		return nil, err
	}
	if err = domain.ValidateVersion(intent.ExpectedVersion, cur.Version, exists); err != nil {
		return nil, err
	}
	next := cur
	next.ID = intent.Key
	if err = apply(&next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	m, err := domain.PutMutation(domain.Key(DomainName, kindBallot, intent.Key), next)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}

// castVote rejects votes on closed ballots and second votes by the same
// member.
func (r *Repo) castVote(intent coordinator.Intent) ([]storage.Mutation, error) {
	var in Vote
	if err := json.Unmarshal(intent.Payload, &in); err != nil {
		return nil, err
	}
	ballot, exists, err := r.GetBallot(intent.Key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("voting: ballot %s does not exist", intent.Key)
	}
	if ballot.Status != BallotOpen {
		return nil, errors.Errorf("voting: ballot %s is %s", intent.Key, ballot.Status)
	}
	key := domain.Key(DomainName, kindVote, voteID(intent.Key, in.MemberID))
	var cur Vote
	voted, err := domain.GetJSON(r.store, key, &cur)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, errors.Wrapf(coordinator.ErrConflict, "member %s already voted on %s", in.MemberID, intent.Key)
	}
	in.BallotID = intent.Key
	in.Version = 1
	in.CastAt = time.Now()
	m, err := domain.PutMutation(key, in)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}
