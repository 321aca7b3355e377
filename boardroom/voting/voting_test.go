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

package voting

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

func newTestRepo(t *testing.T) (*Repo, storage.Store) {
	t.Helper()
	store, err := storage.Open("", storage.StoreInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRepo(store), store
}

func apply(t *testing.T, store storage.Store, repo *Repo, intent coordinator.Intent) {
	t.Helper()
	mm, err := repo.Resolve(intent)
	require.NoError(t, err)
	require.NoError(t, store.Batch(mm))
}

func openBallot(t *testing.T, store storage.Store, repo *Repo, id, resolutionID string) {
	t.Helper()
	raw, _ := json.Marshal(Ballot{ResolutionID: resolutionID})
	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpOpenBallot, Key: id, Payload: raw, ExpectedVersion: 0})
}

func castVote(repo *Repo, ballotID, memberID, choice string) ([]storage.Mutation, error) {
	raw, _ := json.Marshal(Vote{MemberID: memberID, Choice: choice})
	return repo.Resolve(coordinator.Intent{Domain: DomainName, Op: OpCastVote, Key: ballotID, Payload: raw, ExpectedVersion: 0})
}

func TestBallotLifecycle(t *testing.T) {
	repo, store := newTestRepo(t)
	openBallot(t, store, repo, "b-1", "r-1")

	b, ok, err := repo.GetBallot("b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, BallotOpen, b.Status)
	assert.False(t, b.OpensAt.IsZero())

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpCloseBallot, Key: "b-1", ExpectedVersion: 1})
	b, _, err = repo.GetBallot("b-1")
	require.NoError(t, err)
	assert.Equal(t, BallotClosed, b.Status)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpReopenBallot, Key: "b-1", ExpectedVersion: 2})
	b, _, err = repo.GetBallot("b-1")
	require.NoError(t, err)
	assert.Equal(t, BallotOpen, b.Status)
}

func TestCastAndTally(t *testing.T) {
	repo, store := newTestRepo(t)
	openBallot(t, store, repo, "b-1", "r-1")

	for member, choice := range map[string]string{"alice": "yes", "bob": "yes", "carol": "no"} {
		mm, err := castVote(repo, "b-1", member, choice)
		require.NoError(t, err)
		require.NoError(t, store.Batch(mm))
	}

	tally, err := repo.TallyBallot("b-1")
	require.NoError(t, err)
	assert.Equal(t, Tally{"yes": 2, "no": 1}, tally)

	votes, err := repo.ListVotes("b-1")
	require.NoError(t, err)
	assert.Len(t, votes, 3)
}

func TestDoubleVoteConflicts(t *testing.T) {
	repo, store := newTestRepo(t)
	openBallot(t, store, repo, "b-1", "r-1")

	mm, err := castVote(repo, "b-1", "alice", "yes")
	require.NoError(t, err)
	require.NoError(t, store.Batch(mm))

	_, err = castVote(repo, "b-1", "alice", "no")
	assert.True(t, errors.Is(err, coordinator.ErrConflict))
}

func TestVoteOnClosedBallot(t *testing.T) {
	repo, store := newTestRepo(t)
	openBallot(t, store, repo, "b-1", "r-1")
	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpCloseBallot, Key: "b-1", ExpectedVersion: 1})

	_, err := castVote(repo, "b-1", "alice", "yes")
	assert.Error(t, err)
}

func TestVoteOnAbsentBallot(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := castVote(repo, "b-missing", "alice", "yes")
	assert.Error(t, err)
}

func TestVotesScopedToBallot(t *testing.T) {
	repo, store := newTestRepo(t)
	openBallot(t, store, repo, "b-1", "r-1")
	openBallot(t, store, repo, "b-10", "r-2")

	mm, err := castVote(repo, "b-1", "alice", "yes")
	require.NoError(t, err)
	require.NoError(t, store.Batch(mm))
	mm, err = castVote(repo, "b-10", "bob", "no")
	require.NoError(t, err)
	require.NoError(t, store.Batch(mm))

	// The "b-1/" prefix must not match votes of ballot "b-10".
	votes, err := repo.ListVotes("b-1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "alice", votes[0].MemberID)
}
