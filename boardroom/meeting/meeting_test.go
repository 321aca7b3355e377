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

package meeting

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

func intent(op, key string, payload interface{}, expected int64) coordinator.Intent {
	raw, _ := json.Marshal(payload)
	return coordinator.Intent{Domain: DomainName, Op: op, Key: key, Payload: raw, ExpectedVersion: expected}
}

func TestMeetingStateMachine(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, intent(OpPutMeeting, "m-1", Meeting{OrgID: "org-1", Title: "Q3 board"}, 0))

	m, ok, err := repo.Get("m-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MeetingScheduled, m.State)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpTransitionMeeting, Key: "m-1", ExpectedVersion: 1})
	m, _, err = repo.Get("m-1")
	require.NoError(t, err)
	assert.Equal(t, MeetingConvened, m.State)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpTransitionMeeting, Key: "m-1", ExpectedVersion: 2})
	m, _, err = repo.Get("m-1")
	require.NoError(t, err)
	assert.Equal(t, MeetingClosed, m.State)

	// A closed meeting has no next state.
	_, err = repo.Resolve(coordinator.Intent{Domain: DomainName, Op: OpTransitionMeeting, Key: "m-1", ExpectedVersion: 3})
	assert.Error(t, err)
}

func TestResolutionLifecycle(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, intent(OpPutResolution, "r-1", Resolution{MeetingID: "m-1", Text: "approve budget"}, 0))

	res, ok, err := repo.GetResolution("r-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ResolutionDraft, res.Status)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpPublishResolution, Key: "r-1", ExpectedVersion: 1})
	res, _, err = repo.GetResolution("r-1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionPublished, res.Status)
	assert.Equal(t, int64(2), res.Version)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpRetractResolution, Key: "r-1", ExpectedVersion: 2})
	res, _, err = repo.GetResolution("r-1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionDraft, res.Status)
}

func TestPublishAbsentResolution(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Resolve(coordinator.Intent{Domain: DomainName, Op: OpPublishResolution, Key: "r-missing", ExpectedVersion: 1})
	assert.True(t, errors.Is(err, coordinator.ErrConflict))
}

func TestListResolutionsByMeeting(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, intent(OpPutResolution, "r-1", Resolution{MeetingID: "m-1", Text: "a"}, 0))
	apply(t, store, repo, intent(OpPutResolution, "r-2", Resolution{MeetingID: "m-2", Text: "b"}, 0))

	rr, err := repo.ListResolutions("m-1")
	require.NoError(t, err)
	require.Len(t, rr, 1)
	assert.Equal(t, "r-1", rr[0].ID)

	all, err := repo.ListResolutions("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
