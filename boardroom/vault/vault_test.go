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

package vault

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

func putIntent(op, key string, payload interface{}, expected int64) coordinator.Intent {
	raw, _ := json.Marshal(payload)
	return coordinator.Intent{Domain: DomainName, Op: op, Key: key, Payload: raw, ExpectedVersion: expected}
}

func TestResolvePutVault(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, putIntent(OpPutVault, "v-1", Vault{OrgID: "org-1", Name: "board papers"}, 0))

	v, ok, err := repo.Get("v-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "org-1", v.OrgID)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, int64(1), v.Version)

	// Updates bump the version and keep the status.
	apply(t, store, repo, putIntent(OpPutVault, "v-1", Vault{OrgID: "org-1", Name: "renamed"}, 1))
	v, _, err = repo.Get("v-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", v.Name)
	assert.Equal(t, int64(2), v.Version)
}

func TestResolveVersionConflict(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, putIntent(OpPutVault, "v-1", Vault{Name: "papers"}, 0))

	// Stale expectation loses.
	_, err := repo.Resolve(putIntent(OpPutVault, "v-1", Vault{Name: "stale"}, 3))
	assert.True(t, errors.Is(err, coordinator.ErrConflict))

	// Create-only expectation loses against an existing record.
	_, err = repo.Resolve(putIntent(OpPutVault, "v-1", Vault{Name: "dup"}, 0))
	assert.True(t, errors.Is(err, coordinator.ErrConflict))
}

func TestResolveArchiveRestore(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, putIntent(OpPutVault, "v-1", Vault{Name: "papers"}, 0))
	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpArchiveVault, Key: "v-1", ExpectedVersion: 1})

	v, _, err := repo.Get("v-1")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, v.Status)
	assert.Equal(t, int64(2), v.Version)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpRestoreVault, Key: "v-1", ExpectedVersion: 2})
	v, _, err = repo.Get("v-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v.Status)
}

func TestResolveAssets(t *testing.T) {
	repo, store := newTestRepo(t)
	apply(t, store, repo, putIntent(OpPutAsset, "a-1", Asset{VaultID: "v-1", Title: "minutes.pdf", Checksum: "abc"}, 0))
	apply(t, store, repo, putIntent(OpPutAsset, "a-2", Asset{VaultID: "v-2", Title: "budget.xlsx", Checksum: "def"}, 0))

	a, ok, err := repo.GetAsset("a-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "minutes.pdf", a.Title)

	all, err := repo.ListAssets("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	only, err := repo.ListAssets("v-1")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "a-1", only[0].ID)

	apply(t, store, repo, coordinator.Intent{Domain: DomainName, Op: OpArchiveAsset, Key: "a-1", ExpectedVersion: 1})
	a, _, err = repo.GetAsset("a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, a.Status)
}

func TestResolveUnknownOp(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Resolve(coordinator.Intent{Domain: DomainName, Op: "shred-vault", Key: "v-1"})
	assert.Error(t, err)
}
