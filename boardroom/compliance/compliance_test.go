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

package compliance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	store, err := storage.Open("", storage.StoreInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRepo(store)
}

func TestAppendAndListOrdered(t *testing.T) {
	repo := newTestRepo(t)
	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(Entry{
			At:     base.Add(time.Duration(i) * time.Second),
			TxID:   "tx-1",
			Detail: string(rune('a' + i)),
		}))
	}

	ee, err := repo.List(0)
	require.NoError(t, err)
	require.Len(t, ee, 3)
	// The zero-padded nanosecond prefix keeps the scan in time order.
	assert.Equal(t, "a", ee[0].Detail)
	assert.Equal(t, "c", ee[2].Detail)

	limited, err := repo.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestResolveAppendOnly(t *testing.T) {
	repo := newTestRepo(t)
	raw, _ := json.Marshal(Entry{TxID: "tx-1", Actor: "secretary", Detail: "resolution published"})
	intent := coordinator.Intent{Domain: DomainName, Op: OpAppendAudit, Key: "e-1", Payload: raw}

	mm, err := repo.Resolve(intent)
	require.NoError(t, err)
	require.NoError(t, repo.store.Batch(mm))

	// The trail never rewrites an entry.
	_, err = repo.Resolve(intent)
	assert.True(t, errors.Is(err, coordinator.ErrConflict))

	_, err = repo.Resolve(coordinator.Intent{Domain: DomainName, Op: "rewrite-audit", Key: "e-1"})
	assert.Error(t, err)
}
