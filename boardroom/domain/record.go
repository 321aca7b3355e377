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

package domain

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

// ValidateVersion enforces the optimistic-locking convention shared by every
// resource manager: a negative expectation skips the check, zero demands the
// record be absent, and a positive expectation must equal the stored version.
func ValidateVersion(expected, current int64, exists bool) error {
	switch {
	case expected < 0:
		return nil
	case expected == 0:
		if exists {
			return errors.Wrap(coordinator.ErrConflict, "record already exists")
		}
		return nil
	case !exists:
		return errors.Wrapf(coordinator.ErrConflict, "expected version %d of an absent record", expected)
	case expected != current:
		return errors.Wrapf(coordinator.ErrConflict, "expected version %d, stored %d", expected, current)
	}
	return nil
}

// GetJSON loads and decodes the record at key. Reports whether it exists.
func GetJSON(store storage.Store, key []byte, v interface{}) (bool, error) {
	raw, err := store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

// PutMutation encodes v as the mutation writing key.
func PutMutation(key []byte, v interface{}) (storage.Mutation, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return storage.Mutation{}, err
	}
	return storage.Mutation{Key: key, Value: raw}, nil
}

// ListJSON scans all records under prefix, handing each raw value to each.
func ListJSON(store storage.Store, prefix []byte, each func(raw []byte) error) error {
	return store.Scan(prefix, storage.DefaultScanOpts, func(_ []byte, getVal func() ([]byte, error)) error {
		raw, err := getVal()
		if err != nil {
			return err
		}
		return each(raw)
	})
}
