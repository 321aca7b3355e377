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

// Package storage implements the engine's owned key-value store.
package storage

import (
	"io"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/pkg/logger"
)

var (
	// ErrKeyNotFound hints the requested key is absent.
	ErrKeyNotFound = errors.New("key not found")
	// ErrStopScan is returned by a ScanFunc to end scanning early.
	ErrStopScan = errors.New("stop scanning")
)

// Writer mutates keys.
type Writer interface {
	// Put a value
	Put(key, val []byte) error
	// Delete a key
	Delete(key []byte) error
}

// ScanFunc is invoked for each key during a Scan. Returning ErrStopScan ends
// the scan without error; any other error aborts it.
type ScanFunc func(key []byte, getVal func() ([]byte, error)) error

// ScanOpts controls iterator prefetching.
type ScanOpts struct {
	PrefetchSize   int
	PrefetchValues bool
}

// DefaultScanOpts for Scan().
var DefaultScanOpts = ScanOpts{
	PrefetchSize:   100,
	PrefetchValues: true,
}

// Reader reads keys.
type Reader interface {
	// Get a value by its key
	Get(key []byte) ([]byte, error)
	Scan(prefix []byte, opt ScanOpts, f ScanFunc) error
}

// Mutation is one entry of an atomic batch.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Batcher applies a set of mutations atomically.
type Batcher interface {
	// Batch applies all mutations in a single underlying transaction.
	Batch(mutations []Mutation) error
}

// Store is a common kv storage.
type Store interface {
	io.Closer
	Writer
	Reader
	Batcher
}

// StoreOptions customize a Store before it opens.
type StoreOptions func(Store)

// StoreWithLogger sets an external logger into underlying Store.
func StoreWithLogger(l *logger.Logger) StoreOptions {
	return func(store Store) {
		if bdb, ok := store.(*badgerDB); ok {
			bdb.dbOpts = bdb.dbOpts.WithLogger(&badgerLog{
				delegated: l.Named("kv"),
			})
		}
	}
}

// StoreInMemory keeps the Store off disk. Only used for testing.
func StoreInMemory() StoreOptions {
	return func(store Store) {
		if bdb, ok := store.(*badgerDB); ok {
			bdb.dbOpts = bdb.dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
		}
	}
}
