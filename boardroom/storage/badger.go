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

package storage

import (
	"log"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/pkg/logger"
)

var _ Store = (*badgerDB)(nil)

type badgerDB struct {
	db     *badger.DB
	dbOpts badger.Options
}

// Open creates a Store at the given path.
func Open(path string, options ...StoreOptions) (Store, error) {
	bdb := new(badgerDB)
	bdb.dbOpts = badger.DefaultOptions(path)
	for _, opt := range options {
		opt(bdb)
	}
	var err error
	bdb.db, err = badger.Open(bdb.dbOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}
	return bdb, nil
}

func (b *badgerDB) Close() error {
	if b.db != nil && !b.db.IsClosed() {
		return b.db.Close()
	}
	return nil
}

func (b *badgerDB) Put(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (b *badgerDB) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *badgerDB) Get(key []byte) ([]byte, error) {
	var bb []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		bb, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return bb, err
}

func (b *badgerDB) Scan(prefix []byte, opt ScanOpts, f ScanFunc) error {
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchSize = opt.PrefetchSize
		iterOpts.PrefetchValues = opt.PrefetchValues
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			getVal := func() ([]byte, error) {
				return item.ValueCopy(nil)
			}
			if fErr := f(key, getVal); fErr != nil {
				return fErr
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

func (b *badgerDB) Batch(mutations []Mutation) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, m := range mutations {
			if m.Delete {
				if err := txn.Delete(m.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(m.Key, m.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLog delegates events to the module logger.
type badgerLog struct {
	*log.Logger
	delegated *logger.Logger
}

func (l *badgerLog) Errorf(f string, v ...interface{}) {
	l.delegated.Error().Msgf(f, v...)
}

func (l *badgerLog) Warningf(f string, v ...interface{}) {
	l.delegated.Warn().Msgf(f, v...)
}

func (l *badgerLog) Infof(f string, v ...interface{}) {
	l.delegated.Info().Msgf(f, v...)
}

func (l *badgerLog) Debugf(f string, v ...interface{}) {
	l.delegated.Debug().Msgf(f, v...)
}
