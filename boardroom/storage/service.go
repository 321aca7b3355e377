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
	"context"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

var (
	_ run.Config    = (*service)(nil)
	_ run.PreRunner = (*service)(nil)
	_ run.Service   = (*service)(nil)
)

// Service owns the engine's store for the lifetime of the process.
type Service interface {
	run.Unit
	Store() Store
}

type service struct {
	store    Store
	stopCh   chan struct{}
	rootPath string
	inMemory bool
}

// NewService returns the store lifecycle unit.
func NewService() Service {
	return &service{stopCh: make(chan struct{})}
}

func (s *service) Name() string {
	return "storage"
}

func (s *service) FlagSet() *run.FlagSet {
	flagSet := run.NewFlagSet("storage")
	flagSet.StringVar(&s.rootPath, "store-root-path", "/tmp/boardroom/store", "the root path of the store")
	flagSet.BoolVar(&s.inMemory, "store-in-memory", false, "keep the store off disk, data is lost on shutdown")
	return flagSet
}

func (s *service) Validate() error {
	if s.rootPath == "" && !s.inMemory {
		return errors.New("storage: empty root path")
	}
	return nil
}

func (s *service) PreRun(_ context.Context) error {
	opts := []StoreOptions{StoreWithLogger(logger.GetLogger("storage"))}
	if s.inMemory {
		opts = append(opts, StoreInMemory())
	}
	var err error
	s.store, err = Open(s.rootPath, opts...)
	return errors.Wrap(err, "storage: opening store")
}

func (s *service) Serve() run.StopNotify {
	return s.stopCh
}

func (s *service) GracefulStop() {
	if s.store != nil {
		_ = s.store.Close()
	}
	close(s.stopCh)
}

func (s *service) Store() Store {
	return s.store
}
