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
	"context"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/domain"
	"github.com/boardroomdb/boardroom/boardroom/storage"
	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

var _ run.PreRunner = (*Service)(nil)

// Service registers the vault participant with the coordinator once the store
// is open.
type Service struct {
	stor  storage.Service
	coord coordinator.Service
	repo  *Repo
}

// NewService wires the vault resource manager.
func NewService(stor storage.Service, coord coordinator.Service) *Service {
	return &Service{stor: stor, coord: coord}
}

// Name of the unit.
func (s *Service) Name() string {
	return DomainName
}

// PreRun builds the repository and registers the participant.
func (s *Service) PreRun(_ context.Context) error {
	s.repo = NewRepo(s.stor.Store())
	s.coord.RegisterParticipant(domain.NewStagedParticipant(
		DomainName, s.stor.Store(), logger.GetLogger(DomainName), s.repo.Resolve))
	return nil
}

// Repo exposes read access for the liaison.
func (s *Service) Repo() *Repo {
	return s.repo
}
