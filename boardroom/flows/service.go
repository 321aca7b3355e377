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

package flows

import (
	"context"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/meeting"
	"github.com/boardroomdb/boardroom/boardroom/vault"
	"github.com/boardroomdb/boardroom/boardroom/voting"
	"github.com/boardroomdb/boardroom/pkg/run"
)

var _ run.PreRunner = (*Service)(nil)

// Service builds the flows over the domain repositories and registers the
// sagas. It must pre-run after the domain services and before the
// coordinator recovers, so a journaled saga finds its definition.
type Service struct {
	coord    coordinator.Service
	vaults   *vault.Service
	ballots  *voting.Service
	meetings *meeting.Service
	flows    *Flows
}

// NewService wires the flow layer.
func NewService(coord coordinator.Service, vaults *vault.Service, ballots *voting.Service, meetings *meeting.Service) *Service {
	return &Service{coord: coord, vaults: vaults, ballots: ballots, meetings: meetings}
}

// Name of the unit.
func (s *Service) Name() string {
	return "flows"
}

// PreRun builds the flows and registers the archive-vault saga.
func (s *Service) PreRun(_ context.Context) error {
	s.flows = New(s.coord, s.vaults.Repo(), s.ballots.Repo(), s.meetings.Repo())
	return s.coord.RegisterSaga(s.flows.ArchiveVaultDefinition())
}

// Flows exposes the composed operations for the liaison.
func (s *Service) Flows() *Flows {
	return s.flows
}
