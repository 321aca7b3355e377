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
	"context"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/domain"
	"github.com/boardroomdb/boardroom/boardroom/storage"
	"github.com/boardroomdb/boardroom/pkg/bus"
	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

var (
	_ run.PreRunner       = (*Service)(nil)
	_ bus.MessageListener = (*outcomeListener)(nil)
)

// Service registers the compliance participant and subscribes the audit
// trail to coordinator outcomes.
type Service struct {
	stor  storage.Service
	coord coordinator.Service
	sub   bus.Subscriber
	repo  *Repo
}

// NewService wires the compliance resource manager.
func NewService(stor storage.Service, coord coordinator.Service, sub bus.Subscriber) *Service {
	return &Service{stor: stor, coord: coord, sub: sub}
}

// Name of the unit.
func (s *Service) Name() string {
	return DomainName
}

// PreRun builds the repository, registers the participant, and subscribes to
// transaction lifecycle events.
func (s *Service) PreRun(_ context.Context) error {
	l := logger.GetLogger(DomainName)
	s.repo = NewRepo(s.stor.Store())
	s.coord.RegisterParticipant(domain.NewStagedParticipant(
		DomainName, s.stor.Store(), l, s.repo.Resolve))
	if s.sub == nil {
		return nil
	}
	return s.sub.Subscribe(coordinator.TopicTransactionEvents, &outcomeListener{repo: s.repo, l: l})
}

// Repo exposes read access for the liaison.
func (s *Service) Repo() *Repo {
	return s.repo
}

// outcomeListener files one audit entry per coordinator outcome.
type outcomeListener struct {
	repo *Repo
	l    *logger.Logger
}

func (o *outcomeListener) Rev(_ context.Context, message bus.Message) bus.Message {
	ev, ok := message.Data().(coordinator.Event)
	if !ok {
		return bus.Message{}
	}
	detail := "transaction terminated"
	if ev.Recovered {
		detail = "transaction terminated during recovery"
	}
	if err := o.repo.Append(Entry{
		At:      ev.At,
		TxID:    ev.TxID,
		Outcome: ev.Outcome,
		Saga:    ev.Saga,
		Domains: ev.Domains,
		Actor:   "coordinator",
		Detail:  detail,
	}); err != nil {
		o.l.Error().Err(err).Str("tx", ev.TxID).Msg("filing audit entry")
	}
	return bus.Message{}
}
