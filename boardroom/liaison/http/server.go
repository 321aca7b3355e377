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

// Package http exposes the engine over a JSON REST API.
package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/compliance"
	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/flows"
	"github.com/boardroomdb/boardroom/boardroom/meeting"
	"github.com/boardroomdb/boardroom/boardroom/vault"
	"github.com/boardroomdb/boardroom/boardroom/voting"
	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

var (
	_ run.Config  = (*server)(nil)
	_ run.Service = (*server)(nil)

	errNoAddr = errors.New("http: no address")
)

// Server is the http service.
type Server interface {
	run.Unit
	GetPort() *uint32
}

// Deps carries the services the liaison exposes.
type Deps struct {
	Coordinator coordinator.Service
	Flows       *flows.Service
	Vaults      *vault.Service
	Meetings    *meeting.Service
	Voting      *voting.Service
	Compliance  *compliance.Service
}

// NewServer returns a http service.
func NewServer(deps Deps) Server {
	return &server{
		deps:   deps,
		stopCh: make(chan struct{}),
	}
}

type server struct {
	l          *logger.Logger
	mux        *chi.Mux
	srv        *http.Server
	stopCh     chan struct{}
	host       string
	listenAddr string
	deps       Deps
	port       uint32
}

func (p *server) FlagSet() *run.FlagSet {
	flagSet := run.NewFlagSet("http")
	flagSet.StringVar(&p.host, "http-host", "localhost", "listen host for http")
	flagSet.Uint32Var(&p.port, "http-port", 17800, "listen port for http")
	return flagSet
}

func (p *server) Validate() error {
	p.listenAddr = net.JoinHostPort(p.host, strconv.FormatUint(uint64(p.port), 10))
	if p.listenAddr == ":" {
		return errNoAddr
	}
	return nil
}

func (p *server) Name() string {
	return "liaison-http"
}

func (p *server) GetPort() *uint32 {
	return &p.port
}

func (p *server) PreRun(_ context.Context) error {
	p.l = logger.GetLogger(p.Name())
	p.mux = chi.NewRouter()
	p.routes()
	p.srv = &http.Server{
		Addr:              p.listenAddr,
		Handler:           p.mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}

func (p *server) Serve() run.StopNotify {
	go func() {
		p.l.Info().Str("listenAddr", p.listenAddr).Msg("Start liaison http server")
		if err := p.srv.ListenAndServe(); err != http.ErrServerClosed {
			p.l.Error().Err(err)
		}
		close(p.stopCh)
	}()
	return p.stopCh
}

func (p *server) GracefulStop() {
	if err := p.srv.Close(); err != nil {
		p.l.Error().Err(err)
	}
}
