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

// Package observability serves the engine's metrics.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/pkg/bus"
	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
)

var (
	_ run.Service = (*metricService)(nil)
	_ run.Config  = (*metricService)(nil)

	errNoAddr = errors.New("observability: no address")
)

// Service type for Metric Service.
type Service interface {
	run.PreRunner
	run.Service
}

// NewMetricService returns a metric service subscribed to transaction
// lifecycle events.
func NewMetricService(sub bus.Subscriber, coord coordinator.Service) Service {
	return &metricService{
		sub:    sub,
		coord:  coord,
		stopCh: make(chan struct{}),
	}
}

type metricService struct {
	l          *logger.Logger
	svr        *http.Server
	sub        bus.Subscriber
	coord      coordinator.Service
	collector  *collector
	stopCh     chan struct{}
	listenAddr string
}

func (p *metricService) FlagSet() *run.FlagSet {
	flagSet := run.NewFlagSet("observability")
	flagSet.StringVar(&p.listenAddr, "observability-listener-addr", ":2121", "listen addr for observability")
	return flagSet
}

func (p *metricService) Validate() error {
	if p.listenAddr == "" {
		return errNoAddr
	}
	return nil
}

func (p *metricService) Name() string {
	return "metric-service"
}

func (p *metricService) PreRun(_ context.Context) error {
	p.l = logger.GetLogger(p.Name())
	registry := prometheus.NewRegistry()
	p.collector = newCollector(registry, p.coord)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	p.svr = &http.Server{
		Addr:              p.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	if p.sub == nil {
		return nil
	}
	return p.sub.Subscribe(coordinator.TopicTransactionEvents, p.collector)
}

func (p *metricService) Serve() run.StopNotify {
	go func() {
		p.l.Info().Str("listenAddr", p.listenAddr).Msg("Start metric server")
		if err := p.svr.ListenAndServe(); err != http.ErrServerClosed {
			p.l.Error().Err(err)
		}
		close(p.stopCh)
	}()
	return p.stopCh
}

func (p *metricService) GracefulStop() {
	if err := p.svr.Close(); err != nil {
		p.l.Error().Err(err)
	}
}
