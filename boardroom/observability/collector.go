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

package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/pkg/bus"
)

var _ bus.MessageListener = (*collector)(nil)

// collector counts transaction outcomes off the bus and gauges breaker
// states on scrape.
type collector struct {
	coord          coordinator.Service
	outcomes       *prometheus.CounterVec
	recovered      prometheus.Counter
	prepareLatency prometheus.Histogram
	commitLatency  prometheus.Histogram
	breakerOpen    *prometheus.GaugeVec
}

func newCollector(registry *prometheus.Registry, coord coordinator.Service) *collector {
	c := &collector{
		coord: coord,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardroom",
			Name:      "transaction_outcomes_total",
			Help:      "Terminated transactions by outcome.",
		}, []string{"outcome"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boardroom",
			Name:      "transactions_recovered_total",
			Help:      "Transactions finished by journal recovery.",
		}),
		prepareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "boardroom",
			Name:      "prepare_latency_seconds",
			Help:      "Phase one latency across all participants.",
			Buckets:   prometheus.DefBuckets,
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "boardroom",
			Name:      "commit_latency_seconds",
			Help:      "Phase two latency across all participants.",
			Buckets:   prometheus.DefBuckets,
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "boardroom",
			Name:      "breaker_open",
			Help:      "1 when a participant's circuit breaker is not closed.",
		}, []string{"domain"}),
	}
	registry.MustRegister(c.outcomes, c.recovered, c.prepareLatency, c.commitLatency)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "boardroom",
		Name:      "active_transactions",
		Help:      "In-flight transactions.",
	}, func() float64 {
		return float64(len(coord.ActiveTransactions()))
	}))
	registry.MustRegister(c.breakerOpen)
	return c
}

func (c *collector) Rev(_ context.Context, message bus.Message) bus.Message {
	ev, ok := message.Data().(coordinator.Event)
	if !ok {
		return bus.Message{}
	}
	c.outcomes.WithLabelValues(ev.Outcome).Inc()
	if ev.Recovered {
		c.recovered.Inc()
	}
	if ev.PrepareLatency > 0 {
		c.prepareLatency.Observe(ev.PrepareLatency.Seconds())
	}
	if ev.CommitLatency > 0 {
		c.commitLatency.Observe(ev.CommitLatency.Seconds())
	}
	for domain, state := range c.coord.BreakerStates() {
		open := 0.0
		if state != "closed" {
			open = 1.0
		}
		c.breakerOpen.WithLabelValues(domain).Set(open)
	}
	return bus.Message{}
}
