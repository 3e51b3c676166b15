// Copyright 2025 The Orcheo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	stepsExecuted prometheus.Counter
	runDuration   prometheus.Histogram
}

// NewMetrics registers engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orcheo",
			Subsystem: "engine",
			Name:      "runs_started_total",
			Help:      "Workflow runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcheo",
			Subsystem: "engine",
			Name:      "runs_finished_total",
			Help:      "Workflow runs finished, by terminal status.",
		}, []string{"status"}),
		stepsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orcheo",
			Subsystem: "engine",
			Name:      "steps_executed_total",
			Help:      "Graph node steps executed.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orcheo",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.runsStarted.Inc()
	}
}

func (m *Metrics) runFinished(status string, started time.Time) {
	if m != nil {
		m.runsFinished.WithLabelValues(status).Inc()
		m.runDuration.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) stepExecuted() {
	if m != nil {
		m.stepsExecuted.Inc()
	}
}
