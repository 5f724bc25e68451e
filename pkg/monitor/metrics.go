// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	tickTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_monitor_ticks_total",
		Help: "Number of completed monitor loop iterations.",
	})
	tickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_monitor_tick_errors_total",
		Help: "Number of monitor iterations skipped due to transient errors.",
	})
	tickDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "flotilla_monitor_tick_duration_seconds",
		Help:       "Duration of a single monitor iteration.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reportedNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flotilla_monitor_reported_nodes",
		Help: "Number of nodes in the most recent telemetry batch.",
	})
	pendingBundles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flotilla_monitor_pending_bundles",
		Help: "Size of the expanded demand vector after the last tick.",
	})
)

// RegisterMetrics registers the monitor's collectors on reg.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(tickTotal, tickErrors, tickDuration, reportedNodes, pendingBundles)
}
