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

package serve

import "github.com/prometheus/client_golang/prometheus"

var (
	controlLoopIterations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_serve_control_loop_iterations_total",
		Help: "Number of completed control loop iterations.",
	})
	checkpointWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_serve_checkpoint_writes_total",
		Help: "Number of state checkpoints written to the KV store.",
	})
	snapshotWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_serve_snapshot_writes_total",
		Help: "Number of deployment snapshots written to the KV store.",
	})
	autoscaleDecisions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_serve_autoscale_decisions_total",
		Help: "Number of autoscaling decisions that changed a deployment's target.",
	})
	liveDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flotilla_serve_live_deployments",
		Help: "Number of deployments not marked as deleted.",
	})
)

// RegisterMetrics registers the controller's collectors on reg.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(controlLoopIterations, checkpointWrites, snapshotWrites, autoscaleDecisions, liveDeployments)
}
