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

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flotilla-io/flotilla/pkg/gcs"
)

// MaxResourceDemandVectorSize caps the expanded demand vector. Truncation is
// stable: bundles from earlier records are retained.
const MaxResourceDemandVectorSize = 1000

// ParseResourceDemands expands aggregated demand records into the waiting
// and infeasible bundle lists used by the autoscaler. A task is either
// ready-and-queued or structurally infeasible, never both; backlog copies
// are attributed to whichever class the record reports as non-empty.
//
// A malformed record drops the whole vector: the autoscaler treats that as
// "no new demand information this tick".
func ParseResourceDemands(logger log.Logger, demands []gcs.ResourceDemand, maxSize int) (waiting, infeasible []gcs.Bundle) {
	if maxSize <= 0 {
		maxSize = MaxResourceDemandVectorSize
	}
	total := 0
	add := func(dst *[]gcs.Bundle, shape gcs.Bundle, n int) bool {
		for i := 0; i < n; i++ {
			if total >= maxSize {
				return false
			}
			*dst = append(*dst, shape)
			total++
		}
		return true
	}

	for _, d := range demands {
		if d.NumReadyRequestsQueued < 0 || d.NumInfeasibleRequestsQueued < 0 || d.BacklogSize < 0 {
			level.Warn(logger).Log("msg", "malformed resource demand record, dropping demand vector",
				"ready", d.NumReadyRequestsQueued, "infeasible", d.NumInfeasibleRequestsQueued, "backlog", d.BacklogSize)
			return nil, nil
		}
		if !add(&waiting, d.Shape, d.NumReadyRequestsQueued) {
			break
		}
		if !add(&infeasible, d.Shape, d.NumInfeasibleRequestsQueued) {
			break
		}
		backlog := &waiting
		if d.NumInfeasibleRequestsQueued > 0 {
			backlog = &infeasible
		}
		if !add(backlog, d.Shape, d.BacklogSize) {
			break
		}
	}
	return waiting, infeasible
}
