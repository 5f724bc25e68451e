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
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/gcs"
)

func TestParseResourceDemands(t *testing.T) {
	cpu := gcs.Bundle{"CPU": 1}

	waiting, infeasible := ParseResourceDemands(log.NewNopLogger(), []gcs.ResourceDemand{
		{Shape: cpu, NumReadyRequestsQueued: 2, NumInfeasibleRequestsQueued: 1, BacklogSize: 3},
	}, 10)

	// Backlog copies follow the infeasible queue because it is non-empty.
	wantWaiting := []gcs.Bundle{cpu, cpu}
	wantInfeasible := []gcs.Bundle{cpu, cpu, cpu, cpu}
	if diff := cmp.Diff(wantWaiting, waiting); diff != "" {
		t.Errorf("unexpected waiting bundles (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantInfeasible, infeasible); diff != "" {
		t.Errorf("unexpected infeasible bundles (-want +got):\n%s", diff)
	}
}

func TestParseResourceDemandsBacklogFollowsWaiting(t *testing.T) {
	cpu := gcs.Bundle{"CPU": 2}

	waiting, infeasible := ParseResourceDemands(log.NewNopLogger(), []gcs.ResourceDemand{
		{Shape: cpu, NumReadyRequestsQueued: 1, NumInfeasibleRequestsQueued: 0, BacklogSize: 2},
	}, 10)

	require.Len(t, waiting, 3)
	require.Empty(t, infeasible)
}

func TestParseResourceDemandsTruncation(t *testing.T) {
	// 100 records, 5 bundles each, cap 50: exactly the first 10 records
	// contribute, in order.
	var demands []gcs.ResourceDemand
	for i := 0; i < 100; i++ {
		demands = append(demands, gcs.ResourceDemand{
			Shape:                  gcs.Bundle{"CPU": float64(i + 1)},
			NumReadyRequestsQueued: 5,
		})
	}
	waiting, infeasible := ParseResourceDemands(log.NewNopLogger(), demands, 50)

	require.Len(t, waiting, 50)
	require.Empty(t, infeasible)
	// Stable truncation: earlier records retained, 5 copies each.
	for i, b := range waiting {
		require.Equal(t, float64(i/5+1), b["CPU"])
	}
}

func TestParseResourceDemandsNoDuplicationBeyondCounters(t *testing.T) {
	waiting, infeasible := ParseResourceDemands(log.NewNopLogger(), []gcs.ResourceDemand{
		{Shape: gcs.Bundle{"GPU": 1}, NumReadyRequestsQueued: 1, NumInfeasibleRequestsQueued: 2},
		{Shape: gcs.Bundle{"CPU": 4}, NumReadyRequestsQueued: 0, NumInfeasibleRequestsQueued: 0, BacklogSize: 1},
	}, 1000)

	require.Len(t, waiting, 2)
	require.Len(t, infeasible, 2)
}

func TestParseResourceDemandsMalformed(t *testing.T) {
	waiting, infeasible := ParseResourceDemands(log.NewNopLogger(), []gcs.ResourceDemand{
		{Shape: gcs.Bundle{"CPU": 1}, NumReadyRequestsQueued: 3},
		{Shape: gcs.Bundle{"CPU": 1}, NumReadyRequestsQueued: -1},
	}, 1000)

	// A malformed record yields no new demand information for the tick.
	require.Empty(t, waiting)
	require.Empty(t, infeasible)
}
