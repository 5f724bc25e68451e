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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-io/flotilla/pkg/gcs"
)

// LoadMetrics accumulates the last-known resource state per node plus the
// cluster-wide pending demand. It is owned by the monitor loop; all methods
// are called from that single goroutine.
type LoadMetrics struct {
	localIP string

	nodes                  map[string]*nodeLoad
	waitingBundles         []gcs.Bundle
	infeasibleBundles      []gcs.Bundle
	pendingPlacementGroups []gcs.PlacementGroupLoad
	clusterFull            bool
	resourceRequests       []gcs.Bundle
}

type nodeLoad struct {
	total       gcs.Bundle
	available   gcs.Bundle
	load        gcs.Bundle
	clusterFull bool
	lastUpdated time.Time
}

// ResourceUsage is the aggregate view of a single resource.
type ResourceUsage struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// DemandCount is one distinct bundle shape and how often it is pending.
type DemandCount struct {
	Shape gcs.Bundle `json:"shape"`
	Count int        `json:"count"`
}

// Summary is a pure function of the current per-node map and pending demand.
type Summary struct {
	Usage                  map[string]ResourceUsage `json:"usage"`
	NumNodes               int                      `json:"num_nodes"`
	ResourceDemand         []DemandCount            `json:"resource_demand"`
	PendingPlacementGroups int                      `json:"pending_placement_groups"`
	ResourceRequests       []gcs.Bundle             `json:"resource_requests"`
	ClusterFull            bool                     `json:"cluster_full"`
}

func NewLoadMetrics(localIP string) *LoadMetrics {
	return &LoadMetrics{
		localIP: localIP,
		nodes:   map[string]*nodeLoad{},
	}
}

// Update overwrites the entry for ip with a fresh telemetry reading. The
// demand lists describe the whole cluster and replace the previous tick's
// values. clusterFull is the node's own reading; the cluster counts as full
// while any node's latest reading says so.
func (lm *LoadMetrics) Update(
	ip string,
	total, available, load gcs.Bundle,
	waiting, infeasible []gcs.Bundle,
	pendingPGs []gcs.PlacementGroupLoad,
	clusterFull bool,
) {
	lm.nodes[ip] = &nodeLoad{
		total:       total,
		available:   available,
		load:        load,
		clusterFull: clusterFull,
		lastUpdated: time.Now(),
	}
	lm.waitingBundles = waiting
	lm.infeasibleBundles = infeasible
	lm.pendingPlacementGroups = pendingPGs
	lm.clusterFull = false
	for _, n := range lm.nodes {
		if n.clusterFull {
			lm.clusterFull = true
			break
		}
	}
}

// SetResourceRequests records the user-driven demand floor.
func (lm *LoadMetrics) SetResourceRequests(requests []gcs.Bundle) {
	lm.resourceRequests = requests
}

// WaitingBundles returns the pending feasible demand of the last tick.
func (lm *LoadMetrics) WaitingBundles() []gcs.Bundle { return lm.waitingBundles }

// InfeasibleBundles returns the structurally unsatisfiable demand of the
// last tick.
func (lm *LoadMetrics) InfeasibleBundles() []gcs.Bundle { return lm.infeasibleBundles }

// Summary aggregates over all known nodes.
func (lm *LoadMetrics) Summary() Summary {
	usage := map[string]ResourceUsage{}
	for _, n := range lm.nodes {
		for res, total := range n.total {
			u := usage[res]
			u.Total += total
			u.Available += n.available[res]
			usage[res] = u
		}
	}
	for res, u := range usage {
		u.Used = u.Total - u.Available
		usage[res] = u
	}

	return Summary{
		Usage:                  usage,
		NumNodes:               len(lm.nodes),
		ResourceDemand:         countDemand(append(append([]gcs.Bundle{}, lm.waitingBundles...), lm.infeasibleBundles...)),
		PendingPlacementGroups: len(lm.pendingPlacementGroups),
		ResourceRequests:       lm.resourceRequests,
		ClusterFull:            lm.clusterFull,
	}
}

// ResourcesAvailSummary renders the cluster's total capacity as a compact
// string, e.g. "64 CPU, 4 GPU". Used only for change detection.
func (lm *LoadMetrics) ResourcesAvailSummary() string {
	totals := map[string]float64{}
	for _, n := range lm.nodes {
		for res, v := range n.total {
			totals[res] += v
		}
	}
	names := make([]string, 0, len(totals))
	for res := range totals {
		names = append(names, res)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, res := range names {
		parts = append(parts, fmt.Sprintf("%g %s", totals[res], res))
	}
	if len(parts) == 0 {
		return "0 CPU"
	}
	return strings.Join(parts, ", ")
}

func countDemand(bundles []gcs.Bundle) []DemandCount {
	keys := map[string]int{}
	shapes := map[string]gcs.Bundle{}
	for _, b := range bundles {
		k := bundleKey(b)
		keys[k]++
		shapes[k] = b
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	out := make([]DemandCount, 0, len(ordered))
	for _, k := range ordered {
		out = append(out, DemandCount{Shape: shapes[k], Count: keys[k]})
	}
	return out
}

func bundleKey(b gcs.Bundle) string {
	names := make([]string, 0, len(b))
	for res := range b {
		names = append(names, res)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, res := range names {
		fmt.Fprintf(&sb, "%s=%g,", res, b[res])
	}
	return sb.String()
}
