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
	"context"
	"math"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flotilla-io/flotilla/pkg/gcs"
)

// Node is one provisioned machine as seen by the node provider.
type Node struct {
	ID       string
	NodeType string
	IP       string
	IsHead   bool
}

// NodeProvider abstracts the cloud API for launching and terminating nodes.
// Implementations live outside this repository.
type NodeProvider interface {
	NonTerminatedNodes(ctx context.Context) ([]Node, error)
	CreateNodes(ctx context.Context, nodeType string, count int) error
	TerminateNode(ctx context.Context, nodeID string) error
}

// Autoscaler drives node-provider actions from observed load. The monitor
// invokes Update once per tick; KillWorkers and TeardownWorkers implement
// the fatal-error cleanup path.
type Autoscaler interface {
	Update()
	Summary() interface{}
	KillWorkers() error
	TeardownWorkers() error
}

// AutoscalerSummary is the per-tick report included in the status key.
type AutoscalerSummary struct {
	ActiveNodes    map[string]int `json:"active_nodes"`
	PendingNodes   map[string]int `json:"pending_nodes"`
	FailedLaunches int            `json:"failed_launches"`
}

// StandardAutoscaler launches nodes to cover pending demand. It does not
// terminate idle workers; nodes are removed only by KillWorkers and
// TeardownWorkers. Bin-packing is deliberately simple: a bundle is covered
// by the first node type whose declared resources fit it.
type StandardAutoscaler struct {
	logger   log.Logger
	config   func() *ClusterConfig
	provider NodeProvider
	metrics  *LoadMetrics
	events   *EventSummarizer

	pendingLaunches map[string]int
	failedLaunches  int
}

func NewStandardAutoscaler(
	logger log.Logger,
	config func() *ClusterConfig,
	provider NodeProvider,
	metrics *LoadMetrics,
	events *EventSummarizer,
) *StandardAutoscaler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &StandardAutoscaler{
		logger:          logger,
		config:          config,
		provider:        provider,
		metrics:         metrics,
		events:          events,
		pendingLaunches: map[string]int{},
	}
}

func (a *StandardAutoscaler) Update() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := a.config()
	nodes, err := a.provider.NonTerminatedNodes(ctx)
	if err != nil {
		level.Error(a.logger).Log("msg", "listing nodes failed", "err", err)
		return
	}
	workersByType := map[string]int{}
	numWorkers := 0
	for _, n := range nodes {
		if n.IsHead {
			continue
		}
		workersByType[n.NodeType]++
		numWorkers++
	}
	// Launches issued earlier have materialized once the provider reports
	// the node; stop counting them as pending.
	for typ, pending := range a.pendingLaunches {
		if pending > workersByType[typ] {
			continue
		}
		delete(a.pendingLaunches, typ)
	}

	demand := append(append([]gcs.Bundle{}, a.metrics.WaitingBundles()...), a.metrics.InfeasibleBundles()...)
	toLaunch := a.nodesToLaunch(cfg, demand, numWorkers, workersByType)
	for _, typ := range sortedKeys(toLaunch) {
		count := toLaunch[typ]
		if err := a.provider.CreateNodes(ctx, typ, count); err != nil {
			a.failedLaunches++
			level.Error(a.logger).Log("msg", "node launch failed", "node_type", typ, "count", count, "err", err)
			continue
		}
		a.pendingLaunches[typ] += count
		a.events.Add("Adding %v nodes of pending demand.", count, func(old, new interface{}) interface{} {
			return old.(int) + new.(int)
		})
	}
}

// nodesToLaunch covers each pending bundle with the first fitting node type,
// bounded by the cluster and per-type worker limits and the upscaling speed.
func (a *StandardAutoscaler) nodesToLaunch(cfg *ClusterConfig, demand []gcs.Bundle, numWorkers int, workersByType map[string]int) map[string]int {
	toLaunch := map[string]int{}
	budget := cfg.MaxWorkers - numWorkers
	for _, pending := range a.pendingLaunches {
		budget -= pending
	}
	// Never launch more than upscaling_speed times the current fleet (at
	// least one) in a single round.
	speedCap := int(math.Ceil(cfg.UpscalingSpeed * math.Max(float64(numWorkers), 1)))
	if budget > speedCap {
		budget = speedCap
	}

	for _, bundle := range demand {
		if budget <= 0 {
			break
		}
		for _, typ := range sortedTypeNames(cfg.AvailableNodeTypes) {
			if typ == cfg.HeadNodeType {
				continue
			}
			nodeType := cfg.AvailableNodeTypes[typ]
			if !fits(nodeType.Resources, bundle) {
				continue
			}
			if nodeType.MaxWorkers > 0 && workersByType[typ]+a.pendingLaunches[typ]+toLaunch[typ] >= nodeType.MaxWorkers {
				continue
			}
			toLaunch[typ]++
			budget--
			break
		}
	}
	return toLaunch
}

func (a *StandardAutoscaler) Summary() interface{} {
	active := map[string]int{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	nodes, err := a.provider.NonTerminatedNodes(ctx)
	if err == nil {
		for _, n := range nodes {
			active[n.NodeType]++
		}
	}
	pending := map[string]int{}
	for typ, n := range a.pendingLaunches {
		pending[typ] = n
	}
	return AutoscalerSummary{
		ActiveNodes:    active,
		PendingNodes:   pending,
		FailedLaunches: a.failedLaunches,
	}
}

// KillWorkers forcibly terminates all worker nodes. The head node is
// retained so logs survive.
func (a *StandardAutoscaler) KillWorkers() error {
	return a.terminateWorkers(0)
}

// TeardownWorkers terminates all worker nodes except one, the first worker
// the provider lists. The head node is retained; per-type minimums are not
// considered.
func (a *StandardAutoscaler) TeardownWorkers() error {
	return a.terminateWorkers(1)
}

func (a *StandardAutoscaler) terminateWorkers(keep int) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	nodes, err := a.provider.NonTerminatedNodes(ctx)
	if err != nil {
		return err
	}
	kept := 0
	for _, n := range nodes {
		if n.IsHead {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := a.provider.TerminateNode(ctx, n.ID); err != nil {
			return err
		}
	}
	return nil
}

func fits(capacity map[string]float64, bundle gcs.Bundle) bool {
	for res, want := range bundle {
		if capacity[res] < want {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedTypeNames(m map[string]NodeTypeConfig) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
