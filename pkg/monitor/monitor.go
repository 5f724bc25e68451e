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

// Package monitor implements the cluster autoscaler monitor: a single
// long-lived loop that ingests resource-usage telemetry, maintains load
// metrics, drives the autoscaler and publishes its status to the KV store.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/flotilla-io/flotilla/pkg/gcs"
	"github.com/flotilla-io/flotilla/pkg/kv"
)

const (
	// DefaultUpdateInterval is the sleep between monitor iterations.
	DefaultUpdateInterval = 5 * time.Second
	// DefaultMetricsPort is where the monitor's Prometheus endpoint listens.
	DefaultMetricsPort = 44217
	// FakeHeadNodeID substitutes the local node identity in fake-cluster
	// test setups.
	FakeHeadNodeID = "fake-head-node-id"

	// legacyNodeIDResource carries a numeric node id inside the totals
	// bundle on older emulated clusters.
	legacyNodeIDResource = "NODE_ID_AS_RESOURCE"

	eventSummaryLogPrefix = ":event_summary:"
)

// AutoscalerFactory builds the autoscaler engine once the monitor has
// settled on a cluster config. The config getter stays valid for the
// lifetime of the engine; in read-only mode its result is mutated between
// ticks.
type AutoscalerFactory func(logger log.Logger, config func() *ClusterConfig, lm *LoadMetrics, es *EventSummarizer) (Autoscaler, error)

// Options configures a Monitor.
type Options struct {
	// UpdateInterval between loop iterations. Defaults to DefaultUpdateInterval.
	UpdateInterval time.Duration
	// MaxDemandVectorSize caps the expanded demand vector.
	MaxDemandVectorSize int
	// HeadNodeIP is the address identity of the local (head) node.
	HeadNodeIP string
	// MonitorIP, when set, is published with MetricsPort under the
	// AutoscalerMetricsAddress key.
	MonitorIP string
	// MetricsPort of the Prometheus endpoint. Defaults to DefaultMetricsPort.
	MetricsPort int
	// FateshareWorkers kills worker nodes when the monitor fails fatally.
	FateshareWorkers bool
	// FakeCluster substitutes the sentinel head node id for the local
	// identity (emulated clusters).
	FakeCluster bool
}

type monitorStatus struct {
	LoadMetricsReport Summary     `json:"load_metrics_report"`
	Time              float64     `json:"time"`
	MonitorPID        int         `json:"monitor_pid"`
	AutoscalerReport  interface{} `json:"autoscaler_report,omitempty"`
	ReadonlyNodeTypes interface{} `json:"readonly_node_types,omitempty"`
}

// Monitor periodically collects stats from the global state service and
// triggers autoscaler updates. All mutation happens on the loop goroutine.
type Monitor struct {
	logger log.Logger
	store  kv.Store
	client gcs.Client
	opts   Options

	// clusterConfig is nil in read-only mode until Run synthesizes the
	// mirror config.
	clusterConfig *ClusterConfig
	readonly      bool
	newAutoscaler AutoscalerFactory
	autoscaler    Autoscaler

	loadMetrics      *LoadMetrics
	events           *EventSummarizer
	lastAvailSummary string
}

// New creates a monitor. clusterConfig may be nil, which switches the loop
// into read-only mirroring; factory may be nil when no autoscaler engine is
// attached.
func New(
	logger log.Logger,
	store kv.Store,
	client gcs.Client,
	clusterConfig *ClusterConfig,
	factory AutoscalerFactory,
	opts Options,
) (*Monitor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if store == nil {
		return nil, errors.New("no KV store configured")
	}
	if client == nil {
		return nil, errors.New("no global state client configured")
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = DefaultUpdateInterval
	}
	if opts.MetricsPort == 0 {
		opts.MetricsPort = DefaultMetricsPort
	}
	if opts.MaxDemandVectorSize == 0 {
		opts.MaxDemandVectorSize = MaxResourceDemandVectorSize
	}

	localIP := opts.HeadNodeIP
	if opts.FakeCluster {
		localIP = FakeHeadNodeID
	}

	m := &Monitor{
		logger:        logger,
		store:         store,
		client:        client,
		opts:          opts,
		clusterConfig: clusterConfig,
		readonly:      clusterConfig == nil,
		newAutoscaler: factory,
		loadMetrics:   NewLoadMetrics(localIP),
		events:        NewEventSummarizer(),
	}

	if opts.MonitorIP != "" {
		addr := fmt.Sprintf("%s:%d", opts.MonitorIP, opts.MetricsPort)
		if err := store.Put(context.Background(), kv.KeyAutoscalerMetricsAddress, []byte(addr), true); err != nil {
			return nil, errors.Wrap(err, "publishing metrics address")
		}
	}
	return m, nil
}

func (m *Monitor) initializeAutoscaler() error {
	if m.readonly {
		// Mirror what telemetry reports; never issue node launches.
		m.clusterConfig = NewReadonlyConfig()
		return nil
	}
	if m.newAutoscaler == nil {
		return errors.New("autoscaling config given but no autoscaler engine attached")
	}
	as, err := m.newAutoscaler(m.logger, func() *ClusterConfig { return m.clusterConfig }, m.loadMetrics, m.events)
	if err != nil {
		return errors.Wrap(err, "constructing autoscaler")
	}
	m.autoscaler = as
	return nil
}

// Run executes the monitor loop until ctx is canceled. A fatal error runs
// the failure path before being returned.
func (m *Monitor) Run(ctx context.Context) error {
	// Drop errors from previous incarnations before the first tick.
	if err := m.store.Delete(ctx, kv.KeyAutoscalingError); err != nil {
		level.Warn(m.logger).Log("msg", "clearing stale autoscaling error failed", "err", err)
	}
	if err := m.initializeAutoscaler(); err != nil {
		m.HandleFailure(err.Error())
		return err
	}
	level.Info(m.logger).Log("msg", "monitor started", "readonly", m.readonly, "interval", m.opts.UpdateInterval)

	for {
		select {
		case <-ctx.Done():
			level.Info(m.logger).Log("msg", "monitor stopping")
			return nil
		default:
		}
		start := time.Now()
		m.tick(ctx)
		tickTotal.Inc()
		tickDuration.Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
		case <-time.After(m.opts.UpdateInterval):
		}
	}
}

// tick runs one monitor iteration. Transient errors are logged and skip the
// affected step; the loop must survive individual bad messages.
func (m *Monitor) tick(ctx context.Context) {
	if err := m.updateLoadMetrics(ctx); err != nil {
		tickErrors.Inc()
		level.Warn(m.logger).Log("msg", "fetching resource usage failed, skipping tick", "err", err)
		return
	}
	m.updateResourceRequests(ctx)
	m.updateEventSummary()

	status := monitorStatus{
		LoadMetricsReport: m.loadMetrics.Summary(),
		Time:              float64(time.Now().UnixNano()) / 1e9,
		MonitorPID:        os.Getpid(),
	}
	if m.autoscaler != nil {
		m.autoscaler.Update()
		status.AutoscalerReport = m.autoscaler.Summary()

		for _, msg := range m.events.Summary() {
			level.Info(m.logger).Log("msg", eventSummaryLogPrefix+msg)
		}
		m.events.Clear()
	}
	if m.readonly {
		status.ReadonlyNodeTypes = m.clusterConfig.AvailableNodeTypes
	}

	raw, err := json.Marshal(status)
	if err != nil {
		level.Error(m.logger).Log("msg", "serializing status failed", "err", err)
		return
	}
	if err := m.store.Put(ctx, kv.KeyAutoscalingStatus, raw, true); err != nil {
		tickErrors.Inc()
		level.Warn(m.logger).Log("msg", "writing status failed", "err", err)
	}
}

// updateLoadMetrics fetches resource usage from the global state service and
// folds it into the load metrics.
func (m *Monitor) updateLoadMetrics(ctx context.Context) error {
	batch, err := m.client.GetAllResourceUsage(ctx)
	if err != nil {
		return err
	}
	reportedNodes.Set(float64(len(batch.Batch)))

	waiting, infeasible := ParseResourceDemands(m.logger, batch.ResourceLoadByShape, m.opts.MaxDemandVectorSize)
	pendingBundles.Set(float64(len(waiting) + len(infeasible)))

	mirror := map[string]NodeTypeConfig{}
	for _, report := range batch.Batch {
		if m.readonly {
			mirror[FormatReadonlyNodeType(report.NodeID)] = NodeTypeConfig{
				Resources:  report.ResourcesTotal,
				MaxWorkers: 1,
			}
		}
		m.loadMetrics.Update(
			m.nodeIdentity(report),
			report.ResourcesTotal,
			report.ResourcesAvailable,
			report.ResourceLoad,
			waiting,
			infeasible,
			batch.PlacementGroupLoad,
			report.ClusterFullOfActorsDetected,
		)
	}
	if m.readonly {
		for typ, cfg := range mirror {
			m.clusterConfig.AvailableNodeTypes[typ] = cfg
		}
	}
	return nil
}

// nodeIdentity computes a node's addressing identity: the node-manager
// address by default, the node id when the provider is configured that way.
func (m *Monitor) nodeIdentity(report gcs.NodeReport) string {
	if m.clusterConfig == nil || !m.clusterConfig.Provider.UseNodeIDAsIP {
		return report.NodeManagerAddress
	}
	if legacy, ok := report.ResourcesTotal[legacyNodeIDResource]; ok {
		return strconv.Itoa(int(legacy))
	}
	return report.NodeID
}

// updateResourceRequests applies any externally submitted demand floor.
func (m *Monitor) updateResourceRequests(ctx context.Context) {
	raw, err := m.store.Get(ctx, kv.KeyResourceRequestChannel)
	if err != nil {
		level.Warn(m.logger).Log("msg", "reading resource requests failed", "err", err)
		return
	}
	if raw == nil {
		return
	}
	var requests []gcs.Bundle
	if err := json.Unmarshal(raw, &requests); err != nil {
		level.Warn(m.logger).Log("msg", "parsing resource requests failed", "err", err)
		return
	}
	m.loadMetrics.SetResourceRequests(requests)
}

// updateEventSummary reports the current cluster size. Only size changes are
// recorded to keep the event log quiet; the summarizer retains the latest
// size per batch.
func (m *Monitor) updateEventSummary() {
	avail := m.loadMetrics.ResourcesAvailSummary()
	if m.readonly || avail == m.lastAvailSummary {
		return
	}
	m.events.Add("Resized to %v.", avail, func(_, new interface{}) interface{} { return new })
	m.lastAvailSummary = avail
}

// HandleFailure runs the fatal-error policy: broadcast the error through the
// KV error key and, when fate-sharing is enabled, take down worker nodes.
func (m *Monitor) HandleFailure(errMsg string) {
	level.Error(m.logger).Log("msg", "error in monitor loop", "err", errMsg)
	if m.autoscaler != nil && m.opts.FateshareWorkers {
		if err := m.autoscaler.KillWorkers(); err != nil {
			level.Error(m.logger).Log("msg", "killing workers failed", "err", err)
		}
		m.DestroyAutoscalerWorkers()
	}
	message := fmt.Sprintf("The autoscaler failed with the following error:\n%s", errMsg)
	if err := m.store.Put(context.Background(), kv.KeyAutoscalingError, []byte(message), true); err != nil {
		level.Error(m.logger).Log("msg", "broadcasting autoscaler error failed", "err", err)
	}
}

// DestroyAutoscalerWorkers tears down worker nodes after a fatal error. The
// head node is retained to keep logs around. Retries until it succeeds or
// the process is killed.
func (m *Monitor) DestroyAutoscalerWorkers() {
	if m.autoscaler == nil {
		return
	}
	if m.readonly {
		// Logic error in the program, nothing to tear down.
		level.Error(m.logger).Log("msg", "cleanup failed due to lack of autoscaler config")
		return
	}
	level.Info(m.logger).Log("msg", "exception caught, taking down workers")
	for {
		if err := m.autoscaler.TeardownWorkers(); err != nil {
			level.Error(m.logger).Log("msg", "cleanup exception, trying again", "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		level.Info(m.logger).Log("msg", "workers taken down")
		return
	}
}
