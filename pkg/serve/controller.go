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

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/flotilla-io/flotilla/pkg/goal"
	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/longpoll"
)

const (
	// DefaultControlLoopPeriod between reconciliation ticks.
	DefaultControlLoopPeriod = 100 * time.Millisecond

	// ServeRootURLEnvKey overrides the controller's public root URL.
	ServeRootURLEnvKey = "SERVE_ROOT_URL"
)

// Options configures a Controller.
type Options struct {
	ControllerName      string
	ControllerNamespace string
	HTTPConfig          HTTPOptions
	// ControlLoopPeriod between ticks. Defaults to DefaultControlLoopPeriod.
	ControlLoopPeriod time.Duration
	// MetricsLookBack bounds the autoscaling metrics store.
	MetricsLookBack time.Duration
	// NodeIDs reports cluster membership for the HTTP proxy fleet.
	NodeIDs func() []string
	// ProxyFactory starts HTTP proxies; nil disables proxy management.
	ProxyFactory HTTPProxyFactory

	// CrashAfterCheckpointProbability exists solely to exercise recovery:
	// with this probability the controller terminates itself right after a
	// checkpoint write has been acknowledged.
	CrashAfterCheckpointProbability float64
	// CrashFn is invoked to terminate. Defaults to os.Exit(1); injectable
	// for tests.
	CrashFn func()
	// Rand drives the crash decision. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// Deployment pairs a deployment record with its bound route.
type Deployment struct {
	Info  *BackendInfo
	Route string
}

// Controller owns all hard state for a set of named deployments.
//
// Every state mutation happens under the write lock and is checkpointed
// before the mutating call returns: if a state-changing call succeeds, the
// change is durable; if it fails, the client may retry safely because all
// mutations are idempotent.
type Controller struct {
	logger log.Logger
	store  kv.Store
	opts   Options

	// writeLock serializes all state mutation: no two mutators proceed
	// concurrently. Read-only RPCs take only the read side.
	writeLock sync.RWMutex

	notifier     *longpoll.Notifier
	goals        *goal.Manager
	endpoints    *EndpointState
	httpState    *HTTPProxyState
	backends     *BackendStateManager
	metricsStore *MetricsStore
}

// NewController rehydrates controller state from the KV store.
// currentActorNames is the set of live named actors in the cluster, used to
// reclaim replicas after a crash.
func NewController(
	ctx context.Context,
	logger log.Logger,
	store kv.Store,
	replicaFactory ReplicaFactory,
	currentActorNames []string,
	opts Options,
) (*Controller, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.ControllerName == "" {
		return nil, errors.New("controller name must not be empty")
	}
	if opts.ControlLoopPeriod == 0 {
		opts.ControlLoopPeriod = DefaultControlLoopPeriod
	}
	if opts.CrashFn == nil {
		opts.CrashFn = func() { os.Exit(1) }
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	notifier := longpoll.NewNotifier()
	goals := goal.NewManager()

	endpoints, err := NewEndpointState(ctx, store, notifier)
	if err != nil {
		return nil, err
	}
	backends, err := NewBackendStateManager(ctx, logger, opts.ControllerName, store, notifier, goals, replicaFactory, currentActorNames)
	if err != nil {
		return nil, err
	}

	return &Controller{
		logger:       logger,
		store:        store,
		opts:         opts,
		notifier:     notifier,
		goals:        goals,
		endpoints:    endpoints,
		httpState:    NewHTTPProxyState(logger, opts.HTTPConfig, opts.ProxyFactory, opts.NodeIDs),
		backends:     backends,
		metricsStore: NewMetricsStore(opts.MetricsLookBack),
	}, nil
}

// RunControlLoop reconciles until ctx is canceled.
func (c *Controller) RunControlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c.runControlLoopStep(ctx)
		controlLoopIterations.Inc()

		select {
		case <-ctx.Done():
		case <-time.After(c.opts.ControlLoopPeriod):
		}
	}
}

// runControlLoopStep is one tick: autoscale, reconcile, snapshot. Errors in
// any stage are logged and retried next tick; reconciliation is best-effort
// per iteration.
func (c *Controller) runControlLoopStep(ctx context.Context) {
	if err := c.autoscale(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "autoscaling failed", "err", err)
	}

	c.writeLock.Lock()
	c.httpState.Update()
	if err := c.backends.Update(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "updating backend state failed", "err", err)
	}
	liveDeployments.Set(float64(len(c.backends.GetDeploymentConfigs(false))))
	c.writeLock.Unlock()
	c.maybeCrashAfterCheckpoint()

	if err := c.putSnapshot(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "writing snapshot failed", "err", err)
	}
}

// autoscale recomputes targets for every deployment with a policy and
// redeploys when the decision differs from the current target.
func (c *Controller) autoscale(ctx context.Context) error {
	type redeploy struct {
		name string
		info *BackendInfo
	}
	var decisions []redeploy

	c.writeLock.RLock()
	for name, d := range c.listDeploymentsLocked(false) {
		policy := d.Info.AutoscalingPolicy
		if policy == nil {
			continue
		}
		cfg := d.Info.DeploymentConfig
		lookBack := time.Duration(float64(time.Second) * cfg.AutoscalingConfig.LookBackPeriodS)
		since := time.Now().Add(-lookBack)

		var observations []float64
		for _, replica := range c.backends.runningReplicas(name) {
			if avg, ok := c.metricsStore.WindowAverage(replica.ReplicaTag, since); ok {
				observations = append(observations, avg)
			}
		}
		// No data: leave the deployment alone rather than scaling to the
		// policy's floor.
		if len(observations) == 0 {
			continue
		}
		decision := policy.GetDecisionNumReplicas(observations, cfg.NumReplicas)
		if decision == cfg.NumReplicas {
			continue
		}
		newInfo := *d.Info
		newInfo.DeploymentConfig.NumReplicas = decision
		decisions = append(decisions, redeploy{name: name, info: &newInfo})
	}
	c.writeLock.RUnlock()

	var errs *multierror.Error
	for _, d := range decisions {
		autoscaleDecisions.Inc()
		c.writeLock.Lock()
		_, _, err := c.backends.DeployBackend(ctx, d.name, d.info)
		c.writeLock.Unlock()
		c.maybeCrashAfterCheckpoint()
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "autoscaling deployment %q", d.name))
		}
	}
	return errs.ErrorOrNil()
}

type snapshotActor struct {
	ReplicaTag string `json:"replica_tag"`
	Version    string `json:"version"`
}

type snapshotEntry struct {
	Name          string                   `json:"name"`
	Namespace     string                   `json:"namespace"`
	DeployerJobID string                   `json:"deployer_job_id"`
	ClassName     string                   `json:"class_name"`
	Version       string                   `json:"version"`
	HTTPRoute     string                   `json:"http_route"`
	StartTime     int64                    `json:"start_time"`
	EndTime       int64                    `json:"end_time"`
	Status        string                   `json:"status"`
	Actors        map[string]snapshotActor `json:"actors"`
}

// putSnapshot serializes the public fields of every deployment, including
// deleted ones, under the fixed snapshot key.
func (c *Controller) putSnapshot(ctx context.Context) error {
	c.writeLock.RLock()
	defer c.writeLock.RUnlock()

	val := map[string]snapshotEntry{}
	for name, d := range c.listDeploymentsLocked(true) {
		info := d.Info
		entry := snapshotEntry{
			Name:          name,
			Namespace:     c.opts.ControllerNamespace,
			DeployerJobID: orNone(info.DeployerJobID),
			ClassName:     info.ReplicaConfig.ClassName,
			Version:       orNone(info.Version),
			HTTPRoute:     d.Route,
			StartTime:     info.StartTimeMS,
			EndTime:       info.EndTimeMS,
			Status:        "RUNNING",
			Actors:        map[string]snapshotActor{},
		}
		if entry.HTTPRoute == "" {
			entry.HTTPRoute = "/" + name
		}
		if info.EndTimeMS != 0 {
			entry.Status = "DELETED"
		}
		if entry.Status == "RUNNING" {
			for _, replica := range c.backends.runningReplicas(name) {
				if replica.ActorID == "" {
					// Actor gone or not yet created.
					continue
				}
				entry.Actors[replica.ActorID] = snapshotActor{
					ReplicaTag: replica.ReplicaTag,
					Version:    orNone(info.Version),
				}
			}
		}
		val[name] = entry
	}

	raw, err := json.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "serializing snapshot")
	}
	if err := c.store.Put(ctx, kv.KeyServeSnapshot, raw, true); err != nil {
		return errors.Wrap(err, "writing snapshot")
	}
	snapshotWrites.Inc()
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// maybeCrashAfterCheckpoint implements the recovery-testing hook.
func (c *Controller) maybeCrashAfterCheckpoint() {
	p := c.opts.CrashAfterCheckpointProbability
	if p > 0 && c.opts.Rand.Float64() < p {
		level.Warn(c.logger).Log("msg", "intentionally crashing after checkpoint")
		c.opts.CrashFn()
	}
}

// DeployRequest carries the arguments of a Deploy call.
type DeployRequest struct {
	Name                  string
	DeploymentConfigBytes []byte
	ReplicaConfig         ReplicaConfig
	Version               string
	PrevVersion           string
	RoutePrefix           string
	DeployerJobID         string
}

// Deploy creates or updates a deployment. Returns the goal tracking
// convergence (empty when the target was already current) and whether the
// call changed anything.
func (c *Controller) Deploy(ctx context.Context, req DeployRequest) (goal.ID, bool, error) {
	cfg, err := ParseDeploymentConfig(req.DeploymentConfigBytes)
	if err != nil {
		return "", false, err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	existing := c.backends.GetBackend(req.Name, false)
	if req.PrevVersion != "" {
		if existing == nil || existing.Version == "" {
			return "", false, errors.Wrapf(ErrPreconditionFailed,
				"prev_version %q is specified but there is no existing deployment", req.PrevVersion)
		}
		if existing.Version != req.PrevVersion {
			return "", false, errors.Wrapf(ErrPreconditionFailed,
				"prev_version %q does not match the existing version %q", req.PrevVersion, existing.Version)
		}
	}

	var policy AutoscalingPolicy
	if cfg.AutoscalingConfig != nil {
		policy = NewBasicAutoscalingPolicy(*cfg.AutoscalingConfig)
		if existing == nil {
			// The autoscaler owns num_replicas from here on; start at the
			// policy's floor.
			cfg.NumReplicas = cfg.AutoscalingConfig.MinReplicas
		}
	}

	info := &BackendInfo{
		DeploymentConfig:  cfg,
		ReplicaConfig:     req.ReplicaConfig,
		Version:           req.Version,
		DeployerJobID:     req.DeployerJobID,
		StartTimeMS:       time.Now().UnixMilli(),
		AutoscalingPolicy: policy,
	}
	gid, updating, err := c.backends.DeployBackend(ctx, req.Name, info)
	if err != nil {
		return gid, updating, err
	}
	if err := c.endpoints.UpdateEndpoint(ctx, req.Name, EndpointInfo{Route: req.RoutePrefix}); err != nil {
		return gid, updating, err
	}
	defer c.maybeCrashAfterCheckpoint()
	return gid, updating, nil
}

// DeleteDeployment removes a deployment. Returns the goal tracking replica
// teardown, or "" when the deployment is unknown.
func (c *Controller) DeleteDeployment(ctx context.Context, name string) (goal.ID, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.endpoints.DeleteEndpoint(ctx, name); err != nil {
		return "", err
	}
	gid, err := c.backends.DeleteBackend(ctx, name)
	if err != nil {
		return gid, err
	}
	defer c.maybeCrashAfterCheckpoint()
	return gid, nil
}

// GetDeploymentInfo returns the record and route of a deployment.
func (c *Controller) GetDeploymentInfo(name string) (*BackendInfo, string, error) {
	c.writeLock.RLock()
	defer c.writeLock.RUnlock()

	info := c.backends.GetBackend(name, false)
	if info == nil {
		return nil, "", errors.Wrapf(ErrNotFound, "deployment %q", name)
	}
	return info, c.endpoints.GetEndpointRoute(name), nil
}

// ListDeployments returns every deployment and its route.
func (c *Controller) ListDeployments(includeDeleted bool) map[string]Deployment {
	c.writeLock.RLock()
	defer c.writeLock.RUnlock()
	return c.listDeploymentsLocked(includeDeleted)
}

func (c *Controller) listDeploymentsLocked(includeDeleted bool) map[string]Deployment {
	out := map[string]Deployment{}
	for name := range c.backends.GetDeploymentConfigs(includeDeleted) {
		out[name] = Deployment{
			Info:  c.backends.GetBackend(name, includeDeleted),
			Route: c.endpoints.GetEndpointRoute(name),
		}
	}
	return out
}

// GetHTTPConfig returns the HTTP proxy configuration.
func (c *Controller) GetHTTPConfig() HTTPOptions {
	return c.httpState.GetConfig()
}

// GetRootURL returns the public URL of the serve instance.
func (c *Controller) GetRootURL() string {
	cfg := c.httpState.GetConfig()
	if cfg.RootURL != "" {
		return cfg.RootURL
	}
	if override, ok := os.LookupEnv(ServeRootURLEnvKey); ok {
		return override
	}
	return fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
}

// GetHTTPProxies returns the node → proxy handle map.
func (c *Controller) GetHTTPProxies() map[string]HTTPProxyHandle {
	c.writeLock.RLock()
	defer c.writeLock.RUnlock()
	return c.httpState.GetProxyHandles()
}

// GetAllEndpoints returns the route bindings of all deployments.
func (c *Controller) GetAllEndpoints() map[string]EndpointInfo {
	c.writeLock.RLock()
	defer c.writeLock.RUnlock()
	return c.endpoints.GetEndpoints()
}

// ListenForChange forwards a subscriber's long-poll request.
func (c *Controller) ListenForChange(ctx context.Context, keysToVersions map[string]int64) (map[string]longpoll.Update, error) {
	return c.notifier.Listen(ctx, keysToVersions)
}

// WaitForGoal blocks until the goal resolves.
func (c *Controller) WaitForGoal(ctx context.Context, id goal.ID) error {
	return c.goals.Wait(ctx, id)
}

// NumPendingGoals returns the number of unresolved goals.
func (c *Controller) NumPendingGoals() int {
	return c.goals.NumPending()
}

// RecordAutoscalingMetrics is the replica-facing reporting channel.
func (c *Controller) RecordAutoscalingMetrics(data map[string]float64, sendTimestamp time.Time) {
	c.metricsStore.AddMetricsPoint(data, sendTimestamp)
}

// Shutdown tears the serve instance down completely and returns the goals
// to await.
func (c *Controller) Shutdown(ctx context.Context) ([]goal.ID, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	var errs *multierror.Error
	ids, err := c.backends.Shutdown(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.endpoints.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	c.httpState.Shutdown()
	return ids, errs.ErrorOrNil()
}
