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
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/flotilla-io/flotilla/pkg/goal"
	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/longpoll"
)

// Long-poll keys published by the backend state manager.
const (
	// LongPollDeploymentConfigs carries the map of deployment configs.
	LongPollDeploymentConfigs = "deployment_configs"
	// LongPollRunningReplicasPrefix + deployment name carries that
	// deployment's running replica set.
	LongPollRunningReplicasPrefix = "running_replicas:"
)

const backendCheckpointKey = "backend-state-checkpoint"

type replicaRecord struct {
	tag     string
	state   ReplicaState
	version string
	handle  ReplicaHandle
}

type backendState struct {
	info     *BackendInfo
	replicas map[string]*replicaRecord
	// goalID of the in-flight transition, or "" when converged.
	goalID   goal.ID
	deleting bool
}

type replicaCheckpoint struct {
	State   ReplicaState `json:"state"`
	Version string       `json:"version"`
}

type backendCheckpoint struct {
	Info     *BackendInfo                 `json:"info"`
	Replicas map[string]replicaCheckpoint `json:"replicas"`
	Deleting bool                         `json:"deleting"`
}

type managerCheckpoint struct {
	Backends map[string]backendCheckpoint `json:"backends"`
	Deleted  map[string]*BackendInfo      `json:"deleted"`
}

// BackendStateManager reconciles desired vs. actual replica sets for every
// deployment. It is owned by the controller; all mutating methods are called
// under the controller's write lock.
type BackendStateManager struct {
	logger         log.Logger
	controllerName string
	store          kv.Store
	notifier       *longpoll.Notifier
	goals          *goal.Manager
	factory        ReplicaFactory

	backends map[string]*backendState
	deleted  map[string]*BackendInfo
}

// NewBackendStateManager rehydrates state from the checkpoint. Replicas
// whose actor name appears in currentActorNames are reclaimed pending a
// readiness check instead of being relaunched; live actors matching the
// naming convention that the checkpoint does not know (lost in a crash
// window) are adopted the same way.
func NewBackendStateManager(
	ctx context.Context,
	logger log.Logger,
	controllerName string,
	store kv.Store,
	notifier *longpoll.Notifier,
	goals *goal.Manager,
	factory ReplicaFactory,
	currentActorNames []string,
) (*BackendStateManager, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &BackendStateManager{
		logger:         logger,
		controllerName: controllerName,
		store:          store,
		notifier:       notifier,
		goals:          goals,
		factory:        factory,
		backends:       map[string]*backendState{},
		deleted:        map[string]*BackendInfo{},
	}

	alive := map[string]struct{}{}
	for _, name := range currentActorNames {
		alive[name] = struct{}{}
	}

	raw, err := store.Get(ctx, backendCheckpointKey)
	if err != nil {
		return nil, errors.Wrap(err, "reading backend checkpoint")
	}
	if raw != nil {
		var cp managerCheckpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, errors.Wrap(err, "parsing backend checkpoint")
		}
		m.deleted = cp.Deleted
		if m.deleted == nil {
			m.deleted = map[string]*BackendInfo{}
		}
		for name, bcp := range cp.Backends {
			s := &backendState{
				info:     bcp.Info,
				replicas: map[string]*replicaRecord{},
				deleting: bcp.Deleting,
			}
			if cfg := bcp.Info.DeploymentConfig.AutoscalingConfig; cfg != nil {
				s.info.AutoscalingPolicy = NewBasicAutoscalingPolicy(*cfg)
			}
			for tag, rcp := range bcp.Replicas {
				actorName := FormatReplicaName(controllerName, name, tag)
				if _, ok := alive[actorName]; !ok {
					// The actor died with the previous controller; the
					// reconcile step will relaunch as needed.
					continue
				}
				delete(alive, actorName)
				handle, err := factory(actorName, bcp.Info.ReplicaConfig)
				if err != nil {
					level.Warn(logger).Log("msg", "reattaching replica failed", "actor", actorName, "err", err)
					continue
				}
				s.replicas[tag] = &replicaRecord{
					tag:     tag,
					state:   ReplicaStarting,
					version: rcp.Version,
					handle:  handle,
				}
			}
			m.backends[name] = s
		}
	}

	// Orphans: actors launched after the last checkpoint was cut.
	for actorName := range alive {
		deployment, tag, ok := ParseReplicaName(controllerName, actorName)
		if !ok {
			continue
		}
		s, exists := m.backends[deployment]
		if !exists {
			continue
		}
		handle, err := factory(actorName, s.info.ReplicaConfig)
		if err != nil {
			level.Warn(logger).Log("msg", "adopting orphaned replica failed", "actor", actorName, "err", err)
			continue
		}
		s.replicas[tag] = &replicaRecord{
			tag:     tag,
			state:   ReplicaStarting,
			version: s.info.Version,
			handle:  handle,
		}
	}
	return m, nil
}

func (m *BackendStateManager) checkpoint(ctx context.Context) error {
	cp := managerCheckpoint{
		Backends: map[string]backendCheckpoint{},
		Deleted:  m.deleted,
	}
	for name, s := range m.backends {
		bcp := backendCheckpoint{
			Info:     s.info,
			Replicas: map[string]replicaCheckpoint{},
			Deleting: s.deleting,
		}
		for tag, r := range s.replicas {
			bcp.Replicas[tag] = replicaCheckpoint{State: r.state, Version: r.version}
		}
		cp.Backends[name] = bcp
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "serializing backend checkpoint")
	}
	if err := m.store.Put(ctx, backendCheckpointKey, raw, true); err != nil {
		return errors.Wrap(err, "writing backend checkpoint")
	}
	checkpointWrites.Inc()
	return nil
}

func (m *BackendStateManager) notifyConfigs() {
	m.notifier.Notify(LongPollDeploymentConfigs, m.GetDeploymentConfigs(false))
}

func (m *BackendStateManager) notifyRunningReplicas(name string) {
	infos := m.runningReplicas(name)
	sort.Slice(infos, func(i, j int) bool { return infos[i].ReplicaTag < infos[j].ReplicaTag })
	m.notifier.Notify(LongPollRunningReplicasPrefix+name, infos)
}

// DeployBackend records a new desired state for name. Returns ("", false)
// when the target equals the current desired state (idempotent redeploys),
// otherwise the goal tracking convergence and updating=true.
func (m *BackendStateManager) DeployBackend(ctx context.Context, name string, info *BackendInfo) (goal.ID, bool, error) {
	existing := m.backends[name]
	if existing != nil && !existing.deleting && existing.info.equalTarget(info) {
		return "", false, nil
	}
	// A redeploy that keeps the version (e.g. an autoscaling decision)
	// preserves the original start time.
	if existing != nil && !existing.deleting && existing.info.Version == info.Version {
		info.StartTimeMS = existing.info.StartTimeMS
	}
	if existing == nil {
		existing = &backendState{replicas: map[string]*replicaRecord{}}
		m.backends[name] = existing
	}
	if existing.goalID != "" {
		// The previous transition is superseded.
		m.goals.Complete(existing.goalID, nil)
	}
	existing.info = info
	existing.deleting = false
	delete(m.deleted, name)

	gid := m.goals.Create()
	existing.goalID = gid

	if err := m.checkpoint(ctx); err != nil {
		return gid, true, err
	}
	m.notifyConfigs()
	return gid, true, nil
}

// DeleteBackend marks name for deletion. Returns "" when the deployment is
// unknown; deletion of a deleted deployment is a no-op.
func (m *BackendStateManager) DeleteBackend(ctx context.Context, name string) (goal.ID, error) {
	s := m.backends[name]
	if s == nil {
		return "", nil
	}
	s.deleting = true
	s.info.EndTimeMS = time.Now().UnixMilli()
	if s.goalID != "" {
		m.goals.Complete(s.goalID, nil)
	}
	gid := m.goals.Create()
	s.goalID = gid

	if err := m.checkpoint(ctx); err != nil {
		return gid, err
	}
	m.notifyConfigs()
	return gid, nil
}

// GetBackend returns the record for name, or nil. A deployment that is
// still draining its replicas after a delete already counts as deleted.
func (m *BackendStateManager) GetBackend(name string, includeDeleted bool) *BackendInfo {
	if s, ok := m.backends[name]; ok {
		if s.deleting && !includeDeleted {
			return nil
		}
		return s.info
	}
	if includeDeleted {
		return m.deleted[name]
	}
	return nil
}

// GetDeploymentConfigs returns the config of every live deployment, plus
// the deleted (and deleting) ones when requested.
func (m *BackendStateManager) GetDeploymentConfigs(includeDeleted bool) map[string]DeploymentConfig {
	out := map[string]DeploymentConfig{}
	for name, s := range m.backends {
		if s.deleting && !includeDeleted {
			continue
		}
		out[name] = s.info.DeploymentConfig
	}
	if includeDeleted {
		for name, info := range m.deleted {
			out[name] = info.DeploymentConfig
		}
	}
	return out
}

func (m *BackendStateManager) runningReplicas(name string) []RunningReplicaInfo {
	s := m.backends[name]
	if s == nil {
		return nil
	}
	var infos []RunningReplicaInfo
	for tag, r := range s.replicas {
		if r.state != ReplicaRunning {
			continue
		}
		infos = append(infos, RunningReplicaInfo{
			DeploymentName: name,
			ReplicaTag:     tag,
			ActorID:        r.handle.ActorID(),
		})
	}
	return infos
}

// GetRunningReplicaInfos returns the live replica set per deployment.
func (m *BackendStateManager) GetRunningReplicaInfos() map[string][]RunningReplicaInfo {
	out := map[string][]RunningReplicaInfo{}
	for name := range m.backends {
		if infos := m.runningReplicas(name); len(infos) > 0 {
			out[name] = infos
		}
	}
	return out
}

// Shutdown marks every deployment for deletion and returns the goals to
// await.
func (m *BackendStateManager) Shutdown(ctx context.Context) ([]goal.ID, error) {
	var (
		ids  []goal.ID
		errs *multierror.Error
	)
	for name := range m.backends {
		gid, err := m.DeleteBackend(ctx, name)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if gid != "" {
			ids = append(ids, gid)
		}
	}
	return ids, errs.ErrorOrNil()
}

// Update is the reconciliation step, invoked once per control-loop tick.
// Work per deployment is bounded: exactly the transitions needed to close
// the desired/actual gap are issued.
func (m *BackendStateManager) Update(ctx context.Context) error {
	changed := map[string]bool{}
	var deletedNames []string

	for name, s := range m.backends {
		if m.reconcile(name, s, changed) {
			deletedNames = append(deletedNames, name)
		}
	}
	for _, name := range deletedNames {
		m.deleted[name] = m.backends[name].info
		delete(m.backends, name)
		changed[name] = true
	}

	if len(changed) == 0 {
		return nil
	}
	if err := m.checkpoint(ctx); err != nil {
		return err
	}
	for name := range changed {
		m.notifyRunningReplicas(name)
	}
	if len(deletedNames) > 0 {
		m.notifyConfigs()
	}
	return nil
}

// reconcile advances one deployment. Returns true when the deployment has
// finished deleting and must be moved to the deleted set.
func (m *BackendStateManager) reconcile(name string, s *backendState, changed map[string]bool) bool {
	target := s.info
	desired := target.DeploymentConfig.NumReplicas

	// Replicas on an outdated version are drained and replaced.
	if !s.deleting {
		for _, r := range s.replicas {
			if r.version == target.Version {
				continue
			}
			if r.state == ReplicaStarting || r.state == ReplicaUpdating || r.state == ReplicaRunning {
				r.handle.GracefulStop()
				r.state = ReplicaStopping
				changed[name] = true
			}
		}
	}

	// Advance lifecycle transitions.
	for tag, r := range s.replicas {
		switch r.state {
		case ReplicaStarting, ReplicaUpdating:
			ready, err := r.handle.CheckReady()
			if err != nil {
				level.Warn(m.logger).Log("msg", "replica failed to start", "deployment", name, "replica", tag, "err", err)
				delete(s.replicas, tag)
				changed[name] = true
				continue
			}
			if ready {
				r.state = ReplicaRunning
				changed[name] = true
			}
		case ReplicaStopping:
			if r.handle.CheckStopped() {
				r.state = ReplicaStopped
				delete(s.replicas, tag)
				changed[name] = true
			}
		}
	}

	// Close the desired/actual gap at the target version. A deleting
	// deployment drains every replica regardless of version.
	if s.deleting {
		for _, r := range s.replicas {
			if r.state == ReplicaStarting || r.state == ReplicaUpdating || r.state == ReplicaRunning {
				r.handle.GracefulStop()
				r.state = ReplicaStopping
				changed[name] = true
			}
		}
	} else {
		active := 0
		for _, r := range s.replicas {
			if r.version != target.Version {
				continue
			}
			if r.state == ReplicaStarting || r.state == ReplicaUpdating || r.state == ReplicaRunning {
				active++
			}
		}
		switch delta := desired - active; {
		case delta > 0:
			for i := 0; i < delta; i++ {
				m.startReplica(name, s, changed)
			}
		case delta < 0:
			m.stopReplicas(name, s, -delta, changed)
		}
	}

	// Resolve the goal once the deployment reached a steady state that
	// matches its target. A deployment recovered mid-deletion has no goal
	// but must still finish deleting.
	if s.deleting {
		if len(s.replicas) > 0 {
			return false
		}
		if s.goalID != "" {
			m.goals.Complete(s.goalID, nil)
			s.goalID = ""
		}
		return true
	}
	if s.goalID == "" {
		return false
	}
	running := 0
	settled := true
	for _, r := range s.replicas {
		switch r.state {
		case ReplicaRunning:
			running++
		default:
			settled = false
		}
	}
	if settled && running == desired {
		m.goals.Complete(s.goalID, nil)
		s.goalID = ""
	}
	return false
}

func (m *BackendStateManager) startReplica(name string, s *backendState, changed map[string]bool) {
	tag := replicaTagFor(name, uuid.NewString()[:8])
	actorName := FormatReplicaName(m.controllerName, name, tag)
	handle, err := m.factory(actorName, s.info.ReplicaConfig)
	if err != nil {
		level.Error(m.logger).Log("msg", "starting replica failed", "deployment", name, "err", err)
		return
	}
	s.replicas[tag] = &replicaRecord{
		tag:     tag,
		state:   ReplicaStarting,
		version: s.info.Version,
		handle:  handle,
	}
	changed[name] = true
}

// stopReplicas drains count replicas, preferring ones that have not become
// ready yet.
func (m *BackendStateManager) stopReplicas(name string, s *backendState, count int, changed map[string]bool) {
	ordered := make([]*replicaRecord, 0, len(s.replicas))
	for _, r := range s.replicas {
		if r.state == ReplicaStarting || r.state == ReplicaUpdating || r.state == ReplicaRunning {
			ordered = append(ordered, r)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if (ordered[i].state == ReplicaRunning) != (ordered[j].state == ReplicaRunning) {
			return ordered[i].state != ReplicaRunning
		}
		return ordered[i].tag < ordered[j].tag
	})
	for i := 0; i < count && i < len(ordered); i++ {
		ordered[i].handle.GracefulStop()
		ordered[i].state = ReplicaStopping
		changed[name] = true
	}
}
