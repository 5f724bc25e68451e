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
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/goal"
	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/longpoll"
)

// fakeReplica simulates one replica actor. Readiness and teardown are
// controlled by the test.
type fakeReplica struct {
	mtx      sync.Mutex
	name     string
	ready    bool
	stopping bool
	stopped  bool
	readyErr error
}

func (f *fakeReplica) ActorID() string {
	return "actor:" + f.name
}

func (f *fakeReplica) CheckReady() (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.ready, f.readyErr
}

func (f *fakeReplica) GracefulStop() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.stopping = true
	// Teardown completes by the next poll.
	f.stopped = true
}

func (f *fakeReplica) CheckStopped() bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.stopped
}

func (f *fakeReplica) setReady(ready bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.ready = ready
}

// fakeReplicaPool hands out fakeReplicas and remembers them by actor name.
type fakeReplicaPool struct {
	mtx      sync.Mutex
	replicas map[string]*fakeReplica
	creates  int
	// readyByDefault makes new replicas pass their first readiness probe.
	readyByDefault bool
}

func newFakeReplicaPool(readyByDefault bool) *fakeReplicaPool {
	return &fakeReplicaPool{replicas: map[string]*fakeReplica{}, readyByDefault: readyByDefault}
}

func (p *fakeReplicaPool) factory(actorName string, _ ReplicaConfig) (ReplicaHandle, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.creates++
	if r, ok := p.replicas[actorName]; ok {
		return r, nil
	}
	r := &fakeReplica{name: actorName, ready: p.readyByDefault}
	p.replicas[actorName] = r
	return r, nil
}

func (p *fakeReplicaPool) setAllReady() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, r := range p.replicas {
		r.setReady(true)
	}
}

func (p *fakeReplicaPool) actorNames() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var names []string
	for name := range p.replicas {
		names = append(names, name)
	}
	return names
}

func newTestManager(t *testing.T, store kv.Store, pool *fakeReplicaPool, actorNames []string) (*BackendStateManager, *goal.Manager) {
	t.Helper()
	goals := goal.NewManager()
	m, err := NewBackendStateManager(
		context.Background(), log.NewNopLogger(), "serve", store,
		longpoll.NewNotifier(), goals, pool.factory, actorNames)
	require.NoError(t, err)
	return m, goals
}

func backendInfo(numReplicas int, version string) *BackendInfo {
	return &BackendInfo{
		DeploymentConfig: DeploymentConfig{NumReplicas: numReplicas},
		ReplicaConfig:    ReplicaConfig{ClassName: "ImageClassifier"},
		Version:          version,
		StartTimeMS:      1646000000000,
	}
}

func countStates(m *BackendStateManager, name string) map[ReplicaState]int {
	out := map[ReplicaState]int{}
	for _, r := range m.backends[name].replicas {
		out[r.state]++
	}
	return out
}

func TestDeployScalesUpToTarget(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(false)
	m, goals := newTestManager(t, kv.NewMemStore(), pool, nil)

	gid, updating, err := m.DeployBackend(ctx, "app", backendInfo(2, "v1"))
	require.NoError(t, err)
	require.True(t, updating)
	require.NotEmpty(t, gid)

	require.NoError(t, m.Update(ctx))
	require.Equal(t, map[ReplicaState]int{ReplicaStarting: 2}, countStates(m, "app"))
	require.Equal(t, 1, goals.NumPending())

	pool.setAllReady()
	require.NoError(t, m.Update(ctx))
	require.Equal(t, map[ReplicaState]int{ReplicaRunning: 2}, countStates(m, "app"))

	// The goal resolves once the deployment reaches its target.
	require.Equal(t, 0, goals.NumPending())
	require.NoError(t, goals.Wait(ctx, gid))
	require.Len(t, m.GetRunningReplicaInfos()["app"], 2)
}

func TestDeployIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(true)
	m, _ := newTestManager(t, kv.NewMemStore(), pool, nil)

	gid, updating, err := m.DeployBackend(ctx, "app", backendInfo(2, "v1"))
	require.NoError(t, err)
	require.True(t, updating)
	require.NotEmpty(t, gid)

	// Same name and version: nothing to do.
	gid2, updating2, err := m.DeployBackend(ctx, "app", backendInfo(2, "v1"))
	require.NoError(t, err)
	require.False(t, updating2)
	require.Empty(t, gid2)
}

func TestDeployPreservesStartTimeOnScaleOnlyChange(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(true)
	m, _ := newTestManager(t, kv.NewMemStore(), pool, nil)

	first := backendInfo(2, "v1")
	_, _, err := m.DeployBackend(ctx, "app", first)
	require.NoError(t, err)

	rescaled := backendInfo(5, "v1")
	rescaled.StartTimeMS = 1646999999999
	_, updating, err := m.DeployBackend(ctx, "app", rescaled)
	require.NoError(t, err)
	require.True(t, updating)
	require.Equal(t, first.StartTimeMS, m.GetBackend("app", false).StartTimeMS)

	// A version change resets the start time.
	upgraded := backendInfo(5, "v2")
	upgraded.StartTimeMS = 1647111111111
	_, _, err = m.DeployBackend(ctx, "app", upgraded)
	require.NoError(t, err)
	require.Equal(t, int64(1647111111111), m.GetBackend("app", false).StartTimeMS)
}

func TestScaleDown(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(true)
	m, _ := newTestManager(t, kv.NewMemStore(), pool, nil)

	_, _, err := m.DeployBackend(ctx, "app", backendInfo(3, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))
	require.Len(t, m.GetRunningReplicaInfos()["app"], 3)

	_, _, err = m.DeployBackend(ctx, "app", backendInfo(1, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx))
	// Two replicas drain; fake teardown acks immediately, so one more tick
	// removes them.
	require.NoError(t, m.Update(ctx))
	require.Equal(t, map[ReplicaState]int{ReplicaRunning: 1}, countStates(m, "app"))
}

func TestVersionUpgradeReplacesReplicas(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(true)
	m, _ := newTestManager(t, kv.NewMemStore(), pool, nil)

	_, _, err := m.DeployBackend(ctx, "app", backendInfo(2, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))

	_, _, err = m.DeployBackend(ctx, "app", backendInfo(2, "v2"))
	require.NoError(t, err)

	// Old-version replicas drain while replacements start.
	require.NoError(t, m.Update(ctx))
	states := countStates(m, "app")
	require.Equal(t, 2, states[ReplicaStarting])

	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))
	require.Equal(t, map[ReplicaState]int{ReplicaRunning: 2}, countStates(m, "app"))
	for _, r := range m.backends["app"].replicas {
		require.Equal(t, "v2", r.version)
	}
}

func TestDeleteBackend(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(true)
	m, goals := newTestManager(t, kv.NewMemStore(), pool, nil)

	_, _, err := m.DeployBackend(ctx, "app", backendInfo(2, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))

	gid, err := m.DeleteBackend(ctx, "app")
	require.NoError(t, err)
	require.NotEmpty(t, gid)

	// Already hidden from the live view while draining.
	require.Nil(t, m.GetBackend("app", false))
	require.NotNil(t, m.GetBackend("app", true))

	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))

	require.NoError(t, goals.Wait(ctx, gid))
	require.Nil(t, m.GetBackend("app", false))
	deleted := m.GetBackend("app", true)
	require.NotNil(t, deleted)
	require.NotZero(t, deleted.EndTimeMS)

	// Deleting an unknown deployment is a no-op.
	gid, err = m.DeleteBackend(ctx, "app")
	require.NoError(t, err)
	require.Empty(t, gid)
}

func TestShutdownDeletesEverything(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(true)
	m, goals := newTestManager(t, kv.NewMemStore(), pool, nil)

	_, _, err := m.DeployBackend(ctx, "a", backendInfo(1, "v1"))
	require.NoError(t, err)
	_, _, err = m.DeployBackend(ctx, "b", backendInfo(1, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))

	ids, err := m.Shutdown(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.NoError(t, m.Update(ctx))
	require.NoError(t, m.Update(ctx))
	for _, id := range ids {
		require.NoError(t, goals.Wait(ctx, id))
	}
	require.Empty(t, m.GetDeploymentConfigs(false))
	require.Len(t, m.GetDeploymentConfigs(true), 2)
}

func TestFailedReplicaIsReplaced(t *testing.T) {
	ctx := context.Background()
	pool := newFakeReplicaPool(false)
	m, _ := newTestManager(t, kv.NewMemStore(), pool, nil)

	_, _, err := m.DeployBackend(ctx, "app", backendInfo(1, "v1"))
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx))

	for _, r := range pool.replicas {
		r.readyErr = errors.New("container image pull failed")
	}
	// The failed replica is dropped and a fresh one spawned.
	require.NoError(t, m.Update(ctx))
	require.Equal(t, 2, pool.creates)
	require.Equal(t, map[ReplicaState]int{ReplicaStarting: 1}, countStates(m, "app"))
}

func TestRecoveryReclaimsReplicas(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	pool := newFakeReplicaPool(true)

	m1, _ := newTestManager(t, store, pool, nil)
	_, _, err := m1.DeployBackend(ctx, "app", backendInfo(2, "v1"))
	require.NoError(t, err)
	require.NoError(t, m1.Update(ctx))
	require.NoError(t, m1.Update(ctx))
	require.Len(t, m1.GetRunningReplicaInfos()["app"], 2)
	createsBefore := pool.creates

	// A fresh controller over the same checkpoint and the same live actors
	// reconciles without creating new replicas.
	m2, _ := newTestManager(t, store, pool, pool.actorNames())
	require.NoError(t, m2.Update(ctx))
	require.NoError(t, m2.Update(ctx))

	require.Len(t, m2.GetRunningReplicaInfos()["app"], 2)
	// The factory re-attached to the two existing actors; nothing new was
	// spawned.
	require.Equal(t, createsBefore+2, pool.creates)
	require.Len(t, pool.replicas, 2)
}
