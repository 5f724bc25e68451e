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
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/gcs"
)

type fakeProvider struct {
	nodes      []Node
	created    map[string]int
	terminated []string
}

func newFakeProvider(nodes ...Node) *fakeProvider {
	return &fakeProvider{nodes: nodes, created: map[string]int{}}
}

func (p *fakeProvider) NonTerminatedNodes(context.Context) ([]Node, error) {
	return p.nodes, nil
}

func (p *fakeProvider) CreateNodes(_ context.Context, nodeType string, count int) error {
	p.created[nodeType] += count
	return nil
}

func (p *fakeProvider) TerminateNode(_ context.Context, id string) error {
	p.terminated = append(p.terminated, id)
	return nil
}

func testClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		ClusterName:    "test",
		MaxWorkers:     10,
		UpscalingSpeed: 2.0,
		HeadNodeType:   "head",
		AvailableNodeTypes: map[string]NodeTypeConfig{
			"head":       {Resources: map[string]float64{"CPU": 4}},
			"cpu-worker": {Resources: map[string]float64{"CPU": 8}, MaxWorkers: 8},
			"gpu-worker": {Resources: map[string]float64{"CPU": 8, "GPU": 1}, MaxWorkers: 2},
		},
	}
}

func newTestAutoscaler(p NodeProvider) (*StandardAutoscaler, *LoadMetrics) {
	cfg := testClusterConfig()
	lm := NewLoadMetrics("head-ip")
	as := NewStandardAutoscaler(log.NewNopLogger(), func() *ClusterConfig { return cfg }, p, lm, NewEventSummarizer())
	return as, lm
}

func TestAutoscalerLaunchesForDemand(t *testing.T) {
	p := newFakeProvider(Node{ID: "h", NodeType: "head", IsHead: true})
	as, lm := newTestAutoscaler(p)

	lm.Update("head-ip", gcs.Bundle{"CPU": 4}, gcs.Bundle{"CPU": 0}, nil,
		[]gcs.Bundle{{"CPU": 1}, {"GPU": 1}}, nil, nil, false)

	as.Update()

	// One CPU bundle and one GPU bundle: first fitting type each.
	require.Equal(t, map[string]int{"cpu-worker": 1, "gpu-worker": 1}, p.created)
}

func TestAutoscalerRespectsMaxWorkers(t *testing.T) {
	nodes := []Node{{ID: "h", NodeType: "head", IsHead: true}}
	for i := 0; i < 10; i++ {
		nodes = append(nodes, Node{ID: string(rune('a' + i)), NodeType: "cpu-worker"})
	}
	p := newFakeProvider(nodes...)
	as, lm := newTestAutoscaler(p)

	lm.Update("head-ip", gcs.Bundle{"CPU": 4}, gcs.Bundle{"CPU": 0}, nil,
		[]gcs.Bundle{{"CPU": 1}}, nil, nil, false)

	as.Update()
	require.Empty(t, p.created)
}

func TestAutoscalerKillWorkersRetainsHead(t *testing.T) {
	p := newFakeProvider(
		Node{ID: "h", NodeType: "head", IsHead: true},
		Node{ID: "w1", NodeType: "cpu-worker"},
		Node{ID: "w2", NodeType: "cpu-worker"},
	)
	as, _ := newTestAutoscaler(p)

	require.NoError(t, as.KillWorkers())
	require.ElementsMatch(t, []string{"w1", "w2"}, p.terminated)
}

func TestAutoscalerTeardownKeepsMinimum(t *testing.T) {
	p := newFakeProvider(
		Node{ID: "h", NodeType: "head", IsHead: true},
		Node{ID: "w1", NodeType: "cpu-worker"},
		Node{ID: "w2", NodeType: "cpu-worker"},
	)
	as, _ := newTestAutoscaler(p)

	require.NoError(t, as.TeardownWorkers())
	require.Len(t, p.terminated, 1)
}
