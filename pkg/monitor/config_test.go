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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testClusterConfigYAML = `
cluster_name: production
max_workers: 20
upscaling_speed: 1.5
idle_timeout_minutes: 10
provider:
  type: http
  endpoint: 10.0.0.5:7070
head_node_type: head
available_node_types:
  head:
    resources:
      CPU: 8
  cpu-worker:
    resources:
      CPU: 16
    max_workers: 18
`

func TestLoadClusterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoscaling.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testClusterConfigYAML), 0o644))

	cfg, err := LoadClusterConfig(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.ClusterName)
	require.Equal(t, 20, cfg.MaxWorkers)
	require.Equal(t, 1.5, cfg.UpscalingSpeed)
	require.Equal(t, "http", cfg.Provider.Type)
	require.Equal(t, "10.0.0.5:7070", cfg.Provider.Endpoint)
	require.Equal(t, 16.0, cfg.AvailableNodeTypes["cpu-worker"].Resources["CPU"])
}

func TestLoadClusterConfigRejectsUnknownHeadType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoscaling.yaml")
	require.NoError(t, os.WriteFile(path, []byte("head_node_type: missing\navailable_node_types: {}\n"), 0o644))

	_, err := LoadClusterConfig(path)
	require.Error(t, err)
}

func TestReadonlyConfig(t *testing.T) {
	cfg := NewReadonlyConfig()
	require.Zero(t, cfg.MaxWorkers)
	require.True(t, cfg.Provider.UseNodeIDAsIP)
	require.Contains(t, cfg.AvailableNodeTypes, cfg.HeadNodeType)
	require.Equal(t, "node_ab12", FormatReadonlyNodeType("ab12"))
}
