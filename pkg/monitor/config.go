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
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NodeTypeConfig declares one launchable node flavor.
type NodeTypeConfig struct {
	Resources  map[string]float64 `yaml:"resources"`
	MaxWorkers int                `yaml:"max_workers"`
}

// ProviderConfig selects and parameterizes the node provider.
type ProviderConfig struct {
	Type          string `yaml:"type"`
	Endpoint      string `yaml:"endpoint,omitempty"`
	UseNodeIDAsIP bool   `yaml:"use_node_id_as_ip"`
}

// ClusterConfig is the autoscaling configuration loaded from YAML.
type ClusterConfig struct {
	ClusterName        string                    `yaml:"cluster_name"`
	MaxWorkers         int                       `yaml:"max_workers"`
	UpscalingSpeed     float64                   `yaml:"upscaling_speed"`
	IdleTimeoutMinutes int                       `yaml:"idle_timeout_minutes"`
	Provider           ProviderConfig            `yaml:"provider"`
	AvailableNodeTypes map[string]NodeTypeConfig `yaml:"available_node_types"`
	HeadNodeType       string                    `yaml:"head_node_type"`
}

// LoadClusterConfig reads and validates an autoscaling config file.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading autoscaling config")
	}
	var cfg ClusterConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing autoscaling config")
	}
	if cfg.HeadNodeType != "" {
		if _, ok := cfg.AvailableNodeTypes[cfg.HeadNodeType]; !ok {
			return nil, errors.Errorf("head node type %q is not declared in available_node_types", cfg.HeadNodeType)
		}
	}
	if cfg.UpscalingSpeed == 0 {
		cfg.UpscalingSpeed = 1.0
	}
	return &cfg, nil
}

const (
	readonlyProviderType   = "readonly"
	readonlyHeadNodeType   = "head.default"
	readonlyNodeTypePrefix = "node_"
)

// NewReadonlyConfig mirrors a manually created cluster: no launches, one
// synthetic node type per observed node, populated each tick from telemetry.
func NewReadonlyConfig() *ClusterConfig {
	return &ClusterConfig{
		ClusterName:    "default",
		MaxWorkers:     0,
		UpscalingSpeed: 1.0,
		Provider: ProviderConfig{
			Type: readonlyProviderType,
			// Emulated multi-node setups report node IDs, not addresses.
			UseNodeIDAsIP: true,
		},
		AvailableNodeTypes: map[string]NodeTypeConfig{
			readonlyHeadNodeType: {Resources: map[string]float64{}, MaxWorkers: 0},
		},
		HeadNodeType: readonlyHeadNodeType,
	}
}

// FormatReadonlyNodeType derives the synthetic node-type name for a mirrored
// node.
func FormatReadonlyNodeType(nodeID string) string {
	return fmt.Sprintf("%s%s", readonlyNodeTypePrefix, nodeID)
}
