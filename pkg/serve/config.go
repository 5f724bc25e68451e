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

// Package serve implements the serve controller: the single writer for all
// hard deployment state, its reconciliation loop, autoscaling and the
// checkpoint/snapshot machinery around it.
package serve

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// Errors surfaced to RPC callers.
var (
	// ErrNotFound is returned for operations on unknown deployments.
	ErrNotFound = errors.New("deployment does not exist")
	// ErrPreconditionFailed is returned when a prev_version constraint does
	// not hold. State is left untouched.
	ErrPreconditionFailed = errors.New("version precondition failed")
)

// AutoscalingConfig parameterizes the basic autoscaling policy of one
// deployment.
type AutoscalingConfig struct {
	MinReplicas                        int     `json:"min_replicas"`
	MaxReplicas                        int     `json:"max_replicas"`
	TargetNumOngoingRequestsPerReplica float64 `json:"target_num_ongoing_requests_per_replica"`
	LookBackPeriodS                    float64 `json:"look_back_period_s"`
}

func (c *AutoscalingConfig) validate() error {
	if c.MinReplicas < 0 {
		return errors.New("min_replicas must not be negative")
	}
	if c.MaxReplicas < c.MinReplicas {
		return errors.New("max_replicas must not be smaller than min_replicas")
	}
	if c.TargetNumOngoingRequestsPerReplica <= 0 {
		return errors.New("target_num_ongoing_requests_per_replica must be positive")
	}
	return nil
}

// DeploymentConfig is the user-controlled scaling configuration of one
// deployment.
type DeploymentConfig struct {
	NumReplicas          int                `json:"num_replicas"`
	MaxConcurrentQueries int                `json:"max_concurrent_queries,omitempty"`
	UserConfig           json.RawMessage    `json:"user_config,omitempty"`
	AutoscalingConfig    *AutoscalingConfig `json:"autoscaling_config,omitempty"`
}

// ParseDeploymentConfig deserializes and validates a deployment config.
func ParseDeploymentConfig(raw []byte) (DeploymentConfig, error) {
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing deployment config")
	}
	if cfg.NumReplicas < 0 {
		return cfg, errors.New("num_replicas must not be negative")
	}
	if cfg.AutoscalingConfig != nil {
		if err := cfg.AutoscalingConfig.validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// ReplicaConfig describes the code and resource shape of one replica.
type ReplicaConfig struct {
	ClassName string             `json:"class_name"`
	Resources map[string]float64 `json:"resources,omitempty"`
	InitArgs  json.RawMessage    `json:"init_args,omitempty"`
}

// HTTPOptions configures the proxy fleet fronting the deployments.
type HTTPOptions struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	RootURL string `json:"root_url,omitempty"`
}

// BackendInfo is the authoritative record of one deployment.
type BackendInfo struct {
	DeploymentConfig DeploymentConfig `json:"deployment_config"`
	ReplicaConfig    ReplicaConfig    `json:"replica_config"`
	Version          string           `json:"version,omitempty"`
	DeployerJobID    string           `json:"deployer_job_id,omitempty"`
	StartTimeMS      int64            `json:"start_time_ms"`
	EndTimeMS        int64            `json:"end_time_ms,omitempty"`

	// AutoscalingPolicy is attached at deploy time when the config carries
	// an autoscaling section. Not persisted; rebuilt on recovery.
	AutoscalingPolicy AutoscalingPolicy `json:"-"`
}

// equalTarget reports whether two records describe the same desired state.
// Deploying an equal target is a no-op.
func (b *BackendInfo) equalTarget(other *BackendInfo) bool {
	if other == nil {
		return false
	}
	return b.Version == other.Version &&
		reflect.DeepEqual(b.DeploymentConfig, other.DeploymentConfig) &&
		reflect.DeepEqual(b.ReplicaConfig, other.ReplicaConfig)
}
