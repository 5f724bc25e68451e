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

import "math"

// AutoscalingPolicy maps observed load to a desired replica count. Pure:
// implementations must not keep mutable state between decisions.
type AutoscalingPolicy interface {
	// GetDecisionNumReplicas returns the target replica count given the
	// per-replica ongoing request averages. Callers must skip the decision
	// entirely when the observation list is empty.
	GetDecisionNumReplicas(currentNumOngoingRequests []float64, currTargetNumReplicas int) int
}

// BasicAutoscalingPolicy scales proportionally to total ongoing requests,
// clamped to the configured bounds.
type BasicAutoscalingPolicy struct {
	config AutoscalingConfig
}

func NewBasicAutoscalingPolicy(config AutoscalingConfig) *BasicAutoscalingPolicy {
	return &BasicAutoscalingPolicy{config: config}
}

// Config returns the policy's configuration.
func (p *BasicAutoscalingPolicy) Config() AutoscalingConfig {
	return p.config
}

func (p *BasicAutoscalingPolicy) GetDecisionNumReplicas(currentNumOngoingRequests []float64, currTargetNumReplicas int) int {
	if len(currentNumOngoingRequests) == 0 {
		// Missing data must never drive a deployment toward zero.
		return currTargetNumReplicas
	}
	var total float64
	for _, v := range currentNumOngoingRequests {
		total += v
	}
	decision := int(math.Round(total / p.config.TargetNumOngoingRequestsPerReplica))
	if decision < p.config.MinReplicas {
		decision = p.config.MinReplicas
	}
	if decision > p.config.MaxReplicas {
		decision = p.config.MaxReplicas
	}
	return decision
}
