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
	"fmt"
	"strings"
)

// ReplicaState enumerates the lifecycle of one replica.
type ReplicaState string

const (
	ReplicaStarting ReplicaState = "STARTING"
	ReplicaUpdating ReplicaState = "UPDATING"
	ReplicaRunning  ReplicaState = "RUNNING"
	ReplicaStopping ReplicaState = "STOPPING"
	ReplicaStopped  ReplicaState = "STOPPED"
)

// ReplicaHandle is the controller's handle on one replica actor. The actor
// runtime lives outside this repository; tests substitute fakes.
type ReplicaHandle interface {
	// ActorID identifies the underlying actor, or "" while unknown.
	ActorID() string
	// CheckReady polls the replica's readiness probe. An error means the
	// replica failed permanently and must be replaced.
	CheckReady() (bool, error)
	// GracefulStop asks the replica to drain and exit.
	GracefulStop()
	// CheckStopped reports whether teardown has completed.
	CheckStopped() bool
}

// ReplicaFactory creates a handle for actorName, attaching to an existing
// actor of that name if one is alive.
type ReplicaFactory func(actorName string, cfg ReplicaConfig) (ReplicaHandle, error)

// RunningReplicaInfo describes one live replica to subscribers.
type RunningReplicaInfo struct {
	DeploymentName string `json:"deployment_name"`
	ReplicaTag     string `json:"replica_tag"`
	ActorID        string `json:"actor_id"`
}

const replicaNameSep = "#"

// FormatReplicaName renders the cluster-wide actor name of a replica. The
// convention is what makes replicas reclaimable after a controller crash.
func FormatReplicaName(controllerName, deploymentName, replicaTag string) string {
	return controllerName + replicaNameSep + deploymentName + replicaNameSep + replicaTag
}

// ParseReplicaName splits an actor name following the replica convention
// for the given controller. ok is false for foreign names.
func ParseReplicaName(controllerName, actorName string) (deploymentName, replicaTag string, ok bool) {
	prefix := controllerName + replicaNameSep
	if !strings.HasPrefix(actorName, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(actorName, prefix)
	parts := strings.SplitN(rest, replicaNameSep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// replicaTagFor derives a fresh replica tag.
func replicaTagFor(deploymentName string, suffix string) string {
	return fmt.Sprintf("%s-%s", deploymentName, suffix)
}
