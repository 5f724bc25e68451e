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

// Package kv provides the namespaced key-value store used by the control
// plane for checkpoints, snapshots and the well-known coordination keys.
package kv

import (
	"context"
	"fmt"
)

// Well-known keys shared between the monitor, the controller and clients.
const (
	// KeyAutoscalerMetricsAddress holds "<ip>:<port>" of the monitor's
	// Prometheus endpoint.
	KeyAutoscalerMetricsAddress = "AutoscalerMetricsAddress"
	// KeyGCSServerAddress holds "<ip>:<port>" of the global state service.
	KeyGCSServerAddress = "GcsServerAddress"
	// KeyAutoscalingStatus receives the monitor's per-tick status JSON.
	KeyAutoscalingStatus = "__autoscaling_status"
	// KeyAutoscalingError receives a human-readable error when the monitor
	// loop dies.
	KeyAutoscalingError = "__autoscaling_error"
	// KeyResourceRequestChannel carries the user-driven demand floor as a
	// JSON demand vector.
	KeyResourceRequestChannel = "autoscaler_resource_request"
	// KeyServeSnapshot receives the controller's deployments snapshot.
	KeyServeSnapshot = "serve-deployments-snapshot"
)

// Store is an opaque byte-key/byte-value store. Implementations are
// namespaced at construction time; keys from different namespaces never
// collide. Get returns (nil, nil) for a missing key.
type Store interface {
	Put(ctx context.Context, key string, val []byte, overwrite bool) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Namespace returns the store namespace for a named controller instance.
func Namespace(controllerName, controllerNamespace string) string {
	return fmt.Sprintf("%s-%s", controllerName, controllerNamespace)
}
