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

package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/flotilla-io/flotilla/pkg/goal"
	"github.com/flotilla-io/flotilla/pkg/serve"
)

// api exposes the controller's RPC surface over HTTP/JSON.
type api struct {
	logger     log.Logger
	controller *serve.Controller
}

func newAPI(logger log.Logger, controller *serve.Controller) *api {
	return &api{logger: logger, controller: controller}
}

func (a *api) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/deployments", a.handleDeployments)
	mux.HandleFunc("/api/v1/deployments/", a.handleDeployment)
	mux.HandleFunc("/api/v1/endpoints", a.handleEndpoints)
	mux.HandleFunc("/api/v1/root_url", a.handleRootURL)
	mux.HandleFunc("/api/v1/listen", a.handleListen)
	mux.HandleFunc("/api/v1/goals/", a.handleGoal)
	mux.HandleFunc("/api/v1/autoscaling_metrics", a.handleAutoscalingMetrics)
	mux.HandleFunc("/api/v1/shutdown", a.handleShutdown)
	return mux
}

func (a *api) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(a.logger).Log("msg", "writing response failed", "err", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, serve.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, serve.ErrPreconditionFailed):
		code = http.StatusPreconditionFailed
	}
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}

type deployPayload struct {
	Name             string              `json:"name"`
	DeploymentConfig json.RawMessage     `json:"deployment_config"`
	ReplicaConfig    serve.ReplicaConfig `json:"replica_config"`
	Version          string              `json:"version,omitempty"`
	PrevVersion      string              `json:"prev_version,omitempty"`
	RoutePrefix      string              `json:"route_prefix,omitempty"`
	DeployerJobID    string              `json:"deployer_job_id,omitempty"`
}

func (a *api) handleDeployments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload deployPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		gid, updating, err := a.controller.Deploy(r.Context(), serve.DeployRequest{
			Name:                  payload.Name,
			DeploymentConfigBytes: payload.DeploymentConfig,
			ReplicaConfig:         payload.ReplicaConfig,
			Version:               payload.Version,
			PrevVersion:           payload.PrevVersion,
			RoutePrefix:           payload.RoutePrefix,
			DeployerJobID:         payload.DeployerJobID,
		})
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]interface{}{
			"goal_id":  string(gid),
			"updating": updating,
		})
	case http.MethodGet:
		includeDeleted := r.URL.Query().Get("include_deleted") == "true"
		a.writeJSON(w, http.StatusOK, a.controller.ListDeployments(includeDeleted))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleDeployment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/deployments/")
	switch r.Method {
	case http.MethodGet:
		info, route, err := a.controller.GetDeploymentInfo(name)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]interface{}{
			"info":  info,
			"route": route,
		})
	case http.MethodDelete:
		gid, err := a.controller.DeleteDeployment(r.Context(), name)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]string{"goal_id": string(gid)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.controller.GetAllEndpoints())
}

func (a *api) handleRootURL(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"root_url": a.controller.GetRootURL()})
}

// handleListen blocks until one of the subscriber's keys moves past its
// last-known version; the request context carries the cancellation.
func (a *api) handleListen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var known map[string]int64
	if err := json.NewDecoder(r.Body).Decode(&known); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	updates, err := a.controller.ListenForChange(r.Context(), known)
	if err != nil {
		a.writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, updates)
}

func (a *api) handleGoal(w http.ResponseWriter, r *http.Request) {
	id := goal.ID(strings.TrimPrefix(r.URL.Path, "/api/v1/goals/"))
	if err := a.controller.WaitForGoal(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

type metricsPayload struct {
	Data          map[string]float64 `json:"data"`
	SendTimestamp float64            `json:"send_timestamp"`
}

func (a *api) handleAutoscalingMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload metricsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sec, frac := int64(payload.SendTimestamp), payload.SendTimestamp-float64(int64(payload.SendTimestamp))
	a.controller.RecordAutoscalingMetrics(payload.Data, time.Unix(sec, int64(frac*1e9)))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids, err := a.controller.Shutdown(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	goals := make([]string, 0, len(ids))
	for _, id := range ids {
		goals = append(goals, string(id))
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"goal_ids": goals})
}
