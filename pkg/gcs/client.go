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

// Package gcs implements the client side of the global state service's
// resource-usage protocol. The service is a simple request-reply endpoint
// returning one report per node plus two aggregate load blobs.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

const resourceUsagePath = "/api/v1/resource_usage"

// DefaultRequestTimeout bounds a single GetAllResourceUsage round trip.
// A tick that exceeds it is skipped by the caller.
const DefaultRequestTimeout = 60 * time.Second

// Bundle maps a resource name to a quantity. A bundle describes the demand
// of a single task or actor.
type Bundle map[string]float64

// NodeReport is the snapshot of one node at one instant.
type NodeReport struct {
	NodeID                      string `json:"node_id"`
	NodeManagerAddress          string `json:"node_manager_address"`
	ResourcesTotal              Bundle `json:"resources_total"`
	ResourcesAvailable          Bundle `json:"resources_available"`
	ResourceLoad                Bundle `json:"resource_load"`
	ClusterFullOfActorsDetected bool   `json:"cluster_full_of_actors_detected"`
}

// ResourceDemand is one aggregated demand record: a bundle shape plus the
// queue counters attached to it.
type ResourceDemand struct {
	Shape                       Bundle `json:"shape"`
	NumReadyRequestsQueued      int    `json:"num_ready_requests_queued"`
	NumInfeasibleRequestsQueued int    `json:"num_infeasible_requests_queued"`
	BacklogSize                 int    `json:"backlog_size"`
}

// PlacementGroupLoad describes pending placement groups.
type PlacementGroupLoad struct {
	Bundles  []Bundle `json:"bundles"`
	Strategy string   `json:"strategy"`
}

// ResourceUsageBatch is the reply of GetAllResourceUsage.
type ResourceUsageBatch struct {
	Batch               []NodeReport         `json:"batch"`
	ResourceLoadByShape []ResourceDemand     `json:"resource_load_by_shape"`
	PlacementGroupLoad  []PlacementGroupLoad `json:"placement_group_load"`
}

// Client fetches cluster-wide resource usage from the global state service.
type Client interface {
	GetAllResourceUsage(ctx context.Context) (*ResourceUsageBatch, error)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	base    url.URL
	client  httpDoer
	timeout time.Duration
}

// NewHTTPClient returns a client for the service at addr ("<ip>:<port>").
func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{
		base:    url.URL{Scheme: "http", Host: addr},
		client:  cleanhttp.DefaultPooledClient(),
		timeout: DefaultRequestTimeout,
	}
}

func (c *HTTPClient) GetAllResourceUsage(ctx context.Context) (*ResourceUsageBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := url.URL{
		Scheme: c.base.Scheme,
		Host:   c.base.Host,
		Path:   path.Join(c.base.Path, resourceUsagePath),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building resource usage request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting resource usage")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("resource usage request failed with status %d", resp.StatusCode)
	}
	var batch ResourceUsageBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, errors.Wrap(err, "decoding resource usage response")
	}
	return &batch, nil
}
