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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/flotilla-io/flotilla/pkg/serve"
)

// actorPoolClient talks to the actor pool service hosting replica and proxy
// actors. The actor runtime itself is outside the controller's scope; this
// client only creates, probes and stops named actors.
type actorPoolClient struct {
	base   url.URL
	client *http.Client
}

func newActorPoolClient(endpoint string) *actorPoolClient {
	return &actorPoolClient{
		base:   url.URL{Scheme: "http", Host: endpoint},
		client: cleanhttp.DefaultPooledClient(),
	}
}

func (c *actorPoolClient) do(method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "serializing actor pool request")
		}
		reader = bytes.NewReader(raw)
	}
	u := url.URL{Scheme: c.base.Scheme, Host: c.base.Host, Path: path}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "building actor pool request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling actor pool")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("actor pool returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding actor pool response")
}

// ListNamedActors returns the names of all live actors, used to reclaim
// replicas after a controller restart.
func (c *actorPoolClient) ListNamedActors() ([]string, error) {
	var names []string
	if err := c.do(http.MethodGet, "/api/v1/actors", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

type actorStatus struct {
	ActorID string `json:"actor_id"`
	Ready   bool   `json:"ready"`
	Stopped bool   `json:"stopped"`
	Healthy bool   `json:"healthy"`
}

// remoteReplica implements serve.ReplicaHandle over the actor pool API.
type remoteReplica struct {
	pool *actorPoolClient
	name string
}

func (c *actorPoolClient) replicaFactory(actorName string, cfg serve.ReplicaConfig) (serve.ReplicaHandle, error) {
	if err := c.do(http.MethodPut, "/api/v1/actors/"+url.PathEscape(actorName), cfg, nil); err != nil {
		return nil, err
	}
	return &remoteReplica{pool: c, name: actorName}, nil
}

func (r *remoteReplica) status() (actorStatus, error) {
	var st actorStatus
	err := r.pool.do(http.MethodGet, "/api/v1/actors/"+url.PathEscape(r.name), nil, &st)
	return st, err
}

func (r *remoteReplica) ActorID() string {
	st, err := r.status()
	if err != nil {
		return ""
	}
	return st.ActorID
}

func (r *remoteReplica) CheckReady() (bool, error) {
	st, err := r.status()
	if err != nil {
		// The probe itself failing is not fatal; the replica may still be
		// coming up.
		return false, nil
	}
	return st.Ready, nil
}

func (r *remoteReplica) GracefulStop() {
	_ = r.pool.do(http.MethodDelete, "/api/v1/actors/"+url.PathEscape(r.name), nil, nil)
}

func (r *remoteReplica) CheckStopped() bool {
	st, err := r.status()
	if err != nil {
		return true
	}
	return st.Stopped
}

// remoteProxy implements serve.HTTPProxyHandle over the actor pool API.
type remoteProxy struct {
	pool *actorPoolClient
	name string
}

func (c *actorPoolClient) proxyFactory(nodeID string) (serve.HTTPProxyHandle, error) {
	name := "http-proxy#" + nodeID
	if err := c.do(http.MethodPut, "/api/v1/actors/"+url.PathEscape(name), nil, nil); err != nil {
		return nil, err
	}
	return &remoteProxy{pool: c, name: name}, nil
}

func (p *remoteProxy) ActorID() string {
	var st actorStatus
	if err := p.pool.do(http.MethodGet, "/api/v1/actors/"+url.PathEscape(p.name), nil, &st); err != nil {
		return ""
	}
	return st.ActorID
}

func (p *remoteProxy) Healthy() bool {
	var st actorStatus
	if err := p.pool.do(http.MethodGet, "/api/v1/actors/"+url.PathEscape(p.name), nil, &st); err != nil {
		return false
	}
	return st.Healthy
}

func (p *remoteProxy) Stop() {
	_ = p.pool.do(http.MethodDelete, "/api/v1/actors/"+url.PathEscape(p.name), nil, nil)
}

// ListNodeIDs reports cluster membership for proxy placement.
func (c *actorPoolClient) ListNodeIDs() []string {
	var nodes []string
	if err := c.do(http.MethodGet, "/api/v1/nodes", nil, &nodes); err != nil {
		return nil
	}
	return nodes
}
