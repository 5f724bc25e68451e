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
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/longpoll"
)

// LongPollRouteTable is the long-poll key carrying the route table.
const LongPollRouteTable = "route_table"

const endpointCheckpointKey = "endpoint-state-checkpoint"

// EndpointInfo binds a deployment to its route prefix. An empty route means
// the deployment is reachable only by name.
type EndpointInfo struct {
	Route string `json:"route"`
}

// EndpointState owns the route-prefix bindings of all deployments. Mutated
// only under the controller's write lock.
type EndpointState struct {
	store     kv.Store
	notifier  *longpoll.Notifier
	endpoints map[string]EndpointInfo
}

// NewEndpointState rehydrates the bindings from the checkpoint, if any, and
// publishes the initial route table.
func NewEndpointState(ctx context.Context, store kv.Store, notifier *longpoll.Notifier) (*EndpointState, error) {
	s := &EndpointState{
		store:     store,
		notifier:  notifier,
		endpoints: map[string]EndpointInfo{},
	}
	raw, err := store.Get(ctx, endpointCheckpointKey)
	if err != nil {
		return nil, errors.Wrap(err, "reading endpoint checkpoint")
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &s.endpoints); err != nil {
			return nil, errors.Wrap(err, "parsing endpoint checkpoint")
		}
	}
	s.notifyChanged()
	return s, nil
}

func (s *EndpointState) checkpoint(ctx context.Context) error {
	raw, err := json.Marshal(s.endpoints)
	if err != nil {
		return errors.Wrap(err, "serializing endpoint checkpoint")
	}
	return s.store.Put(ctx, endpointCheckpointKey, raw, true)
}

func (s *EndpointState) notifyChanged() {
	snapshot := make(map[string]EndpointInfo, len(s.endpoints))
	for name, info := range s.endpoints {
		snapshot[name] = info
	}
	s.notifier.Notify(LongPollRouteTable, snapshot)
}

// UpdateEndpoint binds name to info. Route prefixes must start with "/" and
// be unique across active deployments.
func (s *EndpointState) UpdateEndpoint(ctx context.Context, name string, info EndpointInfo) error {
	if info.Route != "" {
		if !strings.HasPrefix(info.Route, "/") {
			return errors.Errorf("route prefix %q must start with '/'", info.Route)
		}
		for other, existing := range s.endpoints {
			if other != name && existing.Route == info.Route {
				return errors.Errorf("route prefix %q is already bound to deployment %q", info.Route, other)
			}
		}
	}
	if existing, ok := s.endpoints[name]; ok && existing == info {
		return nil
	}
	s.endpoints[name] = info
	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

// DeleteEndpoint removes the binding for name, if any.
func (s *EndpointState) DeleteEndpoint(ctx context.Context, name string) error {
	if _, ok := s.endpoints[name]; !ok {
		return nil
	}
	delete(s.endpoints, name)
	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}

// GetEndpointRoute returns the route bound to name, or "".
func (s *EndpointState) GetEndpointRoute(name string) string {
	return s.endpoints[name].Route
}

// GetEndpoints returns a copy of all bindings.
func (s *EndpointState) GetEndpoints() map[string]EndpointInfo {
	out := make(map[string]EndpointInfo, len(s.endpoints))
	for name, info := range s.endpoints {
		out[name] = info
	}
	return out
}

// Shutdown drops all bindings and the checkpoint.
func (s *EndpointState) Shutdown(ctx context.Context) error {
	s.endpoints = map[string]EndpointInfo{}
	if err := s.store.Delete(ctx, endpointCheckpointKey); err != nil {
		return err
	}
	s.notifyChanged()
	return nil
}
