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
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// HTTPProxyHandle is the controller's handle on one HTTP proxy actor.
type HTTPProxyHandle interface {
	ActorID() string
	Healthy() bool
	Stop()
}

// HTTPProxyFactory starts (or attaches to) the proxy on the given node.
type HTTPProxyFactory func(nodeID string) (HTTPProxyHandle, error)

// HTTPProxyState keeps one proxy actor per cluster node. Mutated only under
// the controller's write lock.
type HTTPProxyState struct {
	logger  log.Logger
	config  HTTPOptions
	factory HTTPProxyFactory
	// nodeIDs reports the nodes that should run a proxy this tick.
	nodeIDs func() []string

	proxies map[string]HTTPProxyHandle
}

func NewHTTPProxyState(logger log.Logger, config HTTPOptions, factory HTTPProxyFactory, nodeIDs func() []string) *HTTPProxyState {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if nodeIDs == nil {
		nodeIDs = func() []string { return nil }
	}
	return &HTTPProxyState{
		logger:  logger,
		config:  config,
		factory: factory,
		nodeIDs: nodeIDs,
		proxies: map[string]HTTPProxyHandle{},
	}
}

// Update reconciles the proxy fleet against cluster membership: starts
// missing proxies, replaces unhealthy ones, stops proxies on gone nodes.
func (s *HTTPProxyState) Update() {
	if s.factory == nil {
		return
	}
	want := map[string]struct{}{}
	for _, nodeID := range s.nodeIDs() {
		want[nodeID] = struct{}{}

		if p, ok := s.proxies[nodeID]; ok {
			if p.Healthy() {
				continue
			}
			level.Warn(s.logger).Log("msg", "replacing unhealthy http proxy", "node", nodeID)
			p.Stop()
			delete(s.proxies, nodeID)
		}
		p, err := s.factory(nodeID)
		if err != nil {
			level.Error(s.logger).Log("msg", "starting http proxy failed", "node", nodeID, "err", err)
			continue
		}
		s.proxies[nodeID] = p
	}
	for nodeID, p := range s.proxies {
		if _, ok := want[nodeID]; ok {
			continue
		}
		p.Stop()
		delete(s.proxies, nodeID)
	}
}

// GetConfig returns the proxy configuration.
func (s *HTTPProxyState) GetConfig() HTTPOptions {
	return s.config
}

// GetProxyHandles returns a copy of the node → proxy map.
func (s *HTTPProxyState) GetProxyHandles() map[string]HTTPProxyHandle {
	out := make(map[string]HTTPProxyHandle, len(s.proxies))
	for nodeID, p := range s.proxies {
		out[nodeID] = p
	}
	return out
}

// Shutdown stops all proxies.
func (s *HTTPProxyState) Shutdown() {
	for nodeID, p := range s.proxies {
		p.Stop()
		delete(s.proxies, nodeID)
	}
}
