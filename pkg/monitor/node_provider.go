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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// HTTPNodeProvider talks to a node-provider service that fronts the cloud
// API. The service exposes the node inventory and launch/terminate verbs.
type HTTPNodeProvider struct {
	base   url.URL
	client *http.Client
}

// NewNodeProvider resolves the configured provider. The cloud-facing
// protocol itself lives behind the provider service.
func NewNodeProvider(cfg ProviderConfig) (NodeProvider, error) {
	switch cfg.Type {
	case "http":
		if cfg.Endpoint == "" {
			return nil, errors.New("http node provider requires an endpoint")
		}
		return NewHTTPNodeProvider(cfg.Endpoint), nil
	default:
		return nil, errors.Errorf("unsupported node provider type %q", cfg.Type)
	}
}

func NewHTTPNodeProvider(endpoint string) *HTTPNodeProvider {
	return &HTTPNodeProvider{
		base:   url.URL{Scheme: "http", Host: endpoint},
		client: cleanhttp.DefaultPooledClient(),
	}
}

func (p *HTTPNodeProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "serializing provider request")
		}
		reader = bytes.NewReader(raw)
	}
	u := url.URL{Scheme: p.base.Scheme, Host: p.base.Host, Path: path}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "building provider request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling node provider")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("node provider returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding provider response")
}

func (p *HTTPNodeProvider) NonTerminatedNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := p.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (p *HTTPNodeProvider) CreateNodes(ctx context.Context, nodeType string, count int) error {
	return p.do(ctx, http.MethodPost, "/api/v1/nodes", map[string]interface{}{
		"node_type": nodeType,
		"count":     count,
	}, nil)
}

func (p *HTTPNodeProvider) TerminateNode(ctx context.Context, nodeID string) error {
	return p.do(ctx, http.MethodDelete, "/api/v1/nodes/"+url.PathEscape(nodeID), nil, nil)
}
