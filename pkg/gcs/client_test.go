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

package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockDoer struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func TestHTTPClient_GetAllResourceUsage(t *testing.T) {
	t.Parallel()

	body := `{
		"batch": [
			{
				"node_id": "abc123",
				"node_manager_address": "10.0.0.1",
				"resources_total": {"CPU": 8, "GPU": 1},
				"resources_available": {"CPU": 4, "GPU": 1},
				"resource_load": {"CPU": 2},
				"cluster_full_of_actors_detected": true
			}
		],
		"resource_load_by_shape": [
			{"shape": {"CPU": 1}, "num_ready_requests_queued": 2, "num_infeasible_requests_queued": 0, "backlog_size": 3}
		],
		"placement_group_load": [
			{"bundles": [{"CPU": 2}], "strategy": "PACK"}
		]
	}`

	c := NewHTTPClient("10.0.0.1:6380")
	c.client = &mockDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "http://10.0.0.1:6380/api/v1/resource_usage", req.URL.String())
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(body)),
			}, nil
		},
	}

	batch, err := c.GetAllResourceUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Batch, 1)
	require.Equal(t, "10.0.0.1", batch.Batch[0].NodeManagerAddress)
	require.True(t, batch.Batch[0].ClusterFullOfActorsDetected)
	require.Equal(t, Bundle{"CPU": 8, "GPU": 1}, batch.Batch[0].ResourcesTotal)
	require.Len(t, batch.ResourceLoadByShape, 1)
	require.Equal(t, 3, batch.ResourceLoadByShape[0].BacklogSize)
	require.Len(t, batch.PlacementGroupLoad, 1)
}

func TestHTTPClient_GetAllResourceUsageError(t *testing.T) {
	t.Parallel()

	c := NewHTTPClient("10.0.0.1:6380")
	c.client = &mockDoer{
		doFunc: func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusServiceUnavailable,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		},
	}
	_, err := c.GetAllResourceUsage(context.Background())
	require.Error(t, err)
}
