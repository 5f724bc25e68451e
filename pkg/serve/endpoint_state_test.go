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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flotilla-io/flotilla/pkg/kv"
	"github.com/flotilla-io/flotilla/pkg/longpoll"
)

func TestEndpointStateRoutes(t *testing.T) {
	ctx := context.Background()
	notifier := longpoll.NewNotifier()
	s, err := NewEndpointState(ctx, kv.NewMemStore(), notifier)
	require.NoError(t, err)

	require.NoError(t, s.UpdateEndpoint(ctx, "a", EndpointInfo{Route: "/a"}))
	require.Equal(t, "/a", s.GetEndpointRoute("a"))

	// Route prefixes must start with a slash.
	require.Error(t, s.UpdateEndpoint(ctx, "b", EndpointInfo{Route: "b"}))

	// Route prefixes are unique across deployments.
	require.Error(t, s.UpdateEndpoint(ctx, "b", EndpointInfo{Route: "/a"}))

	// Rebinding the same deployment to the same route is fine.
	require.NoError(t, s.UpdateEndpoint(ctx, "a", EndpointInfo{Route: "/a"}))

	require.NoError(t, s.DeleteEndpoint(ctx, "a"))
	require.Empty(t, s.GetEndpointRoute("a"))
}

func TestEndpointStateRecovery(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()

	s1, err := NewEndpointState(ctx, store, longpoll.NewNotifier())
	require.NoError(t, err)
	require.NoError(t, s1.UpdateEndpoint(ctx, "a", EndpointInfo{Route: "/a"}))

	// A fresh state over the same store sees the binding.
	s2, err := NewEndpointState(ctx, store, longpoll.NewNotifier())
	require.NoError(t, err)
	require.Equal(t, "/a", s2.GetEndpointRoute("a"))
}

func TestEndpointStateNotifiesRouteTable(t *testing.T) {
	ctx := context.Background()
	notifier := longpoll.NewNotifier()
	s, err := NewEndpointState(ctx, kv.NewMemStore(), notifier)
	require.NoError(t, err)

	before := notifier.Version(LongPollRouteTable)
	require.NoError(t, s.UpdateEndpoint(ctx, "a", EndpointInfo{Route: "/a"}))

	got, err := notifier.Listen(ctx, map[string]int64{LongPollRouteTable: before})
	require.NoError(t, err)
	routes := got[LongPollRouteTable].Value.(map[string]EndpointInfo)
	require.Equal(t, EndpointInfo{Route: "/a"}, routes["a"])
}
