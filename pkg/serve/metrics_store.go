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
	"sync"
	"time"
)

// DefaultMetricsLookBack bounds how much concurrency history is retained
// per replica.
const DefaultMetricsLookBack = 10 * time.Minute

type metricPoint struct {
	ts    time.Time
	value float64
}

// MetricsStore is a time-windowed store of per-replica concurrency samples.
// Replicas report through the controller's RPC surface, so writes may come
// from any goroutine.
type MetricsStore struct {
	mtx         sync.Mutex
	maxLookBack time.Duration
	data        map[string][]metricPoint
}

func NewMetricsStore(maxLookBack time.Duration) *MetricsStore {
	if maxLookBack == 0 {
		maxLookBack = DefaultMetricsLookBack
	}
	return &MetricsStore{
		maxLookBack: maxLookBack,
		data:        map[string][]metricPoint{},
	}
}

// AddMetricsPoint records one sample per replica tag. Samples older than the
// maximum look-back are evicted lazily on insertion to bound memory.
func (s *MetricsStore) AddMetricsPoint(data map[string]float64, sendTimestamp time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	horizon := sendTimestamp.Add(-s.maxLookBack)
	for tag, value := range data {
		points := append(s.data[tag], metricPoint{ts: sendTimestamp, value: value})
		for len(points) > 0 && points[0].ts.Before(horizon) {
			points = points[1:]
		}
		s.data[tag] = points
	}
}

// WindowAverage returns the mean of the samples for tag at or after since.
// The second return is false when no sample falls into the window.
func (s *MetricsStore) WindowAverage(tag string, since time.Time) (float64, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var (
		total float64
		n     int
	)
	for _, p := range s.data[tag] {
		if p.ts.Before(since) {
			continue
		}
		total += p.value
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}
