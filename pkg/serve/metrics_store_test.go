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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsStoreWindowAverage(t *testing.T) {
	t.Parallel()

	s := NewMetricsStore(time.Hour)
	base := time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)

	s.AddMetricsPoint(map[string]float64{"replica-a": 2}, base)
	s.AddMetricsPoint(map[string]float64{"replica-a": 4}, base.Add(10*time.Second))
	s.AddMetricsPoint(map[string]float64{"replica-a": 6, "replica-b": 1}, base.Add(20*time.Second))

	avg, ok := s.WindowAverage("replica-a", base)
	require.True(t, ok)
	require.Equal(t, 4.0, avg)

	// A later window excludes older samples.
	avg, ok = s.WindowAverage("replica-a", base.Add(5*time.Second))
	require.True(t, ok)
	require.Equal(t, 5.0, avg)

	_, ok = s.WindowAverage("replica-a", base.Add(time.Minute))
	require.False(t, ok)

	_, ok = s.WindowAverage("unknown", base)
	require.False(t, ok)
}

func TestMetricsStoreEvictsOldSamples(t *testing.T) {
	t.Parallel()

	s := NewMetricsStore(time.Minute)
	base := time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)

	s.AddMetricsPoint(map[string]float64{"r": 1}, base)
	// The insertion two minutes later pushes the first sample past the
	// look-back horizon.
	s.AddMetricsPoint(map[string]float64{"r": 3}, base.Add(2*time.Minute))

	require.Len(t, s.data["r"], 1)
	avg, ok := s.WindowAverage("r", base)
	require.True(t, ok)
	require.Equal(t, 3.0, avg)
}
