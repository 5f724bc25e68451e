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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventSummarizerAggregates(t *testing.T) {
	s := NewEventSummarizer()
	sum := func(old, new interface{}) interface{} { return old.(int) + new.(int) }

	s.Add("Adding %v nodes.", 2, sum)
	s.Add("Adding %v nodes.", 3, sum)
	s.Add("Removed %v nodes.", 1, sum)

	require.Equal(t, []string{"Adding 5 nodes.", "Removed 1 nodes."}, s.Summary())

	s.Clear()
	require.Empty(t, s.Summary())
}

func TestEventSummarizerLatestWins(t *testing.T) {
	s := NewEventSummarizer()
	latest := func(_, new interface{}) interface{} { return new }

	s.Add("Resized to %v.", "32 CPU", latest)
	s.Add("Resized to %v.", "64 CPU", latest)

	require.Equal(t, []string{"Resized to 64 CPU."}, s.Summary())
}
