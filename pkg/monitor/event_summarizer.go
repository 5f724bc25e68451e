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
	"fmt"
	"sort"
)

// EventSummarizer deduplicates repetitive human-readable events. Events with
// the same template are merged via the caller-supplied aggregate function,
// so a batch of identical events produces one summary line.
type EventSummarizer struct {
	events map[string]interface{}
}

func NewEventSummarizer() *EventSummarizer {
	return &EventSummarizer{events: map[string]interface{}{}}
}

// Add records an event. template must contain exactly one %v/%s/%d verb for
// quantity. When the template was already recorded, the quantities are
// merged with aggregate(old, new).
func (s *EventSummarizer) Add(template string, quantity interface{}, aggregate func(old, new interface{}) interface{}) {
	if old, ok := s.events[template]; ok {
		quantity = aggregate(old, quantity)
	}
	s.events[template] = quantity
}

// Summary renders all batched events, ordered by template for stable output.
func (s *EventSummarizer) Summary() []string {
	templates := make([]string, 0, len(s.events))
	for t := range s.events {
		templates = append(templates, t)
	}
	sort.Strings(templates)

	out := make([]string, 0, len(templates))
	for _, t := range templates {
		out = append(out, fmt.Sprintf(t, s.events[t]))
	}
	return out
}

// Clear drops all batched events.
func (s *EventSummarizer) Clear() {
	s.events = map[string]interface{}{}
}
