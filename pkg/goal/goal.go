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

// Package goal tracks in-flight asynchronous state transitions. A goal is
// created when a state-changing call begins and resolved once the system has
// converged; callers needing synchronous confirmation block on the goal.
package goal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ID identifies one pending goal.
type ID string

// ErrUnknownGoal is returned when waiting on an ID that was never created.
var ErrUnknownGoal = errors.New("unknown goal id")

type slot struct {
	done chan struct{}
	err  error
}

// Manager is single-producer (the owning controller) and multi-consumer.
type Manager struct {
	mtx   sync.Mutex
	slots map[ID]*slot
}

func NewManager() *Manager {
	return &Manager{slots: map[ID]*slot{}}
}

// Create registers a fresh unresolved goal and returns its ID.
func (m *Manager) Create() ID {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	id := ID(uuid.NewString())
	m.slots[id] = &slot{done: make(chan struct{})}
	return id
}

// Complete resolves the goal with the given result. Completing an already
// resolved or unknown goal is a no-op.
func (m *Manager) Complete(id ID, result error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.err = result
	close(s.done)
}

// Wait blocks until the goal resolves and returns its result, or the context
// error if ctx is canceled first.
func (m *Manager) Wait(ctx context.Context, id ID) error {
	m.mtx.Lock()
	s, ok := m.slots[id]
	m.mtx.Unlock()
	if !ok {
		return ErrUnknownGoal
	}

	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NumPending returns the number of unresolved goals.
func (m *Manager) NumPending() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	n := 0
	for _, s := range m.slots {
		select {
		case <-s.done:
		default:
			n++
		}
	}
	return n
}
