// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the notification queue state machine. An entry
// starts pending and moves exactly once, to sent or to failed. Failed
// entries are never re-armed; a later inbound message creates a new one.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bcem/intake/internal/models"
)

var (
	// ErrNotPending is returned when the entry already left the pending state.
	ErrNotPending = errors.New("queue: entry is not pending")

	// ErrIllegalTransition is returned for any move other than pending to
	// sent or pending to failed.
	ErrIllegalTransition = errors.New("queue: illegal transition")
)

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.QueueStatus) bool {
	return from == models.StatusPending && (to == models.StatusSent || to == models.StatusFailed)
}

// Transitioner applies a guarded status update in the store.
type Transitioner interface {
	TransitionEntry(ctx context.Context, entryID int64, to models.QueueStatus, lastError *string) (bool, error)
}

// Machine drives queue entries through their lifecycle.
type Machine struct {
	store Transitioner
}

// NewMachine creates a state machine backed by store.
func NewMachine(store Transitioner) *Machine {
	return &Machine{store: store}
}

// MarkSent closes a pending entry after every notification went out.
func (m *Machine) MarkSent(ctx context.Context, entryID int64) error {
	return m.transition(ctx, entryID, models.StatusSent, nil)
}

// MarkFailed closes a pending entry with a human-readable reason.
func (m *Machine) MarkFailed(ctx context.Context, entryID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("mark entry %d failed: reason is required", entryID)
	}
	return m.transition(ctx, entryID, models.StatusFailed, &reason)
}

func (m *Machine) transition(ctx context.Context, entryID int64, to models.QueueStatus, reason *string) error {
	if !CanTransition(models.StatusPending, to) {
		return fmt.Errorf("%w: pending -> %s", ErrIllegalTransition, to)
	}
	ok, err := m.store.TransitionEntry(ctx, entryID, to, reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %d -> %s: %w", entryID, to, ErrNotPending)
	}
	return nil
}
