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

// Package burst groups temporally adjacent messages from one sender into a
// single processing unit. Scheduling is a conditional insert in the store;
// quiescence is decided purely from stored timestamps.
package burst

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/intake/internal/models"
)

// DefaultWindow is how long a sender must stay quiet before the burst is due.
const DefaultWindow = 15 * time.Second

// Enqueuer creates a pending queue entry unless one exists.
type Enqueuer interface {
	EnqueueIfNoPending(ctx context.Context, sender string) (bool, error)
}

// Aggregator schedules bursts.
type Aggregator struct {
	store Enqueuer
}

// NewAggregator creates an aggregator backed by store.
func NewAggregator(store Enqueuer) *Aggregator {
	return &Aggregator{store: store}
}

// Schedule makes sure exactly one pending entry exists for sender. It
// reports whether this call created it; a second call while an entry is
// pending is a no-op.
func (a *Aggregator) Schedule(ctx context.Context, sender string) (bool, error) {
	created, err := a.store.EnqueueIfNoPending(ctx, sender)
	if err != nil {
		return false, fmt.Errorf("schedule burst: %w", err)
	}
	if created {
		slog.DebugContext(ctx, "burst scheduled", "sender", sender)
	}
	return created, nil
}

// Quiesced reports whether more than window has elapsed between newest and
// observedAt. Exactly window is not enough.
func Quiesced(newest, observedAt time.Time, window time.Duration) bool {
	return observedAt.Sub(newest) > window
}

// SelectDue keeps the candidates whose burst has gone quiet. A candidate
// without outstanding messages is always due so its entry can be closed.
func SelectDue(candidates []models.Candidate, window time.Duration) []models.Candidate {
	var due []models.Candidate
	for _, c := range candidates {
		if c.Newest == nil || Quiesced(*c.Newest, c.ObservedAt, window) {
			due = append(due, c)
		}
	}
	return due
}
