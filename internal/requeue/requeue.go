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

// Package requeue recovers senders whose outstanding messages have no
// pending queue entry. That happens after a failed entry (the messages stay
// un-notified until the sender writes again) or when a process died between
// persisting a message and scheduling it.
package requeue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store lists stranded senders.
type Store interface {
	StrandedSenders(ctx context.Context) ([]string, error)
}

// Scheduler creates a pending entry for a sender if none exists.
type Scheduler interface {
	Schedule(ctx context.Context, sender string) (bool, error)
}

// Request limits a run. An empty Senders list means every stranded sender.
type Request struct {
	Senders []string
	DryRun  bool
}

// Result summarises a completed run.
type Result struct {
	Stranded  []string
	Scheduled int
	Skipped   int // already pending by the time we got to them
	Errors    int
	Elapsed   time.Duration
}

// Runner performs the recovery.
type Runner struct {
	store     Store
	scheduler Scheduler
}

// NewRunner creates a recovery runner.
func NewRunner(store Store, scheduler Scheduler) *Runner {
	return &Runner{store: store, scheduler: scheduler}
}

// Run schedules every stranded sender selected by req. A failure for one
// sender is logged and counted; the run continues with the rest.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	stranded, err := r.store.StrandedSenders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stranded senders: %w", err)
	}

	if len(req.Senders) > 0 {
		wanted := make(map[string]bool, len(req.Senders))
		for _, s := range req.Senders {
			wanted[s] = true
		}
		filtered := stranded[:0]
		for _, s := range stranded {
			if wanted[s] {
				filtered = append(filtered, s)
			}
		}
		stranded = filtered
	}

	result := &Result{Stranded: stranded}
	slog.Info("stranded senders found", "count", len(stranded), "dry_run", req.DryRun)

	if req.DryRun {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	for _, sender := range stranded {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		created, err := r.scheduler.Schedule(ctx, sender)
		switch {
		case err != nil:
			slog.Error("requeue failed for sender", "sender", sender, "error", err)
			result.Errors++
		case created:
			result.Scheduled++
		default:
			result.Skipped++
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}
