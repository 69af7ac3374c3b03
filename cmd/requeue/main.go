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

// WhatsApp Intake Requeue Command
//
// Standalone CLI tool that finds senders with outstanding, un-notified
// messages and no pending queue entry, and schedules them so the running
// service picks their burst up on its next sweep.
//
// Usage:
//
//	go run ./cmd/requeue/ [--senders 34600111222,34600333444] [--dry-run]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bcem/intake/internal/burst"
	"github.com/bcem/intake/internal/config"
	"github.com/bcem/intake/internal/logging"
	"github.com/bcem/intake/internal/requeue"
	"github.com/bcem/intake/internal/store"
)

func main() {
	// --- CLI Flags ---
	sendersFlag := flag.String("senders", "", "Comma-separated sender numbers to requeue (optional; empty = all stranded senders)")
	dryRun := flag.Bool("dry-run", false, "List stranded senders without scheduling them")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pool, err := store.Connect(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st, err := store.New(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	var senders []string
	for _, s := range strings.Split(*sendersFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			senders = append(senders, s)
		}
	}

	// --- Run Requeue ---
	runner := requeue.NewRunner(st, burst.NewAggregator(st))
	result, err := runner.Run(ctx, requeue.Request{Senders: senders, DryRun: *dryRun})
	if err != nil {
		slog.Error("requeue failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("requeue complete",
		"stranded", len(result.Stranded),
		"scheduled", result.Scheduled,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	for _, s := range result.Stranded {
		slog.Info("stranded sender", "sender", s)
	}

	if result.Errors > 0 {
		os.Exit(1)
	}
}
