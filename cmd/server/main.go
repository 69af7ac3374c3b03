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

// WhatsApp Intake Service
//
// Entry point for the intake service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds the WhatsApp, classifier and SMTP clients
//  4. Serves the WhatsApp webhook and ingests messages in the background
//  5. Runs the deferred sweep that classifies quiet bursts and notifies recipients
//  6. Serves /health and /metrics on a separate port
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/intake/internal/burst"
	"github.com/bcem/intake/internal/classifier"
	"github.com/bcem/intake/internal/config"
	"github.com/bcem/intake/internal/dedup"
	"github.com/bcem/intake/internal/events"
	"github.com/bcem/intake/internal/id"
	"github.com/bcem/intake/internal/ingest"
	"github.com/bcem/intake/internal/llm"
	"github.com/bcem/intake/internal/logging"
	"github.com/bcem/intake/internal/media"
	"github.com/bcem/intake/internal/notify"
	"github.com/bcem/intake/internal/processor"
	"github.com/bcem/intake/internal/queue"
	"github.com/bcem/intake/internal/routing"
	"github.com/bcem/intake/internal/store"
	"github.com/bcem/intake/internal/webhook"
	"github.com/bcem/intake/internal/whatsapp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("intake service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("intake service stopped")
}

func run() error {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.Env, cfg.LogLevel)

	slog.Info("starting WhatsApp intake service",
		"env", cfg.Env,
		"recipients", len(cfg.Recipients),
		"context_window", cfg.Burst.ContextWindow,
		"sweep_interval", cfg.Burst.SweepInterval,
	)

	if err := id.Init(cfg.SnowflakeNode); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pgPool.Close()
	slog.Info("connected to PostgreSQL")

	st, err := store.New(ctx, pgPool)
	if err != nil {
		return fmt.Errorf("initialise store: %w", err)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := events.NewPublisher(rdb, cfg.EventsList)
	if err := publisher.Ping(ctx); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")

	seen := dedup.NewFilter(rdb, cfg.SeenTTL)

	// --- WhatsApp Cloud API ---
	wa := whatsapp.NewClient(
		whatsapp.HTTPClient(ctx, cfg.WhatsApp.AccessToken),
		cfg.WhatsApp.GraphBaseURL,
		cfg.WhatsApp.PhoneNumberID,
	)

	// --- Classifier ---
	backend, err := llm.New(llm.Config{
		Provider: cfg.Classifier.Provider,
		APIKey:   cfg.Classifier.APIKey,
		BaseURL:  cfg.Classifier.BaseURL,
		Model:    cfg.Classifier.Model,
	})
	if err != nil {
		return fmt.Errorf("create classifier backend: %w", err)
	}
	gateway, err := classifier.New(backend, cfg.Recipients, cfg.Classifier.DefaultCategory, cfg.Classifier.MaxTokens)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	slog.Info("classifier ready", "provider", cfg.Classifier.Provider, "model", backend.Model())

	// --- Burst aggregation & ingestion ---
	aggregator := burst.NewAggregator(st)

	var reads ingest.ReadMarker
	if cfg.WhatsApp.MarkRead {
		reads = wa
	}
	ingester := ingest.New(ingest.Config{
		Store:     st,
		Seen:      seen,
		Scheduler: aggregator,
		Media:     wa,
		Sink:      media.NewStore(cfg.MediaDir),
		Reads:     reads,
	})

	// --- Deferred processor ---
	if !cfg.SMTP.Configured() {
		slog.Warn("SMTP not configured, messages will be stored but not processed")
	}
	proc := processor.New(processor.Config{
		Store:        st,
		Classifier:   gateway,
		Router:       routing.New(cfg.Recipients, cfg.Fallback),
		Acknowledger: wa,
		Notifier: notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}),
		Queue:           queue.NewMachine(st),
		Scheduler:       aggregator,
		Publisher:       publisher,
		DefaultCategory: cfg.Classifier.DefaultCategory,
		Window:          cfg.Burst.ContextWindow,
		Interval:        cfg.Burst.SweepInterval,
		BatchTimeout:    cfg.Burst.BatchTimeout,
		MaxConcurrency:  cfg.Burst.MaxConcurrency,
		Enabled:         cfg.SMTP.Configured(),
	})

	// --- Webhook server ---
	handler := webhook.NewHandler(ingester, cfg.WhatsApp.VerifyToken)
	ready, webhookDone, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		return err
	}
	<-ready

	proc.Start(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		<-ctx.Done()
		slog.Info("received shutdown signal")

		proc.Stop()
		<-webhookDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
	}()

	slog.Info("health server listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		stop()
		proc.Stop()
		<-webhookDone
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
