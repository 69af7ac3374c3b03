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

// Package webhook receives WhatsApp Cloud API callbacks. Meta verifies the
// endpoint once with a GET handshake and then POSTs message notifications.
// The handler answers every POST with 200 straight away and ingests the
// parsed messages in the background, so Meta never retries a delivery
// because of slow downstream work.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bcem/intake/internal/ingest"
	"github.com/bcem/intake/internal/logging"
	"github.com/bcem/intake/internal/models"
	"github.com/bcem/intake/internal/whatsapp"
)

const (
	maxBodyBytes = 1 << 20
	banner       = "WhatsApp intake running"
)

// Ingester persists one inbound message.
type Ingester interface {
	Ingest(ctx context.Context, ev *models.InboundEvent) ingest.Outcome
}

// Handler serves the webhook endpoints.
type Handler struct {
	ingester    Ingester
	verifyToken string
	wg          sync.WaitGroup
}

// NewHandler creates a webhook handler. verifyToken is the secret Meta
// echoes back during the subscription handshake.
func NewHandler(ingester Ingester, verifyToken string) *Handler {
	return &Handler{ingester: ingester, verifyToken: verifyToken}
}

// ServeVerify answers the subscription handshake:
//
//	GET /webhook?hub.mode=subscribe&hub.verify_token=<token>&hub.challenge=<c>
//
// A matching token echoes the challenge. Anything else is 403.
func (h *Handler) ServeVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		slog.Warn("webhook verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	slog.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// ServeNotification handles message notifications. The response is always
// 200: a malformed body is logged and dropped.
func (h *Handler) ServeNotification(w http.ResponseWriter, r *http.Request) {
	events, err := whatsapp.ParseWebhook(io.LimitReader(r.Body, maxBodyBytes))
	w.WriteHeader(http.StatusOK)
	if err != nil {
		slog.Warn("dropping malformed webhook payload", "error", err)
		return
	}
	if len(events) == 0 {
		// Status callbacks (delivered, read) carry no messages.
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processEvents(context.Background(), events)
	}()
}

// ServeRoot reports that the process is up.
func (h *Handler) ServeRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(banner))
}

// Wait blocks until all background ingestion started by the handler is done.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) processEvents(ctx context.Context, events []models.InboundEvent) {
	for i := range events {
		ev := &events[i]
		ctx := logging.WithFields(ctx, logging.Fields{Sender: ev.Sender, PlatformID: ev.ID})

		out := h.ingester.Ingest(ctx, ev)
		switch out.Status {
		case ingest.Accepted:
			slog.InfoContext(ctx, "message accepted", "kind", ev.Kind, "message_id", out.MessageID)
		case ingest.Duplicate:
			slog.DebugContext(ctx, "duplicate delivery ignored")
		default:
			slog.WarnContext(ctx, "message rejected", "reason", out.Reason)
		}
	}
}

// Routes registers the handler on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook", h.ServeVerify)
	mux.HandleFunc("POST /webhook", h.ServeNotification)
	mux.HandleFunc("GET /{$}", h.ServeRoot)
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. On ctx cancellation the server stops
// accepting requests and waits for in-flight ingestion before done closes.
func Serve(ctx context.Context, port int, handler *Handler) (ready, done <-chan struct{}, err error) {
	mux := http.NewServeMux()
	handler.Routes(mux)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("webhook server shutdown", "error", err)
		}
		handler.Wait()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
