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

// Package logging configures the process-wide slog logger and carries
// per-burst attributes through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey struct{}

// Fields are attributes attached to every record logged with a context that
// carries them.
type Fields struct {
	Sender       string
	QueueEntryID int64
	PlatformID   string
}

// WithFields merges f into the fields already carried by ctx. Zero values do
// not overwrite existing ones.
func WithFields(ctx context.Context, f Fields) context.Context {
	merged := FromContext(ctx)
	if f.Sender != "" {
		merged.Sender = f.Sender
	}
	if f.QueueEntryID != 0 {
		merged.QueueEntryID = f.QueueEntryID
	}
	if f.PlatformID != "" {
		merged.PlatformID = f.PlatformID
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

// FromContext returns the fields carried by ctx.
func FromContext(ctx context.Context) Fields {
	if f, ok := ctx.Value(contextKey{}).(Fields); ok {
		return f
	}
	return Fields{}
}

// Setup installs the default logger: JSON in production, text otherwise.
func Setup(env, level string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, env, level)))
}

// NewHandler builds the handler used by Setup. Exposed for tests.
func NewHandler(w io.Writer, env, level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if env == "production" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &contextHandler{Handler: h}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	f := FromContext(ctx)
	if f.Sender != "" {
		r.AddAttrs(slog.String("sender", f.Sender))
	}
	if f.QueueEntryID != 0 {
		r.AddAttrs(slog.Int64("queue_entry_id", f.QueueEntryID))
	}
	if f.PlatformID != "" {
		r.AddAttrs(slog.String("platform_id", f.PlatformID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}
