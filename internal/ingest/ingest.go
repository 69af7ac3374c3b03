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

// Package ingest turns inbound chat events into stored messages. The
// message row is persisted before any outbound network call; duplicates
// are detected first in the Redis seen-cache and authoritatively by the
// store's unique platform id.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcem/intake/internal/logging"
	"github.com/bcem/intake/internal/metrics"
	"github.com/bcem/intake/internal/models"
	"github.com/bcem/intake/internal/whatsapp"
)

// Status is the coarse result of ingesting one event.
type Status string

const (
	Accepted  Status = "accepted"
	Duplicate Status = "duplicate"
	Rejected  Status = "rejected"
)

// Outcome is returned for every event. Reason is set for rejections.
type Outcome struct {
	Status    Status
	Reason    string
	MessageID int64
}

// MessageStore is the persistence surface used during ingestion.
type MessageStore interface {
	InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error)
	UpdateMessageMedia(ctx context.Context, messageID int64, path string) error
	RecordMessageError(ctx context.Context, messageIDs []int64, msg string) error
}

// SeenCache is the advisory dedup fast path.
type SeenCache interface {
	Seen(ctx context.Context, platformID string) (bool, error)
	Mark(ctx context.Context, platformID string) error
}

// Scheduler ensures a pending queue entry exists for a sender.
type Scheduler interface {
	Schedule(ctx context.Context, sender string) (bool, error)
}

// MediaSource resolves and downloads platform media.
type MediaSource interface {
	ResolveDownloadURL(ctx context.Context, mediaRef string) (*whatsapp.MediaInfo, error)
	FetchBinary(ctx context.Context, url string) ([]byte, error)
}

// MediaSink stores downloaded bytes and returns the stored path.
type MediaSink interface {
	Save(platformID, contentType string, data []byte) (string, error)
}

// ReadMarker flags inbound messages as read on the platform.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, messageID string) error
}

// Config wires the ingester's collaborators. Seen and Reads are optional.
type Config struct {
	Store        MessageStore
	Seen         SeenCache
	Scheduler    Scheduler
	Media        MediaSource
	Sink         MediaSink
	Reads        ReadMarker
	MediaTimeout time.Duration
}

// Ingester processes inbound events one at a time; it is safe for
// concurrent use.
type Ingester struct {
	store        MessageStore
	seen         SeenCache
	scheduler    Scheduler
	media        MediaSource
	sink         MediaSink
	reads        ReadMarker
	mediaTimeout time.Duration
}

// New creates an Ingester.
func New(cfg Config) *Ingester {
	timeout := cfg.MediaTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Ingester{
		store:        cfg.Store,
		seen:         cfg.Seen,
		scheduler:    cfg.Scheduler,
		media:        cfg.Media,
		sink:         cfg.Sink,
		reads:        cfg.Reads,
		mediaTimeout: timeout,
	}
}

// Ingest persists ev at most once and schedules its sender's burst.
// Errors are reported through the Outcome, never returned.
func (in *Ingester) Ingest(ctx context.Context, ev *models.InboundEvent) Outcome {
	out := in.ingest(ctx, ev)
	metrics.IncrementIngest(string(out.Status))
	return out
}

func (in *Ingester) ingest(ctx context.Context, ev *models.InboundEvent) Outcome {
	if ev == nil || ev.ID == "" || ev.Sender == "" {
		return Outcome{Status: Rejected, Reason: "no message payload"}
	}
	if !ev.Kind.Valid() {
		slog.InfoContext(ctx, "ignoring unsupported message kind",
			"platform_id", ev.ID,
			"kind", ev.Kind,
		)
		return Outcome{Status: Rejected, Reason: "unsupported content kind " + string(ev.Kind)}
	}

	ctx = logging.WithFields(ctx, logging.Fields{Sender: ev.Sender, PlatformID: ev.ID})

	if in.seen != nil {
		seen, err := in.seen.Seen(ctx, ev.ID)
		if err != nil {
			slog.WarnContext(ctx, "seen-cache lookup failed, falling back to store", "error", err)
		} else if seen {
			slog.DebugContext(ctx, "duplicate event (seen-cache)")
			return Outcome{Status: Duplicate}
		}
	}

	msg := toMessage(ev)
	created, err := in.store.InsertMessageIfAbsent(ctx, msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist inbound message", "error", err)
		return Outcome{Status: Rejected, Reason: "storage unavailable"}
	}
	if !created {
		slog.DebugContext(ctx, "duplicate event (store)")
		in.mark(ctx, ev.ID)
		return Outcome{Status: Duplicate}
	}
	in.mark(ctx, ev.ID)

	slog.InfoContext(ctx, "message stored",
		"message_id", msg.ID,
		"kind", msg.Kind,
	)

	// The attachment must be settled before the burst can be picked up.
	if ev.MediaRef != "" && ev.Kind.HasMedia() {
		in.storeMedia(ctx, msg.ID, ev)
	}

	if _, err := in.scheduler.Schedule(ctx, ev.Sender); err != nil {
		// The message is durable; the recovery sweep picks the sender up.
		slog.ErrorContext(ctx, "failed to schedule burst", "error", err)
	}

	if in.reads != nil {
		if err := in.reads.MarkAsRead(ctx, ev.ID); err != nil {
			slog.WarnContext(ctx, "mark-as-read failed", "error", err)
		}
	}

	return Outcome{Status: Accepted, MessageID: msg.ID}
}

func (in *Ingester) mark(ctx context.Context, platformID string) {
	if in.seen == nil {
		return
	}
	if err := in.seen.Mark(ctx, platformID); err != nil {
		slog.WarnContext(ctx, "seen-cache mark failed", "error", err)
	}
}

// storeMedia downloads the attachment. Failures leave media_path NULL and
// are recorded on the message; the text stays saved.
func (in *Ingester) storeMedia(ctx context.Context, messageID int64, ev *models.InboundEvent) {
	ctx, cancel := context.WithTimeout(ctx, in.mediaTimeout)
	defer cancel()

	fail := func(stage string, err error) {
		metrics.MediaFailures.Inc()
		slog.WarnContext(ctx, "attachment not stored", "stage", stage, "error", err)
		if rerr := in.store.RecordMessageError(ctx, []int64{messageID}, "media "+stage+": "+err.Error()); rerr != nil {
			slog.ErrorContext(ctx, "failed to record media error", "error", rerr)
		}
	}

	info, err := in.media.ResolveDownloadURL(ctx, ev.MediaRef)
	if err != nil {
		fail("resolve", err)
		return
	}
	data, err := in.media.FetchBinary(ctx, info.URL)
	if err != nil {
		fail("download", err)
		return
	}

	contentType := info.MimeType
	if contentType == "" {
		contentType = ev.MimeType
	}
	path, err := in.sink.Save(ev.ID, contentType, data)
	if err != nil {
		fail("save", err)
		return
	}
	if err := in.store.UpdateMessageMedia(ctx, messageID, path); err != nil {
		fail("record", err)
		return
	}
	slog.InfoContext(ctx, "attachment stored", "path", path, "bytes", len(data))
}

func toMessage(ev *models.InboundEvent) *models.Message {
	m := &models.Message{
		PlatformID: ev.ID,
		Sender:     ev.Sender,
		Kind:       ev.Kind,
	}
	if ev.SenderName != "" {
		name := ev.SenderName
		m.SenderName = &name
	}
	if ev.Text != "" {
		text := ev.Text
		m.Text = &text
	}
	return m
}
