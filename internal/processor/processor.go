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

// Package processor runs the deferred classification and notification
// sweep. Each sweep picks up senders whose burst has gone quiet, classifies
// the burst once, acknowledges the sender at most once, notifies every
// matched recipient and closes the queue entry.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/intake/internal/burst"
	"github.com/bcem/intake/internal/classifier"
	"github.com/bcem/intake/internal/events"
	"github.com/bcem/intake/internal/logging"
	"github.com/bcem/intake/internal/metrics"
	"github.com/bcem/intake/internal/models"
	"github.com/bcem/intake/internal/notify"
	"github.com/bcem/intake/internal/queue"
	"github.com/bcem/intake/internal/store"
)

// ErrSweepInProgress is returned when ProcessDue is called while another
// sweep is still running.
var ErrSweepInProgress = errors.New("processor: sweep already in progress")

// Store is the persistence surface used by the processor.
type Store interface {
	PendingCandidates(ctx context.Context) ([]models.Candidate, error)
	OutstandingMessages(ctx context.Context, sender string) ([]models.Message, error)
	ApplyClassification(ctx context.Context, messageIDs []int64, c store.Classification) error
	AcknowledgedInWindow(ctx context.Context, sender string) (bool, error)
	MarkAcknowledged(ctx context.Context, sender string) error
	MarkNotified(ctx context.Context, messageIDs []int64) error
	RecordMessageError(ctx context.Context, messageIDs []int64, msg string) error
}

// Classifier classifies a burst text. It never fails.
type Classifier interface {
	Classify(ctx context.Context, text string, hasAttachment bool) classifier.Result
}

// Router resolves categories to recipients.
type Router interface {
	Categories(categories []string) []string
	Resolve(categories []string) []models.Assignment
}

// Acknowledger sends the acknowledgment text back to the sender.
type Acknowledger interface {
	SendText(ctx context.Context, to, body string) error
}

// Notifier delivers one recipient notification.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

// QueueMachine closes queue entries.
type QueueMachine interface {
	MarkSent(ctx context.Context, entryID int64) error
	MarkFailed(ctx context.Context, entryID int64, reason string) error
}

// Scheduler re-arms a sender that still has outstanding messages.
type Scheduler interface {
	Schedule(ctx context.Context, sender string) (bool, error)
}

// Publisher reports burst outcomes.
type Publisher interface {
	Publish(ctx context.Context, ev *events.BurstOutcome) error
}

// Config wires a Processor. Publisher is optional.
type Config struct {
	Store           Store
	Classifier      Classifier
	Router          Router
	Acknowledger    Acknowledger
	Notifier        Notifier
	Queue           QueueMachine
	Scheduler       Scheduler
	Publisher       Publisher
	DefaultCategory string
	Window          time.Duration
	Interval        time.Duration
	BatchTimeout    time.Duration
	MaxConcurrency  int
	Location        *time.Location // for notification dates; defaults to time.Local
	Enabled         bool           // false skips every sweep, e.g. without SMTP settings
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Skipped    bool
	Candidates int
	Due        int
	Sent       int
	Failed     int
}

// Processor owns the sweep loop.
type Processor struct {
	cfg     Config
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Processor, filling in defaults.
func New(cfg Config) *Processor {
	if cfg.Window <= 0 {
		cfg.Window = burst.DefaultWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Processor{cfg: cfg}
}

// Start runs a sweep immediately and then every Interval until Stop is
// called or ctx is cancelled. Calling Start twice is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		slog.Info("deferred processor starting",
			"interval", p.cfg.Interval,
			"window", p.cfg.Window,
			"enabled", p.cfg.Enabled,
		)

		p.tick(loopCtx)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				slog.Info("deferred processor stopping")
				return
			case <-ticker.C:
				p.tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Processor) tick(ctx context.Context) {
	res, err := p.ProcessDue(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		slog.Debug("previous sweep still running")
	case err != nil:
		slog.Error("sweep failed", "error", err)
	case res.Due > 0:
		slog.Info("sweep finished",
			"candidates", res.Candidates,
			"due", res.Due,
			"sent", res.Sent,
			"failed", res.Failed,
		)
	}
}

// ProcessDue runs one sweep. Overlapping calls return ErrSweepInProgress
// without doing any work.
func (p *Processor) ProcessDue(ctx context.Context) (SweepResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer p.running.Store(false)

	if !p.cfg.Enabled {
		return SweepResult{Skipped: true}, nil
	}

	start := time.Now()
	defer func() { metrics.RecordSweepDuration(time.Since(start)) }()

	candidates, err := p.cfg.Store.PendingCandidates(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load pending candidates: %w", err)
	}
	due := burst.SelectDue(candidates, p.cfg.Window)

	res := SweepResult{Candidates: len(candidates), Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, c := range due {
		if ctx.Err() != nil {
			// Stopping: senders not started yet stay pending for the next run.
			break
		}
		entry := c.Entry
		g.Go(func() error {
			sent := p.processSafe(ctx, entry)
			mu.Lock()
			if sent {
				res.Sent++
			} else {
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

// processSafe isolates one sender: its own timeout, panic recovery, and
// any error closes the entry as failed. A started batch is not cut short by
// Stop; only BatchTimeout bounds it. It reports whether the entry was closed
// as sent.
func (p *Processor) processSafe(ctx context.Context, entry models.QueueEntry) (sent bool) {
	ctx = logging.WithFields(context.WithoutCancel(ctx), logging.Fields{Sender: entry.Sender, QueueEntryID: entry.ID})
	ctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "panic recovered in burst processing", "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = p.processBatch(ctx, entry)
	}()

	if err == nil {
		return true
	}

	slog.ErrorContext(ctx, "burst processing failed", "error", err)
	if ferr := p.cfg.Queue.MarkFailed(context.WithoutCancel(ctx), entry.ID, err.Error()); ferr != nil {
		slog.ErrorContext(ctx, "failed to mark queue entry failed", "error", ferr)
	} else {
		metrics.IncrementQueueTransition(string(models.StatusFailed))
	}
	return false
}

// errNotDelivered marks a batch whose entry was already closed as failed.
var errNotDelivered = errors.New("notification not delivered")

func (p *Processor) processBatch(ctx context.Context, entry models.QueueEntry) error {
	msgs, err := p.cfg.Store.OutstandingMessages(ctx, entry.Sender)
	if err != nil {
		return fmt.Errorf("load outstanding messages: %w", err)
	}
	if len(msgs) == 0 {
		slog.InfoContext(ctx, "no outstanding messages, closing entry")
		return p.closeSent(ctx, entry)
	}

	ids := make([]int64, len(msgs))
	texts := make([]string, len(msgs))
	hasAttachment := false
	for i, m := range msgs {
		ids[i] = m.ID
		texts[i] = m.TextOrEmpty()
		if m.HasMedia() {
			hasAttachment = true
		}
	}

	slog.InfoContext(ctx, "classifying burst", "messages", len(msgs))
	start := time.Now()
	result := p.cfg.Classifier.Classify(ctx, classifier.BuildInput(texts), hasAttachment)
	metrics.RecordClassificationLatency(time.Since(start))
	metrics.IncrementClassification(result.Fallback)

	categories := p.cfg.Router.Categories(result.Categories)
	assignments := p.cfg.Router.Resolve(categories)
	batchID := uuid.New()
	if err := p.cfg.Store.ApplyClassification(ctx, ids, store.Classification{
		Categories: categories,
		Summary:    result.Summary,
		Recipients: assignments,
		BatchID:    batchID,
	}); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}
	for i := range msgs {
		msgs[i].Categories = categories
		msgs[i].Summary = &result.Summary
		msgs[i].Recipients = assignments
		msgs[i].BatchID = &batchID
	}

	slog.InfoContext(ctx, "burst classified",
		"categories", strings.Join(categories, ","),
		"summary", result.Summary,
		"recipients", len(assignments),
		"fallback", result.Fallback,
	)

	outcome := &events.BurstOutcome{
		Sender:       entry.Sender,
		QueueEntryID: entry.ID,
		BatchID:      batchID.String(),
		Messages:     len(msgs),
		Categories:   categories,
		Summary:      result.Summary,
		Fallback:     result.Fallback,
	}
	for _, a := range assignments {
		outcome.Recipients = append(outcome.Recipients, a.Email)
	}

	outcome.AckSent = p.acknowledge(ctx, entry.Sender, ids, categories)

	var failures []string
	b := notify.Burst{Messages: msgs, Categories: categories, Summary: result.Summary}
	for _, a := range assignments {
		if err := p.notifyRecipient(ctx, a, b); err != nil {
			slog.ErrorContext(ctx, "notification failed", "to", a.Email, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", a.Email, err))
			metrics.IncrementNotification(false)
			continue
		}
		metrics.IncrementNotification(true)
	}

	if len(failures) > 0 {
		reason := "notification failed for " + strings.Join(failures, "; ")
		outcome.Status = string(models.StatusFailed)
		outcome.Error = reason
		p.publish(ctx, outcome)
		return fmt.Errorf("%w: %s", errNotDelivered, reason)
	}

	if err := p.cfg.Store.MarkNotified(ctx, ids); err != nil {
		return fmt.Errorf("mark messages notified: %w", err)
	}
	if err := p.closeSent(ctx, entry); err != nil {
		// Every message is notified, so the next sweep finds nothing
		// outstanding and closes the entry then.
		slog.ErrorContext(ctx, "failed to close notified entry", "error", err)
	}

	outcome.Status = string(models.StatusSent)
	p.publish(ctx, outcome)
	return nil
}

// acknowledge sends one acknowledgment per un-notified window. Failure is
// logged and recorded on the burst, never returned.
func (p *Processor) acknowledge(ctx context.Context, sender string, ids []int64, categories []string) bool {
	acked, err := p.cfg.Store.AcknowledgedInWindow(ctx, sender)
	if err != nil {
		slog.WarnContext(ctx, "could not check acknowledgment state, skipping", "error", err)
		return false
	}
	if acked {
		return false
	}

	if err := p.cfg.Acknowledger.SendText(ctx, sender, AckText(categories, p.cfg.DefaultCategory)); err != nil {
		metrics.IncrementAck(false)
		slog.WarnContext(ctx, "acknowledgment failed", "error", err)
		if rerr := p.cfg.Store.RecordMessageError(ctx, ids, "acknowledgment failed: "+err.Error()); rerr != nil {
			slog.ErrorContext(ctx, "failed to record acknowledgment error", "error", rerr)
		}
		return false
	}
	metrics.IncrementAck(true)

	if err := p.cfg.Store.MarkAcknowledged(ctx, sender); err != nil {
		slog.ErrorContext(ctx, "failed to flag messages acknowledged", "error", err)
	}
	return true
}

func (p *Processor) notifyRecipient(ctx context.Context, a models.Assignment, b notify.Burst) error {
	n, err := notify.Build(a.Email, b, p.cfg.Location)
	if err != nil {
		return err
	}
	return p.cfg.Notifier.Send(ctx, n)
}

// closeSent marks the entry sent and re-arms the sender when messages
// arrived after the burst was loaded.
func (p *Processor) closeSent(ctx context.Context, entry models.QueueEntry) error {
	if err := p.cfg.Queue.MarkSent(ctx, entry.ID); err != nil {
		if errors.Is(err, queue.ErrNotPending) {
			slog.WarnContext(ctx, "queue entry already closed")
			return nil
		}
		return fmt.Errorf("mark entry sent: %w", err)
	}
	metrics.IncrementQueueTransition(string(models.StatusSent))

	remaining, err := p.cfg.Store.OutstandingMessages(ctx, entry.Sender)
	if err != nil {
		slog.WarnContext(ctx, "could not check for late messages", "error", err)
		return nil
	}
	if len(remaining) > 0 {
		if _, err := p.cfg.Scheduler.Schedule(ctx, entry.Sender); err != nil {
			slog.ErrorContext(ctx, "failed to re-schedule late messages", "error", err)
		} else {
			slog.InfoContext(ctx, "late messages re-scheduled", "messages", len(remaining))
		}
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, ev *events.BurstOutcome) {
	if p.cfg.Publisher == nil {
		return
	}
	if err := p.cfg.Publisher.Publish(ctx, ev); err != nil {
		slog.WarnContext(ctx, "failed to publish burst outcome", "error", err)
	}
}
