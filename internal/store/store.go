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

// Package store provides the Postgres-backed durable store for inbound
// chat messages and the per-sender notification queue.
//
// Every cross-actor coordination point is a conditional write: message
// dedup is an insert that ignores conflicts on the platform id, the
// single-pending-entry rule is a partial unique index, and queue
// transitions only apply while the entry is still pending.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/intake/internal/id"
	"github.com/bcem/intake/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides message and queue operations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// New creates a store backed by the given pool and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure intake schema: %w", err)
	}
	slog.Info("intake store initialised")
	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id                BIGINT PRIMARY KEY,
			platform_id       TEXT NOT NULL UNIQUE,
			sender            TEXT NOT NULL,
			sender_name       TEXT,
			kind              TEXT NOT NULL,
			text              TEXT,
			media_path        TEXT,
			categories        TEXT[],
			summary           TEXT,
			recipients        JSONB,
			batch_id          UUID,
			ack_sent          BOOLEAN NOT NULL DEFAULT FALSE,
			notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			last_error        TEXT,
			CHECK ((categories IS NULL) = (summary IS NULL)),
			CHECK (NOT notification_sent OR categories IS NOT NULL)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_outstanding
			ON messages(sender, created_at, id) WHERE NOT notification_sent;

		CREATE TABLE IF NOT EXISTS notification_queue (
			id         BIGSERIAL PRIMARY KEY,
			sender     TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending'
			           CHECK (status IN ('pending', 'sent', 'failed')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			sent_at    TIMESTAMPTZ,
			last_error TEXT,
			CHECK (status <> 'failed' OR last_error IS NOT NULL)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_pending
			ON notification_queue(sender) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_queue_status ON notification_queue(status);
	`)
	return err
}

// --- Messages ---

// InsertMessageIfAbsent persists m unless a message with the same platform
// id already exists. It reports whether a row was created and fills in the
// store-assigned ID and CreatedAt on success.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error) {
	if m.ID == 0 {
		m.ID = id.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, platform_id, sender, sender_name, kind, text, media_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform_id) DO NOTHING
		RETURNING created_at
	`, m.ID, m.PlatformID, m.Sender, m.SenderName, string(m.Kind), m.Text, m.MediaPath).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.PlatformID, err)
	}
	return true, nil
}

// GetMessage loads a message by platform id.
func (s *Store) GetMessage(ctx context.Context, platformID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE platform_id = $1
	`, platformID)
	return scanMessage(row)
}

// UpdateMessageMedia records where the attachment of a message was stored.
func (s *Store) UpdateMessageMedia(ctx context.Context, messageID int64, path string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET media_path = $1 WHERE id = $2
	`, path, messageID)
	return err
}

// RecordMessageError sets last_error on every listed message.
func (s *Store) RecordMessageError(ctx context.Context, messageIDs []int64, msg string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET last_error = $1 WHERE id = ANY($2)
	`, msg, messageIDs)
	return err
}

// Classification is what the processor writes onto every message of a burst.
type Classification struct {
	Categories []string
	Summary    string
	Recipients []models.Assignment
	BatchID    uuid.UUID
}

// ApplyClassification writes c onto every listed message in one statement.
func (s *Store) ApplyClassification(ctx context.Context, messageIDs []int64, c Classification) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("apply classification: no categories")
	}
	recipients := c.Recipients
	if recipients == nil {
		recipients = []models.Assignment{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET categories = $1, summary = $2, recipients = $3, batch_id = $4
		WHERE id = ANY($5)
	`, c.Categories, c.Summary, recipients, c.BatchID, messageIDs)
	if err != nil {
		return fmt.Errorf("apply classification: %w", err)
	}
	if tag.RowsAffected() != int64(len(messageIDs)) {
		return fmt.Errorf("apply classification: updated %d of %d messages", tag.RowsAffected(), len(messageIDs))
	}
	return nil
}

// MarkAcknowledged flags every outstanding message of sender as acknowledged.
func (s *Store) MarkAcknowledged(ctx context.Context, sender string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET ack_sent = TRUE
		WHERE sender = $1 AND NOT notification_sent
	`, sender)
	return err
}

// AcknowledgedInWindow reports whether any of the sender's outstanding
// messages has already been acknowledged.
func (s *Store) AcknowledgedInWindow(ctx context.Context, sender string) (bool, error) {
	var acked bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE sender = $1 AND NOT notification_sent AND ack_sent
		)
	`, sender).Scan(&acked)
	return acked, err
}

// MarkNotified flags the listed messages as delivered to their recipients.
func (s *Store) MarkNotified(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET notification_sent = TRUE, last_error = NULL
		WHERE id = ANY($1)
	`, messageIDs)
	return err
}

// OutstandingMessages returns the sender's messages that have not been
// notified yet, in arrival order.
func (s *Store) OutstandingMessages(ctx context.Context, sender string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE sender = $1 AND NOT notification_sent
		ORDER BY created_at, id
	`, sender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// StrandedSenders lists senders with outstanding messages and no pending
// queue entry.
func (s *Store) StrandedSenders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT m.sender
		FROM messages m
		WHERE NOT m.notification_sent
		  AND NOT EXISTS (
			SELECT 1 FROM notification_queue q
			WHERE q.sender = m.sender AND q.status = 'pending'
		  )
		ORDER BY m.sender
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, err
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
}

// --- Notification queue ---

// EnqueueIfNoPending creates a pending entry for sender unless one already
// exists. It reports whether an entry was created.
func (s *Store) EnqueueIfNoPending(ctx context.Context, sender string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notification_queue (sender, status)
		VALUES ($1, 'pending')
		ON CONFLICT (sender) WHERE status = 'pending' DO NOTHING
	`, sender)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", sender, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PendingCandidates returns every pending entry together with the arrival
// time of the sender's newest outstanding message and the store's clock.
func (s *Store) PendingCandidates(ctx context.Context) ([]models.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id, q.sender, q.status, q.created_at, q.sent_at, q.last_error,
		       (SELECT MAX(m.created_at) FROM messages m
		        WHERE m.sender = q.sender AND NOT m.notification_sent),
		       clock_timestamp()
		FROM notification_queue q
		WHERE q.status = 'pending'
		ORDER BY q.created_at, q.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		var status string
		if err := rows.Scan(
			&c.Entry.ID, &c.Entry.Sender, &status, &c.Entry.CreatedAt,
			&c.Entry.SentAt, &c.Entry.LastError, &c.Newest, &c.ObservedAt,
		); err != nil {
			return nil, err
		}
		c.Entry.Status = models.QueueStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetEntry loads a queue entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID int64) (*models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sender, status, created_at, sent_at, last_error
		FROM notification_queue
		WHERE id = $1
	`, entryID)
	var e models.QueueEntry
	var status string
	err := row.Scan(&e.ID, &e.Sender, &status, &e.CreatedAt, &e.SentAt, &e.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = models.QueueStatus(status)
	return &e, nil
}

// EntriesForSender returns every queue entry of sender, oldest first.
func (s *Store) EntriesForSender(ctx context.Context, sender string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, status, created_at, sent_at, last_error
		FROM notification_queue
		WHERE sender = $1
		ORDER BY created_at, id
	`, sender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var status string
		if err := rows.Scan(&e.ID, &e.Sender, &status, &e.CreatedAt, &e.SentAt, &e.LastError); err != nil {
			return nil, err
		}
		e.Status = models.QueueStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TransitionEntry moves a pending entry to status to. It reports false
// when the entry was not pending anymore.
func (s *Store) TransitionEntry(ctx context.Context, entryID int64, to models.QueueStatus, lastError *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = $2::text,
		    sent_at = CASE WHEN $2::text = 'sent' THEN clock_timestamp() END,
		    last_error = $3
		WHERE id = $1 AND status = 'pending'
	`, entryID, string(to), lastError)
	if err != nil {
		return false, fmt.Errorf("transition entry %d to %s: %w", entryID, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

const messageColumns = `id, platform_id, sender, sender_name, kind, text, media_path,
		       categories, summary, recipients, batch_id, ack_sent,
		       notification_sent, created_at, last_error`

// scanMessage scans a single row into a Message.
func scanMessage(row pgx.Row) (*models.Message, error) {
	m, err := scanMessageInto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// collectMessages scans multiple rows into a slice of Messages.
func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessageInto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessageInto(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var kind string
	if err := row.Scan(
		&m.ID, &m.PlatformID, &m.Sender, &m.SenderName, &kind, &m.Text, &m.MediaPath,
		&m.Categories, &m.Summary, &m.Recipients, &m.BatchID, &m.AckSent,
		&m.NotificationSent, &m.CreatedAt, &m.LastError,
	); err != nil {
		return nil, err
	}
	m.Kind = models.ContentKind(kind)
	return &m, nil
}
