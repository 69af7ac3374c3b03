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

package store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bcem/intake/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("intake_test"),
		postgres.WithUsername("intake"),
		postgres.WithPassword("intake"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable, skipping store tests: %v\n", err)
		os.Exit(m.Run())
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		testPool, err = Connect(ctx, connStr, 10)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to test postgres: %v\n", err)
	}

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testPool == nil {
		t.Skip("postgres not available")
	}
	ctx := context.Background()
	s, err := New(ctx, testPool)
	require.NoError(t, err)

	_, err = testPool.Exec(ctx, `TRUNCATE messages, notification_queue RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func strPtr(s string) *string { return &s }

func insertText(t *testing.T, s *Store, platformID, sender, text string) *models.Message {
	t.Helper()
	m := &models.Message{
		PlatformID: platformID,
		Sender:     sender,
		Kind:       models.KindText,
		Text:       strPtr(text),
	}
	created, err := s.InsertMessageIfAbsent(context.Background(), m)
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestInsertMessageIfAbsent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := insertText(t, s, "wamid.1", "34600000001", "hola")
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	dup := &models.Message{PlatformID: "wamid.1", Sender: "34600000001", Kind: models.KindText, Text: strPtr("hola")}
	created, err := s.InsertMessageIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	msgs, err := s.OutstandingMessages(ctx, "34600000001")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, first.ID, msgs[0].ID)
}

func TestInsertMessageIfAbsent_ConcurrentDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &models.Message{PlatformID: "wamid.race", Sender: "34600000002", Kind: models.KindText}
			ok, err := s.InsertMessageIfAbsent(ctx, m)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestEnqueueIfNoPending_SinglePendingPerSender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EnqueueIfNoPending(ctx, "34600000003")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.EntriesForSender(ctx, "34600000003")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusPending, entries[0].Status)

	// Another sender is independent.
	created, err := s.EnqueueIfNoPending(ctx, "34600000004")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTransitionEntry_OnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueIfNoPending(ctx, "34600000005")
	require.NoError(t, err)
	entries, err := s.EntriesForSender(ctx, "34600000005")
	require.NoError(t, err)
	entryID := entries[0].ID

	ok, err := s.TransitionEntry(ctx, entryID, models.StatusFailed, strPtr("smtp down"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionEntry(ctx, entryID, models.StatusSent, nil)
	require.NoError(t, err)
	assert.False(t, ok, "failed entries are never re-armed")

	e, err := s.GetEntry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, e.Status)
	require.NotNil(t, e.LastError)
	assert.Equal(t, "smtp down", *e.LastError)
	assert.Nil(t, e.SentAt)

	// The failed entry no longer blocks a fresh pending one.
	created, err := s.EnqueueIfNoPending(ctx, "34600000005")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTransitionEntry_SentSetsTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueIfNoPending(ctx, "34600000006")
	require.NoError(t, err)
	entries, err := s.EntriesForSender(ctx, "34600000006")
	require.NoError(t, err)

	ok, err := s.TransitionEntry(ctx, entries[0].ID, models.StatusSent, nil)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := s.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, e.Status)
	assert.NotNil(t, e.SentAt)

	_, err = s.GetEntry(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyClassification_WritesWholeBurst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insertText(t, s, "wamid.a", "34600000007", "quiero pagar el IVA")
	b := insertText(t, s, "wamid.b", "34600000007", "y una duda de nómina")

	batch := uuid.New()
	err := s.ApplyClassification(ctx, []int64{a.ID, b.ID}, Classification{
		Categories: []string{"fiscal", "laboral"},
		Summary:    "IVA y nómina",
		Recipients: []models.Assignment{
			{Category: "fiscal", Name: "Ana", Email: "ana@example.com"},
			{Category: "laboral", Name: "Luis", Email: "luis@example.com"},
		},
		BatchID: batch,
	})
	require.NoError(t, err)

	msgs, err := s.OutstandingMessages(ctx, "34600000007")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, a.ID, msgs[0].ID, "arrival order")
	for _, m := range msgs {
		assert.Equal(t, []string{"fiscal", "laboral"}, m.Categories)
		require.NotNil(t, m.Summary)
		assert.Equal(t, "IVA y nómina", *m.Summary)
		require.NotNil(t, m.BatchID)
		assert.Equal(t, batch, *m.BatchID)
		require.Len(t, m.Recipients, 2)
		assert.Equal(t, "luis@example.com", m.Recipients[1].Email)
	}

	require.NoError(t, s.MarkNotified(ctx, []int64{a.ID, b.ID}))
	msgs, err = s.OutstandingMessages(ctx, "34600000007")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkNotified_RequiresClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := insertText(t, s, "wamid.unclassified", "34600000008", "hola")
	err := s.MarkNotified(ctx, []int64{m.ID})
	assert.Error(t, err)
}

func TestAcknowledgedInWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertText(t, s, "wamid.ack1", "34600000009", "hola")

	acked, err := s.AcknowledgedInWindow(ctx, "34600000009")
	require.NoError(t, err)
	assert.False(t, acked)

	require.NoError(t, s.MarkAcknowledged(ctx, "34600000009"))

	acked, err = s.AcknowledgedInWindow(ctx, "34600000009")
	require.NoError(t, err)
	assert.True(t, acked)

	msg, err := s.GetMessage(ctx, "wamid.ack1")
	require.NoError(t, err)
	assert.True(t, msg.AckSent)
}

func TestPendingCandidates_CarriesNewestAndClock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertText(t, s, "wamid.c1", "34600000010", "uno")
	second := insertText(t, s, "wamid.c2", "34600000010", "dos")
	_, err := s.EnqueueIfNoPending(ctx, "34600000010")
	require.NoError(t, err)

	// Pending entry whose messages were all notified already.
	_, err = s.EnqueueIfNoPending(ctx, "34600000011")
	require.NoError(t, err)

	cands, err := s.PendingCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "34600000010", cands[0].Entry.Sender)
	require.NotNil(t, cands[0].Newest)
	assert.True(t, cands[0].Newest.Equal(second.CreatedAt))
	assert.False(t, cands[0].ObservedAt.Before(*cands[0].Newest))

	assert.Nil(t, cands[1].Newest)
}

func TestStrandedSenders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertText(t, s, "wamid.s1", "34600000012", "sin cola")
	insertText(t, s, "wamid.s2", "34600000013", "con cola")
	_, err := s.EnqueueIfNoPending(ctx, "34600000013")
	require.NoError(t, err)

	senders, err := s.StrandedSenders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"34600000012"}, senders)
}

func TestMediaAndErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &models.Message{PlatformID: "wamid.img", Sender: "34600000014", Kind: models.KindImage}
	created, err := s.InsertMessageIfAbsent(ctx, m)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.UpdateMessageMedia(ctx, m.ID, "media/wamid.img.jpg"))
	require.NoError(t, s.RecordMessageError(ctx, []int64{m.ID}, "thumbnail failed"))

	got, err := s.GetMessage(ctx, "wamid.img")
	require.NoError(t, err)
	assert.True(t, got.HasMedia())
	require.NotNil(t, got.LastError)
	assert.Equal(t, "thumbnail failed", *got.LastError)
	assert.Nil(t, got.Text)
	assert.Nil(t, got.Categories)
}
