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

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/intake/internal/models"
	"github.com/bcem/intake/internal/whatsapp"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	byID     map[string]*models.Message
	media    map[int64]string
	errs     map[int64]string
	insertFn func() error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*models.Message{}, media: map[int64]string{}, errs: map[int64]string{}}
}

func (s *fakeStore) InsertMessageIfAbsent(_ context.Context, m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertFn != nil {
		if err := s.insertFn(); err != nil {
			return false, err
		}
	}
	if _, ok := s.byID[m.PlatformID]; ok {
		return false, nil
	}
	s.nextID++
	m.ID = s.nextID
	s.byID[m.PlatformID] = m
	return true, nil
}

func (s *fakeStore) UpdateMessageMedia(_ context.Context, id int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[id] = path
	return nil
}

func (s *fakeStore) RecordMessageError(_ context.Context, ids []int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.errs[id] = msg
	}
	return nil
}

type fakeSeen struct {
	mu      sync.Mutex
	marked  map[string]bool
	seenErr error
}

func (f *fakeSeen) Seen(_ context.Context, id string) (bool, error) {
	if f.seenErr != nil {
		return false, f.seenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked[id], nil
}

func (f *fakeSeen) Mark(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[id] = true
	return nil
}

type fakeScheduler struct {
	mu       sync.Mutex
	senders  []string
	onRecord func()
}

func (f *fakeScheduler) Schedule(_ context.Context, sender string) (bool, error) {
	if f.onRecord != nil {
		f.onRecord()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.senders = append(f.senders, sender)
	return true, nil
}

type fakeMedia struct {
	resolveErr error
	data       []byte
}

func (f *fakeMedia) ResolveDownloadURL(_ context.Context, ref string) (*whatsapp.MediaInfo, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &whatsapp.MediaInfo{ID: ref, URL: "https://cdn.example/" + ref, MimeType: "application/pdf"}, nil
}

func (f *fakeMedia) FetchBinary(context.Context, string) ([]byte, error) {
	return f.data, nil
}

type fakeSink struct {
	saved map[string]string
}

func (f *fakeSink) Save(platformID, contentType string, _ []byte) (string, error) {
	path := "media/" + platformID + "." + contentType
	f.saved[platformID] = path
	return path, nil
}

type fakeReads struct{ ids []string }

func (f *fakeReads) MarkAsRead(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return errors.New("read receipts disabled")
}

type harness struct {
	store *fakeStore
	seen  *fakeSeen
	sched *fakeScheduler
	media *fakeMedia
	sink  *fakeSink
	in    *Ingester
}

func newHarness() *harness {
	h := &harness{
		store: newFakeStore(),
		seen:  &fakeSeen{marked: map[string]bool{}},
		sched: &fakeScheduler{},
		media: &fakeMedia{data: []byte("pdf")},
		sink:  &fakeSink{saved: map[string]string{}},
	}
	h.in = New(Config{Store: h.store, Seen: h.seen, Scheduler: h.sched, Media: h.media, Sink: h.sink})
	return h
}

func textEvent(id string) *models.InboundEvent {
	return &models.InboundEvent{ID: id, Sender: "34600111222", SenderName: "Marta", Kind: models.KindText, Text: "hola"}
}

func TestIngest_Accepted(t *testing.T) {
	h := newHarness()

	out := h.in.Ingest(context.Background(), textEvent("wamid.1"))
	assert.Equal(t, Accepted, out.Status)
	assert.NotZero(t, out.MessageID)

	m := h.store.byID["wamid.1"]
	require.NotNil(t, m)
	assert.Equal(t, "hola", m.TextOrEmpty())
	assert.Equal(t, "Marta", m.DisplayName())
	assert.True(t, h.seen.marked["wamid.1"])
	assert.Equal(t, []string{"34600111222"}, h.sched.senders)
}

func TestIngest_DuplicateIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Outcome, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.in.Ingest(ctx, textEvent("wamid.dup"))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Status == Accepted {
			accepted++
		} else {
			assert.Equal(t, Duplicate, r.Status)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, h.store.byID, 1)
	assert.Len(t, h.sched.senders, 1)
}

func TestIngest_SeenCacheFailureFallsBackToStore(t *testing.T) {
	h := newHarness()
	h.seen.seenErr = errors.New("redis down")
	ctx := context.Background()

	assert.Equal(t, Accepted, h.in.Ingest(ctx, textEvent("wamid.1")).Status)
	assert.Equal(t, Duplicate, h.in.Ingest(ctx, textEvent("wamid.1")).Status)
	assert.Len(t, h.store.byID, 1)
}

func TestIngest_Rejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tests := []struct {
		name string
		ev   *models.InboundEvent
	}{
		{name: "nil event", ev: nil},
		{name: "missing id", ev: &models.InboundEvent{Sender: "346", Kind: models.KindText}},
		{name: "missing sender", ev: &models.InboundEvent{ID: "wamid.x", Kind: models.KindText}},
		{name: "unsupported kind", ev: &models.InboundEvent{ID: "wamid.y", Sender: "346", Kind: "sticker"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.in.Ingest(ctx, tt.ev)
			assert.Equal(t, Rejected, out.Status)
			assert.NotEmpty(t, out.Reason)
		})
	}
	assert.Empty(t, h.store.byID)
	assert.Empty(t, h.sched.senders)
}

func TestIngest_StoreFailureNotMarkedSeen(t *testing.T) {
	h := newHarness()
	h.store.insertFn = func() error { return errors.New("connection refused") }

	out := h.in.Ingest(context.Background(), textEvent("wamid.1"))
	assert.Equal(t, Rejected, out.Status)
	assert.False(t, h.seen.marked["wamid.1"], "unpersisted events must stay retryable")
	assert.Empty(t, h.sched.senders)
}

func TestIngest_MediaStored(t *testing.T) {
	h := newHarness()
	ev := &models.InboundEvent{ID: "wamid.doc", Sender: "34600111222", Kind: models.KindDocument, MediaRef: "media-1", Text: "factura"}

	out := h.in.Ingest(context.Background(), ev)
	require.Equal(t, Accepted, out.Status)
	assert.Equal(t, "media/wamid.doc.application/pdf", h.store.media[out.MessageID])
	assert.Empty(t, h.store.errs)
}

func TestIngest_MediaFailureKeepsMessage(t *testing.T) {
	h := newHarness()
	h.media.resolveErr = whatsapp.ErrMediaNotFound
	ev := &models.InboundEvent{ID: "wamid.img", Sender: "34600111222", Kind: models.KindImage, MediaRef: "gone", Text: "foto"}

	out := h.in.Ingest(context.Background(), ev)
	require.Equal(t, Accepted, out.Status)
	assert.Empty(t, h.store.media)
	assert.Contains(t, h.store.errs[out.MessageID], "media resolve")
	assert.Equal(t, "foto", h.store.byID["wamid.img"].TextOrEmpty())
	assert.Equal(t, []string{"34600111222"}, h.sched.senders)
}

func TestIngest_MarkAsReadFailureIgnored(t *testing.T) {
	h := newHarness()
	reads := &fakeReads{}
	h.in = New(Config{Store: h.store, Scheduler: h.sched, Media: h.media, Sink: h.sink, Reads: reads})

	out := h.in.Ingest(context.Background(), textEvent("wamid.1"))
	assert.Equal(t, Accepted, out.Status)
	assert.Equal(t, []string{"wamid.1"}, reads.ids)
}

func TestIngest_MediaSettledBeforeSchedule(t *testing.T) {
	tests := []struct {
		name       string
		resolveErr error
	}{
		{name: "download succeeds"},
		{name: "download fails", resolveErr: errors.New("media expired")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.media.resolveErr = tt.resolveErr

			var mediaSettled bool
			h.sched.onRecord = func() {
				h.store.mu.Lock()
				defer h.store.mu.Unlock()
				mediaSettled = len(h.store.media) > 0 || len(h.store.errs) > 0
			}

			ev := &models.InboundEvent{ID: "wamid.img", Sender: "34600111222", Kind: models.KindImage, MediaRef: "media-2"}
			out := h.in.Ingest(context.Background(), ev)

			assert.Equal(t, Accepted, out.Status)
			assert.Equal(t, []string{"34600111222"}, h.sched.senders)
			assert.True(t, mediaSettled, "burst scheduled before the attachment was settled")
		})
	}
}
