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

// Package models defines the data structures shared across the intake service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ContentKind is the type of content carried by an inbound chat message.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindDocument ContentKind = "document"
	KindAudio    ContentKind = "audio"
	KindVideo    ContentKind = "video"
)

// Valid reports whether k is one of the supported content kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// HasMedia reports whether messages of this kind carry a downloadable attachment.
func (k ContentKind) HasMedia() bool {
	return k != KindText && k.Valid()
}

// InboundEvent is one normalized message event handed over by the webhook
// transport. Schema validation of the raw platform payload happens before
// this struct is built.
type InboundEvent struct {
	ID         string
	Sender     string
	SenderName string
	Kind       ContentKind
	Text       string
	MediaRef   string
	MimeType   string
	ReceivedAt time.Time
}

// Recipient is a statically configured human who receives notifications
// for one category.
type Recipient struct {
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Name        string `yaml:"name"`
	Email       string `yaml:"email"`
}

// Assignment is one resolved (category, recipient) pair persisted on every
// message of a classified burst.
type Assignment struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// Message is one stored inbound chat message.
type Message struct {
	ID               int64
	PlatformID       string
	Sender           string
	SenderName       *string
	Kind             ContentKind
	Text             *string
	MediaPath        *string
	Categories       []string
	Summary          *string
	Recipients       []Assignment
	BatchID          *uuid.UUID
	AckSent          bool
	NotificationSent bool
	CreatedAt        time.Time
	LastError        *string
}

// DisplayName returns the sender's profile name, falling back to the
// sender identifier.
func (m Message) DisplayName() string {
	if m.SenderName != nil && *m.SenderName != "" {
		return *m.SenderName
	}
	return m.Sender
}

// TextOrEmpty returns the message text or "" when the message has none.
func (m Message) TextOrEmpty() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// HasMedia reports whether an attachment was stored for the message.
func (m Message) HasMedia() bool {
	return m.MediaPath != nil && *m.MediaPath != ""
}

// QueueStatus is the state of a notification queue entry.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSent    QueueStatus = "sent"
	StatusFailed  QueueStatus = "failed"
)

// QueueEntry is the per-sender marker saying a burst still needs processing.
type QueueEntry struct {
	ID        int64
	Sender    string
	Status    QueueStatus
	CreatedAt time.Time
	SentAt    *time.Time
	LastError *string
}

// Candidate is a pending queue entry together with the arrival time of the
// sender's newest outstanding message, as observed by the store clock.
type Candidate struct {
	Entry      QueueEntry
	Newest     *time.Time
	ObservedAt time.Time
}
