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

package whatsapp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bcem/intake/internal/models"
)

// webhookPayload is the subset of a Cloud API webhook notification we use.
type webhookPayload struct {
	Object string         `json:"object" validate:"required"`
	Entry  []webhookEntry `json:"entry" validate:"dive"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes" validate:"dive"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []webhookContact `json:"contacts"`
	Messages         []webhookMessage `json:"messages"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	ID        string        `json:"id" validate:"required"`
	From      string        `json:"from" validate:"required"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type" validate:"required"`
	Text      *webhookText  `json:"text"`
	Image     *webhookMedia `json:"image"`
	Document  *webhookMedia `json:"document"`
	Audio     *webhookMedia `json:"audio"`
	Video     *webhookMedia `json:"video"`
}

type webhookText struct {
	Body string `json:"body"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

var payloadValidator = validator.New()

// ParseWebhook decodes a webhook notification into inbound events. Messages
// failing validation are logged and skipped; only an undecodable or
// structurally invalid body is an error. Status callbacks yield no events.
func ParseWebhook(body io.Reader) ([]models.InboundEvent, error) {
	var p webhookPayload
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if err := payloadValidator.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	var events []models.InboundEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, msg := range change.Value.Messages {
				if err := payloadValidator.Struct(&msg); err != nil {
					slog.Warn("dropping malformed webhook message",
						"message_id", msg.ID,
						"error", err,
					)
					continue
				}
				events = append(events, toEvent(msg, names[msg.From]))
			}
		}
	}
	return events, nil
}

func toEvent(msg webhookMessage, senderName string) models.InboundEvent {
	ev := models.InboundEvent{
		ID:         msg.ID,
		Sender:     msg.From,
		SenderName: senderName,
		Kind:       models.ContentKind(msg.Type),
		ReceivedAt: parseTimestamp(msg.Timestamp),
	}

	var m *webhookMedia
	switch ev.Kind {
	case models.KindText:
		if msg.Text != nil {
			ev.Text = msg.Text.Body
		}
	case models.KindImage:
		m = msg.Image
	case models.KindDocument:
		m = msg.Document
	case models.KindAudio:
		m = msg.Audio
	case models.KindVideo:
		m = msg.Video
	}
	if m != nil {
		ev.MediaRef = m.ID
		ev.MimeType = m.MimeType
		ev.Text = m.Caption
	}
	return ev
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
