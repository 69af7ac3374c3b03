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

// Package events publishes burst outcomes to a Redis list for reporting
// consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Classification cost estimate: ~300 input and ~50 output tokens per call.
const (
	CostPerClassificationUSD = 0.00014
	USDToEURRate             = 0.92
)

// BurstOutcome describes how one burst was processed.
type BurstOutcome struct {
	EventID      string    `json:"event_id"`
	Sender       string    `json:"sender"`
	QueueEntryID int64     `json:"queue_entry_id"`
	BatchID      string    `json:"batch_id,omitempty"`
	Messages     int       `json:"messages"`
	Categories   []string  `json:"categories"`
	Summary      string    `json:"summary"`
	Recipients   []string  `json:"recipients"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	AckSent      bool      `json:"ack_sent"`
	Fallback     bool      `json:"classifier_fallback"`
	CostUSD      float64   `json:"estimated_cost_usd"`
	CostEUR      float64   `json:"estimated_cost_eur"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Publisher pushes outcome events onto a Redis list.
type Publisher struct {
	rdb      *redis.Client
	listName string
}

// NewPublisher creates a publisher targeting listName.
func NewPublisher(rdb *redis.Client, listName string) *Publisher {
	return &Publisher{rdb: rdb, listName: listName}
}

// Publish stamps the event id, cost estimate and time, then LPUSHes the
// JSON encoding. Consumers pop from the other end.
func (p *Publisher) Publish(ctx context.Context, ev *BurstOutcome) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	if ev.Messages > 0 {
		ev.CostUSD = CostPerClassificationUSD
		ev.CostEUR = CostPerClassificationUSD * USDToEURRate
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal burst outcome: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.listName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.DebugContext(ctx, "published burst outcome",
		"event_id", ev.EventID,
		"status", ev.Status,
		"list", p.listName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
