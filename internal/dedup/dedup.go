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

// Package dedup provides a Redis seen-cache for inbound platform message
// ids. It is a fast path in front of the store's unique constraint: a hit
// short-circuits a redelivered webhook, a miss falls through to Postgres,
// which stays authoritative.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen message id is remembered. The platform
	// stops retrying a delivery well within a day.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "intake:seen:"
)

// Filter tracks which platform message ids have already been persisted.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a seen-cache backed by Redis. A non-positive ttl falls
// back to DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// Seen reports whether the id has been marked.
func (f *Filter) Seen(ctx context.Context, platformID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, key(platformID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Mark records the id as seen. Call it only after the message is durable.
func (f *Filter) Mark(ctx context.Context, platformID string) error {
	if err := f.rdb.Set(ctx, key(platformID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

func key(platformID string) string {
	return keyPrefix + platformID
}
