// Copyright (c) 2026 The DocFlow Authors
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

// Package dedup provides message deduplication using a Redis SET with TTL.
// This is a fast-path guard in front of the Postgres (account, message UID)
// uniqueness constraint so re-polled messages are skipped before any
// attachment download happens.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen message UID. The Postgres
	// unique constraint remains the durable dedup; this only has to cover
	// overlapping poll windows.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "docflow:seen:"
)

// Filter tracks which account+message UIDs have already been ingested.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// Seen reports whether the (account, UID) pair was already fully ingested.
// It never marks: a message counts as seen only once MarkSeen runs after the
// whole message is durably recorded, so a crash mid-message leaves the pair
// unseen and the next poll resumes it.
func (f *Filter) Seen(ctx context.Context, accountID int64, messageUID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, f.key(accountID, messageUID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records the (account, UID) pair as fully ingested.
func (f *Filter) MarkSeen(ctx context.Context, accountID int64, messageUID string) error {
	if err := f.rdb.Set(ctx, f.key(accountID, messageUID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

func (f *Filter) key(accountID int64, messageUID string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, accountID, messageUID)
}
