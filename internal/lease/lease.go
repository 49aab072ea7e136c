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

// Package lease provides short-lived per-account poll leases in Redis so
// horizontally scaled instances never poll the same mailbox concurrently.
// A lease is best-effort exclusion, not a correctness requirement — the
// ingestion path stays idempotent on (account, message UID) regardless.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "docflow:poll-lease:"

// Locker acquires and releases per-account poll leases.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLocker creates a lease locker with the given lease duration.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	return &Locker{rdb: rdb, ttl: ttl}
}

// Acquire takes the poll lease for an account. Returns false when another
// instance already holds it. The owner token is stored so Release only
// clears a lease this instance took.
func (l *Locker) Acquire(ctx context.Context, accountID int64, owner string) (bool, error) {
	key := fmt.Sprintf("%s%d", keyPrefix, accountID)

	ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease SETNX: %w", err)
	}

	return ok, nil
}

// releaseScript deletes the lease only when this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops the lease if the owner token still matches. A lease that
// expired and was re-acquired elsewhere is left alone.
func (l *Locker) Release(ctx context.Context, accountID int64, owner string) error {
	key := fmt.Sprintf("%s%d", keyPrefix, accountID)

	if err := releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lease release: %w", err)
	}

	return nil
}
