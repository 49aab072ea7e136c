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

// Package outbox gives outbound webhooks durable at-least-once delivery: a
// Postgres-backed queue of pending POSTs and a processor that drains it with
// bounded exponential-backoff retries.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry statuses.
const (
	StatusPending = "PENDING"
	StatusSending = "SENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Entry is one queued webhook delivery.
type Entry struct {
	ID            uuid.UUID
	Status        string
	Attempts      int
	URL           string
	Headers       map[string]string
	Payload       json.RawMessage
	LastError     string
	NextAttemptAt *time.Time
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists outbox entries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an outbox store backed by the given Postgres pool.
// It ensures the outbox table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure outbox schema: %w", err)
	}
	slog.Info("webhook outbox store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_outbox (
			id              UUID PRIMARY KEY,
			status          TEXT NOT NULL DEFAULT 'PENDING',
			attempts        INT DEFAULT 0,
			url             TEXT NOT NULL,
			headers         JSONB NOT NULL DEFAULT '{}',
			payload         JSONB NOT NULL,
			last_error      TEXT DEFAULT '',
			next_attempt_at TIMESTAMPTZ DEFAULT NOW(),
			sent_at         TIMESTAMPTZ,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_due ON webhook_outbox(status, next_attempt_at);
	`)
	return err
}

// Enqueue adds a PENDING delivery, due immediately.
func (s *Store) Enqueue(ctx context.Context, url string, headers map[string]string, payload json.RawMessage) error {
	if headers == nil {
		headers = map[string]string{}
	}
	hdr, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_outbox (id, status, url, headers, payload)
		VALUES ($1, 'PENDING', $2, $3, $4)
	`, uuid.New(), url, hdr, payload)
	return err
}

// ClaimDue atomically moves up to batchSize due PENDING entries to SENDING
// and returns them. SKIP LOCKED keeps concurrent processors on disjoint
// batches. Attempts is incremented at claim time.
func (s *Store) ClaimDue(ctx context.Context, batchSize int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_outbox
		SET status = 'SENDING', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_outbox
			WHERE status = 'PENDING' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkSent finishes a delivery successfully.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET status = 'SENT', last_error = '', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'
	`, id)
	return err
}

// Reschedule returns a failed SENDING entry to PENDING with the next attempt
// time set.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET status = 'PENDING', last_error = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'
	`, id, lastError, nextAttempt)
	return err
}

// RecoverStranded returns SENDING entries whose claim is older than the
// threshold to PENDING, due immediately. These belong to processors that died
// between the claim and the delivery outcome; without this pass they would
// never reach SENT or FAILED.
func (s *Store) RecoverStranded(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET status = 'PENDING', next_attempt_at = NOW(), updated_at = NOW()
		WHERE status = 'SENDING' AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkFailed terminally fails a delivery after its attempt budget is spent.
// FAILED entries need manual intervention.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_outbox
		SET status = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'
	`, id, lastError)
	return err
}

const entryColumns = `id, status, attempts, url, headers, payload, last_error,
	next_attempt_at, sent_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e   Entry
		hdr []byte
	)
	err := row.Scan(
		&e.ID, &e.Status, &e.Attempts, &e.URL, &hdr, &e.Payload, &e.LastError,
		&e.NextAttemptAt, &e.SentAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(hdr) > 0 {
		if err := json.Unmarshal(hdr, &e.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &e, nil
}
