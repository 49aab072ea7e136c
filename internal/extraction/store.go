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

// Package extraction drives the per-attachment extraction task lifecycle:
// a Postgres-backed task store, a bounded worker pool that drains pending
// tasks through the external extraction collaborator, and a sweeper that
// recycles tasks orphaned by crashed workers.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/pipeline/internal/models"
)

// Store provides task persistence and the guarded state transitions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a task store backed by the given Postgres pool.
// It ensures the task table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure extraction schema: %w", err)
	}
	slog.Info("extraction task store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS extraction_tasks (
			id              BIGSERIAL PRIMARY KEY,
			email_id        BIGINT NOT NULL,
			attachment_id   BIGINT NOT NULL,
			tenant_id       BIGINT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'PENDING',
			attempts        INT DEFAULT 0,
			source          TEXT DEFAULT '',
			template_name   TEXT DEFAULT '',
			error_message   TEXT DEFAULT '',
			raw_result      TEXT DEFAULT '',
			extracted_data  JSONB,
			result_path     TEXT DEFAULT '',
			next_attempt_at TIMESTAMPTZ,
			started_at      TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON extraction_tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_email ON extraction_tasks(email_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_retry ON extraction_tasks(status, next_attempt_at);
	`)
	return err
}

// CreateTasks inserts PENDING tasks for matched attachments in one
// transaction. All of an email's tasks become claimable together, so a
// worker finishing the first task can never see a sibling still missing and
// finalise the email over a partial set.
func (s *Store) CreateTasks(ctx context.Context, tasks []*models.ExtractionTask) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, t := range tasks {
		t.Status = models.TaskPending
		err := tx.QueryRow(ctx, `
			INSERT INTO extraction_tasks (email_id, attachment_id, tenant_id, status, source, template_name)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`, t.EmailID, t.AttachmentID, t.TenantID, t.Status, t.Source, t.TemplateName).
			Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ClaimPending atomically moves up to batchSize PENDING tasks to PROCESSING
// and returns them. SKIP LOCKED lets multiple workers and instances claim
// disjoint batches. Attempts is incremented at claim time so a crash after
// the claim still counts against the retry budget.
func (s *Store) ClaimPending(ctx context.Context, batchSize int) ([]models.ExtractionTask, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE extraction_tasks
		SET status = 'PROCESSING', attempts = attempts + 1,
		    started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM extraction_tasks
			WHERE status = 'PENDING'
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RequeueDueRetries moves RETRYING tasks whose backoff delay has elapsed
// back to PENDING so workers can claim them again.
func (s *Store) RequeueDueRetries(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'PENDING', next_attempt_at = NULL, updated_at = NOW()
		WHERE status = 'RETRYING' AND next_attempt_at <= NOW()
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkCompleted finishes a PROCESSING task successfully.
func (s *Store) MarkCompleted(ctx context.Context, id int64, raw string, data json.RawMessage, resultPath string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'COMPLETED', raw_result = $2, extracted_data = $3,
		    result_path = $4, error_message = '', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, raw, data, resultPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d not in PROCESSING", id)
	}
	return nil
}

// MarkRetrying schedules a failed PROCESSING task for another attempt.
func (s *Store) MarkRetrying(ctx context.Context, id int64, errMsg string, nextAttempt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'RETRYING', error_message = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, errMsg, nextAttempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d not in PROCESSING", id)
	}
	return nil
}

// MarkFailed terminally fails a PROCESSING task after its retry budget is
// exhausted.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'FAILED', error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d not in PROCESSING", id)
	}
	return nil
}

// Cancel moves a task to CANCELLED from any non-terminal state. Returns
// false when the task was already terminal (or unknown).
func (s *Store) Cancel(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'CANCELLED', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING', 'RETRYING')
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStuck returns PROCESSING tasks whose claim is older than the threshold.
// These belong to workers that crashed mid-extraction.
func (s *Store) ListStuck(ctx context.Context, threshold time.Duration) ([]models.ExtractionTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM extraction_tasks
		WHERE status = 'PROCESSING' AND started_at < NOW() - $1::interval
		ORDER BY started_at
	`, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByEmail returns all tasks spawned for one processed email.
func (s *Store) ListByEmail(ctx context.Context, emailID int64) ([]models.ExtractionTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM extraction_tasks
		WHERE email_id = $1
		ORDER BY id
	`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountNonTerminal returns the number of tasks for an email that have not
// reached a terminal state. Zero means extraction is done for the email.
func (s *Store) CountNonTerminal(ctx context.Context, emailID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM extraction_tasks
		WHERE email_id = $1 AND status IN ('PENDING', 'PROCESSING', 'RETRYING')
	`, emailID).Scan(&n)
	return n, err
}

// GetTask retrieves a single task. Returns nil when absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.ExtractionTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM extraction_tasks
		WHERE id = $1
	`, id)

	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

const taskColumns = `id, email_id, attachment_id, tenant_id, status, attempts,
	source, template_name, error_message, raw_result, extracted_data,
	result_path, next_attempt_at, started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.ExtractionTask, error) {
	var t models.ExtractionTask
	err := row.Scan(
		&t.ID, &t.EmailID, &t.AttachmentID, &t.TenantID, &t.Status, &t.Attempts,
		&t.Source, &t.TemplateName, &t.ErrorMessage, &t.RawResult, &t.ExtractedData,
		&t.ResultPath, &t.NextAttemptAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]models.ExtractionTask, error) {
	var tasks []models.ExtractionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
