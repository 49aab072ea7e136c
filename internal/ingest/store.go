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

// Package ingest turns fetched mailbox messages into durable pipeline state:
// processed emails, their attachments, the extraction tasks spawned for
// matched files, and the aggregate finalisation when every task settles.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/pipeline/internal/models"
)

// Store persists processed emails, attachments, and inbound webhook
// callbacks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an ingestion store backed by the given Postgres pool.
// It ensures the pipeline tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ingest schema: %w", err)
	}
	slog.Info("ingestion store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_emails (
			id                      BIGSERIAL PRIMARY KEY,
			tenant_id               BIGINT NOT NULL,
			account_id              BIGINT NOT NULL,
			message_uid             TEXT NOT NULL,
			correlation_id          TEXT NOT NULL UNIQUE,
			sender_email            TEXT NOT NULL,
			subject                 TEXT DEFAULT '',
			received_at             TIMESTAMPTZ NOT NULL,
			total_attachments       INT DEFAULT 0,
			processed_attachments   INT DEFAULT 0,
			extracted_files         INT DEFAULT 0,
			failed_files            INT DEFAULT 0,
			success_rate            INT DEFAULT 0,
			extraction_completed_at TIMESTAMPTZ,
			created_at              TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (account_id, message_uid)
		);
		CREATE TABLE IF NOT EXISTS processed_attachments (
			id                BIGSERIAL PRIMARY KEY,
			email_id          BIGINT NOT NULL REFERENCES processed_emails(id),
			filename          TEXT NOT NULL,
			content_type      TEXT DEFAULT '',
			size_bytes        BIGINT DEFAULT 0,
			processing_status TEXT NOT NULL DEFAULT 'PENDING',
			matched_rule_id   BIGINT,
			source            TEXT DEFAULT '',
			storage_path      TEXT DEFAULT '',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS webhook_callback_responses (
			id             BIGSERIAL PRIMARY KEY,
			email_id       BIGINT NOT NULL REFERENCES processed_emails(id),
			correlation_id TEXT NOT NULL,
			status         TEXT NOT NULL,
			reference      TEXT DEFAULT '',
			message        TEXT DEFAULT '',
			received_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_account ON processed_emails(account_id);
		CREATE INDEX IF NOT EXISTS idx_attachments_email ON processed_attachments(email_id);
		CREATE INDEX IF NOT EXISTS idx_callbacks_email ON webhook_callback_responses(email_id);
	`)
	return err
}

// CreateEmail inserts one processed email. The (account, message UID) unique
// constraint is the durable idempotency layer behind the Redis dedup
// fast-path: a duplicate insert returns false with no error and no row.
func (s *Store) CreateEmail(ctx context.Context, e *models.ProcessedEmail) (bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processed_emails
			(tenant_id, account_id, message_uid, correlation_id, sender_email,
			 subject, received_at, total_attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, message_uid) DO NOTHING
		RETURNING id, created_at
	`, e.TenantID, e.AccountID, e.MessageUID, e.CorrelationID, e.SenderEmail,
		e.Subject, e.ReceivedAt, e.TotalAttachments).Scan(&e.ID, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetEmail retrieves a processed email by ID. Returns nil when absent.
func (s *Store) GetEmail(ctx context.Context, id int64) (*models.ProcessedEmail, error) {
	row := s.pool.QueryRow(ctx, emailSelect+` WHERE id = $1`, id)
	return scanEmail(row)
}

// GetEmailByCorrelationID retrieves a processed email by the correlation ID
// carried through webhook payloads. Returns nil when absent.
func (s *Store) GetEmailByCorrelationID(ctx context.Context, correlationID string) (*models.ProcessedEmail, error) {
	row := s.pool.QueryRow(ctx, emailSelect+` WHERE correlation_id = $1`, correlationID)
	return scanEmail(row)
}

// GetEmailByMessageUID retrieves a processed email by its mailbox identity.
// Used to resume a message whose previous ingestion crashed mid-way. Returns
// nil when absent.
func (s *Store) GetEmailByMessageUID(ctx context.Context, accountID int64, messageUID string) (*models.ProcessedEmail, error) {
	row := s.pool.QueryRow(ctx, emailSelect+` WHERE account_id = $1 AND message_uid = $2`,
		accountID, messageUID)
	return scanEmail(row)
}

// CreateAttachment inserts one attachment row for a processed email.
func (s *Store) CreateAttachment(ctx context.Context, a *models.ProcessedAttachment) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO processed_attachments
			(email_id, filename, content_type, size_bytes, processing_status,
			 matched_rule_id, source, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, a.EmailID, a.Filename, a.ContentType, a.SizeBytes, a.ProcessingStatus,
		a.MatchedRuleID, a.Source, a.StoragePath).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

// GetAttachment retrieves a single attachment. Returns nil when absent.
func (s *Store) GetAttachment(ctx context.Context, id int64) (*models.ProcessedAttachment, error) {
	row := s.pool.QueryRow(ctx, attachmentSelect+` WHERE id = $1`, id)

	a, err := scanAttachment(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAttachments returns every attachment of one email in insert order.
func (s *Store) ListAttachments(ctx context.Context, emailID int64) ([]models.ProcessedAttachment, error) {
	rows, err := s.pool.Query(ctx, attachmentSelect+` WHERE email_id = $1 ORDER BY id`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []models.ProcessedAttachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, *a)
	}
	return atts, rows.Err()
}

// SetAttachmentStatus advances the per-attachment processing status.
func (s *Store) SetAttachmentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processed_attachments
		SET processing_status = $2, updated_at = NOW()
		WHERE id = $1
	`, id, status)
	return err
}

// FinalizeExtraction stamps the email with its aggregate outcome. The
// extraction_completed_at guard makes the transition one-shot: concurrent
// terminal-task callbacks race here and exactly one wins, so the
// EXTRACTION_COMPLETED event fires once per email.
func (s *Store) FinalizeExtraction(ctx context.Context, emailID int64, processed, extracted, failed, successRate int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processed_emails
		SET processed_attachments = $2, extracted_files = $3, failed_files = $4,
		    success_rate = $5, extraction_completed_at = NOW()
		WHERE id = $1 AND extraction_completed_at IS NULL
	`, emailID, processed, extracted, failed, successRate)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SaveCallback records one inbound webhook callback for a processed email.
func (s *Store) SaveCallback(ctx context.Context, c *models.WebhookCallbackResponse) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO webhook_callback_responses (email_id, correlation_id, status, reference, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, received_at
	`, c.EmailID, c.CorrelationID, c.Status, c.Reference, c.Message).
		Scan(&c.ID, &c.ReceivedAt)
}

const emailSelect = `
	SELECT id, tenant_id, account_id, message_uid, correlation_id, sender_email,
	       subject, received_at, total_attachments, processed_attachments,
	       extracted_files, failed_files, success_rate, extraction_completed_at,
	       created_at
	FROM processed_emails
`

const attachmentSelect = `
	SELECT id, email_id, filename, content_type, size_bytes, processing_status,
	       matched_rule_id, source, storage_path, created_at, updated_at
	FROM processed_attachments
`

func scanEmail(row pgx.Row) (*models.ProcessedEmail, error) {
	var e models.ProcessedEmail
	err := row.Scan(
		&e.ID, &e.TenantID, &e.AccountID, &e.MessageUID, &e.CorrelationID,
		&e.SenderEmail, &e.Subject, &e.ReceivedAt, &e.TotalAttachments,
		&e.ProcessedAttachments, &e.ExtractedFiles, &e.FailedFiles,
		&e.SuccessRate, &e.ExtractionCompletedAt, &e.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanAttachment(row pgx.Row) (*models.ProcessedAttachment, error) {
	var a models.ProcessedAttachment
	err := row.Scan(
		&a.ID, &a.EmailID, &a.Filename, &a.ContentType, &a.SizeBytes,
		&a.ProcessingStatus, &a.MatchedRuleID, &a.Source, &a.StoragePath,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
