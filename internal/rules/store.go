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

package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/pipeline/internal/models"
)

// Store provides access to sender rules and their ordered attachment rules.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a rule store backed by the given Postgres pool.
// It ensures the rule tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure rules schema: %w", err)
	}
	slog.Info("rule store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_sender_rules (
			id                    BIGSERIAL PRIMARY KEY,
			tenant_id             BIGINT NOT NULL,
			account_id            BIGINT NOT NULL,
			sender_email          TEXT NOT NULL,
			process_attachments   BOOLEAN DEFAULT TRUE,
			auto_reply            BOOLEAN DEFAULT FALSE,
			notification_template TEXT DEFAULT '',
			enabled               BOOLEAN DEFAULT TRUE,
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			updated_at            TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, account_id, sender_email)
		);
		CREATE TABLE IF NOT EXISTS attachment_processing_rules (
			id               BIGSERIAL PRIMARY KEY,
			sender_rule_id   BIGINT NOT NULL REFERENCES email_sender_rules(id) ON DELETE CASCADE,
			rule_order       INT NOT NULL,
			filename_pattern TEXT NOT NULL,
			source           TEXT NOT NULL,
			template_name    TEXT DEFAULT '',
			enabled          BOOLEAN DEFAULT TRUE,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(sender_rule_id, rule_order)
		);
		CREATE INDEX IF NOT EXISTS idx_sender_rules_lookup ON email_sender_rules(tenant_id, account_id, sender_email);
		CREATE INDEX IF NOT EXISTS idx_attachment_rules_rule ON attachment_processing_rules(sender_rule_id, rule_order);
	`)
	return err
}

// GetSenderRule looks up the processing policy for one (tenant, account,
// sender) combination. Returns nil when no rule exists.
func (s *Store) GetSenderRule(ctx context.Context, tenantID, accountID int64, senderEmail string) (*models.EmailSenderRule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, account_id, sender_email, process_attachments,
		       auto_reply, notification_template, enabled, created_at, updated_at
		FROM email_sender_rules
		WHERE tenant_id = $1 AND account_id = $2 AND LOWER(sender_email) = LOWER($3)
	`, tenantID, accountID, senderEmail)

	var r models.EmailSenderRule
	err := row.Scan(
		&r.ID, &r.TenantID, &r.AccountID, &r.SenderEmail, &r.ProcessAttachments,
		&r.AutoReply, &r.NotificationTemplate, &r.Enabled, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAttachmentRules returns all attachment rules for a sender rule in
// ascending rule order, including disabled ones — the matcher skips those.
func (s *Store) ListAttachmentRules(ctx context.Context, senderRuleID int64) ([]models.AttachmentProcessingRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_rule_id, rule_order, filename_pattern, source,
		       template_name, enabled, created_at, updated_at
		FROM attachment_processing_rules
		WHERE sender_rule_id = $1
		ORDER BY rule_order
	`, senderRuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AttachmentProcessingRule
	for rows.Next() {
		var r models.AttachmentProcessingRule
		if err := rows.Scan(
			&r.ID, &r.SenderRuleID, &r.RuleOrder, &r.FilenamePattern, &r.Source,
			&r.TemplateName, &r.Enabled, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateSenderRule inserts a sender rule. The (tenant, account, sender)
// uniqueness constraint makes duplicate creation fail.
func (s *Store) CreateSenderRule(ctx context.Context, r *models.EmailSenderRule) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO email_sender_rules
			(tenant_id, account_id, sender_email, process_attachments, auto_reply, notification_template, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, r.TenantID, r.AccountID, r.SenderEmail, r.ProcessAttachments, r.AutoReply,
		r.NotificationTemplate, r.Enabled).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// CreateAttachmentRule inserts an attachment rule. (senderRule, ruleOrder)
// is unique.
func (s *Store) CreateAttachmentRule(ctx context.Context, r *models.AttachmentProcessingRule) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO attachment_processing_rules
			(sender_rule_id, rule_order, filename_pattern, source, template_name, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, r.SenderRuleID, r.RuleOrder, r.FilenamePattern, r.Source, r.TemplateName,
		r.Enabled).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}
