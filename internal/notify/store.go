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

// Package notify routes pipeline events to the tenant's configured channels.
// A rule store holds per-tenant notification rules, the engine resolves
// recipients and fans out to channel senders, and one sender implementation
// exists per channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/pipeline/internal/models"
)

// Store persists tenant notification rules.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a notification rule store backed by the given Postgres
// pool. It ensures the rule table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure notify schema: %w", err)
	}
	slog.Info("notification rule store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_notification_rules (
			id               BIGSERIAL PRIMARY KEY,
			tenant_id        BIGINT NOT NULL,
			event            TEXT NOT NULL,
			recipient_type   TEXT NOT NULL,
			channel          TEXT NOT NULL,
			config           JSONB NOT NULL DEFAULT '{}',
			template_name    TEXT DEFAULT '',
			subject_template TEXT DEFAULT '',
			enabled          BOOLEAN DEFAULT TRUE,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (tenant_id, event, recipient_type, channel)
		);
		CREATE INDEX IF NOT EXISTS idx_notification_rules_tenant_event
			ON tenant_notification_rules(tenant_id, event);
	`)
	return err
}

// ListEnabled returns the enabled rules for one (tenant, event) pair.
func (s *Store) ListEnabled(ctx context.Context, tenantID int64, event string) ([]models.TenantNotificationRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+`
		WHERE tenant_id = $1 AND event = $2 AND enabled
		ORDER BY id
	`, tenantID, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListByTenant returns every rule of one tenant, enabled or not.
func (s *Store) ListByTenant(ctx context.Context, tenantID int64) ([]models.TenantNotificationRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+` WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// GetRule retrieves one rule. Returns nil when absent.
func (s *Store) GetRule(ctx context.Context, id int64) (*models.TenantNotificationRule, error) {
	row := s.pool.QueryRow(ctx, ruleSelect+` WHERE id = $1`, id)

	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateRule inserts a rule. The (tenant, event, recipientType, channel)
// unique constraint rejects duplicate combinations.
func (s *Store) CreateRule(ctx context.Context, r *models.TenantNotificationRule) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO tenant_notification_rules
			(tenant_id, event, recipient_type, channel, config, template_name, subject_template, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, r.TenantID, r.Event, r.RecipientType, r.Channel, r.Config,
		r.TemplateName, r.SubjectTemplate, r.Enabled).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

// UpdateRule rewrites the mutable fields of a rule. Returns false when the
// rule does not exist for the tenant.
func (s *Store) UpdateRule(ctx context.Context, r *models.TenantNotificationRule) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenant_notification_rules
		SET config = $3, template_name = $4, subject_template = $5,
		    enabled = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, r.ID, r.TenantID, r.Config, r.TemplateName, r.SubjectTemplate, r.Enabled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteRule removes one rule of a tenant. Returns false when absent.
func (s *Store) DeleteRule(ctx context.Context, tenantID, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tenant_notification_rules WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const ruleSelect = `
	SELECT id, tenant_id, event, recipient_type, channel, config,
	       template_name, subject_template, enabled, created_at, updated_at
	FROM tenant_notification_rules
`

func scanRule(row pgx.Row) (*models.TenantNotificationRule, error) {
	var r models.TenantNotificationRule
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Event, &r.RecipientType, &r.Channel, &r.Config,
		&r.TemplateName, &r.SubjectTemplate, &r.Enabled, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRules(rows pgx.Rows) ([]models.TenantNotificationRule, error) {
	var out []models.TenantNotificationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
