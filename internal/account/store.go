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

// Package account provides the Postgres-backed store for tenants and their
// polled mailbox accounts.
package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/pipeline/internal/models"
)

// Store provides CRUD operations for tenants and email accounts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an account store backed by the given Postgres pool.
// It ensures the tenant and account tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure account schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id          BIGSERIAL PRIMARY KEY,
			tenant_code TEXT NOT NULL UNIQUE,
			name        TEXT DEFAULT '',
			active      BOOLEAN DEFAULT TRUE,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS email_accounts (
			id                       BIGSERIAL PRIMARY KEY,
			tenant_id                BIGINT NOT NULL REFERENCES tenants(id),
			address                  TEXT NOT NULL,
			provider                 TEXT DEFAULT 'm365',
			mailbox_id               TEXT NOT NULL,
			enabled                  BOOLEAN DEFAULT TRUE,
			polling_enabled          BOOLEAN DEFAULT TRUE,
			polling_interval_minutes INT DEFAULT 0,
			last_poll_at             TIMESTAMPTZ,
			last_successful_poll_at  TIMESTAMPTZ,
			last_processed_uid       TEXT DEFAULT '',
			created_at               TIMESTAMPTZ DEFAULT NOW(),
			updated_at               TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, address)
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_tenant ON email_accounts(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_accounts_polling ON email_accounts(enabled, polling_enabled);
	`)
	return err
}

// GetTenant retrieves a tenant by ID. Returns nil when absent.
func (s *Store) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_code, name, active, created_at
		FROM tenants WHERE id = $1
	`, id)
	return scanTenant(row)
}

// GetTenantByCode retrieves a tenant by its unique code. Returns nil when absent.
func (s *Store) GetTenantByCode(ctx context.Context, code string) (*models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_code, name, active, created_at
		FROM tenants WHERE tenant_code = $1
	`, code)
	return scanTenant(row)
}

// TenantCode resolves a tenant ID to its code. Errors when the tenant is
// unknown: callers hold IDs taken from existing rows.
func (s *Store) TenantCode(ctx context.Context, tenantID int64) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_code FROM tenants WHERE id = $1
	`, tenantID).Scan(&code)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("tenant %d not found", tenantID)
	}
	return code, err
}

// CreateTenant inserts a tenant. tenant_code is unique and immutable.
func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO tenants (tenant_code, name, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, t.Code, t.Name, t.Active).Scan(&t.ID, &t.CreatedAt)
}

// CreateAccount inserts a mailbox account for a tenant.
func (s *Store) CreateAccount(ctx context.Context, a *models.EmailAccount) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO email_accounts
			(tenant_id, address, provider, mailbox_id, enabled, polling_enabled, polling_interval_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, a.TenantID, a.Address, a.Provider, a.MailboxID, a.Enabled, a.PollingEnabled,
		a.PollingIntervalMinutes).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

// GetAccount retrieves a single mailbox account. Returns nil when absent.
func (s *Store) GetAccount(ctx context.Context, id int64) (*models.EmailAccount, error) {
	row := s.pool.QueryRow(ctx, accountSelect+` WHERE a.id = $1`, id)
	return scanAccount(row)
}

// ListPollingAccounts returns all enabled accounts with polling switched on.
func (s *Store) ListPollingAccounts(ctx context.Context) ([]models.EmailAccount, error) {
	rows, err := s.pool.Query(ctx, accountSelect+`
		WHERE a.enabled AND a.polling_enabled
		ORDER BY a.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.EmailAccount
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// MarkPollStarted records that a poll cycle touched the account.
func (s *Store) MarkPollStarted(ctx context.Context, accountID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts
		SET last_poll_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, accountID)
	return err
}

// MarkPollSucceeded advances the poll watermark after every message from the
// cycle is durably recorded. lastProcessedUID is left untouched when empty
// (no new messages this cycle).
func (s *Store) MarkPollSucceeded(ctx context.Context, accountID int64, lastProcessedUID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts
		SET last_successful_poll_at = NOW(),
		    last_processed_uid = CASE WHEN $2 = '' THEN last_processed_uid ELSE $2 END,
		    updated_at = NOW()
		WHERE id = $1
	`, accountID, lastProcessedUID)
	return err
}

// AdvanceWatermark moves last_processed_uid without touching the success
// stamp. Used when a cycle broke mid-way: the messages before the failure are
// durable and must not be re-ingested, but the cycle was not a success.
func (s *Store) AdvanceWatermark(ctx context.Context, accountID int64, lastProcessedUID string) error {
	if lastProcessedUID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts
		SET last_processed_uid = $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, lastProcessedUID)
	return err
}

const accountSelect = `
	SELECT a.id, a.tenant_id, a.address, a.provider, a.mailbox_id, a.enabled,
	       a.polling_enabled, a.polling_interval_minutes, a.last_poll_at,
	       a.last_successful_poll_at, a.last_processed_uid, a.created_at, a.updated_at
	FROM email_accounts a
`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Active, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAccount(row pgx.Row) (*models.EmailAccount, error) {
	a, err := scanAccountRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanAccountRow(row pgx.Row) (*models.EmailAccount, error) {
	var a models.EmailAccount
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Address, &a.Provider, &a.MailboxID, &a.Enabled,
		&a.PollingEnabled, &a.PollingIntervalMinutes, &a.LastPollAt,
		&a.LastSuccessfulPollAt, &a.LastProcessedUID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
