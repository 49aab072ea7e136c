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

// Package backfill re-ingests historical mail for one tenant: every message
// received within a lookback window is fetched and pushed through the
// regular ingestion path. Dedup and the database unique constraint make
// overlap with already-processed mail harmless.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docflow/pipeline/internal/mailbox"
	"github.com/docflow/pipeline/internal/models"
)

// AccountSource resolves the tenant and its polled accounts.
// Implemented by account.Store.
type AccountSource interface {
	GetTenantByCode(ctx context.Context, code string) (*models.Tenant, error)
	ListPollingAccounts(ctx context.Context) ([]models.EmailAccount, error)
}

// WindowFetcher lists messages within a lookback window.
// Implemented by mailbox.GraphFetcher.
type WindowFetcher interface {
	FetchMessagesSince(ctx context.Context, tenantCode string, account *models.EmailAccount, since time.Time) ([]mailbox.Message, error)
}

// Ingestor records one message through the regular pipeline path.
// Implemented by ingest.Coordinator.
type Ingestor interface {
	IngestMessage(ctx context.Context, account *models.EmailAccount, msg mailbox.Message) error
}

// Result summarises a completed backfill run.
type Result struct {
	TenantCode string
	Accounts   int
	Fetched    int
	Errors     int
	Elapsed    time.Duration
}

// Runner performs historical re-ingestion.
type Runner struct {
	accounts AccountSource
	fetcher  WindowFetcher
	ingestor Ingestor

	// accountDelay spaces account runs to avoid mailbox API throttling.
	accountDelay time.Duration
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Accounts     AccountSource
	Fetcher      WindowFetcher
	Ingestor     Ingestor
	AccountDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.AccountDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		accounts:     cfg.Accounts,
		fetcher:      cfg.Fetcher,
		ingestor:     cfg.Ingestor,
		accountDelay: delay,
	}
}

// Run backfills every polled account of the tenant from the lookback
// window. Accounts are isolated: one account's failure never aborts the run.
func (r *Runner) Run(ctx context.Context, tenantCode string, lookback time.Duration) (*Result, error) {
	start := time.Now()
	since := start.UTC().Add(-lookback)

	tenant, err := r.accounts.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("unknown tenant %q", tenantCode)
	}

	all, err := r.accounts.ListPollingAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	slog.Info("starting historical backfill",
		"tenant", tenantCode,
		"since", since,
	)

	result := &Result{TenantCode: tenantCode}
	for i := range all {
		account := &all[i]
		if account.TenantID != tenant.ID {
			continue
		}
		if result.Accounts > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.accountDelay):
			}
		}
		result.Accounts++

		fetched, errs := r.backfillAccount(ctx, tenant, account, since)
		result.Fetched += fetched
		result.Errors += errs
	}

	result.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"tenant", tenantCode,
		"accounts", result.Accounts,
		"fetched", result.Fetched,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// backfillAccount re-ingests one account's window. Messages that fail are
// counted and skipped so the rest of the window still lands.
func (r *Runner) backfillAccount(ctx context.Context, tenant *models.Tenant, account *models.EmailAccount, since time.Time) (fetched, errs int) {
	messages, err := r.fetcher.FetchMessagesSince(ctx, tenant.Code, account, since)
	if err != nil {
		slog.Error("backfill fetch failed",
			"account_id", account.ID,
			"address", account.Address,
			"error", err,
		)
		return 0, 1
	}

	for _, msg := range messages {
		if err := r.ingestor.IngestMessage(ctx, account, msg); err != nil {
			slog.Warn("backfill message failed",
				"account_id", account.ID,
				"message_uid", msg.UID,
				"error", err,
			)
			errs++
			continue
		}
		fetched++
	}

	slog.Info("account backfill complete",
		"account_id", account.ID,
		"address", account.Address,
		"fetched", fetched,
		"errors", errs,
	)
	return fetched, errs
}
