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

// Package poller schedules per-account mailbox polls. A single ticker drives
// the cycle; each due account is polled under a Redis lease so two instances
// never poll the same account concurrently.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

// AccountLister returns the accounts eligible for polling.
// Implemented by account.Store.
type AccountLister interface {
	ListPollingAccounts(ctx context.Context) ([]models.EmailAccount, error)
}

// Ingestor runs one ingestion cycle for an account.
// Implemented by ingest.Coordinator.
type Ingestor interface {
	PollAccount(ctx context.Context, account *models.EmailAccount) error
}

// LeaseLocker guards an account against concurrent polls across instances.
// Implemented by lease.Locker.
type LeaseLocker interface {
	Acquire(ctx context.Context, accountID int64, owner string) (bool, error)
	Release(ctx context.Context, accountID int64, owner string) error
}

// Config holds the poll schedule.
type Config struct {
	Accounts AccountLister
	Ingestor Ingestor
	Leases   LeaseLocker

	// Owner identifies this process instance in poll leases.
	Owner string

	// Cadence is how often the scheduler wakes up and checks which
	// accounts are due.
	Cadence time.Duration

	// DefaultInterval applies to accounts without a per-account interval.
	DefaultInterval time.Duration
}

// Poller drives the periodic poll cycle.
type Poller struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time // stubbed in tests
}

// New creates a poller.
func New(cfg Config) *Poller {
	return &Poller{cfg: cfg, now: time.Now}
}

// Start runs the scheduler loop in the background.
func (p *Poller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.Cadence)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.RunCycle(loopCtx)
			}
		}
	}()

	slog.Info("account poller started",
		"cadence", p.cfg.Cadence,
		"default_interval", p.cfg.DefaultInterval,
	)
}

// Stop shuts down the scheduler loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// RunCycle polls every due account once. Accounts are isolated: one
// account's failure is logged and never touches its siblings or the next
// cycle.
func (p *Poller) RunCycle(ctx context.Context) {
	accounts, err := p.cfg.Accounts.ListPollingAccounts(ctx)
	if err != nil {
		slog.Error("list polling accounts failed", "error", err)
		return
	}

	for i := range accounts {
		account := &accounts[i]
		if !p.isDue(account) {
			continue
		}
		if err := p.pollWithLease(ctx, account); err != nil {
			slog.Error("account poll failed",
				"account_id", account.ID,
				"address", account.Address,
				"error", err,
			)
		}
	}
}

// PollNow polls one account immediately, bypassing the due-check. The
// account must still have polling enabled, and the lease still applies.
func (p *Poller) PollNow(ctx context.Context, account *models.EmailAccount) error {
	if !account.Enabled || !account.PollingEnabled {
		return fmt.Errorf("polling disabled for account %d", account.ID)
	}
	return p.pollWithLease(ctx, account)
}

func (p *Poller) pollWithLease(ctx context.Context, account *models.EmailAccount) error {
	ok, err := p.cfg.Leases.Acquire(ctx, account.ID, p.cfg.Owner)
	if err != nil {
		return fmt.Errorf("acquire poll lease: %w", err)
	}
	if !ok {
		slog.Debug("poll lease held elsewhere, account skipped", "account_id", account.ID)
		return nil
	}
	defer func() {
		if err := p.cfg.Leases.Release(ctx, account.ID, p.cfg.Owner); err != nil {
			slog.Warn("release poll lease failed", "account_id", account.ID, "error", err)
		}
	}()

	return p.cfg.Ingestor.PollAccount(ctx, account)
}

// isDue applies the per-account interval against the last poll time. An
// account that has never been polled is always due.
func (p *Poller) isDue(account *models.EmailAccount) bool {
	if account.LastPollAt == nil {
		return true
	}

	interval := p.cfg.DefaultInterval
	if account.PollingIntervalMinutes > 0 {
		interval = time.Duration(account.PollingIntervalMinutes) * time.Minute
	}

	return p.now().Sub(*account.LastPollAt) >= interval
}
