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

// DocFlow — Historical Backfill Command
//
// Standalone CLI tool that re-ingests historical mail for one tenant within
// a lookback window. Intended for seeding data on new deployments and for
// recovering mail missed during an outage. Notifications are suppressed so
// a backfill never re-sends confirmation emails or webhooks for old mail.
//
// Usage:
//
//	go run ./cmd/backfill/ --tenant <code> [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/docflow/pipeline/internal/account"
	"github.com/docflow/pipeline/internal/backfill"
	"github.com/docflow/pipeline/internal/config"
	"github.com/docflow/pipeline/internal/dedup"
	"github.com/docflow/pipeline/internal/extraction"
	"github.com/docflow/pipeline/internal/ingest"
	"github.com/docflow/pipeline/internal/mailbox"
	"github.com/docflow/pipeline/internal/models"
	"github.com/docflow/pipeline/internal/rules"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// silentNotifier drops every event. Historical mail must not trigger
// notifications when it is re-ingested.
type silentNotifier struct{}

func (silentNotifier) Dispatch(ctx context.Context, event string, nctx *models.NotificationContext) {
	slog.Debug("notification suppressed during backfill", "event", event)
}

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	tenantFlag := flag.String("tenant", "", "Tenant code to backfill (required)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	if *tenantFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: backfill --tenant <code> [--since 168h]")
		os.Exit(2)
	}
	lookback, err := time.ParseDuration(*sinceFlag)
	if err != nil || lookback <= 0 {
		fmt.Fprintf(os.Stderr, "invalid --since value %q\n", *sinceFlag)
		os.Exit(2)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Stores ---
	accountStore, err := account.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}
	ruleStore, err := rules.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise rule store", "error", err)
		os.Exit(1)
	}
	ingestStore, err := ingest.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise ingestion store", "error", err)
		os.Exit(1)
	}
	taskStore, err := extraction.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise task store", "error", err)
		os.Exit(1)
	}

	// --- Build OAuth2 clients per tenant ---
	graphClients := make(map[string]*http.Client)
	for _, tenant := range cfg.Tenants {
		if tenant.Provider != "m365" {
			continue
		}

		creds := &clientcredentials.Config{
			ClientID:     tenant.ClientID,
			ClientSecret: tenant.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant.DirectoryID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		graphClients[tenant.Code] = creds.Client(ctx)
	}

	fetcher := mailbox.NewGraphFetcher(graphClients, graphBaseURL)

	// Attachments land in storage and extraction tasks are queued, but
	// notifications stay off for re-ingested mail.
	coordinator := ingest.NewCoordinator(ingest.CoordinatorConfig{
		Store:       ingestStore,
		Accounts:    accountStore,
		Rules:       ruleStore,
		Tasks:       taskStore,
		Dedup:       dedup.NewFilter(rdb),
		Fetcher:     fetcher,
		Notifier:    silentNotifier{},
		StorageRoot: cfg.StorageRoot,
	})

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Accounts: accountStore,
		Fetcher:  fetcher,
		Ingestor: coordinator,
	})

	result, err := runner.Run(ctx, *tenantFlag, lookback)
	if err != nil {
		slog.Error("backfill failed", "tenant", *tenantFlag, "error", err)
		os.Exit(1)
	}

	if result.Errors > 0 {
		os.Exit(1)
	}
}
