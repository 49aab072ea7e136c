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

// DocFlow — Attachment Pipeline Service
//
// Entry point for the document pipeline service. It:
//  1. Loads multi-tenant configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Polls tenant mailboxes for new messages on a schedule
//  4. Classifies attachments against per-sender rules and queues extraction
//  5. Drains extraction tasks through a bounded worker pool
//  6. Dispatches notifications (email, chat, durable webhooks) per tenant rules
//  7. Serves the webhook-callback and notification-rule API
//  8. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/docflow/pipeline/internal/account"
	"github.com/docflow/pipeline/internal/api"
	"github.com/docflow/pipeline/internal/config"
	"github.com/docflow/pipeline/internal/dedup"
	"github.com/docflow/pipeline/internal/extraction"
	"github.com/docflow/pipeline/internal/ingest"
	"github.com/docflow/pipeline/internal/lease"
	"github.com/docflow/pipeline/internal/mailbox"
	"github.com/docflow/pipeline/internal/models"
	"github.com/docflow/pipeline/internal/notify"
	"github.com/docflow/pipeline/internal/outbox"
	"github.com/docflow/pipeline/internal/poller"
	"github.com/docflow/pipeline/internal/rules"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// extractTimeout bounds one extraction collaborator call.
const extractTimeout = 5 * time.Minute

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting DocFlow pipeline service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tenants", len(cfg.Tenants),
		"poll_cadence", cfg.PollCadence,
		"workers", cfg.WorkerCount,
	)

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
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

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
	notifyStore, err := notify.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise notification rule store", "error", err)
		os.Exit(1)
	}
	outboxStore, err := outbox.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise outbox store", "error", err)
		os.Exit(1)
	}

	// --- Dedup Filter + Poll Leases ---
	filter := dedup.NewFilter(rdb)
	leases := lease.NewLocker(rdb, cfg.PollLeaseTTL)

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

	// --- Mailbox Fetcher ---
	// Pass all per-tenant clients so the fetcher uses the correct OAuth
	// token for each tenant's mailbox.
	fetcher := mailbox.NewGraphFetcher(graphClients, graphBaseURL)

	// --- Notification Channels ---
	senders := map[string]notify.Sender{
		models.ChannelSlack:      notify.NewChatSender(cfg.OutboxHTTPTimeout),
		models.ChannelAPIWebhook: notify.NewWebhookSender(outboxStore),
	}
	if cfg.SES.Sender != "" {
		emailSender, err := notify.NewEmailSender(ctx, notify.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		}, cfg.StorageRoot)
		if err != nil {
			slog.Error("failed to initialise SES email sender", "error", err)
			os.Exit(1)
		}
		senders[models.ChannelEmail] = emailSender
	} else {
		slog.Warn("SES sender not configured, EMAIL notification channel disabled")
	}

	engine := notify.NewEngine(notifyStore, senders)

	// --- Ingestion Coordinator ---
	coordinator := ingest.NewCoordinator(ingest.CoordinatorConfig{
		Store:       ingestStore,
		Accounts:    accountStore,
		Rules:       ruleStore,
		Tasks:       taskStore,
		Dedup:       filter,
		Fetcher:     fetcher,
		Notifier:    engine,
		StorageRoot: cfg.StorageRoot,
	})

	// --- Extraction Workers ---
	extractor := extraction.NewHTTPExtractor(cfg.ExtractionServiceURL, extractTimeout)

	pool := extraction.NewPool(extraction.PoolConfig{
		Store:          taskStore,
		Pipeline:       ingestStore,
		Tenants:        accountStore,
		Extractor:      extractor,
		Workers:        cfg.WorkerCount,
		QueueSize:      cfg.WorkerQueueSize,
		BatchSize:      cfg.TaskBatchSize,
		MaxAttempts:    cfg.TaskMaxAttempts,
		RetryBaseDelay: cfg.TaskRetryBaseDelay,
	})
	pool.OnTaskTerminal = coordinator.CompleteExtraction

	sweeper := extraction.NewSweeper(extraction.SweeperConfig{
		Store:          taskStore,
		Pipeline:       ingestStore,
		Threshold:      cfg.StuckTaskThreshold,
		Interval:       cfg.SweepInterval,
		MaxAttempts:    cfg.TaskMaxAttempts,
		RetryBaseDelay: cfg.TaskRetryBaseDelay,
	})
	sweeper.OnTaskTerminal = coordinator.CompleteExtraction

	pool.Start(ctx)
	sweeper.Start(ctx)

	// --- Webhook Outbox Processor ---
	processor := outbox.NewProcessor(outbox.ProcessorConfig{
		Store:         outboxStore,
		PollInterval:  cfg.OutboxPollInterval,
		MaxAttempts:   cfg.OutboxMaxAttempts,
		BaseDelay:     cfg.OutboxBaseDelay,
		HTTPTimeout:   cfg.OutboxHTTPTimeout,
		StrandedAfter: cfg.OutboxStrandedAfter,
	})
	processor.Start(ctx)

	// --- Account Poller ---
	hostname, _ := os.Hostname()
	p := poller.New(poller.Config{
		Accounts:        accountStore,
		Ingestor:        coordinator,
		Leases:          leases,
		Owner:           fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		Cadence:         cfg.PollCadence,
		DefaultInterval: cfg.DefaultPollInterval,
	})
	p.Start(ctx)

	// --- API Server ---
	server := api.NewServer(api.ServerConfig{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Callbacks: coordinator,
		Tasks:     coordinator,
		Tenants:   accountStore,
		Rules:     notifyStore,
		PingDB:    pgPool.Ping,
		PingRedis: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	server.Start()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background loops

	p.Stop()
	pool.Stop()
	sweeper.Stop()
	processor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	rdb.Close()
	pgPool.Close()

	slog.Info("pipeline service stopped")
}
