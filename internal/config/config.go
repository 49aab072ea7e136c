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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantConfig holds mailbox provider credentials for a single tenant.
type TenantConfig struct {
	Code         string `yaml:"code"`
	Provider     string `yaml:"provider"` // "m365" is the only provider today
	DirectoryID  string `yaml:"directory_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SESConfig holds the outbound email (AWS SES v2) settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// Config holds all configuration for the pipeline service.
type Config struct {
	Tenants []TenantConfig

	// Polling
	PollCadence         time.Duration // how often the poll cycle runs
	DefaultPollInterval time.Duration // per-account interval when unset
	PollLeaseTTL        time.Duration // per-account Redis lease duration

	// Extraction workers
	WorkerCount        int
	WorkerQueueSize    int
	TaskBatchSize      int
	TaskMaxAttempts    int
	TaskRetryBaseDelay time.Duration
	StuckTaskThreshold time.Duration
	SweepInterval      time.Duration

	// Webhook outbox
	OutboxMaxAttempts   int
	OutboxBaseDelay     time.Duration
	OutboxHTTPTimeout   time.Duration
	OutboxPollInterval  time.Duration
	OutboxStrandedAfter time.Duration

	// External collaborators
	ExtractionServiceURL string
	StorageRoot          string

	SES SESConfig

	// Postgres / Redis
	DatabaseURL string
	RedisURL    string

	// API server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Tenants []TenantConfig `yaml:"tenants"`
	Ses     SESConfig      `yaml:"ses"`
	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`
	Extraction struct {
		ServiceURL string `yaml:"service_url"`
	} `yaml:"extraction"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for tunables.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		PollCadence:         envOrDefaultDuration("POLL_CADENCE", 60*time.Second),
		DefaultPollInterval: envOrDefaultDuration("DEFAULT_POLL_INTERVAL", 10*time.Minute),
		PollLeaseTTL:        envOrDefaultDuration("POLL_LEASE_TTL", 5*time.Minute),

		WorkerCount:        envOrDefaultInt("WORKER_COUNT", 5),
		WorkerQueueSize:    envOrDefaultInt("WORKER_QUEUE_SIZE", 50),
		TaskBatchSize:      envOrDefaultInt("TASK_BATCH_SIZE", 5),
		TaskMaxAttempts:    envOrDefaultInt("TASK_MAX_ATTEMPTS", 3),
		TaskRetryBaseDelay: envOrDefaultDuration("TASK_RETRY_BASE_DELAY", 60*time.Second),
		StuckTaskThreshold: envOrDefaultDuration("STUCK_TASK_THRESHOLD", 30*time.Minute),
		SweepInterval:      envOrDefaultDuration("SWEEP_INTERVAL", time.Minute),

		OutboxMaxAttempts:   envOrDefaultInt("OUTBOX_MAX_ATTEMPTS", 3),
		OutboxBaseDelay:     envOrDefaultDuration("OUTBOX_BASE_DELAY", 60*time.Second),
		OutboxHTTPTimeout:   envOrDefaultDuration("OUTBOX_HTTP_TIMEOUT", 30*time.Second),
		OutboxPollInterval:  envOrDefaultDuration("OUTBOX_POLL_INTERVAL", 10*time.Second),
		OutboxStrandedAfter: envOrDefaultDuration("OUTBOX_STRANDED_AFTER", 5*time.Minute),

		ExtractionServiceURL: firstNonEmpty(raw.Extraction.ServiceURL, envOrDefault("EXTRACTION_SERVICE_URL", "http://localhost:9090")),
		StorageRoot:          firstNonEmpty(raw.Storage.Root, envOrDefault("STORAGE_ROOT", "/var/lib/docflow")),

		SES: raw.Ses,

		DatabaseURL: firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/docflow")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),

		Port: envOrDefaultInt("PORT", 8080),
	}

	// Build tenant configs
	for _, t := range raw.Tenants {
		// Skip tenants with empty credentials (commented out in YAML)
		if t.DirectoryID == "" || t.ClientID == "" || t.ClientSecret == "" {
			continue
		}

		if t.Code == "" {
			t.Code = t.DirectoryID[:8]
		}

		if t.Provider == "" {
			t.Provider = "m365"
		}

		cfg.Tenants = append(cfg.Tenants, t)
	}

	if len(cfg.Tenants) == 0 {
		return nil, fmt.Errorf("no tenants configured — check config.yaml and environment variables")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
