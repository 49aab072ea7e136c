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

package outbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryStore is the slice of Store the processor drives. Tests substitute an
// in-memory implementation.
type EntryStore interface {
	ClaimDue(ctx context.Context, batchSize int) ([]Entry, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	RecoverStranded(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ProcessorConfig holds the delivery policy.
type ProcessorConfig struct {
	Store EntryStore

	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	HTTPTimeout  time.Duration

	// StrandedAfter is how long an entry may sit in SENDING before it is
	// treated as abandoned by a dead processor and returned to PENDING.
	StrandedAfter time.Duration
}

// Processor drains due outbox entries: POST, mark SENT on 2xx, reschedule
// with exponential backoff otherwise, FAILED once attempts are exhausted.
type Processor struct {
	store      EntryStore
	httpClient *http.Client
	cfg        ProcessorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates an outbox processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.StrandedAfter <= 0 {
		cfg.StrandedAfter = 5 * time.Minute
	}
	return &Processor{
		store:      cfg.Store,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:        cfg,
	}
}

// Start runs the delivery loop in the background.
func (p *Processor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.ProcessDue(loopCtx)
			}
		}
	}()

	slog.Info("webhook outbox processor started",
		"poll_interval", p.cfg.PollInterval,
		"max_attempts", p.cfg.MaxAttempts,
	)
}

// Stop shuts down the delivery loop.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// ProcessDue recovers entries stranded in SENDING by a dead processor, then
// claims one batch of due entries and attempts delivery for each. Entries are
// independent; one failing URL never blocks the batch.
func (p *Processor) ProcessDue(ctx context.Context) {
	recovered, err := p.store.RecoverStranded(ctx, p.cfg.StrandedAfter)
	if err != nil {
		slog.Error("recover stranded outbox entries failed", "error", err)
	} else if recovered > 0 {
		slog.Warn("recovered stranded outbox entries", "count", recovered)
	}

	entries, err := p.store.ClaimDue(ctx, p.cfg.BatchSize)
	if err != nil {
		slog.Error("claim due outbox entries failed", "error", err)
		return
	}

	for _, entry := range entries {
		p.deliver(ctx, entry)
	}
}

func (p *Processor) deliver(ctx context.Context, entry Entry) {
	err := p.post(ctx, entry)
	if err == nil {
		if err := p.store.MarkSent(ctx, entry.ID); err != nil {
			slog.Error("mark outbox entry sent failed", "entry_id", entry.ID, "error", err)
		}
		slog.Info("webhook delivered", "entry_id", entry.ID, "url", entry.URL, "attempts", entry.Attempts)
		return
	}

	if entry.Attempts >= p.cfg.MaxAttempts {
		if err := p.store.MarkFailed(ctx, entry.ID, err.Error()); err != nil {
			slog.Error("mark outbox entry failed failed", "entry_id", entry.ID, "error", err)
			return
		}
		slog.Error("webhook delivery exhausted",
			"entry_id", entry.ID,
			"url", entry.URL,
			"attempts", entry.Attempts,
			"error", err,
		)
		return
	}

	next := time.Now().UTC().Add(backoffDelay(p.cfg.BaseDelay, entry.Attempts))
	if err := p.store.Reschedule(ctx, entry.ID, err.Error(), next); err != nil {
		slog.Error("reschedule outbox entry failed", "entry_id", entry.ID, "error", err)
		return
	}
	slog.Warn("webhook delivery failed, rescheduled",
		"entry_id", entry.ID,
		"url", entry.URL,
		"attempt", entry.Attempts,
		"next_attempt_at", next,
	)
}

// post performs one delivery attempt. Any non-2xx response is a failure.
func (p *Processor) post(ctx context.Context, entry Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.URL, bytes.NewReader(entry.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range entry.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// backoffDelay returns the exponential backoff delay for the given attempt
// number (attempt 1 waits the base delay).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
