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

package extraction

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

// TaskStore is the slice of Store the worker pool and sweeper need.
type TaskStore interface {
	ClaimPending(ctx context.Context, batchSize int) ([]models.ExtractionTask, error)
	RequeueDueRetries(ctx context.Context) (int64, error)
	MarkCompleted(ctx context.Context, id int64, raw string, data json.RawMessage, resultPath string) error
	MarkRetrying(ctx context.Context, id int64, errMsg string, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	ListStuck(ctx context.Context, threshold time.Duration) ([]models.ExtractionTask, error)
}

// PipelineStore is what the pool needs from the ingestion store.
// Implemented by ingest.Store.
type PipelineStore interface {
	GetAttachment(ctx context.Context, id int64) (*models.ProcessedAttachment, error)
	SetAttachmentStatus(ctx context.Context, id int64, status string) error
	GetEmail(ctx context.Context, id int64) (*models.ProcessedEmail, error)
}

// TenantCodeResolver maps tenant IDs to tenant codes.
// Implemented by account.Store.
type TenantCodeResolver interface {
	TenantCode(ctx context.Context, tenantID int64) (string, error)
}

// PoolConfig holds the configuration for the extraction worker pool.
type PoolConfig struct {
	Store     TaskStore
	Pipeline  PipelineStore
	Tenants   TenantCodeResolver
	Extractor Extractor

	Workers        int
	QueueSize      int
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	PollInterval   time.Duration
}

// Pool drains pending extraction tasks through a bounded set of workers so
// extraction never blocks the polling/ingestion path. Shutdown is graceful:
// in-flight tasks finish, no new tasks are claimed.
type Pool struct {
	store     TaskStore
	pipeline  PipelineStore
	tenants   TenantCodeResolver
	extractor Extractor
	cfg       PoolConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnTaskTerminal is called after a task reaches a terminal state so the
	// coordinator can run the all-tasks-done check for the email. Wired by
	// main.go.
	OnTaskTerminal func(ctx context.Context, emailID int64)
}

// NewPool creates an extraction worker pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Pool{
		store:     cfg.Store,
		pipeline:  cfg.Pipeline,
		tenants:   cfg.Tenants,
		extractor: cfg.Extractor,
		cfg:       cfg,
	}
}

// Start launches the dispatcher and workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	queue := make(chan models.ExtractionTask, p.cfg.QueueSize)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range queue {
				// Workers drain the queue even after cancellation so
				// claimed tasks are not abandoned mid-flight.
				p.process(context.WithoutCancel(loopCtx), task)
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(queue)

		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.dispatch(loopCtx, queue)
			}
		}
	}()

	slog.Info("extraction worker pool started",
		"workers", p.cfg.Workers,
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval,
	)
}

// Stop cancels the dispatcher and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// dispatch requeues due retries and claims one bounded batch of pending
// tasks for the workers.
func (p *Pool) dispatch(ctx context.Context, queue chan<- models.ExtractionTask) {
	if n, err := p.store.RequeueDueRetries(ctx); err != nil {
		slog.Error("requeue due retries failed", "error", err)
	} else if n > 0 {
		slog.Info("requeued retrying tasks", "count", n)
	}

	tasks, err := p.store.ClaimPending(ctx, p.cfg.BatchSize)
	if err != nil {
		slog.Error("claim pending tasks failed", "error", err)
		return
	}

	for _, task := range tasks {
		select {
		case queue <- task:
		case <-ctx.Done():
			// Shutting down with a claimed but undispatched task: the
			// stuck-task sweep recycles it after the threshold.
			return
		}
	}
}

// process runs one claimed task through the extraction collaborator and
// advances its state. All failure handling is per-task — a failing task
// never affects its siblings.
func (p *Pool) process(ctx context.Context, task models.ExtractionTask) {
	att, err := p.pipeline.GetAttachment(ctx, task.AttachmentID)
	if err != nil || att == nil {
		slog.Error("task attachment lookup failed",
			"task_id", task.ID,
			"attachment_id", task.AttachmentID,
			"error", err,
		)
		p.fail(ctx, task, "attachment record missing")
		return
	}

	if err := p.pipeline.SetAttachmentStatus(ctx, att.ID, models.AttachmentExtracting); err != nil {
		slog.Warn("set attachment status failed", "attachment_id", att.ID, "error", err)
	}

	opts := Options{Source: task.Source}
	if email, err := p.pipeline.GetEmail(ctx, task.EmailID); err == nil && email != nil {
		opts.CorrelationID = email.CorrelationID
	}
	if code, err := p.tenants.TenantCode(ctx, task.TenantID); err == nil {
		opts.TenantCode = code
	}

	result, err := p.extractor.Extract(ctx, Document{
		Path:        att.StoragePath,
		Filename:    att.Filename,
		ContentType: att.ContentType,
	}, task.TemplateName, opts)

	if err != nil {
		slog.Warn("extraction attempt failed",
			"task_id", task.ID,
			"attempt", task.Attempts,
			"max_attempts", p.cfg.MaxAttempts,
			"error", err,
		)
		p.handleFailure(ctx, task, att.ID, err.Error())
		return
	}

	if err := p.store.MarkCompleted(ctx, task.ID, result.Raw, result.Data, result.ResultPath); err != nil {
		slog.Error("mark task completed failed", "task_id", task.ID, "error", err)
		return
	}
	if err := p.pipeline.SetAttachmentStatus(ctx, att.ID, models.AttachmentCompleted); err != nil {
		slog.Warn("set attachment status failed", "attachment_id", att.ID, "error", err)
	}

	slog.Info("extraction task completed", "task_id", task.ID, "email_id", task.EmailID)
	p.notifyTerminal(ctx, task.EmailID)
}

// handleFailure retries with exponential backoff or terminally fails the
// task once attempts are exhausted.
func (p *Pool) handleFailure(ctx context.Context, task models.ExtractionTask, attachmentID int64, errMsg string) {
	if task.Attempts >= p.cfg.MaxAttempts {
		p.fail(ctx, task, errMsg)
		return
	}

	next := time.Now().UTC().Add(backoffDelay(p.cfg.RetryBaseDelay, task.Attempts))
	if err := p.store.MarkRetrying(ctx, task.ID, errMsg, next); err != nil {
		slog.Error("mark task retrying failed", "task_id", task.ID, "error", err)
		return
	}
	if err := p.pipeline.SetAttachmentStatus(ctx, attachmentID, models.AttachmentDownloaded); err != nil {
		slog.Warn("set attachment status failed", "attachment_id", attachmentID, "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, task models.ExtractionTask, errMsg string) {
	if err := p.store.MarkFailed(ctx, task.ID, errMsg); err != nil {
		slog.Error("mark task failed failed", "task_id", task.ID, "error", err)
		return
	}
	if err := p.pipeline.SetAttachmentStatus(ctx, task.AttachmentID, models.AttachmentFailed); err != nil {
		slog.Warn("set attachment status failed", "attachment_id", task.AttachmentID, "error", err)
	}

	slog.Error("extraction task terminally failed",
		"task_id", task.ID,
		"email_id", task.EmailID,
		"attempts", task.Attempts,
		"error", errMsg,
	)
	p.notifyTerminal(ctx, task.EmailID)
}

func (p *Pool) notifyTerminal(ctx context.Context, emailID int64) {
	if p.OnTaskTerminal != nil {
		p.OnTaskTerminal(ctx, emailID)
	}
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
