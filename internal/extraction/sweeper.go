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
	"log/slog"
	"sync"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

// SweeperConfig holds the configuration for the stuck-task sweeper.
type SweeperConfig struct {
	Store    TaskStore
	Pipeline PipelineStore

	Threshold      time.Duration // how long PROCESSING may last
	Interval       time.Duration // how often the sweep runs
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Sweeper recycles tasks stuck in PROCESSING past the threshold — the
// signature of a worker that crashed mid-extraction. A stuck task with
// budget left goes back through the retry path; one without is failed.
type Sweeper struct {
	store    TaskStore
	pipeline PipelineStore
	cfg      SweeperConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnTaskTerminal mirrors Pool.OnTaskTerminal for sweeps that fail a
	// task terminally. Wired by main.go.
	OnTaskTerminal func(ctx context.Context, emailID int64)
}

// NewSweeper creates a stuck-task sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		store:    cfg.Store,
		pipeline: cfg.Pipeline,
		cfg:      cfg,
	}
}

// Start runs the sweep loop in the background.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(loopCtx)
			}
		}
	}()

	slog.Info("stuck-task sweeper started",
		"threshold", s.cfg.Threshold,
		"interval", s.cfg.Interval,
	)
}

// Stop shuts down the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep recycles every task stuck in PROCESSING past the threshold. Each
// task is handled in isolation; one bad row never aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	stuck, err := s.store.ListStuck(ctx, s.cfg.Threshold)
	if err != nil {
		slog.Error("list stuck tasks failed", "error", err)
		return
	}

	for _, task := range stuck {
		slog.Warn("recycling stuck task",
			"task_id", task.ID,
			"email_id", task.EmailID,
			"attempts", task.Attempts,
			"started_at", task.StartedAt,
		)

		if task.Attempts >= s.cfg.MaxAttempts {
			if err := s.store.MarkFailed(ctx, task.ID, "stuck in PROCESSING past threshold"); err != nil {
				slog.Error("fail stuck task failed", "task_id", task.ID, "error", err)
				continue
			}
			if err := s.pipeline.SetAttachmentStatus(ctx, task.AttachmentID, models.AttachmentFailed); err != nil {
				slog.Warn("set attachment status failed", "attachment_id", task.AttachmentID, "error", err)
			}
			if s.OnTaskTerminal != nil {
				s.OnTaskTerminal(ctx, task.EmailID)
			}
			continue
		}

		next := time.Now().UTC().Add(backoffDelay(s.cfg.RetryBaseDelay, task.Attempts))
		if err := s.store.MarkRetrying(ctx, task.ID, "stuck in PROCESSING past threshold", next); err != nil {
			slog.Error("retry stuck task failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.pipeline.SetAttachmentStatus(ctx, task.AttachmentID, models.AttachmentDownloaded); err != nil {
			slog.Warn("set attachment status failed", "attachment_id", task.AttachmentID, "error", err)
		}
	}
}
