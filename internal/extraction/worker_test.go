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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/pipeline/internal/models"
)

// fakeTaskStore records state transitions in memory.
type fakeTaskStore struct {
	completed map[int64]string // task ID -> result path
	retried   map[int64]time.Time
	failed    map[int64]string
	stuck     []models.ExtractionTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		completed: make(map[int64]string),
		retried:   make(map[int64]time.Time),
		failed:    make(map[int64]string),
	}
}

func (f *fakeTaskStore) ClaimPending(ctx context.Context, batchSize int) ([]models.ExtractionTask, error) {
	return nil, nil
}

func (f *fakeTaskStore) RequeueDueRetries(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeTaskStore) MarkCompleted(ctx context.Context, id int64, raw string, data json.RawMessage, resultPath string) error {
	f.completed[id] = resultPath
	return nil
}

func (f *fakeTaskStore) MarkRetrying(ctx context.Context, id int64, errMsg string, nextAttempt time.Time) error {
	f.retried[id] = nextAttempt
	return nil
}

func (f *fakeTaskStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

func (f *fakeTaskStore) ListStuck(ctx context.Context, threshold time.Duration) ([]models.ExtractionTask, error) {
	return f.stuck, nil
}

// fakePipeline tracks attachment status changes.
type fakePipeline struct {
	attachment *models.ProcessedAttachment
	email      *models.ProcessedEmail
	statuses   map[int64]string
}

func (f *fakePipeline) GetAttachment(ctx context.Context, id int64) (*models.ProcessedAttachment, error) {
	return f.attachment, nil
}

func (f *fakePipeline) SetAttachmentStatus(ctx context.Context, id int64, status string) error {
	f.statuses[id] = status
	return nil
}

func (f *fakePipeline) GetEmail(ctx context.Context, id int64) (*models.ProcessedEmail, error) {
	return f.email, nil
}

type fakeTenants struct{}

func (fakeTenants) TenantCode(ctx context.Context, tenantID int64) (string, error) {
	return "acme", nil
}

// fakeExtractor succeeds or fails on demand.
type fakeExtractor struct {
	result *Result
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(ctx context.Context, doc Document, template string, opts Options) (*Result, error) {
	f.calls++
	return f.result, f.err
}

func newTestPool(store *fakeTaskStore, pipe *fakePipeline, ext *fakeExtractor) (*Pool, *[]int64) {
	pool := NewPool(PoolConfig{
		Store:          store,
		Pipeline:       pipe,
		Tenants:        fakeTenants{},
		Extractor:      ext,
		Workers:        1,
		QueueSize:      1,
		BatchSize:      5,
		MaxAttempts:    3,
		RetryBaseDelay: time.Minute,
	})

	var terminal []int64
	pool.OnTaskTerminal = func(ctx context.Context, emailID int64) {
		terminal = append(terminal, emailID)
	}
	return pool, &terminal
}

func testPipeline() *fakePipeline {
	return &fakePipeline{
		attachment: &models.ProcessedAttachment{
			ID:          10,
			EmailID:     4,
			Filename:    "Invoice123.pdf",
			StoragePath: "/data/acme/attachments/Invoice123.pdf",
		},
		email:    &models.ProcessedEmail{ID: 4, CorrelationID: "corr-1"},
		statuses: make(map[int64]string),
	}
}

func TestProcess_Success(t *testing.T) {
	store := newFakeTaskStore()
	pipe := testPipeline()
	ext := &fakeExtractor{result: &Result{Raw: "ok", Data: json.RawMessage(`{"total":42}`), ResultPath: "/data/acme/results/1.json"}}
	pool, terminal := newTestPool(store, pipe, ext)

	task := models.ExtractionTask{ID: 1, EmailID: 4, AttachmentID: 10, TenantID: 2, Attempts: 1, Status: models.TaskProcessing}
	pool.process(context.Background(), task)

	require.Equal(t, 1, ext.calls)
	assert.Equal(t, "/data/acme/results/1.json", store.completed[1])
	assert.Equal(t, models.AttachmentCompleted, pipe.statuses[10])
	assert.Equal(t, []int64{4}, *terminal)
}

func TestProcess_FailureWithBudgetLeft_Retries(t *testing.T) {
	store := newFakeTaskStore()
	pipe := testPipeline()
	ext := &fakeExtractor{err: errors.New("collaborator timeout")}
	pool, terminal := newTestPool(store, pipe, ext)

	task := models.ExtractionTask{ID: 1, EmailID: 4, AttachmentID: 10, TenantID: 2, Attempts: 1, Status: models.TaskProcessing}
	pool.process(context.Background(), task)

	next, ok := store.retried[1]
	require.True(t, ok, "task must be scheduled for retry")
	assert.WithinDuration(t, time.Now().UTC().Add(time.Minute), next, 5*time.Second)
	assert.Empty(t, store.failed)
	assert.Empty(t, *terminal, "retrying is not terminal")
	assert.Equal(t, models.AttachmentDownloaded, pipe.statuses[10], "attachment returns to DOWNLOADED while awaiting retry")
}

func TestProcess_FailureExhausted_FailsTerminally(t *testing.T) {
	store := newFakeTaskStore()
	pipe := testPipeline()
	ext := &fakeExtractor{err: errors.New("collaborator rejected document")}
	pool, terminal := newTestPool(store, pipe, ext)

	task := models.ExtractionTask{ID: 1, EmailID: 4, AttachmentID: 10, TenantID: 2, Attempts: 3, Status: models.TaskProcessing}
	pool.process(context.Background(), task)

	require.Contains(t, store.failed, int64(1))
	assert.Empty(t, store.retried)
	assert.Equal(t, models.AttachmentFailed, pipe.statuses[10])
	assert.Equal(t, []int64{4}, *terminal, "terminal failure must trigger the completion check")
}

func TestBackoffDelay_ExponentialGrowth(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Minute},
		{attempt: 2, want: 2 * time.Minute},
		{attempt: 3, want: 4 * time.Minute},
		{attempt: 4, want: 8 * time.Minute},
	}

	for _, tt := range tests {
		if got := backoffDelay(time.Minute, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(1m, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSweep_RecyclesStuckTasks(t *testing.T) {
	store := newFakeTaskStore()
	pipe := testPipeline()

	started := time.Now().UTC().Add(-time.Hour)
	store.stuck = []models.ExtractionTask{
		{ID: 1, EmailID: 4, AttachmentID: 10, Attempts: 1, Status: models.TaskProcessing, StartedAt: &started},
		{ID: 2, EmailID: 5, AttachmentID: 11, Attempts: 3, Status: models.TaskProcessing, StartedAt: &started},
	}

	sweeper := NewSweeper(SweeperConfig{
		Store:          store,
		Pipeline:       pipe,
		Threshold:      30 * time.Minute,
		Interval:       time.Minute,
		MaxAttempts:    3,
		RetryBaseDelay: time.Minute,
	})

	var terminal []int64
	sweeper.OnTaskTerminal = func(ctx context.Context, emailID int64) {
		terminal = append(terminal, emailID)
	}

	sweeper.Sweep(context.Background())

	assert.Contains(t, store.retried, int64(1), "stuck task with budget left is retried")
	assert.Contains(t, store.failed, int64(2), "stuck task without budget is failed")
	assert.Equal(t, []int64{5}, terminal, "only the terminal failure fires the completion check")
}
