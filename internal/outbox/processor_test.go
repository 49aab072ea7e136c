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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memOutbox is an in-memory EntryStore that applies the same state
// transitions as the SQL store.
type memOutbox struct {
	entries map[uuid.UUID]*Entry
}

func newMemOutbox() *memOutbox {
	return &memOutbox{entries: make(map[uuid.UUID]*Entry)}
}

func (m *memOutbox) add(url string, payload string) uuid.UUID {
	id := uuid.New()
	now := time.Now()
	m.entries[id] = &Entry{
		ID: id, Status: StatusPending, URL: url,
		Payload: json.RawMessage(payload), NextAttemptAt: &now,
	}
	return id
}

func (m *memOutbox) ClaimDue(ctx context.Context, batchSize int) ([]Entry, error) {
	var out []Entry
	now := time.Now()
	for _, e := range m.entries {
		if len(out) >= batchSize {
			break
		}
		if e.Status == StatusPending && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now) {
			e.Status = StatusSending
			e.Attempts++
			e.UpdatedAt = now
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memOutbox) RecoverStranded(ctx context.Context, olderThan time.Duration) (int64, error) {
	var recovered int64
	cutoff := time.Now().Add(-olderThan)
	for _, e := range m.entries {
		if e.Status == StatusSending && e.UpdatedAt.Before(cutoff) {
			now := time.Now()
			e.Status = StatusPending
			e.NextAttemptAt = &now
			e.UpdatedAt = now
			recovered++
		}
	}
	return recovered, nil
}

func (m *memOutbox) MarkSent(ctx context.Context, id uuid.UUID) error {
	m.entries[id].Status = StatusSent
	return nil
}

func (m *memOutbox) Reschedule(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error {
	e := m.entries[id]
	e.Status = StatusPending
	e.LastError = lastError
	e.NextAttemptAt = &nextAttempt
	return nil
}

func (m *memOutbox) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	e := m.entries[id]
	e.Status = StatusFailed
	e.LastError = lastError
	return nil
}

func newProcessor(store EntryStore) *Processor {
	return NewProcessor(ProcessorConfig{
		Store:         store,
		PollInterval:  time.Second,
		BatchSize:     10,
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond, // immediate re-claims in tests
		HTTPTimeout:   5 * time.Second,
		StrandedAfter: time.Minute,
	})
}

func TestProcessDue_DeliversAndMarksSent(t *testing.T) {
	var got atomic.Int32
	var header atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		header.Store(r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemOutbox()
	id := store.add(srv.URL, `{"event":"EMAIL_RECEIVED"}`)
	store.entries[id].Headers = map[string]string{"X-Api-Key": "secret"}

	newProcessor(store).ProcessDue(context.Background())

	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, "secret", header.Load())
	assert.Equal(t, StatusSent, store.entries[id].Status)
	assert.Equal(t, 1, store.entries[id].Attempts)
}

func TestProcessDue_Non2xxReschedulesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemOutbox()
	id := store.add(srv.URL, `{}`)
	p := newProcessor(store)

	// Attempts 1 and 2 reschedule; attempt 3 hits the bound.
	for i := 0; i < 2; i++ {
		p.ProcessDue(context.Background())
		require.Equal(t, StatusPending, store.entries[id].Status)
		time.Sleep(5 * time.Millisecond)
	}

	p.ProcessDue(context.Background())
	assert.Equal(t, StatusFailed, store.entries[id].Status)
	assert.Equal(t, 3, store.entries[id].Attempts, "attempt count never exceeds the bound")
	assert.Contains(t, store.entries[id].LastError, "502")

	// Terminal entries are never claimed again.
	p.ProcessDue(context.Background())
	assert.Equal(t, 3, store.entries[id].Attempts)
}

func TestProcessDue_RecoversStrandedSendingEntries(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemOutbox()

	// A processor died after claiming this entry but before settling it.
	stale := store.add(srv.URL, `{}`)
	store.entries[stale].Status = StatusSending
	store.entries[stale].Attempts = 1
	store.entries[stale].UpdatedAt = time.Now().Add(-10 * time.Minute)

	// This one was claimed moments ago by a live processor; leave it alone.
	fresh := store.add(srv.URL, `{}`)
	store.entries[fresh].Status = StatusSending
	store.entries[fresh].UpdatedAt = time.Now()

	newProcessor(store).ProcessDue(context.Background())

	assert.Equal(t, int32(1), got.Load(), "only the recovered entry is redelivered")
	assert.Equal(t, StatusSent, store.entries[stale].Status)
	assert.Equal(t, 2, store.entries[stale].Attempts, "recovery re-enters through the claim, keeping attempts bounded")
	assert.Equal(t, StatusSending, store.entries[fresh].Status)
}

func TestBackoffDelay_Doubles(t *testing.T) {
	assert.Equal(t, time.Minute, backoffDelay(time.Minute, 1))
	assert.Equal(t, 2*time.Minute, backoffDelay(time.Minute, 2))
	assert.Equal(t, 4*time.Minute, backoffDelay(time.Minute, 3))
}
