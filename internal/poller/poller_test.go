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

package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/pipeline/internal/models"
)

type staticAccounts struct {
	accounts []models.EmailAccount
}

func (s *staticAccounts) ListPollingAccounts(ctx context.Context) ([]models.EmailAccount, error) {
	return s.accounts, nil
}

type recordingIngestor struct {
	polled []int64
	fail   map[int64]error
}

func (r *recordingIngestor) PollAccount(ctx context.Context, account *models.EmailAccount) error {
	if err := r.fail[account.ID]; err != nil {
		return err
	}
	r.polled = append(r.polled, account.ID)
	return nil
}

type fakeLease struct {
	held     map[int64]bool
	acquired []int64
	released []int64
}

func (f *fakeLease) Acquire(ctx context.Context, accountID int64, owner string) (bool, error) {
	if f.held[accountID] {
		return false, nil
	}
	f.acquired = append(f.acquired, accountID)
	return true, nil
}

func (f *fakeLease) Release(ctx context.Context, accountID int64, owner string) error {
	f.released = append(f.released, accountID)
	return nil
}

func newTestPoller(accounts []models.EmailAccount, ingestor *recordingIngestor, leases *fakeLease, now time.Time) *Poller {
	p := New(Config{
		Accounts:        &staticAccounts{accounts: accounts},
		Ingestor:        ingestor,
		Leases:          leases,
		Owner:           "instance-1",
		Cadence:         time.Minute,
		DefaultInterval: 10 * time.Minute,
	})
	p.now = func() time.Time { return now }
	return p
}

func account(id int64, intervalMinutes int, lastPoll *time.Time) models.EmailAccount {
	return models.EmailAccount{
		ID: id, TenantID: 1, Address: "inbox@acme.example",
		Enabled: true, PollingEnabled: true,
		PollingIntervalMinutes: intervalMinutes,
		LastPollAt:             lastPoll,
	}
}

func TestRunCycle_IntervalGate(t *testing.T) {
	now := time.Now()
	recent := now.Add(-5 * time.Minute)
	stale := now.Add(-11 * time.Minute)

	tests := []struct {
		name     string
		account  models.EmailAccount
		wantPoll bool
	}{
		{name: "polled 5 minutes ago with 10 minute interval", account: account(1, 10, &recent), wantPoll: false},
		{name: "polled 11 minutes ago with 10 minute interval", account: account(2, 10, &stale), wantPoll: true},
		{name: "never polled", account: account(3, 10, nil), wantPoll: true},
		{name: "default interval applies when unset", account: account(4, 0, &stale), wantPoll: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingestor := &recordingIngestor{}
			p := newTestPoller([]models.EmailAccount{tt.account}, ingestor,
				&fakeLease{held: map[int64]bool{}}, now)

			p.RunCycle(context.Background())

			if tt.wantPoll {
				assert.Equal(t, []int64{tt.account.ID}, ingestor.polled)
			} else {
				assert.Empty(t, ingestor.polled)
			}
		})
	}
}

func TestRunCycle_FailureIsolatedPerAccount(t *testing.T) {
	now := time.Now()
	ingestor := &recordingIngestor{fail: map[int64]error{1: errors.New("mailbox unreachable")}}
	leases := &fakeLease{held: map[int64]bool{}}
	p := newTestPoller([]models.EmailAccount{
		account(1, 10, nil),
		account(2, 10, nil),
	}, ingestor, leases, now)

	p.RunCycle(context.Background())

	assert.Equal(t, []int64{2}, ingestor.polled, "sibling accounts still poll")
	assert.Equal(t, []int64{1, 2}, leases.released, "leases released even on failure")
}

func TestRunCycle_LeaseHeldElsewhereSkips(t *testing.T) {
	now := time.Now()
	ingestor := &recordingIngestor{}
	p := newTestPoller([]models.EmailAccount{account(1, 10, nil)}, ingestor,
		&fakeLease{held: map[int64]bool{1: true}}, now)

	p.RunCycle(context.Background())

	assert.Empty(t, ingestor.polled)
}

func TestPollNow(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	ingestor := &recordingIngestor{}
	p := newTestPoller(nil, ingestor, &fakeLease{held: map[int64]bool{}}, now)

	a := account(1, 10, &recent)
	require.NoError(t, p.PollNow(context.Background(), &a), "due-check is bypassed")
	assert.Equal(t, []int64{1}, ingestor.polled)

	a.PollingEnabled = false
	assert.Error(t, p.PollNow(context.Background(), &a), "polling_enabled is still honored")
}
