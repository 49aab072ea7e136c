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

package ingest

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow/pipeline/internal/mailbox"
	"github.com/docflow/pipeline/internal/models"
)

// memStore is an in-memory EmailStore.
type memStore struct {
	nextID      int64
	emails      map[int64]*models.ProcessedEmail
	attachments map[int64]*models.ProcessedAttachment
	callbacks   []models.WebhookCallbackResponse
	inserted    map[string]bool // account:uid pairs already inserted

	// failAttachment makes the next CreateAttachment for this filename
	// fail once, emulating a crash mid-message.
	failAttachment string
}

func newMemStore() *memStore {
	return &memStore{
		emails:      make(map[int64]*models.ProcessedEmail),
		attachments: make(map[int64]*models.ProcessedAttachment),
		inserted:    make(map[string]bool),
	}
}

func (m *memStore) CreateEmail(ctx context.Context, e *models.ProcessedEmail) (bool, error) {
	key := e.MessageUID
	if m.inserted[key] {
		return false, nil
	}
	m.inserted[key] = true
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	cp := *e
	m.emails[e.ID] = &cp
	return true, nil
}

func (m *memStore) GetEmail(ctx context.Context, id int64) (*models.ProcessedEmail, error) {
	return m.emails[id], nil
}

func (m *memStore) GetEmailByCorrelationID(ctx context.Context, correlationID string) (*models.ProcessedEmail, error) {
	for _, e := range m.emails {
		if e.CorrelationID == correlationID {
			return e, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetEmailByMessageUID(ctx context.Context, accountID int64, messageUID string) (*models.ProcessedEmail, error) {
	for _, e := range m.emails {
		if e.AccountID == accountID && e.MessageUID == messageUID {
			return e, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateAttachment(ctx context.Context, a *models.ProcessedAttachment) error {
	if a.Filename == m.failAttachment {
		m.failAttachment = ""
		return errors.New("connection reset")
	}
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.attachments[a.ID] = &cp
	return nil
}

func (m *memStore) ListAttachments(ctx context.Context, emailID int64) ([]models.ProcessedAttachment, error) {
	var out []models.ProcessedAttachment
	for _, a := range m.attachments {
		if a.EmailID == emailID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) FinalizeExtraction(ctx context.Context, emailID int64, processed, extracted, failed, successRate int) (bool, error) {
	e, ok := m.emails[emailID]
	if !ok || e.ExtractionCompletedAt != nil {
		return false, nil
	}
	now := time.Now()
	e.ProcessedAttachments = processed
	e.ExtractedFiles = extracted
	e.FailedFiles = failed
	e.SuccessRate = successRate
	e.ExtractionCompletedAt = &now
	return true, nil
}

func (m *memStore) SaveCallback(ctx context.Context, c *models.WebhookCallbackResponse) error {
	c.ID = int64(len(m.callbacks) + 1)
	c.ReceivedAt = time.Now()
	m.callbacks = append(m.callbacks, *c)
	return nil
}

type memAccounts struct {
	tenant       *models.Tenant
	pollStarted  int
	watermark    string
	pollSucceeds int
}

func (m *memAccounts) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	return m.tenant, nil
}

func (m *memAccounts) MarkPollStarted(ctx context.Context, accountID int64) error {
	m.pollStarted++
	return nil
}

func (m *memAccounts) MarkPollSucceeded(ctx context.Context, accountID int64, lastProcessedUID string) error {
	m.pollSucceeds++
	if lastProcessedUID != "" {
		m.watermark = lastProcessedUID
	}
	return nil
}

func (m *memAccounts) AdvanceWatermark(ctx context.Context, accountID int64, lastProcessedUID string) error {
	if lastProcessedUID != "" {
		m.watermark = lastProcessedUID
	}
	return nil
}

type memRules struct {
	senderRule      *models.EmailSenderRule
	attachmentRules []models.AttachmentProcessingRule
}

func (m *memRules) GetSenderRule(ctx context.Context, tenantID, accountID int64, senderEmail string) (*models.EmailSenderRule, error) {
	return m.senderRule, nil
}

func (m *memRules) ListAttachmentRules(ctx context.Context, senderRuleID int64) ([]models.AttachmentProcessingRule, error) {
	return m.attachmentRules, nil
}

type memTasks struct {
	created     []models.ExtractionTask
	batches     []int // size of each CreateTasks call
	nonTerminal int
	tasks       []models.ExtractionTask
}

func (m *memTasks) CreateTasks(ctx context.Context, tasks []*models.ExtractionTask) error {
	if len(tasks) == 0 {
		return nil
	}
	m.batches = append(m.batches, len(tasks))
	for _, t := range tasks {
		t.ID = int64(len(m.created) + 1)
		t.Status = models.TaskPending
		m.created = append(m.created, *t)
	}
	return nil
}

func (m *memTasks) CountNonTerminal(ctx context.Context, emailID int64) (int, error) {
	return m.nonTerminal, nil
}

func (m *memTasks) ListByEmail(ctx context.Context, emailID int64) ([]models.ExtractionTask, error) {
	return m.tasks, nil
}

func (m *memTasks) GetTask(ctx context.Context, id int64) (*models.ExtractionTask, error) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			cp := m.tasks[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memTasks) Cancel(ctx context.Context, id int64) (bool, error) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			if models.TaskIsTerminal(m.tasks[i].Status) {
				return false, nil
			}
			m.tasks[i].Status = models.TaskCancelled
			return true, nil
		}
	}
	return false, nil
}

type memDedup struct {
	seen   map[string]bool
	marked []string
}

func (m *memDedup) Seen(ctx context.Context, accountID int64, messageUID string) (bool, error) {
	return m.seen[messageUID], nil
}

func (m *memDedup) MarkSeen(ctx context.Context, accountID int64, messageUID string) error {
	m.seen[messageUID] = true
	m.marked = append(m.marked, messageUID)
	return nil
}

type memFetcher struct {
	messages []mailbox.Message
}

func (m *memFetcher) FetchNewMessages(ctx context.Context, tenantCode string, account *models.EmailAccount, sinceUID string) ([]mailbox.Message, error) {
	return m.messages, nil
}

type memNotifier struct {
	events   []string
	contexts []*models.NotificationContext
}

func (m *memNotifier) Dispatch(ctx context.Context, event string, nctx *models.NotificationContext) {
	m.events = append(m.events, event)
	m.contexts = append(m.contexts, nctx)
}

type fixture struct {
	store    *memStore
	accounts *memAccounts
	rules    *memRules
	tasks    *memTasks
	dedup    *memDedup
	fetcher  *memFetcher
	notifier *memNotifier
	coord    *Coordinator
	account  *models.EmailAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: newMemStore(),
		accounts: &memAccounts{
			tenant: &models.Tenant{ID: 1, Code: "acme", Name: "Acme Corp", Active: true},
		},
		rules: &memRules{
			senderRule: &models.EmailSenderRule{
				ID: 7, TenantID: 1, AccountID: 2,
				SenderEmail: "billing@supplier.example", ProcessAttachments: true, Enabled: true,
			},
			attachmentRules: []models.AttachmentProcessingRule{
				{ID: 30, SenderRuleID: 7, RuleOrder: 1, FilenamePattern: `Invoice.*\.pdf`,
					Source: "invoices", TemplateName: "invoice-v2", Enabled: true},
			},
		},
		tasks:    &memTasks{},
		dedup:    &memDedup{seen: make(map[string]bool)},
		fetcher:  &memFetcher{},
		notifier: &memNotifier{},
		account: &models.EmailAccount{
			ID: 2, TenantID: 1, Address: "inbox@acme.example",
			Enabled: true, PollingEnabled: true,
		},
	}

	f.coord = NewCoordinator(CoordinatorConfig{
		Store:       f.store,
		Accounts:    f.accounts,
		Rules:       f.rules,
		Tasks:       f.tasks,
		Dedup:       f.dedup,
		Fetcher:     f.fetcher,
		Notifier:    f.notifier,
		StorageRoot: t.TempDir(),
	})
	return f
}

func message(uid string, attachments ...mailbox.Attachment) mailbox.Message {
	return mailbox.Message{
		UID:         uid,
		From:        "billing@supplier.example",
		Subject:     "July invoices",
		ReceivedAt:  time.Now().Add(-time.Minute),
		Attachments: attachments,
	}
}

func TestPollAccount_IngestsAndClassifies(t *testing.T) {
	f := newFixture(t)
	f.fetcher.messages = []mailbox.Message{
		message("uid-1",
			mailbox.Attachment{Filename: "Invoice123.pdf", ContentType: "application/pdf", Size: 4, Content: []byte("%PDF")},
			mailbox.Attachment{Filename: "logo.png", ContentType: "image/png", Size: 3, Content: []byte("png")},
		),
	}

	err := f.coord.PollAccount(context.Background(), f.account)
	require.NoError(t, err)

	require.Len(t, f.store.emails, 1)
	email := f.store.emails[1]
	assert.NotEmpty(t, email.CorrelationID)
	assert.Equal(t, 2, email.TotalAttachments)

	atts, _ := f.store.ListAttachments(context.Background(), email.ID)
	require.Len(t, atts, 2)

	statuses := map[string]string{}
	for _, a := range atts {
		statuses[a.Filename] = a.ProcessingStatus
	}
	assert.Equal(t, models.AttachmentDownloaded, statuses["Invoice123.pdf"])
	assert.Equal(t, models.AttachmentIgnored, statuses["logo.png"])

	require.Len(t, f.tasks.created, 1, "only the matched attachment spawns a task")
	assert.Equal(t, "invoices", f.tasks.created[0].Source)
	assert.Equal(t, "invoice-v2", f.tasks.created[0].TemplateName)

	assert.Equal(t, []string{models.EventEmailReceived}, f.notifier.events)
	assert.Equal(t, "uid-1", f.accounts.watermark)
	assert.True(t, f.dedup.seen["uid-1"], "fully recorded messages are marked seen")

	// Matched file must exist under the tenant's storage namespace.
	for _, a := range atts {
		if a.Filename == "Invoice123.pdf" {
			data, err := os.ReadFile(a.StoragePath)
			require.NoError(t, err)
			assert.Equal(t, []byte("%PDF"), data)
		}
	}
}

func TestPollAccount_SkipsSeenMessages(t *testing.T) {
	f := newFixture(t)
	f.dedup.seen["uid-1"] = true
	f.fetcher.messages = []mailbox.Message{message("uid-1")}

	err := f.coord.PollAccount(context.Background(), f.account)
	require.NoError(t, err)

	assert.Empty(t, f.store.emails)
	assert.Empty(t, f.notifier.events)
	assert.Equal(t, "uid-1", f.accounts.watermark, "seen messages still advance the watermark")
}

func TestPollAccount_CrashMidMessage_ResumedOnNextCycle(t *testing.T) {
	f := newFixture(t)
	msg := message("uid-1",
		mailbox.Attachment{Filename: "Invoice123.pdf", ContentType: "application/pdf", Size: 4, Content: []byte("%PDF")},
		mailbox.Attachment{Filename: "Invoice456.pdf", ContentType: "application/pdf", Size: 4, Content: []byte("%PDF")},
	)
	f.fetcher.messages = []mailbox.Message{msg}

	// First cycle dies after the email row and the first attachment land.
	f.store.failAttachment = "Invoice456.pdf"
	err := f.coord.PollAccount(context.Background(), f.account)
	require.Error(t, err)

	require.Len(t, f.store.emails, 1, "the email row survived the crash")
	assert.Len(t, f.store.attachments, 1)
	assert.Empty(t, f.tasks.created)
	assert.Empty(t, f.notifier.events)
	assert.False(t, f.dedup.seen["uid-1"], "a half-recorded message must not be marked seen")
	assert.Zero(t, f.accounts.pollSucceeds)

	// The next cycle re-fetches the message and finishes the job.
	err = f.coord.PollAccount(context.Background(), f.account)
	require.NoError(t, err)

	require.Len(t, f.store.emails, 1, "no duplicate email row")
	assert.Len(t, f.store.attachments, 2)

	require.Len(t, f.tasks.created, 2, "the surviving attachment's task is backfilled")
	assert.Equal(t, []int{2}, f.tasks.batches)

	assert.Equal(t, []string{models.EventEmailReceived}, f.notifier.events)
	assert.True(t, f.dedup.seen["uid-1"])
	assert.Equal(t, "uid-1", f.accounts.watermark)
	assert.Equal(t, 1, f.accounts.pollSucceeds)
}

func TestPollAccount_SiblingTasksLandInOneBatch(t *testing.T) {
	f := newFixture(t)
	f.fetcher.messages = []mailbox.Message{message("uid-1",
		mailbox.Attachment{Filename: "Invoice1.pdf", Content: []byte("a")},
		mailbox.Attachment{Filename: "Invoice2.pdf", Content: []byte("b")},
		mailbox.Attachment{Filename: "notes.txt", Content: []byte("c")},
	)}

	err := f.coord.PollAccount(context.Background(), f.account)
	require.NoError(t, err)

	// Both matched attachments become claimable together; a worker draining
	// the first task can never observe an email with a missing sibling.
	require.Len(t, f.tasks.created, 2)
	assert.Equal(t, []int{2}, f.tasks.batches)
}

func TestPollAccount_MidCycleFailureSkipsSuccessStamp(t *testing.T) {
	f := newFixture(t)
	f.fetcher.messages = []mailbox.Message{
		message("uid-1", mailbox.Attachment{Filename: "Invoice1.pdf", Content: []byte("a")}),
		message("uid-2", mailbox.Attachment{Filename: "Invoice2.pdf", Content: []byte("b")}),
	}
	f.store.failAttachment = "Invoice2.pdf"

	err := f.coord.PollAccount(context.Background(), f.account)
	require.Error(t, err)

	assert.Equal(t, "uid-1", f.accounts.watermark,
		"the watermark moves past the durable message only")
	assert.Zero(t, f.accounts.pollSucceeds,
		"a cycle that lost a message is not a successful poll")
}

func TestPollAccount_NoSenderRule_SkipsMessage(t *testing.T) {
	f := newFixture(t)
	f.rules.senderRule = nil
	f.fetcher.messages = []mailbox.Message{message("uid-1",
		mailbox.Attachment{Filename: "Invoice123.pdf", Content: []byte("x")})}

	err := f.coord.PollAccount(context.Background(), f.account)
	require.NoError(t, err)

	assert.Empty(t, f.store.emails)
	assert.Empty(t, f.tasks.created)
	assert.Empty(t, f.notifier.events)
}

func TestPollAccount_DisabledAttachmentProcessing_IgnoresFiles(t *testing.T) {
	f := newFixture(t)
	f.rules.senderRule.ProcessAttachments = false
	f.fetcher.messages = []mailbox.Message{message("uid-1",
		mailbox.Attachment{Filename: "Invoice123.pdf", Content: []byte("x")})}

	err := f.coord.PollAccount(context.Background(), f.account)
	require.NoError(t, err)

	require.Len(t, f.store.emails, 1, "the email itself is still recorded")
	assert.Empty(t, f.tasks.created)
	atts, _ := f.store.ListAttachments(context.Background(), 1)
	require.Len(t, atts, 1)
	assert.Equal(t, models.AttachmentIgnored, atts[0].ProcessingStatus)
}

func seedFinishedEmail(f *fixture) *models.ProcessedEmail {
	email := &models.ProcessedEmail{
		TenantID: 1, AccountID: 2, MessageUID: "uid-9",
		CorrelationID: "corr-9", SenderEmail: "billing@supplier.example",
		ReceivedAt: time.Now(),
	}
	f.store.CreateEmail(context.Background(), email)
	return email
}

func TestCompleteExtraction_PendingTasksBlockFinalisation(t *testing.T) {
	f := newFixture(t)
	email := seedFinishedEmail(f)
	f.tasks.nonTerminal = 1

	f.coord.CompleteExtraction(context.Background(), email.ID)

	assert.Nil(t, f.store.emails[email.ID].ExtractionCompletedAt)
	assert.Empty(t, f.notifier.events)
}

func TestCompleteExtraction_AggregatesAndDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	email := seedFinishedEmail(f)
	f.tasks.tasks = []models.ExtractionTask{
		{ID: 1, EmailID: email.ID, Status: models.TaskCompleted},
		{ID: 2, EmailID: email.ID, Status: models.TaskCompleted},
		{ID: 3, EmailID: email.ID, Status: models.TaskFailed},
	}

	f.coord.CompleteExtraction(context.Background(), email.ID)

	got := f.store.emails[email.ID]
	require.NotNil(t, got.ExtractionCompletedAt)
	assert.Equal(t, 3, got.ProcessedAttachments)
	assert.Equal(t, 2, got.ExtractedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.Equal(t, 66, got.SuccessRate)
	assert.Equal(t, []string{models.EventExtractionCompleted}, f.notifier.events)

	// The losing half of a terminal-task race finds the guard already
	// taken and must not dispatch again.
	f.coord.CompleteExtraction(context.Background(), email.ID)
	assert.Equal(t, []string{models.EventExtractionCompleted}, f.notifier.events)
}

func TestHandleCallback_UnknownCorrelationID(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.HandleCallback(context.Background(), "missing", models.CallbackProcessed, "", "")
	assert.ErrorIs(t, err, ErrEmailNotFound)
}

func TestHandleCallback_RecordsAndDispatches(t *testing.T) {
	f := newFixture(t)
	email := seedFinishedEmail(f)

	cb, err := f.coord.HandleCallback(context.Background(), email.CorrelationID,
		models.CallbackProcessed, "ERP-555", "posted to ledger")
	require.NoError(t, err)

	assert.Equal(t, email.ID, cb.EmailID)
	require.Len(t, f.store.callbacks, 1)
	assert.Equal(t, models.CallbackProcessed, f.store.callbacks[0].Status)

	require.Equal(t, []string{models.EventWebhookCallback}, f.notifier.events)
	require.NotNil(t, f.notifier.contexts[0].Callback)
	assert.Equal(t, "ERP-555", f.notifier.contexts[0].Callback.Reference)
}

func TestCancelTask_UnknownTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.CancelTask(context.Background(), 99)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelTask_TerminalTask(t *testing.T) {
	f := newFixture(t)
	email := seedFinishedEmail(f)
	f.tasks.tasks = []models.ExtractionTask{
		{ID: 1, EmailID: email.ID, Status: models.TaskCompleted},
	}

	_, err := f.coord.CancelTask(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTaskNotCancellable)
	assert.Empty(t, f.notifier.events)
}

func TestCancelTask_LastOpenTaskFinalisesEmail(t *testing.T) {
	f := newFixture(t)
	email := seedFinishedEmail(f)
	f.tasks.tasks = []models.ExtractionTask{
		{ID: 1, EmailID: email.ID, Status: models.TaskCompleted},
		{ID: 2, EmailID: email.ID, Status: models.TaskProcessing},
	}

	task, err := f.coord.CancelTask(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, task.Status)

	// Cancelling the email's only open task settles the set, so the email
	// is finalised and the completion event fires.
	got := f.store.emails[email.ID]
	require.NotNil(t, got.ExtractionCompletedAt)
	assert.Equal(t, 2, got.ProcessedAttachments)
	assert.Equal(t, 1, got.ExtractedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.Equal(t, []string{models.EventExtractionCompleted}, f.notifier.events)
}
