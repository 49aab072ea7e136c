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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/docflow/pipeline/internal/mailbox"
	"github.com/docflow/pipeline/internal/models"
	"github.com/docflow/pipeline/internal/rules"
)

// ErrEmailNotFound marks a callback whose correlation ID matches no
// processed email.
var ErrEmailNotFound = errors.New("no processed email for correlation id")

// ErrTaskNotFound marks a cancel request for an unknown task.
var ErrTaskNotFound = errors.New("no such extraction task")

// ErrTaskNotCancellable marks a cancel request for a task that already
// reached a terminal state.
var ErrTaskNotCancellable = errors.New("task already terminal")

// EmailStore is the slice of Store the coordinator writes through. Tests
// substitute an in-memory implementation.
type EmailStore interface {
	CreateEmail(ctx context.Context, e *models.ProcessedEmail) (bool, error)
	GetEmail(ctx context.Context, id int64) (*models.ProcessedEmail, error)
	GetEmailByCorrelationID(ctx context.Context, correlationID string) (*models.ProcessedEmail, error)
	GetEmailByMessageUID(ctx context.Context, accountID int64, messageUID string) (*models.ProcessedEmail, error)
	CreateAttachment(ctx context.Context, a *models.ProcessedAttachment) error
	ListAttachments(ctx context.Context, emailID int64) ([]models.ProcessedAttachment, error)
	FinalizeExtraction(ctx context.Context, emailID int64, processed, extracted, failed, successRate int) (bool, error)
	SaveCallback(ctx context.Context, c *models.WebhookCallbackResponse) error
}

// Deduper is the fully-ingested check backed by Redis. Seen is read-only;
// MarkSeen runs only once a message is durably recorded end to end, so a
// crash mid-message never filters the retry.
type Deduper interface {
	Seen(ctx context.Context, accountID int64, messageUID string) (bool, error)
	MarkSeen(ctx context.Context, accountID int64, messageUID string) error
}

// TaskStore is the slice of the extraction store the coordinator needs.
type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []*models.ExtractionTask) error
	CountNonTerminal(ctx context.Context, emailID int64) (int, error)
	ListByEmail(ctx context.Context, emailID int64) ([]models.ExtractionTask, error)
	GetTask(ctx context.Context, id int64) (*models.ExtractionTask, error)
	Cancel(ctx context.Context, id int64) (bool, error)
}

// RuleStore resolves sender rules and their attachment rules.
type RuleStore interface {
	GetSenderRule(ctx context.Context, tenantID, accountID int64, senderEmail string) (*models.EmailSenderRule, error)
	ListAttachmentRules(ctx context.Context, senderRuleID int64) ([]models.AttachmentProcessingRule, error)
}

// AccountStore is the slice of the account store the coordinator needs.
type AccountStore interface {
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	MarkPollStarted(ctx context.Context, accountID int64) error
	MarkPollSucceeded(ctx context.Context, accountID int64, lastProcessedUID string) error
	AdvanceWatermark(ctx context.Context, accountID int64, lastProcessedUID string) error
}

// Notifier dispatches pipeline events to the tenant's configured channels.
// Implemented by notify.Engine.
type Notifier interface {
	Dispatch(ctx context.Context, event string, nctx *models.NotificationContext)
}

// Coordinator runs the per-account ingestion cycle and the post-extraction
// aggregation. One coordinator serves all accounts; per-account isolation is
// the poller's job.
type Coordinator struct {
	store       EmailStore
	accounts    AccountStore
	rules       RuleStore
	tasks       TaskStore
	dedup       Deduper
	fetcher     mailbox.Fetcher
	notifier    Notifier
	storageRoot string
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Store       EmailStore
	Accounts    AccountStore
	Rules       RuleStore
	Tasks       TaskStore
	Dedup       Deduper
	Fetcher     mailbox.Fetcher
	Notifier    Notifier
	StorageRoot string
}

// NewCoordinator creates the ingestion coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		store:       cfg.Store,
		accounts:    cfg.Accounts,
		rules:       cfg.Rules,
		tasks:       cfg.Tasks,
		dedup:       cfg.Dedup,
		fetcher:     cfg.Fetcher,
		notifier:    cfg.Notifier,
		storageRoot: cfg.StorageRoot,
	}
}

// PollAccount runs one ingestion cycle for the account: fetch new messages
// in received order, process each, and advance the watermark only past
// messages that are durably recorded. A mid-cycle failure leaves the
// watermark on the last good message so the next cycle re-fetches the rest;
// dedup makes the overlap harmless.
func (c *Coordinator) PollAccount(ctx context.Context, account *models.EmailAccount) error {
	tenant, err := c.accounts.GetTenant(ctx, account.TenantID)
	if err != nil {
		return fmt.Errorf("tenant lookup: %w", err)
	}
	if tenant == nil || !tenant.Active {
		slog.Warn("skipping account of missing or inactive tenant",
			"account_id", account.ID, "tenant_id", account.TenantID)
		return nil
	}

	if err := c.accounts.MarkPollStarted(ctx, account.ID); err != nil {
		return fmt.Errorf("mark poll started: %w", err)
	}

	messages, err := c.fetcher.FetchNewMessages(ctx, tenant.Code, account, account.LastProcessedUID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	var lastUID string
	for _, msg := range messages {
		if err := c.processMessage(ctx, tenant, account, msg); err != nil {
			slog.Error("message processing failed, watermark held back",
				"account_id", account.ID,
				"message_uid", msg.UID,
				"error", err,
			)
			// The messages before the failure are durable; move the
			// watermark past them without stamping the cycle a success.
			if wmErr := c.accounts.AdvanceWatermark(ctx, account.ID, lastUID); wmErr != nil {
				slog.Error("advance watermark failed", "account_id", account.ID, "error", wmErr)
			}
			return fmt.Errorf("message %s: %w", msg.UID, err)
		}
		lastUID = msg.UID
	}

	if err := c.accounts.MarkPollSucceeded(ctx, account.ID, lastUID); err != nil {
		return fmt.Errorf("mark poll succeeded: %w", err)
	}

	slog.Info("poll cycle finished",
		"account_id", account.ID,
		"tenant", tenant.Code,
		"fetched", len(messages),
	)
	return nil
}

// IngestMessage records one message outside the scheduled poll cycle, used
// by the backfill command. The account watermark is left untouched.
func (c *Coordinator) IngestMessage(ctx context.Context, account *models.EmailAccount, msg mailbox.Message) error {
	tenant, err := c.accounts.GetTenant(ctx, account.TenantID)
	if err != nil {
		return fmt.Errorf("tenant lookup: %w", err)
	}
	if tenant == nil || !tenant.Active {
		return fmt.Errorf("tenant %d missing or inactive", account.TenantID)
	}
	return c.processMessage(ctx, tenant, account, msg)
}

// processMessage records one message end to end: dedup check, durable email
// row, attachment classification, task creation, the EMAIL_RECEIVED dispatch,
// and only then the dedup mark. A message whose earlier ingestion crashed
// mid-way (email row exists, dedup key absent) is resumed, never dropped.
func (c *Coordinator) processMessage(ctx context.Context, tenant *models.Tenant, account *models.EmailAccount, msg mailbox.Message) error {
	seen, err := c.dedup.Seen(ctx, account.ID, msg.UID)
	if err != nil {
		// Redis being down must not stall ingestion; the unique
		// constraint below still blocks duplicates.
		slog.Warn("dedup check failed, relying on database constraint",
			"account_id", account.ID, "error", err)
	} else if seen {
		return nil
	}

	senderRule, err := c.rules.GetSenderRule(ctx, tenant.ID, account.ID, msg.From)
	if err != nil {
		return fmt.Errorf("sender rule lookup: %w", err)
	}
	if senderRule == nil || !senderRule.Enabled {
		slog.Debug("no sender rule, message skipped",
			"account_id", account.ID, "sender", msg.From, "message_uid", msg.UID)
		return nil
	}

	email := &models.ProcessedEmail{
		TenantID:         tenant.ID,
		AccountID:        account.ID,
		MessageUID:       msg.UID,
		CorrelationID:    uuid.NewString(),
		SenderEmail:      msg.From,
		Subject:          msg.Subject,
		ReceivedAt:       msg.ReceivedAt,
		TotalAttachments: len(msg.Attachments),
	}

	created, err := c.store.CreateEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("create email: %w", err)
	}
	if !created {
		// The row exists but the dedup key does not: a previous attempt
		// crashed between the email insert and the mark. Finish it.
		return c.resumeMessage(ctx, tenant, account, msg, senderRule)
	}

	attachmentRules, err := c.attachmentRules(ctx, senderRule)
	if err != nil {
		return err
	}

	var (
		recorded []models.ProcessedAttachment
		pending  []*models.ExtractionTask
	)
	for _, att := range msg.Attachments {
		rec, task, err := c.processAttachment(ctx, tenant, email, att, attachmentRules)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
		if task != nil {
			pending = append(pending, task)
		}
		recorded = append(recorded, *rec)
	}

	// One batch: an email's tasks become claimable together, so a worker
	// can never finalise the email before its sibling tasks exist.
	if err := c.tasks.CreateTasks(ctx, pending); err != nil {
		return fmt.Errorf("create extraction tasks: %w", err)
	}

	slog.Info("email ingested",
		"email_id", email.ID,
		"correlation_id", email.CorrelationID,
		"sender", msg.From,
		"attachments", len(msg.Attachments),
		"matched", len(pending),
	)

	c.notifier.Dispatch(ctx, models.EventEmailReceived, &models.NotificationContext{
		Tenant:      tenant,
		Account:     account,
		Email:       email,
		Attachments: recorded,
		SenderRule:  senderRule,
	})

	c.markSeen(ctx, account.ID, msg.UID)
	return nil
}

// resumeMessage completes a message whose email row already exists but whose
// dedup key was never written. It records any attachments the crashed attempt
// missed, backfills tasks for matched attachments that never got one, and
// re-dispatches EMAIL_RECEIVED (delivery is at-least-once).
func (c *Coordinator) resumeMessage(ctx context.Context, tenant *models.Tenant, account *models.EmailAccount, msg mailbox.Message, senderRule *models.EmailSenderRule) error {
	email, err := c.store.GetEmailByMessageUID(ctx, account.ID, msg.UID)
	if err != nil {
		return fmt.Errorf("load recorded email: %w", err)
	}
	if email == nil {
		return fmt.Errorf("email row for message %s vanished", msg.UID)
	}

	attachmentRules, err := c.attachmentRules(ctx, senderRule)
	if err != nil {
		return err
	}

	existing, err := c.store.ListAttachments(ctx, email.ID)
	if err != nil {
		return fmt.Errorf("list recorded attachments: %w", err)
	}
	byName := make(map[string]*models.ProcessedAttachment, len(existing))
	for i := range existing {
		byName[existing[i].Filename] = &existing[i]
	}

	tasks, err := c.tasks.ListByEmail(ctx, email.ID)
	if err != nil {
		return fmt.Errorf("list recorded tasks: %w", err)
	}
	hasTask := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		hasTask[t.AttachmentID] = true
	}

	var pending []*models.ExtractionTask
	resumed := 0
	for _, att := range msg.Attachments {
		rec, ok := byName[att.Filename]
		if !ok {
			_, task, err := c.processAttachment(ctx, tenant, email, att, attachmentRules)
			if err != nil {
				return fmt.Errorf("attachment %q: %w", att.Filename, err)
			}
			if task != nil {
				pending = append(pending, task)
			}
			resumed++
			continue
		}
		// Recorded as matched but the crash hit before its task landed.
		if rec.ProcessingStatus == models.AttachmentDownloaded && !hasTask[rec.ID] {
			rule := rules.Match(att.Filename, attachmentRules)
			if rule == nil {
				continue
			}
			pending = append(pending, &models.ExtractionTask{
				EmailID:      email.ID,
				AttachmentID: rec.ID,
				TenantID:     tenant.ID,
				Source:       rule.Source,
				TemplateName: rule.TemplateName,
			})
			resumed++
		}
	}

	if err := c.tasks.CreateTasks(ctx, pending); err != nil {
		return fmt.Errorf("create extraction tasks: %w", err)
	}

	all, err := c.store.ListAttachments(ctx, email.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}

	slog.Info("partially recorded message resumed",
		"email_id", email.ID,
		"message_uid", msg.UID,
		"resumed", resumed,
		"tasks_backfilled", len(pending),
	)

	c.notifier.Dispatch(ctx, models.EventEmailReceived, &models.NotificationContext{
		Tenant:      tenant,
		Account:     account,
		Email:       email,
		Attachments: all,
		SenderRule:  senderRule,
	})

	c.markSeen(ctx, account.ID, msg.UID)
	return nil
}

func (c *Coordinator) attachmentRules(ctx context.Context, senderRule *models.EmailSenderRule) ([]models.AttachmentProcessingRule, error) {
	if !senderRule.ProcessAttachments {
		return nil, nil
	}
	attachmentRules, err := c.rules.ListAttachmentRules(ctx, senderRule.ID)
	if err != nil {
		return nil, fmt.Errorf("attachment rules lookup: %w", err)
	}
	return attachmentRules, nil
}

// markSeen writes the dedup key after the message is fully durable. A Redis
// failure only costs one redundant resume pass on the next overlap.
func (c *Coordinator) markSeen(ctx context.Context, accountID int64, messageUID string) {
	if err := c.dedup.MarkSeen(ctx, accountID, messageUID); err != nil {
		slog.Warn("dedup mark failed", "account_id", accountID, "message_uid", messageUID, "error", err)
	}
}

// processAttachment classifies one attachment against the sender rule's
// attachment rules. A match stores the file, records the attachment as
// DOWNLOADED, and returns the extraction task to create; everything else is
// recorded as IGNORED. Task creation is the caller's job so an email's tasks
// land in one batch.
func (c *Coordinator) processAttachment(ctx context.Context, tenant *models.Tenant, email *models.ProcessedEmail, att mailbox.Attachment, attachmentRules []models.AttachmentProcessingRule) (*models.ProcessedAttachment, *models.ExtractionTask, error) {
	rec := &models.ProcessedAttachment{
		EmailID:          email.ID,
		Filename:         att.Filename,
		ContentType:      att.ContentType,
		SizeBytes:        att.Size,
		ProcessingStatus: models.AttachmentPending,
	}

	rule := rules.Match(att.Filename, attachmentRules)
	if rule == nil {
		rec.ProcessingStatus = models.AttachmentIgnored
		if err := c.store.CreateAttachment(ctx, rec); err != nil {
			return nil, nil, fmt.Errorf("record ignored attachment: %w", err)
		}
		return rec, nil, nil
	}

	path, err := c.saveAttachment(tenant.Code, email.ID, att)
	if err != nil {
		return nil, nil, fmt.Errorf("store attachment file: %w", err)
	}

	rec.ProcessingStatus = models.AttachmentDownloaded
	rec.MatchedRuleID = &rule.ID
	rec.Source = rule.Source
	rec.StoragePath = path
	if err := c.store.CreateAttachment(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("record attachment: %w", err)
	}

	task := &models.ExtractionTask{
		EmailID:      email.ID,
		AttachmentID: rec.ID,
		TenantID:     tenant.ID,
		Source:       rule.Source,
		TemplateName: rule.TemplateName,
	}

	slog.Debug("extraction task queued",
		"attachment", att.Filename,
		"source", rule.Source,
		"template", rule.TemplateName,
	)
	return rec, task, nil
}

// saveAttachment writes the attachment bytes under the tenant's storage
// namespace and returns the absolute path.
func (c *Coordinator) saveAttachment(tenantCode string, emailID int64, att mailbox.Attachment) (string, error) {
	dir := filepath.Join(c.storageRoot, tenantCode, "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%d_%s", emailID, filepath.Base(att.Filename))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, att.Content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// CompleteExtraction runs the all-tasks-settled check for one email. It is
// called after every terminal task transition; only the call that finds all
// tasks settled and wins the finalisation guard dispatches
// EXTRACTION_COMPLETED.
func (c *Coordinator) CompleteExtraction(ctx context.Context, emailID int64) {
	pending, err := c.tasks.CountNonTerminal(ctx, emailID)
	if err != nil {
		slog.Error("count non-terminal tasks failed", "email_id", emailID, "error", err)
		return
	}
	if pending > 0 {
		return
	}

	tasks, err := c.tasks.ListByEmail(ctx, emailID)
	if err != nil {
		slog.Error("list tasks failed", "email_id", emailID, "error", err)
		return
	}

	extracted, failed := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			extracted++
		case models.TaskFailed, models.TaskCancelled:
			failed++
		}
	}
	processed := len(tasks)

	won, err := c.store.FinalizeExtraction(ctx, emailID, processed, extracted, failed,
		models.SuccessRate(extracted, processed))
	if err != nil {
		slog.Error("finalize extraction failed", "email_id", emailID, "error", err)
		return
	}
	if !won {
		return
	}

	email, err := c.store.GetEmail(ctx, emailID)
	if err != nil || email == nil {
		slog.Error("reload finalised email failed", "email_id", emailID, "error", err)
		return
	}

	slog.Info("extraction completed for email",
		"email_id", emailID,
		"extracted", extracted,
		"failed", failed,
		"success_rate", email.SuccessRate,
	)

	nctx, err := c.buildContext(ctx, email)
	if err != nil {
		slog.Error("build notification context failed", "email_id", emailID, "error", err)
		return
	}
	c.notifier.Dispatch(ctx, models.EventExtractionCompleted, nctx)
}

// CancelTask moves a task to CANCELLED from any non-terminal state and runs
// the all-tasks-settled check, so cancelling an email's last open task still
// finalises the email and fires EXTRACTION_COMPLETED.
func (c *Coordinator) CancelTask(ctx context.Context, taskID int64) (*models.ExtractionTask, error) {
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("task lookup: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	cancelled, err := c.tasks.Cancel(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if !cancelled {
		return nil, ErrTaskNotCancellable
	}
	task.Status = models.TaskCancelled

	slog.Info("extraction task cancelled",
		"task_id", taskID,
		"email_id", task.EmailID,
	)

	c.CompleteExtraction(ctx, task.EmailID)
	return task, nil
}

// HandleCallback records an inbound webhook callback correlated to a
// processed email and dispatches the WEBHOOK_CALLBACK event.
func (c *Coordinator) HandleCallback(ctx context.Context, correlationID, status, reference, message string) (*models.WebhookCallbackResponse, error) {
	email, err := c.store.GetEmailByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	if email == nil {
		return nil, ErrEmailNotFound
	}

	callback := &models.WebhookCallbackResponse{
		EmailID:       email.ID,
		CorrelationID: correlationID,
		Status:        status,
		Reference:     reference,
		Message:       message,
	}
	if err := c.store.SaveCallback(ctx, callback); err != nil {
		return nil, fmt.Errorf("save callback: %w", err)
	}

	slog.Info("webhook callback recorded",
		"email_id", email.ID,
		"correlation_id", correlationID,
		"status", status,
	)

	nctx, err := c.buildContext(ctx, email)
	if err != nil {
		slog.Error("build notification context failed", "email_id", email.ID, "error", err)
		return callback, nil
	}
	nctx.Callback = callback
	c.notifier.Dispatch(ctx, models.EventWebhookCallback, nctx)

	return callback, nil
}

// buildContext assembles the full notification context for post-ingestion
// events.
func (c *Coordinator) buildContext(ctx context.Context, email *models.ProcessedEmail) (*models.NotificationContext, error) {
	tenant, err := c.accounts.GetTenant(ctx, email.TenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}

	attachments, err := c.store.ListAttachments(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	tasks, err := c.tasks.ListByEmail(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	senderRule, err := c.rules.GetSenderRule(ctx, email.TenantID, email.AccountID, email.SenderEmail)
	if err != nil {
		return nil, fmt.Errorf("sender rule lookup: %w", err)
	}

	return &models.NotificationContext{
		Tenant:      tenant,
		Email:       email,
		Attachments: attachments,
		Tasks:       tasks,
		SenderRule:  senderRule,
	}, nil
}
