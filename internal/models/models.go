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

// Package models defines the data structures shared across the pipeline:
// tenants, mailbox accounts, sender/attachment rules, processed emails,
// extraction tasks, and notification rules.
package models

import (
	"encoding/json"
	"time"
)

// Tenant is the isolation boundary. It owns accounts, rules, and a storage
// namespace derived from Code. Code is unique and immutable after creation.
type Tenant struct {
	ID        int64
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// EmailAccount is a polled mailbox owned by one tenant.
type EmailAccount struct {
	ID                     int64
	TenantID               int64
	Address                string
	Provider               string // "m365" is the only provider today
	MailboxID              string // provider-side user/mailbox identifier
	Enabled                bool
	PollingEnabled         bool
	PollingIntervalMinutes int // 0 means the default interval applies
	LastPollAt             *time.Time
	LastSuccessfulPollAt   *time.Time
	LastProcessedUID       string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// EmailSenderRule is the per-(tenant, account, sender) processing policy.
// Unique on (tenant, account, senderEmail).
type EmailSenderRule struct {
	ID                   int64
	TenantID             int64
	AccountID            int64
	SenderEmail          string
	ProcessAttachments   bool
	AutoReply            bool
	NotificationTemplate string
	Enabled              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AttachmentProcessingRule classifies attachment filenames for one sender
// rule. Rules are evaluated in ascending RuleOrder; the first enabled rule
// whose pattern matches the full filename wins. (senderRule, ruleOrder) is
// unique.
type AttachmentProcessingRule struct {
	ID              int64
	SenderRuleID    int64
	RuleOrder       int
	FilenamePattern string
	Source          string
	TemplateName    string
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Attachment processing statuses.
const (
	AttachmentPending    = "PENDING"
	AttachmentDownloaded = "DOWNLOADED"
	AttachmentExtracting = "EXTRACTING"
	AttachmentCompleted  = "COMPLETED"
	AttachmentFailed     = "FAILED"
	AttachmentIgnored    = "IGNORED"
)

// ProcessedEmail is one ingested message instance. Dedup key is
// (account, message UID) — re-polling never duplicates a row.
type ProcessedEmail struct {
	ID                    int64
	TenantID              int64
	AccountID             int64
	MessageUID            string
	CorrelationID         string
	SenderEmail           string
	Subject               string
	ReceivedAt            time.Time
	TotalAttachments      int
	ProcessedAttachments  int
	ExtractedFiles        int
	FailedFiles           int
	SuccessRate           int // integer percentage over matched attachments
	ExtractionCompletedAt *time.Time
	CreatedAt             time.Time
}

// HasFailures reports whether any extraction task for this email failed.
func (e *ProcessedEmail) HasFailures() bool { return e.FailedFiles > 0 }

// IsFullSuccess reports whether every matched attachment extracted cleanly.
func (e *ProcessedEmail) IsFullSuccess() bool {
	return e.FailedFiles == 0 && e.ExtractedFiles == e.ProcessedAttachments
}

// SuccessRate computes an integer percentage (2 of 3 => 66).
func SuccessRate(extracted, total int) int {
	if total == 0 {
		return 0
	}
	return extracted * 100 / total
}

// ProcessedAttachment is one file from a ProcessedEmail. MatchedRuleID is
// nil when no attachment rule matched and the file was ignored.
type ProcessedAttachment struct {
	ID               int64
	EmailID          int64
	Filename         string
	ContentType      string
	SizeBytes        int64
	ProcessingStatus string
	MatchedRuleID    *int64
	Source           string
	StoragePath      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Extraction task statuses.
const (
	TaskPending    = "PENDING"
	TaskProcessing = "PROCESSING"
	TaskRetrying   = "RETRYING"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
	TaskCancelled  = "CANCELLED"
)

// TaskIsTerminal reports whether a task status is terminal.
func TaskIsTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// ExtractionTask is one extraction unit per matched attachment.
type ExtractionTask struct {
	ID            int64
	EmailID       int64
	AttachmentID  int64
	TenantID      int64
	Status        string
	Attempts      int
	Source        string
	TemplateName  string
	ErrorMessage  string
	RawResult     string
	ExtractedData json.RawMessage
	ResultPath    string
	NextAttemptAt *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Notification events.
const (
	EventEmailReceived       = "EMAIL_RECEIVED"
	EventExtractionCompleted = "EXTRACTION_COMPLETED"
	EventWebhookCallback     = "WEBHOOK_CALLBACK"
)

// Notification recipient types.
const (
	RecipientSender     = "SENDER"
	RecipientTenantUser = "TENANT_USER"
)

// Notification channels.
const (
	ChannelEmail      = "EMAIL"
	ChannelSlack      = "SLACK"
	ChannelAPIWebhook = "API_WEBHOOK"
)

// TenantNotificationRule binds (tenant, event, recipientType, channel) to a
// template and channel-specific configuration. The tuple is unique — at most
// one rule instance exists per combination.
type TenantNotificationRule struct {
	ID              int64           `json:"id"`
	TenantID        int64           `json:"tenant_id"`
	Event           string          `json:"event"`
	RecipientType   string          `json:"recipient_type"`
	Channel         string          `json:"channel"`
	Config          json.RawMessage `json:"config"`
	TemplateName    string          `json:"template_name"`
	SubjectTemplate string          `json:"subject_template"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Webhook callback statuses accepted from downstream systems.
const (
	CallbackProcessed = "PROCESSED"
	CallbackRejected  = "REJECTED"
	CallbackError     = "ERROR"
)

// WebhookCallbackResponse is an inbound confirmation from a tenant's
// downstream system, correlated to a ProcessedEmail by correlation ID.
type WebhookCallbackResponse struct {
	ID            int64
	EmailID       int64
	CorrelationID string
	Status        string
	Reference     string
	Message       string
	ReceivedAt    time.Time
}

// NotificationContext aggregates everything one dispatch cycle needs. It is
// transient — built per event, passed explicitly to every channel sender,
// and discarded when the dispatch returns.
type NotificationContext struct {
	Tenant      *Tenant
	Account     *EmailAccount
	Email       *ProcessedEmail
	Attachments []ProcessedAttachment
	Tasks       []ExtractionTask
	SenderRule  *EmailSenderRule
	Callback    *WebhookCallbackResponse
}
