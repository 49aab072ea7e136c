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

// Package mailbox retrieves new messages and their attachments from a
// tenant's mail provider. The only provider today is a Graph-style HTTP API;
// the Fetcher interface keeps the ingestion coordinator provider-agnostic.
package mailbox

import (
	"context"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

// Attachment is one downloaded file from a fetched message.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Message is a fetched mailbox message with its attachments downloaded.
type Message struct {
	UID         string // provider-side message identifier, the dedup key
	From        string
	FromName    string
	Subject     string
	ReceivedAt  time.Time
	Attachments []Attachment
}

// Fetcher retrieves messages newer than the account's processed watermark.
// Implementations must return messages in ascending received order so the
// coordinator can advance the watermark monotonically.
type Fetcher interface {
	FetchNewMessages(ctx context.Context, tenantCode string, account *models.EmailAccount, sinceUID string) ([]Message, error)
}
