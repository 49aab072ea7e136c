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

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docflow/pipeline/internal/models"
)

// Enqueuer hands a webhook delivery to the durable outbox.
// Implemented by outbox.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, url string, headers map[string]string, payload json.RawMessage) error
}

// WebhookSender builds the event-specific payload and enqueues it into the
// webhook outbox instead of POSTing synchronously, so delivery gets the
// outbox's at-least-once retry semantics.
type WebhookSender struct {
	outbox Enqueuer
}

// NewWebhookSender creates the HTTP-webhook channel sender.
func NewWebhookSender(outbox Enqueuer) *WebhookSender {
	return &WebhookSender{outbox: outbox}
}

// Send enqueues the outbound payload for the resolved URL.
func (s *WebhookSender) Send(ctx context.Context, recipient, event string, rule *models.TenantNotificationRule, nctx *models.NotificationContext) error {
	payload, err := BuildWebhookPayload(event, nctx)
	if err != nil {
		return fmt.Errorf("build webhook payload: %w", err)
	}

	if err := s.outbox.Enqueue(ctx, recipient, ruleHeaders(rule), payload); err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}
	return nil
}
