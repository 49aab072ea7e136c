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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

// ChatSender posts a markdown summary to a Slack-style incoming webhook.
// Best-effort: a failed POST is logged by the engine and never retried.
type ChatSender struct {
	httpClient *http.Client
}

// NewChatSender creates the chat-webhook channel sender.
func NewChatSender(timeout time.Duration) *ChatSender {
	return &ChatSender{httpClient: &http.Client{Timeout: timeout}}
}

// Send builds the per-event summary and POSTs {"text": ...} to the webhook.
func (s *ChatSender) Send(ctx context.Context, recipient, event string, rule *models.TenantNotificationRule, nctx *models.NotificationContext) error {
	body, err := json.Marshal(map[string]string{"text": chatMessage(event, nctx)})
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// chatMessage builds one markdown summary per event type.
func chatMessage(event string, nctx *models.NotificationContext) string {
	e := nctx.Email

	switch event {
	case models.EventEmailReceived:
		return fmt.Sprintf(
			":inbox_tray: *New email received* for `%s`\n*From:* %s\n*Subject:* %s\n*Attachments:* %d",
			nctx.Tenant.Code, e.SenderEmail, e.Subject, e.TotalAttachments,
		)

	case models.EventExtractionCompleted:
		icon := ":white_check_mark:"
		if e.HasFailures() {
			icon = ":warning:"
		}
		return fmt.Sprintf(
			"%s *Extraction completed* for `%s`\n*From:* %s\n*Subject:* %s\n*Extracted:* %d  *Failed:* %d  *Success rate:* %d%%",
			icon, nctx.Tenant.Code, e.SenderEmail, e.Subject,
			e.ExtractedFiles, e.FailedFiles, e.SuccessRate,
		)

	case models.EventWebhookCallback:
		status, reference := "", ""
		if nctx.Callback != nil {
			status = nctx.Callback.Status
			reference = nctx.Callback.Reference
		}
		return fmt.Sprintf(
			":arrows_counterclockwise: *Downstream callback* for `%s`\n*Status:* %s\n*Reference:* %s\n*Correlation:* %s",
			nctx.Tenant.Code, status, reference, e.CorrelationID,
		)
	}

	return fmt.Sprintf("*%s* event for `%s` (correlation %s)", event, nctx.Tenant.Code, e.CorrelationID)
}
