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
	"log/slog"

	"github.com/docflow/pipeline/internal/models"
)

// Sender delivers one resolved notification over a single channel.
type Sender interface {
	Send(ctx context.Context, recipient string, event string, rule *models.TenantNotificationRule, nctx *models.NotificationContext) error
}

// RuleSource lists the enabled rules for one (tenant, event) pair.
// Implemented by Store.
type RuleSource interface {
	ListEnabled(ctx context.Context, tenantID int64, event string) ([]models.TenantNotificationRule, error)
}

// Engine fans one pipeline event out to every enabled rule of the tenant.
// Rules are independent: a misconfigured or failing rule is logged and
// skipped, never blocking its siblings. Adding a channel means registering
// one more Sender.
type Engine struct {
	rules   RuleSource
	senders map[string]Sender
}

// NewEngine creates a notification engine with the given channel senders,
// keyed by channel tag.
func NewEngine(rules RuleSource, senders map[string]Sender) *Engine {
	return &Engine{rules: rules, senders: senders}
}

// Dispatch delivers the event through every enabled rule of the tenant.
func (e *Engine) Dispatch(ctx context.Context, event string, nctx *models.NotificationContext) {
	if nctx == nil || nctx.Tenant == nil || nctx.Email == nil {
		slog.Warn("notification dispatch without tenant or email context", "event", event)
		return
	}

	rules, err := e.rules.ListEnabled(ctx, nctx.Tenant.ID, event)
	if err != nil {
		slog.Error("list notification rules failed",
			"tenant", nctx.Tenant.Code, "event", event, "error", err)
		return
	}

	for _, rule := range rules {
		recipient, err := resolveRecipient(&rule, nctx)
		if err != nil {
			slog.Warn("notification rule skipped, recipient unresolved",
				"rule_id", rule.ID,
				"tenant", nctx.Tenant.Code,
				"event", event,
				"channel", rule.Channel,
				"reason", err,
			)
			continue
		}

		sender, ok := e.senders[rule.Channel]
		if !ok {
			slog.Warn("notification rule skipped, no sender for channel",
				"rule_id", rule.ID, "channel", rule.Channel)
			continue
		}

		if err := sender.Send(ctx, recipient, event, &rule, nctx); err != nil {
			slog.Warn("notification send failed",
				"rule_id", rule.ID,
				"tenant", nctx.Tenant.Code,
				"event", event,
				"channel", rule.Channel,
				"error", err,
			)
			continue
		}

		slog.Info("notification sent",
			"tenant", nctx.Tenant.Code,
			"event", event,
			"channel", rule.Channel,
			"recipient_type", rule.RecipientType,
		)
	}
}

// channelConfig is the channel-specific blob carried by each rule.
type channelConfig struct {
	Email      string            `json:"email"`
	WebhookURL string            `json:"webhook_url"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
}

// resolveRecipient turns a rule into a concrete address or URL. SENDER rules
// target the original from-address; TENANT_USER rules read the rule's config
// blob.
func resolveRecipient(rule *models.TenantNotificationRule, nctx *models.NotificationContext) (string, error) {
	switch rule.RecipientType {
	case models.RecipientSender:
		if rule.Channel != models.ChannelEmail {
			return "", fmt.Errorf("SENDER recipient only supported on the EMAIL channel")
		}
		if nctx.Email.SenderEmail == "" {
			return "", fmt.Errorf("email has no sender address")
		}
		return nctx.Email.SenderEmail, nil

	case models.RecipientTenantUser:
		var cfg channelConfig
		if len(rule.Config) > 0 {
			if err := json.Unmarshal(rule.Config, &cfg); err != nil {
				return "", fmt.Errorf("parse rule config: %w", err)
			}
		}

		var recipient string
		switch rule.Channel {
		case models.ChannelEmail:
			recipient = cfg.Email
		case models.ChannelSlack:
			recipient = cfg.WebhookURL
		case models.ChannelAPIWebhook:
			recipient = cfg.URL
		}
		if recipient == "" {
			return "", fmt.Errorf("rule config has no recipient for channel %s", rule.Channel)
		}
		return recipient, nil
	}

	return "", fmt.Errorf("unknown recipient type %q", rule.RecipientType)
}

// ruleHeaders extracts the configured HTTP headers of a rule, if any.
func ruleHeaders(rule *models.TenantNotificationRule) map[string]string {
	if len(rule.Config) == 0 {
		return nil
	}
	var cfg channelConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return nil
	}
	return cfg.Headers
}
