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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/osteele/liquid"

	"github.com/docflow/pipeline/internal/models"
)

// SendEmailAPI is the slice of the SES v2 client the sender uses. Tests
// substitute a mock.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the outbound email channel.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// EmailSender renders a tenant-scoped liquid template and delivers it as
// HTML mail via SES. Delivery is fire-and-forget: failures are logged by the
// engine, never retried.
type EmailSender struct {
	client      SendEmailAPI
	from        string
	storageRoot string
	engine      *liquid.Engine
}

// NewEmailSender creates the SES-backed email channel sender.
func NewEmailSender(ctx context.Context, cfg SESConfig, storageRoot string) (*EmailSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &EmailSender{
		client:      sesv2.NewFromConfig(awsCfg),
		from:        cfg.Sender,
		storageRoot: storageRoot,
		engine:      liquid.NewEngine(),
	}, nil
}

// NewEmailSenderWithClient creates an email sender with a custom SES client,
// used for testing.
func NewEmailSenderWithClient(client SendEmailAPI, from, storageRoot string) *EmailSender {
	return &EmailSender{
		client:      client,
		from:        from,
		storageRoot: storageRoot,
		engine:      liquid.NewEngine(),
	}
}

// Send loads the rule's template from the tenant's storage namespace,
// renders body and subject, and sends HTML mail. A missing template file is
// a skip, not an error.
func (s *EmailSender) Send(ctx context.Context, recipient, event string, rule *models.TenantNotificationRule, nctx *models.NotificationContext) error {
	path := filepath.Join(s.storageRoot, nctx.Tenant.Code, "config", "email-templates", rule.TemplateName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Debug("email template missing, notification skipped",
			"tenant", nctx.Tenant.Code, "template", rule.TemplateName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read template %s: %w", rule.TemplateName, err)
	}

	vars := TemplateVars(event, nctx)

	body, err := s.engine.ParseAndRenderString(string(raw), vars)
	if err != nil {
		return fmt.Errorf("render template %s: %w", rule.TemplateName, err)
	}

	subject := rule.SubjectTemplate
	if subject == "" {
		subject = event
	} else if rendered, err := s.engine.ParseAndRenderString(subject, vars); err == nil {
		subject = rendered
	} else {
		slog.Warn("subject template render failed, sending raw subject",
			"rule_id", rule.ID, "error", err)
	}

	_, err = s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
