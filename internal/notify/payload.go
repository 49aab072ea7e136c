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
	"encoding/json"
	"fmt"
	"time"

	"github.com/docflow/pipeline/internal/models"
)

type attachmentEntry struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type extractionEntry struct {
	TaskID           int64           `json:"task_id"`
	CorrelationID    string          `json:"correlation_id"`
	OriginalFilename string          `json:"original_filename"`
	Source           string          `json:"source"`
	Status           string          `json:"status"`
	ExtractedData    json.RawMessage `json:"extracted_data"`
}

type emailReceivedPayload struct {
	Event                string            `json:"event"`
	Timestamp            time.Time         `json:"timestamp"`
	CorrelationID        string            `json:"correlation_id"`
	SenderEmail          string            `json:"sender_email"`
	Subject              string            `json:"subject"`
	TenantCode           string            `json:"tenant_code"`
	TotalAttachments     int               `json:"total_attachments"`
	ProcessedAttachments int               `json:"processed_attachments"`
	Attachments          []attachmentEntry `json:"attachments"`
}

type extractionCompletedPayload struct {
	Event          string            `json:"event"`
	Timestamp      time.Time         `json:"timestamp"`
	CorrelationID  string            `json:"correlation_id"`
	SenderEmail    string            `json:"sender_email"`
	Subject        string            `json:"subject"`
	TenantCode     string            `json:"tenant_code"`
	TotalFiles     int               `json:"total_files"`
	ExtractedFiles int               `json:"extracted_files"`
	FailedFiles    int               `json:"failed_files"`
	SuccessRate    int               `json:"success_rate"`
	Extractions    []extractionEntry `json:"extractions"`
}

type webhookCallbackPayload struct {
	Event             string    `json:"event"`
	Timestamp         time.Time `json:"timestamp"`
	CorrelationID     string    `json:"correlation_id"`
	SenderEmail       string    `json:"sender_email"`
	TenantCode        string    `json:"tenant_code"`
	CallbackStatus    string    `json:"callback_status"`
	CallbackReference string    `json:"callback_reference"`
	CallbackMessage   string    `json:"callback_message"`
}

// BuildWebhookPayload marshals the outbound HTTP-webhook body for one event.
func BuildWebhookPayload(event string, nctx *models.NotificationContext) (json.RawMessage, error) {
	now := time.Now().UTC()

	switch event {
	case models.EventEmailReceived:
		return json.Marshal(emailReceivedPayload{
			Event:                event,
			Timestamp:            now,
			CorrelationID:        nctx.Email.CorrelationID,
			SenderEmail:          nctx.Email.SenderEmail,
			Subject:              nctx.Email.Subject,
			TenantCode:           nctx.Tenant.Code,
			TotalAttachments:     nctx.Email.TotalAttachments,
			ProcessedAttachments: countMatched(nctx.Attachments),
			Attachments:          attachmentEntries(nctx.Attachments),
		})

	case models.EventExtractionCompleted:
		return json.Marshal(extractionCompletedPayload{
			Event:          event,
			Timestamp:      now,
			CorrelationID:  nctx.Email.CorrelationID,
			SenderEmail:    nctx.Email.SenderEmail,
			Subject:        nctx.Email.Subject,
			TenantCode:     nctx.Tenant.Code,
			TotalFiles:     nctx.Email.TotalAttachments,
			ExtractedFiles: nctx.Email.ExtractedFiles,
			FailedFiles:    nctx.Email.FailedFiles,
			SuccessRate:    nctx.Email.SuccessRate,
			Extractions:    extractionEntries(nctx),
		})

	case models.EventWebhookCallback:
		p := webhookCallbackPayload{
			Event:         event,
			Timestamp:     now,
			CorrelationID: nctx.Email.CorrelationID,
			SenderEmail:   nctx.Email.SenderEmail,
			TenantCode:    nctx.Tenant.Code,
		}
		if nctx.Callback != nil {
			p.CallbackStatus = nctx.Callback.Status
			p.CallbackReference = nctx.Callback.Reference
			p.CallbackMessage = nctx.Callback.Message
		}
		return json.Marshal(p)
	}

	return nil, fmt.Errorf("unknown event %q", event)
}

// TemplateVars builds the liquid bindings for one event. WEBHOOK_CALLBACK is
// a superset of EXTRACTION_COMPLETED plus the callback fields.
func TemplateVars(event string, nctx *models.NotificationContext) map[string]any {
	vars := map[string]any{
		"event":          event,
		"correlation_id": nctx.Email.CorrelationID,
		"sender_email":   nctx.Email.SenderEmail,
		"subject":        nctx.Email.Subject,
		"tenant_code":    nctx.Tenant.Code,
		"tenant_name":    nctx.Tenant.Name,
		"received_at":    nctx.Email.ReceivedAt,
	}

	switch event {
	case models.EventEmailReceived:
		vars["total_attachments"] = nctx.Email.TotalAttachments
		vars["processed_attachments"] = countMatched(nctx.Attachments)
		vars["attachments"] = attachmentVars(nctx.Attachments)

	case models.EventExtractionCompleted, models.EventWebhookCallback:
		vars["total_files"] = nctx.Email.TotalAttachments
		vars["extracted_files"] = nctx.Email.ExtractedFiles
		vars["failed_files"] = nctx.Email.FailedFiles
		vars["success_rate"] = nctx.Email.SuccessRate
		vars["has_failures"] = nctx.Email.HasFailures()
		vars["is_full_success"] = nctx.Email.IsFullSuccess()
		vars["attachments"] = attachmentVars(nctx.Attachments)

		if event == models.EventWebhookCallback && nctx.Callback != nil {
			vars["callback_status"] = nctx.Callback.Status
			vars["callback_reference"] = nctx.Callback.Reference
			vars["callback_message"] = nctx.Callback.Message
		}
	}

	return vars
}

func countMatched(attachments []models.ProcessedAttachment) int {
	n := 0
	for _, a := range attachments {
		if a.ProcessingStatus != models.AttachmentIgnored {
			n++
		}
	}
	return n
}

func attachmentEntries(attachments []models.ProcessedAttachment) []attachmentEntry {
	out := make([]attachmentEntry, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, attachmentEntry{Filename: a.Filename, Status: a.ProcessingStatus})
	}
	return out
}

func attachmentVars(attachments []models.ProcessedAttachment) []map[string]any {
	out := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, map[string]any{
			"filename": a.Filename,
			"status":   a.ProcessingStatus,
			"source":   a.Source,
		})
	}
	return out
}

func extractionEntries(nctx *models.NotificationContext) []extractionEntry {
	filenames := make(map[int64]string, len(nctx.Attachments))
	for _, a := range nctx.Attachments {
		filenames[a.ID] = a.Filename
	}

	out := make([]extractionEntry, 0, len(nctx.Tasks))
	for _, t := range nctx.Tasks {
		out = append(out, extractionEntry{
			TaskID:           t.ID,
			CorrelationID:    nctx.Email.CorrelationID,
			OriginalFilename: filenames[t.AttachmentID],
			Source:           t.Source,
			Status:           t.Status,
			ExtractedData:    t.ExtractedData,
		})
	}
	return out
}
