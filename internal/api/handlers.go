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

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docflow/pipeline/internal/ingest"
	"github.com/docflow/pipeline/internal/models"
)

// callbackRequest is the inbound webhook-callback body.
type callbackRequest struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Reference     string `json:"reference"`
	Message       string `json:"message"`
}

var validCallbackStatus = map[string]bool{
	models.CallbackProcessed: true,
	models.CallbackRejected:  true,
	models.CallbackError:     true,
}

func (s *Server) handleWebhookCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CorrelationID == "" {
		writeError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if !validCallbackStatus[req.Status] {
		writeError(w, http.StatusBadRequest, "status must be PROCESSED, REJECTED, or ERROR")
		return
	}

	_, err := s.callbacks.HandleCallback(r.Context(), req.CorrelationID, req.Status, req.Reference, req.Message)
	if errors.Is(err, ingest.ErrEmailNotFound) {
		writeError(w, http.StatusNotFound, "no email matches correlation_id")
		return
	}
	if err != nil {
		slog.Error("handle callback failed", "correlation_id", req.CorrelationID, "error", err)
		writeError(w, http.StatusInternalServerError, "callback processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":        "callback received",
		"correlation_id": req.CorrelationID,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.tasks.CancelTask(r.Context(), id)
	if errors.Is(err, ingest.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if errors.Is(err, ingest.ErrTaskNotCancellable) {
		writeError(w, http.StatusConflict, "task already terminal")
		return
	}
	if err != nil {
		slog.Error("cancel task failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel task failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "task cancelled",
		"task":    task,
	})
}

// resolveTenant loads the tenant named in the URL, writing the error
// response itself when the tenant is unknown.
func (s *Server) resolveTenant(w http.ResponseWriter, r *http.Request) *models.Tenant {
	code := chi.URLParam(r, "tenantCode")
	tenant, err := s.tenants.GetTenantByCode(r.Context(), code)
	if err != nil {
		slog.Error("tenant lookup failed", "tenant_code", code, "error", err)
		writeError(w, http.StatusInternalServerError, "tenant lookup failed")
		return nil
	}
	if tenant == nil {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return nil
	}
	return tenant
}

func ruleID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ruleID"), 10, 64)
	return id, err == nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenant := s.resolveTenant(w, r)
	if tenant == nil {
		return
	}

	rules, err := s.rules.ListByTenant(r.Context(), tenant.ID)
	if err != nil {
		slog.Error("list notification rules failed", "tenant", tenant.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "list rules failed")
		return
	}
	if rules == nil {
		rules = []models.TenantNotificationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// ruleRequest is the create/update body for a notification rule.
type ruleRequest struct {
	Event           string          `json:"event"`
	RecipientType   string          `json:"recipient_type"`
	Channel         string          `json:"channel"`
	Config          json.RawMessage `json:"config"`
	TemplateName    string          `json:"template_name"`
	SubjectTemplate string          `json:"subject_template"`
	Enabled         *bool           `json:"enabled"`
}

var (
	validEvents = map[string]bool{
		models.EventEmailReceived:       true,
		models.EventExtractionCompleted: true,
		models.EventWebhookCallback:     true,
	}
	validRecipients = map[string]bool{
		models.RecipientSender:     true,
		models.RecipientTenantUser: true,
	}
	validChannels = map[string]bool{
		models.ChannelEmail:      true,
		models.ChannelSlack:      true,
		models.ChannelAPIWebhook: true,
	}
)

func (req *ruleRequest) validate() string {
	if !validEvents[req.Event] {
		return "event must be EMAIL_RECEIVED, EXTRACTION_COMPLETED, or WEBHOOK_CALLBACK"
	}
	if !validRecipients[req.RecipientType] {
		return "recipient_type must be SENDER or TENANT_USER"
	}
	if !validChannels[req.Channel] {
		return "channel must be EMAIL, SLACK, or API_WEBHOOK"
	}
	return ""
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenant := s.resolveTenant(w, r)
	if tenant == nil {
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if len(req.Config) == 0 {
		req.Config = json.RawMessage(`{}`)
	}

	rule := &models.TenantNotificationRule{
		TenantID:        tenant.ID,
		Event:           req.Event,
		RecipientType:   req.RecipientType,
		Channel:         req.Channel,
		Config:          req.Config,
		TemplateName:    req.TemplateName,
		SubjectTemplate: req.SubjectTemplate,
		Enabled:         enabled,
	}

	if err := s.rules.CreateRule(r.Context(), rule); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict,
				"a rule already exists for this event, recipient type, and channel")
			return
		}
		slog.Error("create notification rule failed", "tenant", tenant.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "create rule failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"rule": rule})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenant := s.resolveTenant(w, r)
	if tenant == nil {
		return
	}
	id, ok := ruleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.rules.GetRule(r.Context(), id)
	if err != nil {
		slog.Error("get notification rule failed", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get rule failed")
		return
	}
	if rule == nil || rule.TenantID != tenant.ID {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenant := s.resolveTenant(w, r)
	if tenant == nil {
		return
	}
	id, ok := ruleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	existing, err := s.rules.GetRule(r.Context(), id)
	if err != nil {
		slog.Error("get notification rule failed", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update rule failed")
		return
	}
	if existing == nil || existing.TenantID != tenant.ID {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// The identity tuple is immutable; only config, templates, and the
	// enabled flag may change.
	if len(req.Config) > 0 {
		existing.Config = req.Config
	}
	if req.TemplateName != "" {
		existing.TemplateName = req.TemplateName
	}
	if req.SubjectTemplate != "" {
		existing.SubjectTemplate = req.SubjectTemplate
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	found, err := s.rules.UpdateRule(r.Context(), existing)
	if err != nil {
		slog.Error("update notification rule failed", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update rule failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": existing})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenant := s.resolveTenant(w, r)
	if tenant == nil {
		return
	}
	id, ok := ruleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	found, err := s.rules.DeleteRule(r.Context(), tenant.ID, id)
	if err != nil {
		slog.Error("delete notification rule failed", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete rule failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "rule deleted"})
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
