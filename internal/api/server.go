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

// Package api exposes the pipeline's HTTP surface: the inbound webhook
// callback endpoint, per-tenant notification rule CRUD, and a health probe.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/docflow/pipeline/internal/models"
)

// CallbackService records inbound callbacks. Implemented by
// ingest.Coordinator.
type CallbackService interface {
	HandleCallback(ctx context.Context, correlationID, status, reference, message string) (*models.WebhookCallbackResponse, error)
}

// TaskService cancels extraction tasks and runs the settled check for the
// task's email. Implemented by ingest.Coordinator.
type TaskService interface {
	CancelTask(ctx context.Context, taskID int64) (*models.ExtractionTask, error)
}

// TenantResolver maps path tenant codes to tenants.
// Implemented by account.Store.
type TenantResolver interface {
	GetTenantByCode(ctx context.Context, code string) (*models.Tenant, error)
}

// RuleStore is the notification rule CRUD surface.
// Implemented by notify.Store.
type RuleStore interface {
	ListByTenant(ctx context.Context, tenantID int64) ([]models.TenantNotificationRule, error)
	GetRule(ctx context.Context, id int64) (*models.TenantNotificationRule, error)
	CreateRule(ctx context.Context, r *models.TenantNotificationRule) error
	UpdateRule(ctx context.Context, r *models.TenantNotificationRule) (bool, error)
	DeleteRule(ctx context.Context, tenantID, id int64) (bool, error)
}

// PingFunc probes one backing service for the health endpoint.
type PingFunc func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	callbacks CallbackService
	tasks     TaskService
	tenants   TenantResolver
	rules     RuleStore
	pingDB    PingFunc
	pingRedis PingFunc

	httpServer *http.Server
}

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Addr      string
	Callbacks CallbackService
	Tasks     TaskService
	Tenants   TenantResolver
	Rules     RuleStore
	PingDB    PingFunc
	PingRedis PingFunc
}

// NewServer creates the API server with its routes mounted.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		callbacks: cfg.Callbacks,
		tasks:     cfg.Tasks,
		tenants:   cfg.Tenants,
		rules:     cfg.Rules,
		pingDB:    cfg.PingDB,
		pingRedis: cfg.PingRedis,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook-callback", s.handleWebhookCallback)
	r.Post("/extraction-tasks/{taskID}/cancel", s.handleCancelTask)

	r.Route("/tenants/{tenantCode}/notification-rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/{ruleID}", s.handleGetRule)
		r.Put("/{ruleID}", s.handleUpdateRule)
		r.Delete("/{ruleID}", s.handleDeleteRule)
	})

	return r
}

// Start runs the server in the background.
func (s *Server) Start() {
	go func() {
		slog.Info("api server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"postgres": "ok", "redis": "ok"}
	healthy := true

	if err := s.pingDB(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	}
	if err := s.pingRedis(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
