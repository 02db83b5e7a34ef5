// Package api wires the HTTP surface: submission enqueueing, webhook intake,
// job inspection, and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/dispatch"
	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/ratelimit"
	"github.com/zoxknez/efaktura-core/internal/recurring"
	"github.com/zoxknez/efaktura-core/internal/store"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
)

// Server exposes the producer API.
type Server struct {
	store     *store.Store
	dispatch  *dispatch.Service
	generator *recurring.Generator
	limiter   *ratelimit.TokenBucket
	logger    *zap.Logger
}

func New(st *store.Store, d *dispatch.Service, gen *recurring.Generator, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	return &Server{
		store:     st,
		dispatch:  d,
		generator: gen,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/invoices/{id}/submit", s.handleSubmitInvoice)
	r.Post("/webhooks/authority", s.handleWebhook)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDeadLetters)
	r.Post("/recurring/run", s.handleRecurringRun)
	return r
}

type submitRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleSubmitInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	var req submitRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	inv, err := s.store.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			http.Error(w, "invoice not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if inv.Status != models.InvoiceDraft {
		http.Error(w, "only draft invoices can be submitted", http.StatusConflict)
		return
	}

	job, err := s.dispatch.EnqueueInvoiceSubmission(r.Context(), inv.ID, inv.CompanyID, req.UserID)
	if err != nil {
		s.logger.Error("enqueue submission failed", zap.Int64("invoice_id", invoiceID), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type webhookRequest struct {
	EventType   string `json:"eventType"`
	AuthorityID string `json:"invoiceId"`
}

// handleWebhook records the notification and enqueues reconciliation; the
// authority gets its 202 before any processing happens.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "webhook:"+senderKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.WebhookRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 256*1024))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.EventType == "" || req.AuthorityID == "" {
		http.Error(w, "eventType and invoiceId are required", http.StatusBadRequest)
		return
	}

	ev, err := s.store.CreateWebhookEvent(r.Context(), req.EventType, req.AuthorityID, string(raw))
	if err != nil {
		s.logger.Error("record webhook failed", zap.Error(err))
		http.Error(w, "record webhook failed", http.StatusInternalServerError)
		return
	}
	job, err := s.dispatch.EnqueueWebhookProcessing(r.Context(), ev.ID, ev.EventType, ev.AuthorityID)
	if err != nil {
		s.logger.Error("enqueue webhook processing failed", zap.Int64("webhook_id", ev.ID), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"webhook_id": ev.ID, "job_id": job.ID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeadLetters returns recently dead-lettered jobs for operator triage.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.RecentCancelled(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleRecurringRun(w http.ResponseWriter, r *http.Request) {
	sum, err := s.generator.Run(r.Context(), time.Now())
	if err != nil {
		s.logger.Error("manual recurring run failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func senderKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
