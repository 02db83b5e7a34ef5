// Package submitter implements the handler for submit-invoice jobs: the
// quiet-hours gate, the authority call, failure classification, and the
// invoice state transitions they drive.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/authority"
	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
	"github.com/zoxknez/efaktura-core/internal/store"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
	"github.com/zoxknez/efaktura-core/internal/worker"
)

// InvoiceStore is the slice of persistence the submission worker needs.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id int64) (models.Invoice, error)
	GetInvoiceLines(ctx context.Context, invoiceID int64) ([]models.InvoiceLine, error)
	GetCompany(ctx context.Context, id int64) (models.Company, error)
	MarkInvoiceSent(ctx context.Context, id int64, authorityID, authorityStatus, documentKey string, sentAt time.Time) (bool, error)
	RevertInvoiceToDraft(ctx context.Context, id int64, note string) error
	SetInvoiceAuthorityStatus(ctx context.Context, id int64, status, authorityStatus string) error
	AppendAudit(ctx context.Context, entity, entityID, action, detail string) error
}

// DocumentGenerator builds the authority wire format from invoice data.
type DocumentGenerator interface {
	Generate(inv models.Invoice, lines []models.InvoiceLine, company models.Company) ([]byte, error)
}

// AuthorityClient submits documents to the clearing system.
type AuthorityClient interface {
	Submit(ctx context.Context, apiKey string, document []byte) (authority.SubmitResult, error)
	Cancel(ctx context.Context, apiKey, authorityID, reason string) (string, error)
	GetStatus(ctx context.Context, apiKey, authorityID string) (string, error)
}

// Archiver stores the document that was actually transmitted.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Deferrer re-enqueues a submission after the blackout window. Deliberately
// narrow so the submitter does not depend on the dispatch service directly.
type Deferrer interface {
	EnqueueSubmissionAt(ctx context.Context, p models.SubmitInvoicePayload, runAt time.Time) (models.Job, error)
}

// Submitter handles submit-invoice jobs.
type Submitter struct {
	store    InvoiceStore
	gen      DocumentGenerator
	client   AuthorityClient
	archive  Archiver
	deferrer Deferrer
	window   quiethours.Window
	env      string
	logger   *zap.Logger
	now      func() time.Time
}

func New(st InvoiceStore, gen DocumentGenerator, client AuthorityClient, archive Archiver,
	deferrer Deferrer, window quiethours.Window, env string, logger *zap.Logger) *Submitter {
	return &Submitter{
		store:    st,
		gen:      gen,
		client:   client,
		archive:  archive,
		deferrer: deferrer,
		window:   window,
		env:      env,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock; used by tests.
func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

// Handle processes one submit-invoice job.
func (s *Submitter) Handle(ctx context.Context, job models.Job) error {
	var p models.SubmitInvoicePayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return worker.Fatal(fmt.Errorf("submit-invoice payload: %w", err))
	}
	log := s.logger.With(zap.Int64("invoice_id", p.InvoiceID), zap.String("job_id", job.ID))

	// A deliberate quiet-hours deferral must not consume the retry budget:
	// the current job completes and a fresh delayed job takes its place.
	now := s.now()
	if delay := s.window.UntilEnd(now); delay > 0 {
		runAt := now.Add(delay)
		deferred, err := s.deferrer.EnqueueSubmissionAt(ctx, p, runAt)
		if err != nil {
			return worker.Retryable(fmt.Errorf("defer submission: %w", err))
		}
		_ = s.store.AppendAudit(ctx, "job", job.ID, "rescheduled",
			fmt.Sprintf("quiet hours, deferred as job %s until %s", deferred.ID, runAt.UTC().Format(time.RFC3339)))
		log.Info("submission deferred for quiet hours",
			zap.String("deferred_job_id", deferred.ID), zap.Time("run_at", runAt))
		return nil
	}

	inv, err := s.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			return worker.Fatal(fmt.Errorf("invoice %d missing: %w", p.InvoiceID, err))
		}
		return worker.Retryable(fmt.Errorf("load invoice: %w", err))
	}

	// Dispatch guard: a duplicate or stale job for an invoice that already
	// moved on is satisfied work, not an error.
	if inv.Status != models.InvoiceDraft {
		log.Info("invoice no longer draft, completing as no-op", zap.String("status", inv.Status))
		return nil
	}

	company, err := s.store.GetCompany(ctx, p.CompanyID)
	if err != nil {
		return worker.Fatal(fmt.Errorf("load company %d: %w", p.CompanyID, err))
	}
	if company.APIKey == "" {
		note := "submission failed: no authority credential configured for company"
		_ = s.store.RevertInvoiceToDraft(ctx, inv.ID, note)
		return worker.Fatal(fmt.Errorf("company %d has no authority credential", company.ID))
	}

	lines, err := s.store.GetInvoiceLines(ctx, inv.ID)
	if err != nil {
		return worker.Retryable(fmt.Errorf("load invoice lines: %w", err))
	}

	doc, err := s.gen.Generate(inv, lines, company)
	if err != nil {
		note := fmt.Sprintf("submission failed: %v", err)
		_ = s.store.RevertInvoiceToDraft(ctx, inv.ID, note)
		return worker.Fatal(fmt.Errorf("generate document: %w", err))
	}

	result, err := s.client.Submit(ctx, company.APIKey, doc)
	if err != nil {
		return s.handleSubmitFailure(ctx, job, inv, company, p.UserID, err, log)
	}

	sentAt := s.now()
	key := fmt.Sprintf("invoices/%d/%d-%s.json", company.ID, inv.ID, sentAt.UTC().Format("20060102T150405"))
	location, archiveErr := s.archive.Store(ctx, key, doc, "application/json")
	if archiveErr != nil {
		// The authority accepted the invoice; a failed archive write must not
		// fail the job or resend the document.
		log.Warn("document archive failed", zap.Error(archiveErr))
		location = ""
	}

	updated, err := s.store.MarkInvoiceSent(ctx, inv.ID, result.AuthorityID, result.Status, location, sentAt)
	if err != nil {
		return worker.Retryable(fmt.Errorf("mark invoice sent: %w", err))
	}
	if updated {
		_ = s.store.AppendAudit(ctx, "invoice", strconv.FormatInt(inv.ID, 10), "sent",
			fmt.Sprintf("authority_id=%s status=%s user=%d", result.AuthorityID, result.Status, p.UserID))
	}
	telemetry.InvoiceSendSuccess.WithLabelValues(s.env, strconv.FormatInt(company.ID, 10)).Inc()
	log.Info("invoice sent", zap.String("authority_id", result.AuthorityID), zap.String("status", result.Status))
	return nil
}

func (s *Submitter) handleSubmitFailure(ctx context.Context, job models.Job, inv models.Invoice, company models.Company, userID int64, err error, log *zap.Logger) error {
	companyLabel := strconv.FormatInt(company.ID, 10)

	var rle *authority.RateLimitError
	var nete *authority.NetworkError
	var srve *authority.ServerError
	var vale *authority.ValidationError
	switch {
	case errors.As(err, &rle):
		// The backoff schedule still governs timing; the hint is logged for
		// operators watching submission pressure.
		telemetry.InvoiceSendFailure.WithLabelValues(s.env, companyLabel, "rate_limited").Inc()
		log.Warn("authority rate limited", zap.Duration("retry_after", rle.RetryAfter))
		return s.retryable(ctx, job, inv, err)

	case errors.As(err, &nete):
		telemetry.InvoiceSendFailure.WithLabelValues(s.env, companyLabel, "network").Inc()
		log.Warn("authority unreachable", zap.Error(err))
		return s.retryable(ctx, job, inv, err)

	case errors.As(err, &srve):
		telemetry.InvoiceSendFailure.WithLabelValues(s.env, companyLabel, "server").Inc()
		log.Warn("authority server error", zap.Int("status", srve.StatusCode))
		return s.retryable(ctx, job, inv, err)

	case errors.As(err, &vale):
		telemetry.InvoiceSendFailure.WithLabelValues(s.env, companyLabel, "validation").Inc()
		note := fmt.Sprintf("authority rejected invoice: %v", err)
		_ = s.store.RevertInvoiceToDraft(ctx, inv.ID, note)
		_ = s.store.AppendAudit(ctx, "invoice", strconv.FormatInt(inv.ID, 10), "rejected",
			fmt.Sprintf("user=%d detail=%v", userID, err))
		return worker.Fatal(err)

	default:
		// Unclassified failures do not get retried: hammering an external
		// system with a request that failed for unknown reasons is worse
		// than surfacing it to a human.
		telemetry.InvoiceSendFailure.WithLabelValues(s.env, companyLabel, "unknown").Inc()
		note := fmt.Sprintf("submission failed: %v", err)
		_ = s.store.RevertInvoiceToDraft(ctx, inv.ID, note)
		log.Error("unclassified submission failure", zap.Error(err))
		return worker.Fatal(err)
	}
}

// retryable hands err to the backoff schedule. When this attempt was the
// job's last, the invoice goes back to being a plain draft, so the failure
// must also be visible on the invoice itself, not just on the job row.
func (s *Submitter) retryable(ctx context.Context, job models.Job, inv models.Invoice, err error) error {
	if job.Attempts+1 >= job.MaxAttempts {
		note := fmt.Sprintf("submission failed after %d attempts: %v", job.Attempts+1, err)
		_ = s.store.RevertInvoiceToDraft(ctx, inv.ID, note)
		_ = s.store.AppendAudit(ctx, "invoice", strconv.FormatInt(inv.ID, 10), "retries_exhausted", note)
	}
	return worker.Retryable(err)
}

// Cancel requests cancellation of an already transmitted invoice with the
// authority. Only invoices with a recorded authority id can be cancelled.
func (s *Submitter) Cancel(ctx context.Context, invoiceID int64, reason string) error {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.AuthorityID == nil || *inv.AuthorityID == "" {
		return fmt.Errorf("invoice %d has no authority id", invoiceID)
	}
	company, err := s.store.GetCompany(ctx, inv.CompanyID)
	if err != nil {
		return err
	}
	status, err := s.client.Cancel(ctx, company.APIKey, *inv.AuthorityID, reason)
	if err != nil {
		return fmt.Errorf("cancel with authority: %w", err)
	}
	if err := s.store.SetInvoiceAuthorityStatus(ctx, inv.ID, models.InvoiceCancelled, status); err != nil {
		return err
	}
	_ = s.store.AppendAudit(ctx, "invoice", strconv.FormatInt(inv.ID, 10), "cancelled",
		fmt.Sprintf("reason=%s authority_status=%s", reason, status))
	return nil
}

// RefreshStatus polls the authority for the invoice's current status and
// mirrors it locally without touching the pipeline status.
func (s *Submitter) RefreshStatus(ctx context.Context, invoiceID int64) (string, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	if inv.AuthorityID == nil || *inv.AuthorityID == "" {
		return "", fmt.Errorf("invoice %d has no authority id", invoiceID)
	}
	company, err := s.store.GetCompany(ctx, inv.CompanyID)
	if err != nil {
		return "", err
	}
	status, err := s.client.GetStatus(ctx, company.APIKey, *inv.AuthorityID)
	if err != nil {
		return "", fmt.Errorf("poll authority status: %w", err)
	}
	if err := s.store.SetInvoiceAuthorityStatus(ctx, inv.ID, inv.Status, status); err != nil {
		return "", err
	}
	return status, nil
}
