// Package recurring materializes concrete invoices from recurring profiles
// on their calendar schedule.
package recurring

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/store"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
)

// ProfileStore is the slice of persistence the generator needs.
type ProfileStore interface {
	DueProfiles(ctx context.Context, now time.Time, limit int) ([]models.RecurringProfile, error)
	GetCompany(ctx context.Context, id int64) (models.Company, error)
	CreateRecurringInvoice(ctx context.Context, p store.GeneratedInvoiceParams) (int64, string, error)
	AppendAudit(ctx context.Context, entity, entityID, action, detail string) error
}

// ProfileError records one profile's failure within an otherwise successful
// run.
type ProfileError struct {
	ProfileID int64  `json:"profile_id"`
	Error     string `json:"error"`
}

// Summary aggregates the outcome of one generation run.
type Summary struct {
	Success int            `json:"success"`
	Failed  int            `json:"failed"`
	Errors  []ProfileError `json:"errors,omitempty"`
}

// Generator runs recurring invoice generation.
type Generator struct {
	store  ProfileStore
	batch  int
	logger *zap.Logger
}

func New(st ProfileStore, batch int, logger *zap.Logger) *Generator {
	if batch <= 0 {
		batch = 200
	}
	return &Generator{store: st, batch: batch, logger: logger}
}

// Run generates invoices for every due profile. One profile's failure is
// recorded and the batch continues.
func (g *Generator) Run(ctx context.Context, now time.Time) (Summary, error) {
	profiles, err := g.store.DueProfiles(ctx, now, g.batch)
	if err != nil {
		return Summary{}, fmt.Errorf("load due profiles: %w", err)
	}

	var sum Summary
	for _, p := range profiles {
		if err := g.generateOne(ctx, p, now); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, ProfileError{ProfileID: p.ID, Error: err.Error()})
			g.logger.Error("recurring generation failed",
				zap.Int64("profile_id", p.ID), zap.Error(err))
			continue
		}
		sum.Success++
	}
	if len(profiles) > 0 {
		g.logger.Info("recurring generation run finished",
			zap.Int("success", sum.Success), zap.Int("failed", sum.Failed))
	}
	return sum, nil
}

func (g *Generator) generateOne(ctx context.Context, p models.RecurringProfile, now time.Time) error {
	company, err := g.store.GetCompany(ctx, p.CompanyID)
	if err != nil {
		return fmt.Errorf("load company: %w", err)
	}

	lines := make([]store.GeneratedLine, 0, len(p.Items))
	var subtotal, taxTotal float64
	for _, item := range p.Items {
		lineTotal := round2(item.Quantity * item.UnitPrice)
		lineTax := round2(lineTotal * item.TaxRate / 100)
		lines = append(lines, store.GeneratedLine{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			TaxRate:   item.TaxRate,
			Total:     lineTotal,
			TaxAmount: lineTax,
		})
		subtotal += lineTotal
		taxTotal += lineTax
	}
	subtotal = round2(subtotal)
	taxTotal = round2(taxTotal)

	nextRun := p.NextAfter(p.NextRunAt)
	complete := p.EndDate != nil && nextRun.After(*p.EndDate)

	invoiceID, number, err := g.store.CreateRecurringInvoice(ctx, store.GeneratedInvoiceParams{
		ProfileID:       p.ID,
		CompanyID:       p.CompanyID,
		IssueDate:       now,
		DueDate:         now.AddDate(0, 0, company.PaymentTermsDays),
		Subtotal:        subtotal,
		TaxAmount:       taxTotal,
		Total:           round2(subtotal + taxTotal),
		Lines:           lines,
		NextRunAt:       nextRun,
		LastRunAt:       now,
		ProfileComplete: complete,
	})
	if err != nil {
		return err
	}

	telemetry.RecurringGenerated.Inc()
	_ = g.store.AppendAudit(ctx, "invoice", fmt.Sprintf("%d", invoiceID), "generated",
		fmt.Sprintf("profile=%d number=%s next_run=%s complete=%t",
			p.ID, number, nextRun.Format("2006-01-02"), complete))
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
