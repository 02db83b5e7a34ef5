// Package document builds the authority-format representation of an invoice
// and archives submitted documents.
package document

import (
	"encoding/json"
	"fmt"

	"github.com/zoxknez/efaktura-core/internal/models"
)

// Builder renders invoices into the JSON document shape the authority
// accepts. It is the default implementation of the submission worker's
// generator port.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

type documentLine struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	TaxRate   float64 `json:"taxRate"`
	Total     float64 `json:"lineExtensionAmount"`
	TaxAmount float64 `json:"taxAmount"`
}

type invoiceDocument struct {
	InvoiceNumber string         `json:"invoiceNumber"`
	SupplierName  string         `json:"supplierName"`
	SupplierTaxID string         `json:"supplierTaxId"`
	IssueDate     string         `json:"issueDate"`
	DueDate       string         `json:"dueDate"`
	Subtotal      float64        `json:"taxExclusiveAmount"`
	TaxAmount     float64        `json:"taxAmount"`
	Total         float64        `json:"payableAmount"`
	Lines         []documentLine `json:"invoiceLines"`
}

// Generate serializes the invoice into the authority wire format. The input
// is validated first so a malformed invoice never reaches the wire.
func (b *Builder) Generate(inv models.Invoice, lines []models.InvoiceLine, company models.Company) ([]byte, error) {
	if problems := b.Validate(inv, lines); len(problems) > 0 {
		return nil, fmt.Errorf("invoice %d not sendable: %v", inv.ID, problems)
	}

	doc := invoiceDocument{
		InvoiceNumber: inv.InvoiceNumber,
		SupplierName:  company.Name,
		SupplierTaxID: company.TaxID,
		IssueDate:     inv.IssueDate.Format("2006-01-02"),
		DueDate:       inv.DueDate.Format("2006-01-02"),
		Subtotal:      inv.Subtotal,
		TaxAmount:     inv.TaxAmount,
		Total:         inv.Total,
		Lines:         make([]documentLine, 0, len(lines)),
	}
	for _, l := range lines {
		doc.Lines = append(doc.Lines, documentLine{
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			TaxRate:   l.TaxRate,
			Total:     l.Total,
			TaxAmount: l.TaxAmount,
		})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return raw, nil
}

// Validate returns human-readable problems that make an invoice unsendable.
func (b *Builder) Validate(inv models.Invoice, lines []models.InvoiceLine) []string {
	var problems []string
	if inv.InvoiceNumber == "" {
		problems = append(problems, "missing invoice number")
	}
	if len(lines) == 0 {
		problems = append(problems, "invoice has no lines")
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("line %q: quantity must be positive", l.Name))
		}
		if l.UnitPrice < 0 {
			problems = append(problems, fmt.Sprintf("line %q: negative unit price", l.Name))
		}
	}
	return problems
}
