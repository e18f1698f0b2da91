package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/integrity"
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// InvoiceGenerator builds signed invoices from a set of billed records. It
// holds the signing key so invoice documents can be verified independently of
// the per-record hash chain.
type InvoiceGenerator struct {
	signingKey []byte
	keyID      string
	clock      func() time.Time
}

// NewInvoiceGenerator returns a generator signing with the given key.
func NewInvoiceGenerator(signingKey []byte, keyID string) (*InvoiceGenerator, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("invoice generator: signing key must not be empty")
	}
	return &InvoiceGenerator{
		signingKey: signingKey,
		keyID:      keyID,
		clock:      time.Now,
	}, nil
}

// WithClock overrides the generator's time source. Used by tests.
func (g *InvoiceGenerator) WithClock(clock func() time.Time) *InvoiceGenerator {
	g.clock = clock
	return g
}

// Generate builds the invoice for one tenant's records inside a cycle window.
// Totals are exact decimal sums of the per-record figures; nothing is
// re-priced here. The records must all belong to the tenant and share the
// invoice currency.
func (g *InvoiceGenerator) Generate(tenantID uuid.UUID, cycleType models.CycleType, window Window, sequence int, records []*models.UsageRecord) (*models.Invoice, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("invoice generator: no records to invoice")
	}

	currency := records[0].Cost.BillingCurrency
	totalCost := decimal.Zero
	totalTax := decimal.Zero
	totalCharge := decimal.Zero
	recordIDs := make([]string, 0, len(records))
	tokensByService := make(map[models.ServiceType]int64)
	costByService := make(map[models.ServiceType]decimal.Decimal)
	countByService := make(map[models.ServiceType]int64)

	for _, rec := range records {
		if rec.TenantID != tenantID {
			return nil, fmt.Errorf("invoice generator: record %s belongs to tenant %s, not %s", rec.ID, rec.TenantID, tenantID)
		}
		if rec.Cost.BillingCurrency != currency {
			return nil, fmt.Errorf("invoice generator: record %s is in %s, invoice is in %s", rec.ID, rec.Cost.BillingCurrency, currency)
		}
		totalCost = totalCost.Add(rec.Cost.FinalCost)
		totalTax = totalTax.Add(rec.Cost.TaxAmount)
		totalCharge = totalCharge.Add(rec.Cost.TotalCharge)
		recordIDs = append(recordIDs, rec.ID.String())

		tokensByService[rec.ServiceType] += int64(rec.TotalTokens)
		costByService[rec.ServiceType] = costByService[rec.ServiceType].Add(rec.Cost.FinalCost)
		countByService[rec.ServiceType]++
	}

	lineItems := make([]models.InvoiceLineItem, 0, len(costByService)+1)
	services := make([]models.ServiceType, 0, len(costByService))
	for svc := range costByService {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
	for _, svc := range services {
		lineItems = append(lineItems, models.InvoiceLineItem{
			Description: fmt.Sprintf("%s (%d requests, %d tokens)", svc, countByService[svc], tokensByService[svc]),
			Quantity:    countByService[svc],
			Amount:      costByService[svc],
		})
	}
	lineItems = append(lineItems, models.InvoiceLineItem{
		Description: fmt.Sprintf("Tax (%s%%)", records[0].Cost.TaxRate.Mul(decimal.NewFromInt(100)).String()),
		Quantity:    1,
		Amount:      totalTax,
	})

	id := uuid.New()
	number := InvoiceNumber(tenantID, window.Start, sequence)
	generatedAt := g.clock().UTC().Truncate(time.Microsecond)

	invoice := &models.Invoice{
		ID:               id,
		TenantID:         tenantID,
		Number:           number,
		CycleType:        cycleType,
		PeriodStart:      window.Start,
		PeriodEnd:        window.End,
		RecordIDs:        recordIDs,
		RecordCount:      len(records),
		Currency:         currency,
		TotalCost:        totalCost.Round(2),
		TotalTax:         totalTax.Round(2),
		TotalCharge:      totalCharge.Round(2),
		LineItems:        lineItems,
		PaymentReference: paymentReference(number),
		SigningKeyID:     g.keyID,
		GeneratedAt:      generatedAt,
	}
	invoice.Signature = integrity.SignPayload(g.signingKey, invoicePayload(invoice))
	return invoice, nil
}

// VerifyInvoice recomputes the invoice signature and reports whether it
// matches. The line items are not part of the signed payload; the totals and
// record ids are.
func (g *InvoiceGenerator) VerifyInvoice(invoice *models.Invoice) bool {
	return integrity.SignPayload(g.signingKey, invoicePayload(invoice)) == invoice.Signature
}

// InvoiceNumber formats the unique, traceable invoice number:
// <tenant>-<cycle start date>-<zero-padded sequence>.
func InvoiceNumber(tenantID uuid.UUID, periodStart time.Time, sequence int) string {
	return fmt.Sprintf("%s-%s-%04d", tenantID, periodStart.UTC().Format("20060102"), sequence)
}

// paymentReference derives the bank-statement reference from the invoice
// number. Hyphens are dropped and the result upper-cased so it survives
// manual entry.
func paymentReference(number string) string {
	return "PAY" + strings.ToUpper(strings.ReplaceAll(number, "-", ""))
}

// invoicePayload is the canonical string signed for an invoice. Field order
// is fixed; decimals use two fixed places so the payload is stable across
// storage round trips.
func invoicePayload(inv *models.Invoice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%s\n", inv.ID)
	fmt.Fprintf(&b, "tenant_id=%s\n", inv.TenantID)
	fmt.Fprintf(&b, "number=%s\n", inv.Number)
	fmt.Fprintf(&b, "cycle_type=%s\n", inv.CycleType)
	fmt.Fprintf(&b, "period_start=%s\n", inv.PeriodStart.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "period_end=%s\n", inv.PeriodEnd.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "record_ids=%s\n", strings.Join(inv.RecordIDs, ","))
	fmt.Fprintf(&b, "currency=%s\n", inv.Currency)
	fmt.Fprintf(&b, "total_cost=%s\n", inv.TotalCost.StringFixed(2))
	fmt.Fprintf(&b, "total_tax=%s\n", inv.TotalTax.StringFixed(2))
	fmt.Fprintf(&b, "total_charge=%s\n", inv.TotalCharge.StringFixed(2))
	return b.String()
}
