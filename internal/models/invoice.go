package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Invoice is the billed aggregate of one tenant's pending usage inside a
// cycle window. Its total charge always equals the sum of the included
// records' total charges; a record belongs to at most one invoice, gated by
// the PENDING -> BILLED status transition.
type Invoice struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID uuid.UUID `db:"tenant_id" json:"tenant_id"`

	// Number is unique and traceable per tenant+cycle:
	// <tenant>-<cycleStart YYYYMMDD>-<sequence>.
	Number string `db:"number" json:"number"`

	CycleType   CycleType `db:"cycle_type" json:"cycle_type"`
	PeriodStart time.Time `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time `db:"period_end" json:"period_end"`

	RecordIDs   pq.StringArray `db:"record_ids" json:"record_ids"`
	RecordCount int            `db:"record_count" json:"record_count"`

	Currency    string          `db:"currency" json:"currency"`
	TotalCost   decimal.Decimal `db:"total_cost" json:"total_cost"`
	TotalTax    decimal.Decimal `db:"total_tax" json:"total_tax"`
	TotalCharge decimal.Decimal `db:"total_charge" json:"total_charge"`

	LineItems []InvoiceLineItem `db:"-" json:"line_items"`

	PaymentReference string    `db:"payment_reference" json:"payment_reference"`
	Signature        string    `db:"signature" json:"signature"`
	SigningKeyID     string    `db:"signing_key_id" json:"signing_key_id"`
	GeneratedAt      time.Time `db:"generated_at" json:"generated_at"`
}

// InvoiceLineItem is one line on a generated invoice.
type InvoiceLineItem struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}
