package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// UsageRecord is one metered consumption event. It is created once by the
// ingestion gate, priced, value-estimated and sealed synchronously, and is
// immutable afterwards except for the billing status transition and appended
// audit notes.
type UsageRecord struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	DocumentID *uuid.UUID `db:"document_id" json:"document_id,omitempty"`
	RecordedAt time.Time  `db:"recorded_at" json:"recorded_at"`

	ServiceType ServiceType  `db:"service_type" json:"service_type"`
	Model       PricingModel `db:"model" json:"model"`

	// Token counts. TotalTokens is always InputTokens + OutputTokens; the
	// ingestion gate rejects events where the caller's total disagrees.
	InputTokens  int `db:"input_tokens" json:"input_tokens"`
	OutputTokens int `db:"output_tokens" json:"output_tokens"`
	TotalTokens  int `db:"total_tokens" json:"total_tokens"`

	// Derived size counts, enriched at ingestion when the caller omits them.
	Characters int64 `db:"characters" json:"characters"`
	Pages      int   `db:"pages" json:"pages"`

	// Metadata is caller-supplied context carried through to the store.
	Metadata JSONB `db:"metadata" json:"metadata,omitempty"`

	Cost  CostBreakdown       `json:"cost"`
	Value ValueEstimate       `json:"value"`
	Tier  ServiceTierSnapshot `json:"tier"`

	BillingStatus BillingStatus  `db:"billing_status" json:"billing_status"`
	InvoiceID     *uuid.UUID     `db:"invoice_id" json:"invoice_id,omitempty"`
	BilledAt      *time.Time     `db:"billed_at" json:"billed_at,omitempty"`
	AuditNotes    pq.StringArray `db:"audit_notes" json:"audit_notes,omitempty"`

	Integrity IntegrityBlock `json:"integrity"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CostBreakdown is the exact monetary derivation of a record's charge.
// Every field is final once computed; values are never re-derived or
// accumulated as floats across records.
type CostBreakdown struct {
	SourceCurrency  string `db:"source_currency" json:"source_currency"`
	BillingCurrency string `db:"billing_currency" json:"billing_currency"`

	BaseCost      decimal.Decimal `db:"base_cost" json:"base_cost"`           // source currency, pre-markup
	Markup        decimal.Decimal `db:"markup" json:"markup"`                 // multiplier
	MarkedUpCost  decimal.Decimal `db:"marked_up_cost" json:"marked_up_cost"` // source currency
	ExchangeRate  decimal.Decimal `db:"exchange_rate" json:"exchange_rate"`
	ConvertedCost decimal.Decimal `db:"converted_cost" json:"converted_cost"` // billing currency, pre-floor

	FinalCost            decimal.Decimal `db:"final_cost" json:"final_cost"` // after minimum-charge floor
	MinimumChargeApplied bool            `db:"minimum_charge_applied" json:"minimum_charge_applied"`

	TaxRate     decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	TaxAmount   decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	TotalCharge decimal.Decimal `db:"total_charge" json:"total_charge"`
}

// ValueEstimate holds the informational business-value figures attached to a
// record for ROI dashboards. They never influence the charge.
type ValueEstimate struct {
	TimeSavedHours      decimal.Decimal `db:"time_saved_hours" json:"time_saved_hours"`
	RiskMitigationValue decimal.Decimal `db:"risk_mitigation_value" json:"risk_mitigation_value"`
	ComplianceValue     decimal.Decimal `db:"compliance_value" json:"compliance_value"`
	TotalValue          decimal.Decimal `db:"total_value" json:"total_value"`
}

// ServiceTierSnapshot captures the tenant's tier at ingestion time. Later
// tier changes must not retroactively alter priced records, so this is a
// copy, not a reference.
type ServiceTierSnapshot struct {
	Name              string          `db:"tier_name" json:"tier_name"`
	MonthlyTokenQuota int64           `db:"tier_monthly_token_quota" json:"tier_monthly_token_quota"`
	OverageMultiplier decimal.Decimal `db:"tier_overage_multiplier" json:"tier_overage_multiplier"`
}

// IntegrityBlock carries the tamper-evidence fields of a sealed record.
// ChainSeq is the record's position in the tenant's chain, assigned at seal
// time; it gives verification an exact ordering even when two records seal
// within the same clock tick.
type IntegrityBlock struct {
	RecordHash   string    `db:"record_hash" json:"record_hash"`
	PrevHash     string    `db:"prev_hash" json:"prev_hash"`
	ChainSeq     int64     `db:"chain_seq" json:"chain_seq"`
	Signature    string    `db:"signature" json:"signature"`
	SigningKeyID string    `db:"signing_key_id" json:"signing_key_id"`
	SealedAt     time.Time `db:"sealed_at" json:"sealed_at"`
}

// Sealed reports whether the record has been through the integrity sealer.
func (r *UsageRecord) Sealed() bool {
	return r.Integrity.RecordHash != ""
}

// TransitionStatus applies a billing status change, enforcing the monotonic
// transition rules, and appends an audit note describing the change.
func (r *UsageRecord) TransitionStatus(next BillingStatus, note string, at time.Time) error {
	if !r.BillingStatus.CanTransitionTo(next) {
		return fmt.Errorf("billing status %s cannot transition to %s (record %s)", r.BillingStatus, next, r.ID)
	}
	r.AuditNotes = append(r.AuditNotes, fmt.Sprintf("%s: %s -> %s: %s", at.UTC().Format(time.RFC3339), r.BillingStatus, next, note))
	r.BillingStatus = next
	if next == StatusBilled {
		t := at
		r.BilledAt = &t
	}
	return nil
}
