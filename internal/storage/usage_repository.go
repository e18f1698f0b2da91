package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// usageRow is the flat database projection of a UsageRecord. sqlx does not
// descend into named nested structs, so the nested cost/value/tier/integrity
// blocks are flattened here and folded back in toModel.
type usageRow struct {
	ID         uuid.UUID  `db:"id"`
	TenantID   uuid.UUID  `db:"tenant_id"`
	UserID     uuid.UUID  `db:"user_id"`
	DocumentID *uuid.UUID `db:"document_id"`
	RecordedAt time.Time  `db:"recorded_at"`

	ServiceType models.ServiceType  `db:"service_type"`
	Model       models.PricingModel `db:"model"`

	Metadata models.JSONB `db:"metadata"`

	InputTokens  int   `db:"input_tokens"`
	OutputTokens int   `db:"output_tokens"`
	TotalTokens  int   `db:"total_tokens"`
	Characters   int64 `db:"characters"`
	Pages        int   `db:"pages"`

	SourceCurrency       string          `db:"source_currency"`
	BillingCurrency      string          `db:"billing_currency"`
	BaseCost             decimal.Decimal `db:"base_cost"`
	Markup               decimal.Decimal `db:"markup"`
	MarkedUpCost         decimal.Decimal `db:"marked_up_cost"`
	ExchangeRate         decimal.Decimal `db:"exchange_rate"`
	ConvertedCost        decimal.Decimal `db:"converted_cost"`
	FinalCost            decimal.Decimal `db:"final_cost"`
	MinimumChargeApplied bool            `db:"minimum_charge_applied"`
	TaxRate              decimal.Decimal `db:"tax_rate"`
	TaxAmount            decimal.Decimal `db:"tax_amount"`
	TotalCharge          decimal.Decimal `db:"total_charge"`

	TimeSavedHours      decimal.Decimal `db:"time_saved_hours"`
	RiskMitigationValue decimal.Decimal `db:"risk_mitigation_value"`
	ComplianceValue     decimal.Decimal `db:"compliance_value"`
	TotalValue          decimal.Decimal `db:"total_value"`

	TierName              string          `db:"tier_name"`
	TierMonthlyTokenQuota int64           `db:"tier_monthly_token_quota"`
	TierOverageMultiplier decimal.Decimal `db:"tier_overage_multiplier"`

	BillingStatus models.BillingStatus `db:"billing_status"`
	InvoiceID     *uuid.UUID           `db:"invoice_id"`
	BilledAt      *time.Time           `db:"billed_at"`
	AuditNotes    pq.StringArray       `db:"audit_notes"`

	RecordHash   string    `db:"record_hash"`
	PrevHash     string    `db:"prev_hash"`
	ChainSeq     int64     `db:"chain_seq"`
	Signature    string    `db:"signature"`
	SigningKeyID string    `db:"signing_key_id"`
	SealedAt     time.Time `db:"sealed_at"`

	CreatedAt time.Time `db:"created_at"`
}

const usageColumns = `
	id, tenant_id, user_id, document_id, recorded_at,
	service_type, model, metadata,
	input_tokens, output_tokens, total_tokens, characters, pages,
	source_currency, billing_currency, base_cost, markup, marked_up_cost,
	exchange_rate, converted_cost, final_cost, minimum_charge_applied,
	tax_rate, tax_amount, total_charge,
	time_saved_hours, risk_mitigation_value, compliance_value, total_value,
	tier_name, tier_monthly_token_quota, tier_overage_multiplier,
	billing_status, invoice_id, billed_at, audit_notes,
	record_hash, prev_hash, chain_seq, signature, signing_key_id, sealed_at,
	created_at`

func fromModel(record *models.UsageRecord) *usageRow {
	return &usageRow{
		ID:                    record.ID,
		TenantID:              record.TenantID,
		UserID:                record.UserID,
		DocumentID:            record.DocumentID,
		RecordedAt:            record.RecordedAt,
		ServiceType:           record.ServiceType,
		Model:                 record.Model,
		Metadata:              record.Metadata,
		InputTokens:           record.InputTokens,
		OutputTokens:          record.OutputTokens,
		TotalTokens:           record.TotalTokens,
		Characters:            record.Characters,
		Pages:                 record.Pages,
		SourceCurrency:        record.Cost.SourceCurrency,
		BillingCurrency:       record.Cost.BillingCurrency,
		BaseCost:              record.Cost.BaseCost,
		Markup:                record.Cost.Markup,
		MarkedUpCost:          record.Cost.MarkedUpCost,
		ExchangeRate:          record.Cost.ExchangeRate,
		ConvertedCost:         record.Cost.ConvertedCost,
		FinalCost:             record.Cost.FinalCost,
		MinimumChargeApplied:  record.Cost.MinimumChargeApplied,
		TaxRate:               record.Cost.TaxRate,
		TaxAmount:             record.Cost.TaxAmount,
		TotalCharge:           record.Cost.TotalCharge,
		TimeSavedHours:        record.Value.TimeSavedHours,
		RiskMitigationValue:   record.Value.RiskMitigationValue,
		ComplianceValue:       record.Value.ComplianceValue,
		TotalValue:            record.Value.TotalValue,
		TierName:              record.Tier.Name,
		TierMonthlyTokenQuota: record.Tier.MonthlyTokenQuota,
		TierOverageMultiplier: record.Tier.OverageMultiplier,
		BillingStatus:         record.BillingStatus,
		InvoiceID:             record.InvoiceID,
		BilledAt:              record.BilledAt,
		AuditNotes:            record.AuditNotes,
		RecordHash:            record.Integrity.RecordHash,
		PrevHash:              record.Integrity.PrevHash,
		ChainSeq:              record.Integrity.ChainSeq,
		Signature:             record.Integrity.Signature,
		SigningKeyID:          record.Integrity.SigningKeyID,
		SealedAt:              record.Integrity.SealedAt,
		CreatedAt:             record.CreatedAt,
	}
}

func (row *usageRow) toModel() *models.UsageRecord {
	return &models.UsageRecord{
		ID:          row.ID,
		TenantID:    row.TenantID,
		UserID:      row.UserID,
		DocumentID:  row.DocumentID,
		RecordedAt:  row.RecordedAt,
		ServiceType: row.ServiceType,
		Model:       row.Model,
		Metadata:    row.Metadata,
		InputTokens: row.InputTokens,
		OutputTokens: row.OutputTokens,
		TotalTokens:  row.TotalTokens,
		Characters:   row.Characters,
		Pages:        row.Pages,
		Cost: models.CostBreakdown{
			SourceCurrency:       row.SourceCurrency,
			BillingCurrency:      row.BillingCurrency,
			BaseCost:             row.BaseCost,
			Markup:               row.Markup,
			MarkedUpCost:         row.MarkedUpCost,
			ExchangeRate:         row.ExchangeRate,
			ConvertedCost:        row.ConvertedCost,
			FinalCost:            row.FinalCost,
			MinimumChargeApplied: row.MinimumChargeApplied,
			TaxRate:              row.TaxRate,
			TaxAmount:            row.TaxAmount,
			TotalCharge:          row.TotalCharge,
		},
		Value: models.ValueEstimate{
			TimeSavedHours:      row.TimeSavedHours,
			RiskMitigationValue: row.RiskMitigationValue,
			ComplianceValue:     row.ComplianceValue,
			TotalValue:          row.TotalValue,
		},
		Tier: models.ServiceTierSnapshot{
			Name:              row.TierName,
			MonthlyTokenQuota: row.TierMonthlyTokenQuota,
			OverageMultiplier: row.TierOverageMultiplier,
		},
		BillingStatus: row.BillingStatus,
		InvoiceID:     row.InvoiceID,
		BilledAt:      row.BilledAt,
		AuditNotes:    row.AuditNotes,
		Integrity: models.IntegrityBlock{
			RecordHash:   row.RecordHash,
			PrevHash:     row.PrevHash,
			ChainSeq:     row.ChainSeq,
			Signature:    row.Signature,
			SigningKeyID: row.SigningKeyID,
			SealedAt:     row.SealedAt,
		},
		CreatedAt: row.CreatedAt,
	}
}

// UsageRepository handles usage record database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// UpsertBatch writes a batch of sealed records in one transaction. The
// record id is the idempotency key: the batch writer delivers at least
// once, and ON CONFLICT DO NOTHING makes the effect at most once.
func (r *UsageRepository) UpsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO usage_records (` + usageColumns + `)
		VALUES (
			:id, :tenant_id, :user_id, :document_id, :recorded_at,
			:service_type, :model, :metadata,
			:input_tokens, :output_tokens, :total_tokens, :characters, :pages,
			:source_currency, :billing_currency, :base_cost, :markup, :marked_up_cost,
			:exchange_rate, :converted_cost, :final_cost, :minimum_charge_applied,
			:tax_rate, :tax_amount, :total_charge,
			:time_saved_hours, :risk_mitigation_value, :compliance_value, :total_value,
			:tier_name, :tier_monthly_token_quota, :tier_overage_multiplier,
			:billing_status, :invoice_id, :billed_at, :audit_notes,
			:record_hash, :prev_hash, :chain_seq, :signature, :signing_key_id, :sealed_at,
			:created_at
		)
		ON CONFLICT (id) DO NOTHING
	`

	for _, record := range records {
		if _, err := tx.NamedExecContext(ctx, query, fromModel(record)); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// GetByID retrieves a usage record by id.
func (r *UsageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	var row usageRow
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE id = $1`
	if err := r.db.conn.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return row.toModel(), nil
}

// ListPending returns a tenant's PENDING records whose timestamps fall
// inside the cycle window, ordered by recording time.
func (r *UsageRepository) ListPending(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*models.UsageRecord, error) {
	var rows []usageRow
	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE tenant_id = $1
		  AND billing_status = $2
		  AND recorded_at >= $3
		  AND recorded_at <= $4
		ORDER BY recorded_at, id
	`
	if err := r.db.conn.SelectContext(ctx, &rows, query, tenantID, models.StatusPending, start, end); err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}

	records := make([]*models.UsageRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].toModel()
	}
	return records, nil
}

// markBilled transitions the given records PENDING -> BILLED inside the
// supplied transaction and stamps the invoice id. It returns the number of
// rows actually transitioned; a shortfall means another aggregation run won
// the race for some of them.
func (r *UsageRepository) markBilled(ctx context.Context, tx *sqlx.Tx, recordIDs []uuid.UUID, invoiceID uuid.UUID, at time.Time) (int64, error) {
	ids := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		ids[i] = id.String()
	}

	note := fmt.Sprintf("%s: PENDING -> BILLED: invoice %s", at.UTC().Format(time.RFC3339), invoiceID)
	result, err := tx.ExecContext(ctx, `
		UPDATE usage_records
		SET billing_status = $1,
		    invoice_id = $2,
		    billed_at = $3,
		    audit_notes = array_append(audit_notes, $4)
		WHERE id = ANY($5)
		  AND billing_status = $6
	`, models.StatusBilled, invoiceID, at, note, pq.Array(ids), models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to mark records billed: %w", err)
	}
	return result.RowsAffected()
}

// ChainHead returns the hash and chain position of the tenant's most
// recently sealed record, used to seed the sealer at startup. Empty hash
// when the tenant has no records.
func (r *UsageRepository) ChainHead(ctx context.Context, tenantID uuid.UUID) (string, int64, error) {
	var head struct {
		RecordHash string `db:"record_hash"`
		ChainSeq   int64  `db:"chain_seq"`
	}
	query := `
		SELECT record_hash, chain_seq FROM usage_records
		WHERE tenant_id = $1
		ORDER BY chain_seq DESC
		LIMIT 1
	`
	if err := r.db.conn.GetContext(ctx, &head, query, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("failed to get chain head: %w", err)
	}
	return head.RecordHash, head.ChainSeq, nil
}

// ChainSlice returns the tenant's sealed records between two record ids
// inclusive, ordered by their chain position. Implements
// integrity.ChainSource.
func (r *UsageRepository) ChainSlice(ctx context.Context, tenantID, fromID, toID uuid.UUID) ([]*models.UsageRecord, error) {
	var fromSeq, toSeq int64
	if err := r.db.conn.GetContext(ctx, &fromSeq, `SELECT chain_seq FROM usage_records WHERE id = $1 AND tenant_id = $2`, fromID, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to resolve chain start: %w", err)
	}
	if err := r.db.conn.GetContext(ctx, &toSeq, `SELECT chain_seq FROM usage_records WHERE id = $1 AND tenant_id = $2`, toID, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to resolve chain end: %w", err)
	}

	var rows []usageRow
	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE tenant_id = $1
		  AND chain_seq >= $2
		  AND chain_seq <= $3
		ORDER BY chain_seq
	`
	if err := r.db.conn.SelectContext(ctx, &rows, query, tenantID, fromSeq, toSeq); err != nil {
		return nil, fmt.Errorf("failed to load chain slice: %w", err)
	}

	records := make([]*models.UsageRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].toModel()
	}
	return records, nil
}

// DailyRevenue is one day's aggregated revenue for the forecaster.
type DailyRevenue struct {
	Day     time.Time       `db:"day"`
	Revenue decimal.Decimal `db:"revenue"`
	Records int64           `db:"records"`
	Tokens  int64           `db:"tokens"`
}

// DailyRevenueSince aggregates a tenant's revenue per day from the given
// instant onward.
func (r *UsageRepository) DailyRevenueSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]DailyRevenue, error) {
	var rows []DailyRevenue
	query := `
		SELECT date_trunc('day', recorded_at) AS day,
		       COALESCE(SUM(total_charge), 0) AS revenue,
		       COUNT(*) AS records,
		       COALESCE(SUM(total_tokens), 0) AS tokens
		FROM usage_records
		WHERE tenant_id = $1 AND recorded_at >= $2
		GROUP BY 1
		ORDER BY 1
	`
	if err := r.db.conn.SelectContext(ctx, &rows, query, tenantID, since); err != nil {
		return nil, fmt.Errorf("failed to aggregate daily revenue: %w", err)
	}
	return rows, nil
}

// ServiceTypeCount is the per-service request share for the forecaster's
// opportunity heuristics.
type ServiceTypeCount struct {
	ServiceType models.ServiceType `db:"service_type"`
	Requests    int64              `db:"requests"`
}

// ServiceTypeCountsSince counts a tenant's requests per service type from
// the given instant onward.
func (r *UsageRepository) ServiceTypeCountsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]ServiceTypeCount, error) {
	var rows []ServiceTypeCount
	query := `
		SELECT service_type, COUNT(*) AS requests
		FROM usage_records
		WHERE tenant_id = $1 AND recorded_at >= $2
		GROUP BY service_type
	`
	if err := r.db.conn.SelectContext(ctx, &rows, query, tenantID, since); err != nil {
		return nil, fmt.Errorf("failed to count service types: %w", err)
	}
	return rows, nil
}
