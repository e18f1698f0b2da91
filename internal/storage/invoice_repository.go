package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

type invoiceRow struct {
	ID       uuid.UUID `db:"id"`
	TenantID uuid.UUID `db:"tenant_id"`
	Number   string    `db:"number"`

	CycleType   models.CycleType `db:"cycle_type"`
	PeriodStart time.Time        `db:"period_start"`
	PeriodEnd   time.Time        `db:"period_end"`

	RecordIDs   pq.StringArray `db:"record_ids"`
	RecordCount int            `db:"record_count"`

	Currency    string          `db:"currency"`
	TotalCost   decimal.Decimal `db:"total_cost"`
	TotalTax    decimal.Decimal `db:"total_tax"`
	TotalCharge decimal.Decimal `db:"total_charge"`

	LineItems []byte `db:"line_items"`

	PaymentReference string    `db:"payment_reference"`
	Signature        string    `db:"signature"`
	SigningKeyID     string    `db:"signing_key_id"`
	GeneratedAt      time.Time `db:"generated_at"`
}

const invoiceColumns = `
	id, tenant_id, number, cycle_type, period_start, period_end,
	record_ids, record_count, currency, total_cost, total_tax, total_charge,
	line_items, payment_reference, signature, signing_key_id, generated_at`

func fromInvoice(invoice *models.Invoice) (*invoiceRow, error) {
	lineItems, err := json.Marshal(invoice.LineItems)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal line items: %w", err)
	}
	return &invoiceRow{
		ID:               invoice.ID,
		TenantID:         invoice.TenantID,
		Number:           invoice.Number,
		CycleType:        invoice.CycleType,
		PeriodStart:      invoice.PeriodStart,
		PeriodEnd:        invoice.PeriodEnd,
		RecordIDs:        invoice.RecordIDs,
		RecordCount:      invoice.RecordCount,
		Currency:         invoice.Currency,
		TotalCost:        invoice.TotalCost,
		TotalTax:         invoice.TotalTax,
		TotalCharge:      invoice.TotalCharge,
		LineItems:        lineItems,
		PaymentReference: invoice.PaymentReference,
		Signature:        invoice.Signature,
		SigningKeyID:     invoice.SigningKeyID,
		GeneratedAt:      invoice.GeneratedAt,
	}, nil
}

func (row *invoiceRow) toModel() (*models.Invoice, error) {
	invoice := &models.Invoice{
		ID:               row.ID,
		TenantID:         row.TenantID,
		Number:           row.Number,
		CycleType:        row.CycleType,
		PeriodStart:      row.PeriodStart,
		PeriodEnd:        row.PeriodEnd,
		RecordIDs:        row.RecordIDs,
		RecordCount:      row.RecordCount,
		Currency:         row.Currency,
		TotalCost:        row.TotalCost,
		TotalTax:         row.TotalTax,
		TotalCharge:      row.TotalCharge,
		PaymentReference: row.PaymentReference,
		Signature:        row.Signature,
		SigningKeyID:     row.SigningKeyID,
		GeneratedAt:      row.GeneratedAt,
	}
	if len(row.LineItems) > 0 {
		if err := json.Unmarshal(row.LineItems, &invoice.LineItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal line items: %w", err)
		}
	}
	return invoice, nil
}

// InvoiceRepository handles invoice database operations
type InvoiceRepository struct {
	db *DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// create inserts an invoice inside the supplied transaction. The unique
// index on (tenant_id, cycle_type, period_start) doubles as the advisory
// lock for the cycle window: the second concurrent run gets
// ErrInvoiceExists and must abort.
func (r *InvoiceRepository) create(ctx context.Context, tx *sqlx.Tx, invoice *models.Invoice) error {
	row, err := fromInvoice(invoice)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (
			:id, :tenant_id, :number, :cycle_type, :period_start, :period_end,
			:record_ids, :record_count, :currency, :total_cost, :total_tax, :total_charge,
			:line_items, :payment_reference, :signature, :signing_key_id, :generated_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return ErrInvoiceExists
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

// GetByID retrieves an invoice by id.
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var row invoiceRow
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if err := r.db.conn.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return row.toModel()
}

// GetByWindow retrieves the invoice covering a tenant's cycle window, if
// one has been generated.
func (r *InvoiceRepository) GetByWindow(ctx context.Context, tenantID uuid.UUID, cycleType models.CycleType, periodStart time.Time) (*models.Invoice, error) {
	var row invoiceRow
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE tenant_id = $1 AND cycle_type = $2 AND period_start = $3
	`
	if err := r.db.conn.GetContext(ctx, &row, query, tenantID, cycleType, periodStart); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice by window: %w", err)
	}
	return row.toModel()
}

// NextSequence returns the next invoice sequence number for a tenant. The
// number is advisory; uniqueness is enforced by the window constraint.
func (r *InvoiceRepository) NextSequence(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	if err := r.db.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM invoices WHERE tenant_id = $1`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to count invoices: %w", err)
	}
	return count + 1, nil
}
