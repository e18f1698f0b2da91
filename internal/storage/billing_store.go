package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// BillingStore is the cycle aggregator's view of the durable store. Its
// FinalizeInvoice method is the one operation that must be atomic across
// "insert invoice" and "mark records billed"; everything else is a read.
type BillingStore struct {
	db       *DB
	usage    *UsageRepository
	invoices *InvoiceRepository
}

// NewBillingStore creates a billing store over the shared connection.
func NewBillingStore(db *DB) *BillingStore {
	return &BillingStore{
		db:       db,
		usage:    NewUsageRepository(db),
		invoices: NewInvoiceRepository(db),
	}
}

// PendingRecords returns the tenant's unbilled records inside the window.
func (s *BillingStore) PendingRecords(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*models.UsageRecord, error) {
	return s.usage.ListPending(ctx, tenantID, start, end)
}

// InvoiceByWindow returns the already-generated invoice for a window, or
// ErrInvoiceNotFound.
func (s *BillingStore) InvoiceByWindow(ctx context.Context, tenantID uuid.UUID, cycleType models.CycleType, periodStart time.Time) (*models.Invoice, error) {
	return s.invoices.GetByWindow(ctx, tenantID, cycleType, periodStart)
}

// NextInvoiceSequence returns the tenant's next invoice sequence number.
func (s *BillingStore) NextInvoiceSequence(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.invoices.NextSequence(ctx, tenantID)
}

// ClaimingInvoice returns the id of an invoice that already owns any of the
// given records, or uuid.Nil when none of them are billed. Used to identify
// the winner after a lost record race.
func (s *BillingStore) ClaimingInvoice(ctx context.Context, recordIDs []uuid.UUID) (uuid.UUID, error) {
	ids := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		ids[i] = id.String()
	}

	var invoiceID uuid.UUID
	err := s.db.conn.GetContext(ctx, &invoiceID, `
		SELECT invoice_id FROM usage_records
		WHERE id = ANY($1) AND invoice_id IS NOT NULL
		LIMIT 1
	`, pq.Array(ids))
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to find claiming invoice: %w", err)
	}
	return invoiceID, nil
}

// FinalizeInvoice persists the invoice and transitions every included
// record PENDING -> BILLED in a single transaction.
//
// Two failure modes signal a lost race, and both roll back cleanly:
//   - ErrInvoiceExists: another run already inserted an invoice for this
//     window (unique constraint on tenant+cycle+period_start).
//   - ErrBillingConflict: some selected records were billed between the
//     read and this commit, so the invoice would not match its records.
func (s *BillingStore) FinalizeInvoice(ctx context.Context, invoice *models.Invoice, recordIDs []uuid.UUID) error {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.invoices.create(ctx, tx, invoice); err != nil {
		return err
	}

	affected, err := s.usage.markBilled(ctx, tx, recordIDs, invoice.ID, invoice.GeneratedAt)
	if err != nil {
		return err
	}
	if affected != int64(len(recordIDs)) {
		return ErrBillingConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invoice: %w", err)
	}
	return nil
}
