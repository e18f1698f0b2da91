package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// Store is the persistence surface the aggregator runs against. It is
// satisfied by storage.BillingStore.
type Store interface {
	PendingRecords(ctx context.Context, tenantID uuid.UUID, start, end time.Time) ([]*models.UsageRecord, error)
	InvoiceByWindow(ctx context.Context, tenantID uuid.UUID, cycleType models.CycleType, periodStart time.Time) (*models.Invoice, error)
	NextInvoiceSequence(ctx context.Context, tenantID uuid.UUID) (int, error)
	FinalizeInvoice(ctx context.Context, invoice *models.Invoice, recordIDs []uuid.UUID) error
	ClaimingInvoice(ctx context.Context, recordIDs []uuid.UUID) (uuid.UUID, error)
}

// CycleResult reports the outcome of one billing cycle run.
type CycleResult struct {
	// NoOp is true when the window had no pending records and no invoice
	// was generated.
	NoOp bool

	// AlreadyBilled is true when the window was billed before this run;
	// the invoice fields then describe the existing invoice.
	AlreadyBilled bool

	InvoiceID     uuid.UUID
	InvoiceNumber string
	RecordCount   int
	TotalCharge   decimal.Decimal
}

// BillingRaceError is returned to the loser of a concurrent cycle run for the
// same tenant. The winner's invoice already covers the records, so the caller
// should treat the run as settled rather than retry. ExistingInvoiceID is
// zero when the winning run's invoice could not be identified.
type BillingRaceError struct {
	TenantID          uuid.UUID
	ExistingInvoiceID uuid.UUID
}

func (e *BillingRaceError) Error() string {
	if e.ExistingInvoiceID == uuid.Nil {
		return fmt.Sprintf("billing cycle for tenant %s lost to concurrent run", e.TenantID)
	}
	return fmt.Sprintf("billing cycle for tenant %s lost to concurrent run, invoice %s already exists", e.TenantID, e.ExistingInvoiceID)
}

// CycleAggregator runs billing cycles: it collects a tenant's pending records
// inside a cycle window, hands them to the invoice generator, and finalizes
// the invoice and the record status transitions in one store transaction.
//
// Two locks guard against double billing. In process, a per-(tenant, cycle,
// window) mutex serializes runs so concurrent goroutines never race to the
// store. Across processes, the store's unique window constraint decides the
// winner; the loser gets a *BillingRaceError.
type CycleAggregator struct {
	store     Store
	generator *InvoiceGenerator
	logger    *utils.Logger

	mu    sync.Mutex
	locks map[windowKey]*sync.Mutex
}

type windowKey struct {
	tenantID  uuid.UUID
	cycleType models.CycleType
	start     time.Time
}

// NewCycleAggregator returns an aggregator over the given store.
func NewCycleAggregator(store Store, generator *InvoiceGenerator, logger *utils.Logger) *CycleAggregator {
	return &CycleAggregator{
		store:     store,
		generator: generator,
		logger:    logger,
		locks:     make(map[windowKey]*sync.Mutex),
	}
}

// RunBillingCycle bills the cycle window containing ref for one tenant. The
// operation is idempotent: a window that already has an invoice returns that
// invoice with AlreadyBilled set, and an empty window is a no-op. Records are
// only ever attached to a single invoice.
func (a *CycleAggregator) RunBillingCycle(ctx context.Context, tenantID uuid.UUID, cycleType models.CycleType, ref time.Time) (*CycleResult, error) {
	window, err := WindowFor(cycleType, ref)
	if err != nil {
		return nil, err
	}

	lock := a.windowLock(windowKey{tenantID: tenantID, cycleType: cycleType, start: window.Start})
	lock.Lock()
	defer lock.Unlock()

	existing, err := a.store.InvoiceByWindow(ctx, tenantID, cycleType, window.Start)
	if err != nil && !errors.Is(err, storage.ErrInvoiceNotFound) {
		return nil, fmt.Errorf("billing cycle: check window: %w", err)
	}
	if existing != nil {
		return resultFor(existing, true), nil
	}

	records, err := a.store.PendingRecords(ctx, tenantID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("billing cycle: load pending records: %w", err)
	}
	if len(records) == 0 {
		a.logger.Debug("billing cycle no-op", "tenant_id", tenantID, "cycle_type", cycleType, "period_start", window.Start)
		return &CycleResult{NoOp: true, TotalCharge: decimal.Zero}, nil
	}

	sequence, err := a.store.NextInvoiceSequence(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("billing cycle: next sequence: %w", err)
	}

	invoice, err := a.generator.Generate(tenantID, cycleType, window, sequence, records)
	if err != nil {
		return nil, fmt.Errorf("billing cycle: generate invoice: %w", err)
	}

	recordIDs := make([]uuid.UUID, len(records))
	for i, rec := range records {
		recordIDs[i] = rec.ID
		if err := rec.TransitionStatus(models.StatusBilled, "invoice "+invoice.Number, invoice.GeneratedAt); err != nil {
			return nil, fmt.Errorf("billing cycle: record %s: %w", rec.ID, err)
		}
	}

	if err := a.store.FinalizeInvoice(ctx, invoice, recordIDs); err != nil {
		if errors.Is(err, storage.ErrInvoiceExists) {
			winner, lookupErr := a.store.InvoiceByWindow(ctx, tenantID, cycleType, window.Start)
			if lookupErr != nil {
				return nil, fmt.Errorf("billing cycle: lost insert race but winner not found: %w", lookupErr)
			}
			return nil, &BillingRaceError{TenantID: tenantID, ExistingInvoiceID: winner.ID}
		}
		if errors.Is(err, storage.ErrBillingConflict) {
			// Some selected records were claimed between our read and the
			// commit, typically by an overlapping-window run of a different
			// cycle type. Report whose invoice took them.
			claiming, lookupErr := a.store.ClaimingInvoice(ctx, recordIDs)
			if lookupErr != nil {
				a.logger.Warn("billing cycle lost record race, claiming invoice lookup failed",
					"tenant_id", tenantID, "error", lookupErr)
			}
			return nil, &BillingRaceError{TenantID: tenantID, ExistingInvoiceID: claiming}
		}
		return nil, fmt.Errorf("billing cycle: finalize invoice: %w", err)
	}

	a.logger.Info("billing cycle complete",
		"tenant_id", tenantID,
		"cycle_type", cycleType,
		"invoice_number", invoice.Number,
		"record_count", invoice.RecordCount,
		"total_charge", invoice.TotalCharge.StringFixed(2))
	return resultFor(invoice, false), nil
}

func resultFor(invoice *models.Invoice, existing bool) *CycleResult {
	return &CycleResult{
		AlreadyBilled: existing,
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.Number,
		RecordCount:   invoice.RecordCount,
		TotalCharge:   invoice.TotalCharge,
	}
}

func (a *CycleAggregator) windowLock(key windowKey) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	return lock
}
