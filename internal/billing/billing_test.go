package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

var testSigningKey = []byte("billing-test-signing-key-32-bytes")

// fakeStore is an in-memory Store for aggregator tests.
type fakeStore struct {
	mu       sync.Mutex
	pending  map[uuid.UUID][]*models.UsageRecord
	invoices []*models.Invoice
	sequence map[uuid.UUID]int

	// raceWinner, when set, simulates another process inserting its
	// invoice between the window pre-check and our finalize.
	raceWinner *models.Invoice

	// claimant, when set, simulates an overlapping run of a different
	// cycle type claiming the selected records first: finalize marks
	// them with the claimant's invoice id and reports a conflict.
	claimant *models.Invoice
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pending:  make(map[uuid.UUID][]*models.UsageRecord),
		sequence: make(map[uuid.UUID]int),
	}
}

func (s *fakeStore) PendingRecords(_ context.Context, tenantID uuid.UUID, start, end time.Time) ([]*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.UsageRecord
	for _, rec := range s.pending[tenantID] {
		if rec.BillingStatus == models.StatusPending && !rec.RecordedAt.Before(start) && !rec.RecordedAt.After(end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) InvoiceByWindow(_ context.Context, tenantID uuid.UUID, cycleType models.CycleType, periodStart time.Time) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.CycleType == cycleType && inv.PeriodStart.Equal(periodStart) {
			return inv, nil
		}
	}
	return nil, storage.ErrInvoiceNotFound
}

func (s *fakeStore) NextInvoiceSequence(_ context.Context, tenantID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence[tenantID]++
	return s.sequence[tenantID], nil
}

func (s *fakeStore) FinalizeInvoice(_ context.Context, invoice *models.Invoice, recordIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raceWinner != nil {
		s.invoices = append(s.invoices, s.raceWinner)
		s.raceWinner = nil
		return storage.ErrInvoiceExists
	}
	if s.claimant != nil {
		for _, rec := range s.pending[invoice.TenantID] {
			rec.InvoiceID = &s.claimant.ID
		}
		s.invoices = append(s.invoices, s.claimant)
		s.claimant = nil
		return storage.ErrBillingConflict
	}
	for _, inv := range s.invoices {
		if inv.TenantID == invoice.TenantID && inv.CycleType == invoice.CycleType && inv.PeriodStart.Equal(invoice.PeriodStart) {
			return storage.ErrInvoiceExists
		}
	}
	s.invoices = append(s.invoices, invoice)
	billed := make(map[uuid.UUID]bool, len(recordIDs))
	for _, id := range recordIDs {
		billed[id] = true
	}
	now := time.Now().UTC()
	for _, rec := range s.pending[invoice.TenantID] {
		if billed[rec.ID] {
			rec.BillingStatus = models.StatusBilled
			rec.InvoiceID = &invoice.ID
			rec.BilledAt = &now
		}
	}
	return nil
}

func (s *fakeStore) ClaimingInvoice(_ context.Context, recordIDs []uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = true
	}
	for _, recs := range s.pending {
		for _, rec := range recs {
			if wanted[rec.ID] && rec.InvoiceID != nil {
				return *rec.InvoiceID, nil
			}
		}
	}
	return uuid.Nil, nil
}

func testRecord(tenantID uuid.UUID, serviceType models.ServiceType, recordedAt time.Time, finalCost, taxAmount string) *models.UsageRecord {
	final := decimal.RequireFromString(finalCost)
	tax := decimal.RequireFromString(taxAmount)
	return &models.UsageRecord{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       uuid.New(),
		RecordedAt:   recordedAt,
		ServiceType:  serviceType,
		Model:        models.ModelWilsyLegalSpecialized,
		InputTokens:  10000,
		OutputTokens: 5000,
		TotalTokens:  15000,
		Cost: models.CostBreakdown{
			SourceCurrency:  "USD",
			BillingCurrency: "ZAR",
			FinalCost:       final,
			TaxRate:         decimal.RequireFromString("0.15"),
			TaxAmount:       tax,
			TotalCharge:     final.Add(tax),
		},
		BillingStatus: models.StatusPending,
	}
}

func newTestAggregator(t *testing.T, store Store) *CycleAggregator {
	t.Helper()
	gen, err := NewInvoiceGenerator(testSigningKey, "test-key-1")
	require.NoError(t, err)
	return NewCycleAggregator(store, gen, utils.NewLogger("billing-test", utils.Error))
}

func TestWindowFor(t *testing.T) {
	ref := time.Date(2026, time.August, 17, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		cycleType models.CycleType
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "monthly",
			cycleType: models.CycleMonthly,
			wantStart: time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond),
		},
		{
			name:      "quarterly",
			cycleType: models.CycleQuarterly,
			wantStart: time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond),
		},
		{
			name:      "annual",
			cycleType: models.CycleAnnual,
			wantStart: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window, err := WindowFor(tt.cycleType, ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, window.Start)
			assert.Equal(t, tt.wantEnd, window.End)
			assert.True(t, window.Contains(ref))
			assert.False(t, window.Contains(window.End.Add(time.Nanosecond)))
		})
	}

	t.Run("unknown cycle type", func(t *testing.T) {
		_, err := WindowFor(models.CycleType("WEEKLY"), ref)
		assert.Error(t, err)
	})

	t.Run("december rolls into next year", func(t *testing.T) {
		window, err := WindowFor(models.CycleMonthly, time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, time.December, 1, 0, 0, 0, 0, time.UTC), window.Start)
		assert.Equal(t, 2027, window.End.Year())
	})
}

func TestInvoiceGenerator(t *testing.T) {
	tenantID := uuid.New()
	window, err := WindowFor(models.CycleMonthly, time.Date(2026, time.August, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	gen, err := NewInvoiceGenerator(testSigningKey, "test-key-1")
	require.NoError(t, err)

	records := []*models.UsageRecord{
		testRecord(tenantID, models.ServiceDocumentAnalysis, window.Start.Add(time.Hour), "250.00", "37.50"),
		testRecord(tenantID, models.ServiceDocumentAnalysis, window.Start.Add(2*time.Hour), "310.25", "46.54"),
		testRecord(tenantID, models.ServiceContractReview, window.Start.Add(3*time.Hour), "412.80", "61.92"),
	}

	invoice, err := gen.Generate(tenantID, models.CycleMonthly, window, 7, records)
	require.NoError(t, err)

	assert.Equal(t, tenantID, invoice.TenantID)
	assert.Equal(t, tenantID.String()+"-20260801-0007", invoice.Number)
	assert.Equal(t, "ZAR", invoice.Currency)
	assert.Equal(t, 3, invoice.RecordCount)
	assert.Len(t, invoice.RecordIDs, 3)

	assert.True(t, invoice.TotalCost.Equal(decimal.RequireFromString("973.05")), "total cost %s", invoice.TotalCost)
	assert.True(t, invoice.TotalTax.Equal(decimal.RequireFromString("145.96")), "total tax %s", invoice.TotalTax)
	assert.True(t, invoice.TotalCharge.Equal(invoice.TotalCost.Add(invoice.TotalTax)))

	// Two service lines plus the tax line, services sorted by name.
	require.Len(t, invoice.LineItems, 3)
	assert.Contains(t, invoice.LineItems[0].Description, string(models.ServiceContractReview))
	assert.Contains(t, invoice.LineItems[1].Description, string(models.ServiceDocumentAnalysis))
	assert.Contains(t, invoice.LineItems[2].Description, "Tax (15%)")
	assert.True(t, invoice.LineItems[2].Amount.Equal(invoice.TotalTax))

	assert.NotEmpty(t, invoice.PaymentReference)
	assert.Equal(t, "test-key-1", invoice.SigningKeyID)
	assert.True(t, gen.VerifyInvoice(invoice))

	t.Run("signature detects tampering", func(t *testing.T) {
		tampered := *invoice
		tampered.TotalCharge = tampered.TotalCharge.Add(decimal.NewFromInt(1))
		assert.False(t, gen.VerifyInvoice(&tampered))
	})

	t.Run("rejects foreign tenant record", func(t *testing.T) {
		foreign := testRecord(uuid.New(), models.ServiceLegalResearch, window.Start.Add(time.Hour), "100.00", "15.00")
		_, err := gen.Generate(tenantID, models.CycleMonthly, window, 8, []*models.UsageRecord{foreign})
		assert.Error(t, err)
	})

	t.Run("rejects empty record set", func(t *testing.T) {
		_, err := gen.Generate(tenantID, models.CycleMonthly, window, 8, nil)
		assert.Error(t, err)
	})
}

func TestRunBillingCycle(t *testing.T) {
	ctx := context.Background()
	ref := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	t.Run("bills pending records and transitions them", func(t *testing.T) {
		tenantID := uuid.New()
		store := newFakeStore()
		store.pending[tenantID] = []*models.UsageRecord{
			testRecord(tenantID, models.ServiceDocumentAnalysis, ref.Add(-time.Hour), "250.00", "37.50"),
			testRecord(tenantID, models.ServiceComplianceCheck, ref.Add(-2*time.Hour), "500.00", "75.00"),
		}
		agg := newTestAggregator(t, store)

		result, err := agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
		require.NoError(t, err)
		assert.False(t, result.NoOp)
		assert.False(t, result.AlreadyBilled)
		assert.Equal(t, 2, result.RecordCount)
		assert.True(t, result.TotalCharge.Equal(decimal.RequireFromString("862.50")), "total charge %s", result.TotalCharge)

		for _, rec := range store.pending[tenantID] {
			assert.Equal(t, models.StatusBilled, rec.BillingStatus)
			require.NotNil(t, rec.InvoiceID)
			assert.Equal(t, result.InvoiceID, *rec.InvoiceID)
			require.NotNil(t, rec.BilledAt)
			require.NotEmpty(t, rec.AuditNotes)
			assert.Contains(t, rec.AuditNotes[len(rec.AuditNotes)-1], "PENDING -> BILLED: invoice "+result.InvoiceNumber)
		}
	})

	t.Run("second run returns existing invoice", func(t *testing.T) {
		tenantID := uuid.New()
		store := newFakeStore()
		store.pending[tenantID] = []*models.UsageRecord{
			testRecord(tenantID, models.ServiceDocumentAnalysis, ref.Add(-time.Hour), "250.00", "37.50"),
		}
		agg := newTestAggregator(t, store)

		first, err := agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
		require.NoError(t, err)

		second, err := agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
		require.NoError(t, err)
		assert.True(t, second.AlreadyBilled)
		assert.Equal(t, first.InvoiceID, second.InvoiceID)
		assert.Equal(t, first.InvoiceNumber, second.InvoiceNumber)
		assert.Len(t, store.invoices, 1)
	})

	t.Run("empty window is a no-op", func(t *testing.T) {
		tenantID := uuid.New()
		store := newFakeStore()
		agg := newTestAggregator(t, store)

		result, err := agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
		require.NoError(t, err)
		assert.True(t, result.NoOp)
		assert.Empty(t, store.invoices)
	})

	t.Run("loser of insert race gets BillingRaceError", func(t *testing.T) {
		tenantID := uuid.New()
		store := newFakeStore()
		store.pending[tenantID] = []*models.UsageRecord{
			testRecord(tenantID, models.ServiceDocumentAnalysis, ref.Add(-time.Hour), "250.00", "37.50"),
		}
		agg := newTestAggregator(t, store)

		winner := &models.Invoice{
			ID:          uuid.New(),
			TenantID:    tenantID,
			CycleType:   models.CycleMonthly,
			PeriodStart: time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
		}
		store.raceWinner = winner

		_, err := agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
		var race *BillingRaceError
		require.ErrorAs(t, err, &race)
		assert.Equal(t, tenantID, race.TenantID)
		assert.Equal(t, winner.ID, race.ExistingInvoiceID)
	})

	t.Run("loser of record race gets BillingRaceError naming the claimant", func(t *testing.T) {
		tenantID := uuid.New()
		store := newFakeStore()
		store.pending[tenantID] = []*models.UsageRecord{
			testRecord(tenantID, models.ServiceDocumentAnalysis, ref.Add(-time.Hour), "250.00", "37.50"),
		}
		agg := newTestAggregator(t, store)

		// An annual run claims the same records while our monthly run is
		// between its read and its commit.
		claimant := &models.Invoice{
			ID:          uuid.New(),
			TenantID:    tenantID,
			CycleType:   models.CycleAnnual,
			PeriodStart: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		}
		store.claimant = claimant

		_, err := agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
		var race *BillingRaceError
		require.ErrorAs(t, err, &race)
		assert.Equal(t, tenantID, race.TenantID)
		assert.Equal(t, claimant.ID, race.ExistingInvoiceID)
		assert.Contains(t, race.Error(), claimant.ID.String())
	})

	t.Run("concurrent in-process runs produce one invoice", func(t *testing.T) {
		tenantID := uuid.New()
		store := newFakeStore()
		store.pending[tenantID] = []*models.UsageRecord{
			testRecord(tenantID, models.ServiceDocumentAnalysis, ref.Add(-time.Hour), "250.00", "37.50"),
		}
		agg := newTestAggregator(t, store)

		var wg sync.WaitGroup
		results := make([]*CycleResult, 8)
		errs := make([]error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = agg.RunBillingCycle(ctx, tenantID, models.CycleMonthly, ref)
			}(i)
		}
		wg.Wait()

		billed := 0
		for i := 0; i < 8; i++ {
			require.NoError(t, errs[i])
			if !results[i].AlreadyBilled {
				billed++
			}
		}
		assert.Equal(t, 1, billed)
		assert.Len(t, store.invoices, 1)
	})

	t.Run("different tenants bill independently", func(t *testing.T) {
		store := newFakeStore()
		tenantA, tenantB := uuid.New(), uuid.New()
		store.pending[tenantA] = []*models.UsageRecord{
			testRecord(tenantA, models.ServiceDocumentAnalysis, ref.Add(-time.Hour), "250.00", "37.50"),
		}
		store.pending[tenantB] = []*models.UsageRecord{
			testRecord(tenantB, models.ServiceLegalResearch, ref.Add(-time.Hour), "300.00", "45.00"),
		}
		agg := newTestAggregator(t, store)

		resA, err := agg.RunBillingCycle(ctx, tenantA, models.CycleMonthly, ref)
		require.NoError(t, err)
		resB, err := agg.RunBillingCycle(ctx, tenantB, models.CycleMonthly, ref)
		require.NoError(t, err)
		assert.NotEqual(t, resA.InvoiceID, resB.InvoiceID)
		assert.Len(t, store.invoices, 2)
	})
}
