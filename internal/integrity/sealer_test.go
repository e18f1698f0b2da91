package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

var testKey = []byte("test-signing-key-32-bytes-long!!")

func newTestRecord(tenantID uuid.UUID, at time.Time) *models.UsageRecord {
	return &models.UsageRecord{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       uuid.New(),
		RecordedAt:   at,
		ServiceType:  models.ServiceContractReview,
		Model:        models.ModelWilsyLegalSpecialized,
		InputTokens:  10000,
		OutputTokens: 5000,
		TotalTokens:  15000,
		Cost: models.CostBreakdown{
			BaseCost:     decimal.RequireFromString("0.05"),
			Markup:       decimal.RequireFromString("4.0"),
			ExchangeRate: decimal.RequireFromString("18.5"),
			FinalCost:    decimal.RequireFromString("250"),
			TaxAmount:    decimal.RequireFromString("37.50"),
			TotalCharge:  decimal.RequireFromString("287.50"),
		},
		BillingStatus: models.StatusPending,
	}
}

// sliceSource serves a fixed, pre-ordered chain slice.
type sliceSource struct {
	records []*models.UsageRecord
}

func (s *sliceSource) ChainSlice(ctx context.Context, tenantID, fromID, toID uuid.UUID) ([]*models.UsageRecord, error) {
	return s.records, nil
}

func TestSealLinksPerTenantChain(t *testing.T) {
	sealer, err := NewSealer(testKey, "key-1")
	require.NoError(t, err)

	tenantA := uuid.New()
	tenantB := uuid.New()
	now := time.Now()

	a1 := newTestRecord(tenantA, now)
	a2 := newTestRecord(tenantA, now.Add(time.Second))
	b1 := newTestRecord(tenantB, now)

	require.NoError(t, sealer.Seal(a1))
	require.NoError(t, sealer.Seal(b1))
	require.NoError(t, sealer.Seal(a2))

	// Chain genesis has an empty prev hash.
	assert.Empty(t, a1.Integrity.PrevHash)
	assert.Empty(t, b1.Integrity.PrevHash)

	// a2 links to a1, not to b1: chains are scoped per tenant.
	assert.Equal(t, a1.Integrity.RecordHash, a2.Integrity.PrevHash)
	assert.NotEqual(t, b1.Integrity.RecordHash, a2.Integrity.PrevHash)

	// Chain positions count per tenant.
	assert.Equal(t, int64(1), a1.Integrity.ChainSeq)
	assert.Equal(t, int64(2), a2.Integrity.ChainSeq)
	assert.Equal(t, int64(1), b1.Integrity.ChainSeq)

	assert.Equal(t, "key-1", a1.Integrity.SigningKeyID)
	assert.True(t, VerifySignature(testKey, a1))
	assert.False(t, VerifySignature([]byte("wrong-key"), a1))
}

func TestSealRejectsDoubleSeal(t *testing.T) {
	sealer, err := NewSealer(testKey, "key-1")
	require.NoError(t, err)

	record := newTestRecord(uuid.New(), time.Now())
	require.NoError(t, sealer.Seal(record))
	assert.Error(t, sealer.Seal(record))
}

func TestSeedHeadContinuesPersistedChain(t *testing.T) {
	sealer, err := NewSealer(testKey, "key-1")
	require.NoError(t, err)

	tenant := uuid.New()
	sealer.SeedHead(tenant, "persisted-head-hash", 7)

	record := newTestRecord(tenant, time.Now())
	require.NoError(t, sealer.Seal(record))
	assert.Equal(t, "persisted-head-hash", record.Integrity.PrevHash)
	assert.Equal(t, int64(8), record.Integrity.ChainSeq)
}

func TestUnsealRestoresChainHead(t *testing.T) {
	sealer, err := NewSealer(testKey, "key-1")
	require.NoError(t, err)

	tenant := uuid.New()
	now := time.Now()

	first := newTestRecord(tenant, now)
	require.NoError(t, sealer.Seal(first))

	// Seal a record that never gets delivered, then revert it.
	dropped := newTestRecord(tenant, now.Add(time.Second))
	require.NoError(t, sealer.Seal(dropped))
	sealer.Unseal(dropped)

	assert.Equal(t, first.Integrity.RecordHash, sealer.Head(tenant))
	assert.False(t, dropped.Sealed())

	// The next record links to the last delivered record, not the
	// dropped one.
	next := newTestRecord(tenant, now.Add(2*time.Second))
	require.NoError(t, sealer.Seal(next))
	assert.Equal(t, first.Integrity.RecordHash, next.Integrity.PrevHash)
	assert.Equal(t, int64(2), next.Integrity.ChainSeq)
}

func TestCanonicalHashIsStableAndFieldSensitive(t *testing.T) {
	record := newTestRecord(uuid.New(), time.Now())

	first := CanonicalHash(record)
	assert.Equal(t, first, CanonicalHash(record), "hash must be deterministic")

	mutated := *record
	mutated.Cost.TotalCharge = decimal.RequireFromString("1287.50")
	assert.NotEqual(t, first, CanonicalHash(&mutated), "cost mutation must change the hash")
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	sealer, err := NewSealer(testKey, "key-1")
	require.NoError(t, err)

	tenant := uuid.New()
	now := time.Now()
	records := make([]*models.UsageRecord, 0, 5)
	for i := 0; i < 5; i++ {
		record := newTestRecord(tenant, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, sealer.Seal(record))
		records = append(records, record)
	}

	verifier := NewVerifier(&sliceSource{records: records}, testKey)

	report, err := verifier.VerifyChain(context.Background(), tenant, records[0].ID, records[4].ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Nil(t, report.BrokenAt)
	assert.Equal(t, 5, report.Checked)

	// Tamper with a mid-chain record's cost after sealing.
	records[2].Cost.FinalCost = decimal.RequireFromString("1")

	report, err = verifier.VerifyChain(context.Background(), tenant, records[0].ID, records[4].ID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.BrokenAt)
	assert.Equal(t, records[2].ID, *report.BrokenAt)
	assert.Equal(t, "record hash mismatch", report.Reason)
}

func TestVerifyChainDetectsReordering(t *testing.T) {
	sealer, err := NewSealer(testKey, "key-1")
	require.NoError(t, err)

	tenant := uuid.New()
	now := time.Now()
	records := make([]*models.UsageRecord, 0, 3)
	for i := 0; i < 3; i++ {
		record := newTestRecord(tenant, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, sealer.Seal(record))
		records = append(records, record)
	}

	// Swap two records to simulate reordering in the store.
	swapped := []*models.UsageRecord{records[0], records[2], records[1]}

	verifier := NewVerifier(&sliceSource{records: swapped}, testKey)
	report, err := verifier.VerifyChain(context.Background(), tenant, records[0].ID, records[1].ID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotNil(t, report.BrokenAt)
	assert.Equal(t, records[2].ID, *report.BrokenAt)
	assert.Equal(t, "previous-hash link broken", report.Reason)
}
