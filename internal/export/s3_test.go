package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (u *fakeUploader) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	u.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func sealedRecord(tenantID uuid.UUID) *models.UsageRecord {
	return &models.UsageRecord{
		ID:          uuid.New(),
		TenantID:    tenantID,
		RecordedAt:  time.Now().UTC(),
		ServiceType: models.ServiceDocumentAnalysis,
		Model:       models.ModelWilsyLegalSpecialized,
		TotalTokens: 15000,
		Cost: models.CostBreakdown{
			BillingCurrency: "ZAR",
			TotalCharge:     decimal.RequireFromString("287.50"),
		},
		BillingStatus: models.StatusPending,
		Integrity: models.IntegrityBlock{
			RecordHash:   "abc123",
			PrevHash:     "def456",
			Signature:    "secret-signature",
			SigningKeyID: "key-1",
			SealedAt:     time.Now().UTC(),
		},
	}
}

func newTestSink(uploader Uploader) *S3Sink {
	return NewS3SinkWithClient(uploader, S3SinkConfig{
		Bucket:    "audit-bucket",
		Prefix:    "audit/",
		NodeName:  "meterd-0",
		BatchSize: 3,
		Interval:  time.Hour,
	}, utils.NewLogger("export-test", utils.Error))
}

func TestRedactStripsSigningMaterial(t *testing.T) {
	record := sealedRecord(uuid.New())
	audit := Redact(record)

	assert.Equal(t, record.ID, audit.RecordID)
	assert.Equal(t, record.Integrity.RecordHash, audit.RecordHash)
	assert.Equal(t, record.Integrity.PrevHash, audit.PrevHash)

	payload, err := json.Marshal(audit)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "secret-signature")
	assert.NotContains(t, string(payload), "key-1")
}

func TestExportFlushesFullBatch(t *testing.T) {
	ctx := context.Background()
	uploader := newFakeUploader()
	sink := newTestSink(uploader)
	tenantID := uuid.New()

	// Two records stay buffered; the third fills the batch and uploads.
	require.NoError(t, sink.Export(ctx, sealedRecord(tenantID)))
	require.NoError(t, sink.Export(ctx, sealedRecord(tenantID)))
	assert.Empty(t, uploader.objects)

	require.NoError(t, sink.Export(ctx, sealedRecord(tenantID)))
	require.Len(t, uploader.objects, 1)

	for key, body := range uploader.objects {
		assert.Contains(t, key, "audit/")
		assert.Contains(t, key, "meterd-0")

		var lines int
		scanner := bufio.NewScanner(bytes.NewReader(body))
		for scanner.Scan() {
			var audit AuditRecord
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &audit))
			assert.Equal(t, tenantID, audit.TenantID)
			lines++
		}
		assert.Equal(t, 3, lines)
	}
}

func TestFlushFailureKeepsRecords(t *testing.T) {
	ctx := context.Background()
	uploader := newFakeUploader()
	sink := newTestSink(uploader)

	require.NoError(t, sink.Export(ctx, sealedRecord(uuid.New())))

	uploader.err = errors.New("s3 unavailable")
	assert.Error(t, sink.Flush(ctx))

	// The record survived the failed upload and flushes once S3 recovers.
	uploader.err = nil
	require.NoError(t, sink.Flush(ctx))
	assert.Len(t, uploader.objects, 1)
}

func TestStopFlushesRemainder(t *testing.T) {
	ctx := context.Background()
	uploader := newFakeUploader()
	sink := newTestSink(uploader)
	sink.Start()

	require.NoError(t, sink.Export(ctx, sealedRecord(uuid.New())))
	require.NoError(t, sink.Stop(ctx))
	assert.Len(t, uploader.objects, 1)
}

func TestFlushEmptyBufferIsNoOp(t *testing.T) {
	uploader := newFakeUploader()
	sink := newTestSink(uploader)
	require.NoError(t, sink.Flush(context.Background()))
	assert.Empty(t, uploader.objects)
}
