// Package export ships redacted copies of billed usage to an external audit
// bucket. Exported records carry hashes for verification but never the
// signature or signing key id, so a bucket leak cannot help forge records.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// AuditRecord is the redacted export form of a usage record.
type AuditRecord struct {
	RecordID    uuid.UUID           `json:"record_id"`
	TenantID    uuid.UUID           `json:"tenant_id"`
	RecordedAt  time.Time           `json:"recorded_at"`
	ServiceType models.ServiceType  `json:"service_type"`
	Model       models.PricingModel `json:"model"`
	TotalTokens int                 `json:"total_tokens"`

	Currency    string          `json:"currency"`
	TotalCharge decimal.Decimal `json:"total_charge"`

	BillingStatus models.BillingStatus `json:"billing_status"`
	InvoiceID     *uuid.UUID           `json:"invoice_id,omitempty"`

	RecordHash string    `json:"record_hash"`
	PrevHash   string    `json:"prev_hash"`
	SealedAt   time.Time `json:"sealed_at"`
}

// Redact strips a usage record down to its exportable form. The HMAC
// signature and key id never leave the service.
func Redact(record *models.UsageRecord) AuditRecord {
	return AuditRecord{
		RecordID:      record.ID,
		TenantID:      record.TenantID,
		RecordedAt:    record.RecordedAt,
		ServiceType:   record.ServiceType,
		Model:         record.Model,
		TotalTokens:   record.TotalTokens,
		Currency:      record.Cost.BillingCurrency,
		TotalCharge:   record.Cost.TotalCharge,
		BillingStatus: record.BillingStatus,
		InvoiceID:     record.InvoiceID,
		RecordHash:    record.Integrity.RecordHash,
		PrevHash:      record.Integrity.PrevHash,
		SealedAt:      record.Integrity.SealedAt,
	}
}

// Uploader puts one object. Satisfied by the S3 client; faked in tests.
type Uploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink buffers redacted records and uploads them as JSON Lines objects,
// either when the buffer reaches batchSize or on the flush interval.
type S3Sink struct {
	client    Uploader
	bucket    string
	prefix    string
	nodeName  string
	batchSize int
	interval  time.Duration
	logger    *utils.Logger
	clock     func() time.Time

	mu     sync.Mutex
	buffer []AuditRecord

	stopChan    chan struct{}
	stoppedChan chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// S3SinkConfig configures the audit export sink.
type S3SinkConfig struct {
	Bucket    string
	Region    string
	Prefix    string
	NodeName  string
	BatchSize int
	Interval  time.Duration
}

// NewS3Sink builds a sink against real S3 using the ambient AWS credential
// chain.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig, logger *utils.Logger) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3SinkWithClient(s3.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewS3SinkWithClient builds a sink over an existing client. Used by tests.
func NewS3SinkWithClient(client Uploader, cfg S3SinkConfig, logger *utils.Logger) *S3Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &S3Sink{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		nodeName:    cfg.NodeName,
		batchSize:   cfg.BatchSize,
		interval:    cfg.Interval,
		logger:      logger,
		clock:       time.Now,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the background flush worker.
func (s *S3Sink) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop flushes the remaining buffer and terminates the worker.
func (s *S3Sink) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.stoppedChan
		err = s.Flush(ctx)
	})
	return err
}

// Export buffers one record for upload. The full batch is flushed inline
// when the buffer reaches the batch size.
func (s *S3Sink) Export(ctx context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, Redact(record))
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush uploads the buffered records as one JSON Lines object. On upload
// failure the records return to the buffer for the next attempt.
func (s *S3Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range batch {
		if err := encoder.Encode(&batch[i]); err != nil {
			s.logger.Error("failed to encode audit record", "record_id", batch[i].RecordID, "error", err)
		}
	}

	now := s.clock().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		s.prefix, now.Year(), now.Month(), now.Day(),
		s.nodeName, now.Format("20060102-150405"), now.Nanosecond())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		return fmt.Errorf("failed to upload audit batch: %w", err)
	}

	s.logger.Info("exported audit batch", "key", key, "count", len(batch), "bytes", buf.Len())
	return nil
}

func (s *S3Sink) run() {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("audit export flush failed", "error", err)
			}
			cancel()
		}
	}
}
