// Package metering is the ingestion gate: it validates raw usage events,
// prices and seals them, and hands the sealed records to the batch writer.
// Each call either fully validates, prices and seals, or fails without side
// effects; there is no partial ingestion.
package metering

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/integrity"
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/pricing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// Enrichment ratios for events that omit size counts.
const (
	charactersPerToken = 4
	charactersPerPage  = 2500
)

// UsageEvent is the raw consumption event as submitted by a caller.
type UsageEvent struct {
	TenantID     uuid.UUID              `json:"tenant_id"`
	UserID       uuid.UUID              `json:"user_id"`
	DocumentID   *uuid.UUID             `json:"document_id,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Service      models.ServiceType     `json:"service_type"`
	Model        models.PricingModel    `json:"model"`
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
	TotalTokens  int                    `json:"total_tokens"`
	Characters   int64                  `json:"characters,omitempty"`
	Pages        int                    `json:"pages,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// UsageReceipt is the synchronous acknowledgement of a recorded event.
// Durable persistence happens asynchronously through the batch writer.
type UsageReceipt struct {
	RecordID       uuid.UUID       `json:"record_id"`
	TotalCharge    decimal.Decimal `json:"total_charge"`
	Currency       string          `json:"currency"`
	ValueGenerated decimal.Decimal `json:"value_generated"`
	RecordHash     string          `json:"record_hash"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// RecordSink receives sealed records for asynchronous persistence. Satisfied
// by storage.BatchWriter.
type RecordSink interface {
	Enqueue(ctx context.Context, record *models.UsageRecord) error
}

// MetricsRecorder applies sealed records to the dashboard counters.
// Satisfied by metrics.Cache.
type MetricsRecorder interface {
	RecordSealed(ctx context.Context, record *models.UsageRecord) error
}

// AuditExporter receives sealed records for redacted external export.
// Satisfied by export.S3Sink.
type AuditExporter interface {
	Export(ctx context.Context, record *models.UsageRecord) error
}

// Service is the usage metering façade.
type Service struct {
	directory  TenantDirectory
	calculator *pricing.Calculator
	sealer     *integrity.Sealer
	verifier   *integrity.Verifier
	sink       RecordSink
	metrics    MetricsRecorder
	exporter   AuditExporter
	logger     *utils.Logger
	clock      func() time.Time

	// chains serializes seal+enqueue per tenant so a failed enqueue can
	// roll the chain head back before any later record links to it.
	chainMu sync.Mutex
	chains  map[uuid.UUID]*sync.Mutex
}

// NewService wires the metering façade. metrics may be nil when no dashboard
// cache is deployed.
func NewService(
	directory TenantDirectory,
	calculator *pricing.Calculator,
	sealer *integrity.Sealer,
	verifier *integrity.Verifier,
	sink RecordSink,
	metrics MetricsRecorder,
	logger *utils.Logger,
) *Service {
	return &Service{
		directory:  directory,
		calculator: calculator,
		sealer:     sealer,
		verifier:   verifier,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		clock:      time.Now,
		chains:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// WithClock overrides the service's time source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithExporter attaches a redacted audit exporter to the ingestion path.
func (s *Service) WithExporter(exporter AuditExporter) *Service {
	s.exporter = exporter
	return s
}

// RecordUsage validates, enriches, prices, values and seals one usage event,
// then queues the sealed record for persistence. Validation failures return
// *ValidationError before any cost is computed; an unknown model returns
// ErrUnknownPricingModel. The returned receipt is the caller's proof of
// ingestion.
func (s *Service) RecordUsage(ctx context.Context, event UsageEvent) (*UsageReceipt, error) {
	if err := s.validate(ctx, event); err != nil {
		return nil, err
	}

	account, err := s.directory.ResolveTenant(ctx, event.TenantID)
	if err != nil {
		return nil, invalid("tenant_id", "unresolvable tenant %s: %v", event.TenantID, err)
	}
	if account.Suspended {
		return nil, invalid("tenant_id", "tenant %s is suspended", event.TenantID)
	}

	recordedAt := event.OccurredAt
	if recordedAt.IsZero() {
		recordedAt = s.clock()
	}
	recordedAt = recordedAt.UTC()

	cost, err := s.calculator.Cost(event.InputTokens, event.OutputTokens, event.Model, recordedAt)
	if err != nil {
		return nil, err
	}

	record := &models.UsageRecord{
		ID:           uuid.New(),
		TenantID:     event.TenantID,
		UserID:       event.UserID,
		DocumentID:   event.DocumentID,
		RecordedAt:   recordedAt,
		ServiceType:  event.Service,
		Model:        event.Model,
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		TotalTokens:  event.InputTokens + event.OutputTokens,
		Metadata:     models.JSONB(event.Metadata),
		Cost:         cost,
		Tier:         account.Tier.Snapshot(),
		BillingStatus: models.StatusPending,
		CreatedAt:     s.clock().UTC(),
	}
	enrichCounts(record, event)
	record.Value = pricing.EstimateValue(event.Service, record.Pages)

	if err := s.sealRecord(ctx, record); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		// Best effort: a metrics outage never fails ingestion.
		if err := s.metrics.RecordSealed(ctx, record); err != nil {
			s.logger.Warn("metrics update failed", "record_id", record.ID, "error", err)
		}
	}

	if s.exporter != nil {
		// Best effort, same as metrics.
		if err := s.exporter.Export(ctx, record); err != nil {
			s.logger.Warn("audit export failed", "record_id", record.ID, "error", err)
		}
	}

	return &UsageReceipt{
		RecordID:       record.ID,
		TotalCharge:    record.Cost.TotalCharge,
		Currency:       record.Cost.BillingCurrency,
		ValueGenerated: record.Value.TotalValue,
		RecordHash:     record.Integrity.RecordHash,
		RecordedAt:     record.RecordedAt,
	}, nil
}

// sealRecord seals the record and hands it to the sink under the tenant's
// chain lock. An enqueue failure unseals the record and restores the chain
// head, so the dropped record leaves no trace in the chain and the event
// fails as a whole.
func (s *Service) sealRecord(ctx context.Context, record *models.UsageRecord) error {
	lock := s.chainLock(record.TenantID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.sealer.Seal(record); err != nil {
		return err
	}
	if err := s.sink.Enqueue(ctx, record); err != nil {
		s.sealer.Unseal(record)
		return err
	}
	return nil
}

func (s *Service) chainLock(tenantID uuid.UUID) *sync.Mutex {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	lock, ok := s.chains[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.chains[tenantID] = lock
	}
	return lock
}

// VerifyChain checks the tamper-evidence chain between two sealed records of
// one tenant.
func (s *Service) VerifyChain(ctx context.Context, tenantID, fromID, toID uuid.UUID) (*integrity.ChainReport, error) {
	return s.verifier.VerifyChain(ctx, tenantID, fromID, toID)
}

func (s *Service) validate(ctx context.Context, event UsageEvent) error {
	if event.TenantID == uuid.Nil {
		return invalid("tenant_id", "required")
	}
	if event.UserID == uuid.Nil {
		return invalid("user_id", "required")
	}
	if !event.Service.IsValid() {
		return invalid("service_type", "unknown service type %q", event.Service)
	}
	if event.Model == "" {
		return invalid("model", "required")
	}
	if event.InputTokens < 0 {
		return invalid("input_tokens", "must not be negative")
	}
	if event.OutputTokens < 0 {
		return invalid("output_tokens", "must not be negative")
	}
	if event.InputTokens+event.OutputTokens == 0 {
		return invalid("total_tokens", "event has no tokens")
	}
	if event.TotalTokens != 0 && event.TotalTokens != event.InputTokens+event.OutputTokens {
		return invalid("total_tokens", "%d does not equal input %d + output %d",
			event.TotalTokens, event.InputTokens, event.OutputTokens)
	}
	if event.Characters < 0 {
		return invalid("characters", "must not be negative")
	}
	if event.Pages < 0 {
		return invalid("pages", "must not be negative")
	}

	member, err := s.directory.UserBelongsToTenant(ctx, event.TenantID, event.UserID)
	if err != nil {
		return invalid("user_id", "membership check failed: %v", err)
	}
	if !member {
		return invalid("user_id", "user %s does not belong to tenant %s", event.UserID, event.TenantID)
	}
	return nil
}

// enrichCounts fills missing character and page counts from the fixed
// ratios. Caller-supplied counts win.
func enrichCounts(record *models.UsageRecord, event UsageEvent) {
	record.Characters = event.Characters
	if record.Characters == 0 {
		record.Characters = int64(record.TotalTokens) * charactersPerToken
	}
	record.Pages = event.Pages
	if record.Pages == 0 && record.Characters > 0 {
		record.Pages = int((record.Characters + charactersPerPage - 1) / charactersPerPage)
	}
}
