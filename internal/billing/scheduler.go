package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// TenantLister enumerates the tenants with billable activity, typically
// backed by the usage store.
type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]uuid.UUID, error)
}

// Scheduler runs billing cycles on a fixed interval for every active tenant.
// It bills the window that closed before each tick, so a monthly run on the
// first of the month invoices the previous month.
type Scheduler struct {
	aggregator *CycleAggregator
	tenants    TenantLister
	cycleType  models.CycleType
	interval   time.Duration
	logger     *utils.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewScheduler returns a scheduler that runs cycles of the given type every
// interval.
func NewScheduler(aggregator *CycleAggregator, tenants TenantLister, cycleType models.CycleType, interval time.Duration, logger *utils.Logger) *Scheduler {
	return &Scheduler{
		aggregator:  aggregator,
		tenants:     tenants,
		cycleType:   cycleType,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop terminates the loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.stoppedChan
	})
}

func (s *Scheduler) run() {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.sweep(context.Background(), now.UTC())
		}
	}
}

// sweep runs one billing pass over every active tenant. Failures are logged
// and skipped so one tenant cannot block the rest; the next tick retries.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	tenantIDs, err := s.tenants.ActiveTenants(ctx)
	if err != nil {
		s.logger.Error("billing sweep: list tenants", "error", err)
		return
	}

	// Bill the window the tick just closed out.
	ref := previousWindowRef(s.cycleType, now)

	for _, tenantID := range tenantIDs {
		result, err := s.aggregator.RunBillingCycle(ctx, tenantID, s.cycleType, ref)
		if err != nil {
			var race *BillingRaceError
			if errors.As(err, &race) {
				s.logger.Debug("billing sweep: window already billed by concurrent run",
					"tenant_id", tenantID, "invoice_id", race.ExistingInvoiceID)
				continue
			}
			s.logger.Error("billing sweep: cycle failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if result.NoOp || result.AlreadyBilled {
			continue
		}
		s.logger.Info("billing sweep: invoice generated",
			"tenant_id", tenantID,
			"invoice_number", result.InvoiceNumber,
			"total_charge", result.TotalCharge.StringFixed(2))
	}
}

// previousWindowRef returns an instant inside the cycle window immediately
// before the one containing now.
func previousWindowRef(cycleType models.CycleType, now time.Time) time.Time {
	window, err := WindowFor(cycleType, now)
	if err != nil {
		return now
	}
	return window.Start.Add(-time.Hour)
}
