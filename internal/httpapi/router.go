// Package httpapi exposes the metering operations over plain JSON HTTP.
// Authentication is deliberately absent: deployments front this listener
// with the platform's gateway, which owns authn/authz.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mawilis/legal-doc-system-sub003/internal/billing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/forecast"
	"github.com/Mawilis/legal-doc-system-sub003/internal/integrity"
	"github.com/Mawilis/legal-doc-system-sub003/internal/metering"
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// UsageRecorder ingests usage events. Satisfied by metering.Service.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, event metering.UsageEvent) (*metering.UsageReceipt, error)
	VerifyChain(ctx context.Context, tenantID, fromID, toID uuid.UUID) (*integrity.ChainReport, error)
}

// CycleRunner runs billing cycles. Satisfied by billing.CycleAggregator.
type CycleRunner interface {
	RunBillingCycle(ctx context.Context, tenantID uuid.UUID, cycleType models.CycleType, ref time.Time) (*billing.CycleResult, error)
}

// Forecasting produces revenue projections. Satisfied by forecast.Forecaster.
type Forecasting interface {
	Forecast(ctx context.Context, tenantID uuid.UUID, windowDays int) (*forecast.RevenueForecast, error)
}

// HealthChecker reports readiness of a backing dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// PoolStatter optionally augments the health payload with connection pool
// counters. Satisfied by storage.DB.
type PoolStatter interface {
	Stats() storage.PoolStats
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Metering   UsageRecorder
	Billing    CycleRunner
	Forecaster Forecasting
	Store      HealthChecker
	Logger     *utils.Logger
}

// NewRouter wires the HTTP routes over the given dependencies.
func NewRouter(deps *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/usage", deps.handleRecordUsage)
	mux.HandleFunc("POST /v1/billing/run", deps.handleRunBillingCycle)
	mux.HandleFunc("GET /v1/forecast", deps.handleForecast)
	mux.HandleFunc("GET /v1/integrity/verify", deps.handleVerifyChain)

	mux.HandleFunc("GET /health", deps.handleHealth)

	return mux
}

func (deps *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if deps.Store != nil {
		if err := deps.Store.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable: "+err.Error())
			return
		}
	}

	payload := map[string]interface{}{"status": "ok"}
	if statter, ok := deps.Store.(PoolStatter); ok {
		payload["db_pool"] = statter.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}
