package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mawilis/legal-doc-system-sub003/internal/billing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/metering"
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

func (deps *Dependencies) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var event metering.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	receipt, err := deps.Metering.RecordUsage(r.Context(), event)
	if err != nil {
		var verr *metering.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
		case errors.Is(err, metering.ErrUnknownPricingModel):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			deps.Logger.Error("record usage failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record usage")
		}
		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

type billingRunRequest struct {
	TenantID  uuid.UUID        `json:"tenant_id"`
	CycleType models.CycleType `json:"cycle_type"`
	// Reference selects the cycle window; zero means "the window
	// containing now".
	Reference time.Time `json:"reference,omitempty"`
}

func (deps *Dependencies) handleRunBillingCycle(w http.ResponseWriter, r *http.Request) {
	var req billingRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !req.CycleType.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown cycle_type")
		return
	}
	ref := req.Reference
	if ref.IsZero() {
		ref = time.Now().UTC()
	}

	result, err := deps.Billing.RunBillingCycle(r.Context(), req.TenantID, req.CycleType, ref)
	if err != nil {
		var race *billing.BillingRaceError
		if errors.As(err, &race) {
			// The window is already settled; point the caller at the
			// winning invoice.
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":      race.Error(),
				"invoice_id": race.ExistingInvoiceID,
			})
			return
		}
		deps.Logger.Error("billing cycle failed", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "billing cycle failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (deps *Dependencies) handleForecast(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id must be a UUID")
		return
	}
	windowDays := 30
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		windowDays, err = strconv.Atoi(raw)
		if err != nil || windowDays <= 0 {
			writeError(w, http.StatusBadRequest, "window_days must be a positive integer")
			return
		}
	}

	result, err := deps.Forecaster.Forecast(r.Context(), tenantID, windowDays)
	if err != nil {
		deps.Logger.Error("forecast failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "forecast failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (deps *Dependencies) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, err := uuid.Parse(q.Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id must be a UUID")
		return
	}
	fromID, err := uuid.Parse(q.Get("from_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from_id must be a UUID")
		return
	}
	toID, err := uuid.Parse(q.Get("to_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to_id must be a UUID")
		return
	}

	report, err := deps.Metering.VerifyChain(r.Context(), tenantID, fromID, toID)
	if err != nil {
		deps.Logger.Error("chain verification failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "chain verification failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
