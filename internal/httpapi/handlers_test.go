package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mawilis/legal-doc-system-sub003/internal/billing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/forecast"
	"github.com/Mawilis/legal-doc-system-sub003/internal/integrity"
	"github.com/Mawilis/legal-doc-system-sub003/internal/metering"
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

type stubMetering struct {
	receipt *metering.UsageReceipt
	report  *integrity.ChainReport
	err     error
}

func (s *stubMetering) RecordUsage(_ context.Context, _ metering.UsageEvent) (*metering.UsageReceipt, error) {
	return s.receipt, s.err
}

func (s *stubMetering) VerifyChain(_ context.Context, _, _, _ uuid.UUID) (*integrity.ChainReport, error) {
	return s.report, s.err
}

type stubBilling struct {
	result *billing.CycleResult
	err    error
}

func (s *stubBilling) RunBillingCycle(_ context.Context, _ uuid.UUID, _ models.CycleType, _ time.Time) (*billing.CycleResult, error) {
	return s.result, s.err
}

type stubForecaster struct {
	forecast *forecast.RevenueForecast
	err      error
}

func (s *stubForecaster) Forecast(_ context.Context, _ uuid.UUID, _ int) (*forecast.RevenueForecast, error) {
	return s.forecast, s.err
}

type stubHealth struct{ err error }

func (s *stubHealth) Health(_ context.Context) error { return s.err }

type stubPooledHealth struct {
	stubHealth
	stats storage.PoolStats
}

func (s *stubPooledHealth) Stats() storage.PoolStats { return s.stats }

func newTestRouter(m UsageRecorder, b CycleRunner, f Forecasting, h HealthChecker) *http.ServeMux {
	return NewRouter(&Dependencies{
		Metering:   m,
		Billing:    b,
		Forecaster: f,
		Store:      h,
		Logger:     utils.NewLogger("httpapi-test", utils.Error),
	})
}

func TestRecordUsageEndpoint(t *testing.T) {
	receipt := &metering.UsageReceipt{
		RecordID:    uuid.New(),
		TotalCharge: decimal.RequireFromString("287.50"),
		Currency:    "ZAR",
	}
	router := newTestRouter(&stubMetering{receipt: receipt}, nil, nil, nil)

	body := `{"tenant_id":"` + uuid.NewString() + `","user_id":"` + uuid.NewString() + `","service_type":"DOCUMENT_ANALYSIS","model":"WILSY_LEGAL_SPECIALIZED","input_tokens":10000,"output_tokens":5000}`
	req := httptest.NewRequest(http.MethodPost, "/v1/usage", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got metering.UsageReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, receipt.RecordID, got.RecordID)
	assert.Equal(t, "ZAR", got.Currency)
}

func TestRecordUsageEndpointErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{
			name:       "malformed body",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "validation error",
			body:       "{}",
			err:        &metering.ValidationError{Field: "tenant_id", Reason: "required"},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown model",
			body:       "{}",
			err:        metering.ErrUnknownPricingModel,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "internal error",
			body:       "{}",
			err:        errors.New("db down"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubMetering{err: tt.err}, nil, nil, nil)
			req := httptest.NewRequest(http.MethodPost, "/v1/usage", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestBillingRunEndpoint(t *testing.T) {
	result := &billing.CycleResult{
		InvoiceID:     uuid.New(),
		InvoiceNumber: "x-20260801-0001",
		RecordCount:   3,
		TotalCharge:   decimal.RequireFromString("862.50"),
	}
	router := newTestRouter(nil, &stubBilling{result: result}, nil, nil)

	body := `{"tenant_id":"` + uuid.NewString() + `","cycle_type":"MONTHLY"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/run", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got billing.CycleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, result.InvoiceID, got.InvoiceID)
}

func TestBillingRunEndpointValidation(t *testing.T) {
	router := newTestRouter(nil, &stubBilling{}, nil, nil)

	t.Run("missing tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/billing/run", strings.NewReader(`{"cycle_type":"MONTHLY"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad cycle type", func(t *testing.T) {
		body := `{"tenant_id":"` + uuid.NewString() + `","cycle_type":"WEEKLY"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/billing/run", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBillingRunEndpointRace(t *testing.T) {
	winning := uuid.New()
	router := newTestRouter(nil, &stubBilling{
		err: &billing.BillingRaceError{TenantID: uuid.New(), ExistingInvoiceID: winning},
	}, nil, nil)

	body := `{"tenant_id":"` + uuid.NewString() + `","cycle_type":"MONTHLY"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/run", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, winning.String(), got["invoice_id"])
}

func TestForecastEndpoint(t *testing.T) {
	router := newTestRouter(nil, nil, &stubForecaster{
		forecast: &forecast.RevenueForecast{
			WindowDays:              30,
			ProjectedMonthlyRevenue: decimal.NewFromInt(30000),
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/forecast?tenant_id="+uuid.NewString()+"&window_days=30", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("rejects bad tenant id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/forecast?tenant_id=nope", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects bad window", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/forecast?tenant_id="+uuid.NewString()+"&window_days=-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerifyChainEndpoint(t *testing.T) {
	broken := uuid.New()
	router := newTestRouter(&stubMetering{
		report: &integrity.ChainReport{Valid: false, BrokenAt: &broken, Reason: "record hash mismatch"},
	}, nil, nil, nil)

	url := "/v1/integrity/verify?tenant_id=" + uuid.NewString() +
		"&from_id=" + uuid.NewString() + "&to_id=" + uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got integrity.ChainReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Valid)
	require.NotNil(t, got.BrokenAt)
	assert.Equal(t, broken, *got.BrokenAt)

	t.Run("requires ids", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/integrity/verify?tenant_id="+uuid.NewString(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := newTestRouter(nil, nil, nil, &stubHealth{})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "ok", got["status"])
		assert.NotContains(t, got, "db_pool")
	})

	t.Run("healthy with pool stats", func(t *testing.T) {
		store := &stubPooledHealth{stats: storage.PoolStats{MaxOpenConnections: 25, OpenConnections: 4, InUse: 1, Idle: 3}}
		router := newTestRouter(nil, nil, nil, store)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			Status string            `json:"status"`
			DBPool storage.PoolStats `json:"db_pool"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "ok", got.Status)
		assert.Equal(t, 25, got.DBPool.MaxOpenConnections)
		assert.Equal(t, 4, got.DBPool.OpenConnections)
	})

	t.Run("store down", func(t *testing.T) {
		router := newTestRouter(nil, nil, nil, &stubHealth{err: errors.New("connection refused")})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
