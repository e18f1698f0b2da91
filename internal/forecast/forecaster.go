// Package forecast derives revenue projections from historical usage. It is
// read-only: projections are recomputed on demand and never written back.
package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
)

// underutilizedShare is the request-share threshold below which a service
// type is flagged as a growth opportunity.
var underutilizedShare = decimal.RequireFromString("0.10")

// HistorySource provides the aggregated summaries the forecaster reads. It
// is satisfied by storage.UsageRepository.
type HistorySource interface {
	DailyRevenueSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]storage.DailyRevenue, error)
	ServiceTypeCountsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]storage.ServiceTypeCount, error)
}

// RevenueForecast is a linear projection of a tenant's revenue from its
// recent daily averages.
type RevenueForecast struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	WindowDays int       `json:"window_days"`

	// DaysObserved counts the days inside the window that had activity.
	// Averages divide by the full window, so quiet days pull them down.
	DaysObserved int `json:"days_observed"`

	DailyAverageRevenue decimal.Decimal `json:"daily_average_revenue"`
	DailyAverageTokens  decimal.Decimal `json:"daily_average_tokens"`

	ProjectedMonthlyRevenue decimal.Decimal `json:"projected_monthly_revenue"`
	ProjectedAnnualRevenue  decimal.Decimal `json:"projected_annual_revenue"`

	// Opportunities lists service types used in fewer than 10% of
	// requests inside the window.
	Opportunities []Opportunity `json:"opportunities"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Opportunity flags an underutilized service type.
type Opportunity struct {
	ServiceType  models.ServiceType `json:"service_type"`
	RequestShare decimal.Decimal    `json:"request_share"`
}

// Forecaster computes revenue forecasts from the usage history.
type Forecaster struct {
	history HistorySource
	clock   func() time.Time
}

// NewForecaster returns a forecaster over the given history source.
func NewForecaster(history HistorySource) *Forecaster {
	return &Forecaster{history: history, clock: time.Now}
}

// WithClock overrides the forecaster's time source. Used by tests.
func (f *Forecaster) WithClock(clock func() time.Time) *Forecaster {
	f.clock = clock
	return f
}

// Forecast projects the tenant's revenue from the trailing windowDays of
// history: the daily average extrapolates linearly to 30-day monthly and
// 365-day annual figures. A tenant with no history gets a zero forecast,
// not an error.
func (f *Forecaster) Forecast(ctx context.Context, tenantID uuid.UUID, windowDays int) (*RevenueForecast, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("forecast: window must be positive, got %d days", windowDays)
	}

	now := f.clock().UTC()
	since := now.AddDate(0, 0, -windowDays)

	days, err := f.history.DailyRevenueSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("forecast: load daily revenue: %w", err)
	}

	totalRevenue := decimal.Zero
	var totalTokens, totalRequests int64
	for _, day := range days {
		totalRevenue = totalRevenue.Add(day.Revenue)
		totalTokens += day.Tokens
		totalRequests += day.Records
	}

	window := decimal.NewFromInt(int64(windowDays))
	dailyRevenue := totalRevenue.Div(window).Round(2)
	dailyTokens := decimal.NewFromInt(totalTokens).Div(window).Round(2)

	forecast := &RevenueForecast{
		TenantID:                tenantID,
		WindowDays:              windowDays,
		DaysObserved:            len(days),
		DailyAverageRevenue:     dailyRevenue,
		DailyAverageTokens:      dailyTokens,
		ProjectedMonthlyRevenue: dailyRevenue.Mul(decimal.NewFromInt(30)).Round(2),
		ProjectedAnnualRevenue:  dailyRevenue.Mul(decimal.NewFromInt(365)).Round(2),
		GeneratedAt:             now,
	}

	if totalRequests > 0 {
		forecast.Opportunities, err = f.opportunities(ctx, tenantID, since, totalRequests)
		if err != nil {
			return nil, err
		}
	}
	return forecast, nil
}

// opportunities flags every known service type whose request share inside
// the window is under the threshold, including types never used at all.
func (f *Forecaster) opportunities(ctx context.Context, tenantID uuid.UUID, since time.Time, totalRequests int64) ([]Opportunity, error) {
	counts, err := f.history.ServiceTypeCountsSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("forecast: load service counts: %w", err)
	}

	requestsByService := make(map[models.ServiceType]int64, len(counts))
	for _, c := range counts {
		requestsByService[c.ServiceType] = c.Requests
	}

	total := decimal.NewFromInt(totalRequests)
	var opportunities []Opportunity
	for _, svc := range models.KnownServiceTypes {
		share := decimal.NewFromInt(requestsByService[svc]).Div(total).Round(4)
		if share.LessThan(underutilizedShare) {
			opportunities = append(opportunities, Opportunity{ServiceType: svc, RequestShare: share})
		}
	}
	return opportunities, nil
}
