package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// valueCoefficients are fixed industry figures used for ROI reporting.
// They are informational only and must never feed into a charge.
type valueCoefficients struct {
	MinutesSavedPerPage decimal.Decimal // manual review time replaced
	HourlyRate          decimal.Decimal // billing-currency practitioner rate
	RiskValue           decimal.Decimal // per-document risk mitigation
	ComplianceValue     decimal.Decimal // per-document compliance value
}

var serviceValueTable = map[models.ServiceType]valueCoefficients{
	models.ServiceDocumentAnalysis: {
		MinutesSavedPerPage: d("6"),
		HourlyRate:          d("2400"),
		RiskValue:           d("150"),
		ComplianceValue:     d("90"),
	},
	models.ServiceContractReview: {
		MinutesSavedPerPage: d("12"),
		HourlyRate:          d("2800"),
		RiskValue:           d("450"),
		ComplianceValue:     d("120"),
	},
	models.ServiceLegalResearch: {
		MinutesSavedPerPage: d("9"),
		HourlyRate:          d("2400"),
		RiskValue:           d("100"),
		ComplianceValue:     d("60"),
	},
	models.ServiceComplianceCheck: {
		MinutesSavedPerPage: d("8"),
		HourlyRate:          d("2600"),
		RiskValue:           d("300"),
		ComplianceValue:     d("500"),
	},
	models.ServiceDocumentDrafting: {
		MinutesSavedPerPage: d("15"),
		HourlyRate:          d("2800"),
		RiskValue:           d("200"),
		ComplianceValue:     d("80"),
	},
}

var sixty = decimal.NewFromInt(60)

// EstimateValue produces the informational business-value estimate for a
// usage event. Unknown service types yield a zero estimate rather than an
// error; the ingestion gate has already validated the type for billing.
func EstimateValue(serviceType models.ServiceType, pages int) models.ValueEstimate {
	coeff, ok := serviceValueTable[serviceType]
	if !ok {
		return models.ValueEstimate{
			TimeSavedHours:      decimal.Zero,
			RiskMitigationValue: decimal.Zero,
			ComplianceValue:     decimal.Zero,
			TotalValue:          decimal.Zero,
		}
	}

	pageCount := decimal.NewFromInt(int64(pages))
	timeSaved := pageCount.Mul(coeff.MinutesSavedPerPage).Div(sixty).Round(2)
	laborValue := timeSaved.Mul(coeff.HourlyRate).Round(2)

	return models.ValueEstimate{
		TimeSavedHours:      timeSaved,
		RiskMitigationValue: coeff.RiskValue,
		ComplianceValue:     coeff.ComplianceValue,
		TotalValue:          laborValue.Add(coeff.RiskValue).Add(coeff.ComplianceValue),
	}
}
