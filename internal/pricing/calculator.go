package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

var thousand = decimal.NewFromInt(1000)

// Calculator turns token counts into a cost breakdown using a pricing
// catalog and a tax rate. It holds no mutable state; Cost is a pure
// function of its inputs.
type Calculator struct {
	catalog *Catalog
	taxRate decimal.Decimal
}

// NewCalculator creates a calculator for the given catalog and tax rate
// (e.g. 0.15 for 15% VAT).
func NewCalculator(catalog *Catalog, taxRate decimal.Decimal) *Calculator {
	return &Calculator{catalog: catalog, taxRate: taxRate}
}

// Cost prices a token usage against the catalog entry effective at the
// given instant. Returns ErrUnknownModel when no entry covers the model.
func (c *Calculator) Cost(inputTokens, outputTokens int, model models.PricingModel, at time.Time) (models.CostBreakdown, error) {
	entry, err := c.catalog.Lookup(model, at)
	if err != nil {
		return models.CostBreakdown{}, err
	}
	return Compute(entry, inputTokens, outputTokens, c.taxRate), nil
}

// Compute derives the full cost breakdown for a token usage:
//
//	baseCost     = in/1000 * inputUnitCost + out/1000 * outputUnitCost
//	markedUpCost = baseCost * markup
//	converted    = markedUpCost * exchangeRate
//	finalCost    = max(converted, minimumCharge)
//	tax          = finalCost * taxRate
//	totalCharge  = finalCost + tax
//
// The minimum-charge floor is applied after currency conversion because the
// floor is configured in the billing currency.
func Compute(entry Entry, inputTokens, outputTokens int, taxRate decimal.Decimal) models.CostBreakdown {
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand)

	baseCost := in.Mul(entry.InputCostPer1K).Add(out.Mul(entry.OutputCostPer1K)).Round(6)
	markedUp := baseCost.Mul(entry.Markup).Round(6)
	converted := markedUp.Mul(entry.ExchangeRate).Round(4)

	finalCost := converted
	floored := false
	if converted.LessThan(entry.MinimumCharge) {
		finalCost = entry.MinimumCharge
		floored = true
	}

	tax := finalCost.Mul(taxRate).Round(2)

	return models.CostBreakdown{
		SourceCurrency:       entry.SourceCurrency,
		BillingCurrency:      entry.BillingCurrency,
		BaseCost:             baseCost,
		Markup:               entry.Markup,
		MarkedUpCost:         markedUp,
		ExchangeRate:         entry.ExchangeRate,
		ConvertedCost:        converted,
		FinalCost:            finalCost,
		MinimumChargeApplied: floored,
		TaxRate:              taxRate,
		TaxAmount:            tax,
		TotalCharge:          finalCost.Add(tax),
	}
}
