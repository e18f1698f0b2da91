package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// TestComputeCostBreakdown exercises the pricing pipeline end to end:
// unit cost -> markup -> conversion -> minimum-charge floor -> tax.
func TestComputeCostBreakdown(t *testing.T) {
	vat := decimal.RequireFromString("0.15")

	tests := []struct {
		name            string
		entry           Entry
		inputTokens     int
		outputTokens    int
		wantFinalCost   string
		wantTax         string
		wantTotalCharge string
		wantFloored     bool
		description     string
	}{
		{
			name: "legal specialized model, floored to minimum charge",
			entry: Entry{
				Model:           models.ModelWilsyLegalSpecialized,
				InputCostPer1K:  d("0.0025"),
				OutputCostPer1K: d("0.0050"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("4.0"),
				MinimumCharge:   d("250"),
			},
			inputTokens:     10000,
			outputTokens:    5000,
			wantFinalCost:   "250",
			wantTax:         "37.50",
			wantTotalCharge: "287.50",
			wantFloored:     true,
			description:     "base 0.05 USD -> 0.20 marked up -> 3.70 ZAR -> floored to 250",
		},
		{
			name: "large usage clears the floor",
			entry: Entry{
				Model:           models.ModelWilsyLegalSpecialized,
				InputCostPer1K:  d("0.0025"),
				OutputCostPer1K: d("0.0050"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("4.0"),
				MinimumCharge:   d("250"),
			},
			inputTokens:     2_000_000,
			outputTokens:    1_000_000,
			wantFinalCost:   "740",
			wantTax:         "111.00",
			wantTotalCharge: "851.00",
			wantFloored:     false,
			description:     "base 10 USD -> 40 marked up -> 740 ZAR, above the 250 floor",
		},
		{
			name: "single token each direction hits the floor",
			entry: Entry{
				Model:           models.ModelWilsyGeneral,
				InputCostPer1K:  d("0.0010"),
				OutputCostPer1K: d("0.0020"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("3.0"),
				MinimumCharge:   d("100"),
			},
			inputTokens:     1,
			outputTokens:    1,
			wantFinalCost:   "100",
			wantTax:         "15.00",
			wantTotalCharge: "115.00",
			wantFloored:     true,
			description:     "minimum charge guarantee for near-zero usage",
		},
		{
			name: "zero usage still bills the minimum",
			entry: Entry{
				Model:           models.ModelWilsyGeneral,
				InputCostPer1K:  d("0.0010"),
				OutputCostPer1K: d("0.0020"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("3.0"),
				MinimumCharge:   d("100"),
			},
			inputTokens:     0,
			outputTokens:    0,
			wantFinalCost:   "100",
			wantTax:         "15.00",
			wantTotalCharge: "115.00",
			wantFloored:     true,
			description:     "floor applies even when the computed cost is zero",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breakdown := Compute(tt.entry, tt.inputTokens, tt.outputTokens, vat)

			if !breakdown.FinalCost.Equal(d(tt.wantFinalCost)) {
				t.Errorf("final cost = %s, want %s (%s)", breakdown.FinalCost, tt.wantFinalCost, tt.description)
			}
			if !breakdown.TaxAmount.Equal(d(tt.wantTax)) {
				t.Errorf("tax = %s, want %s", breakdown.TaxAmount, tt.wantTax)
			}
			if !breakdown.TotalCharge.Equal(d(tt.wantTotalCharge)) {
				t.Errorf("total charge = %s, want %s", breakdown.TotalCharge, tt.wantTotalCharge)
			}
			if breakdown.MinimumChargeApplied != tt.wantFloored {
				t.Errorf("minimum charge applied = %v, want %v", breakdown.MinimumChargeApplied, tt.wantFloored)
			}

			// Invariant: totalCharge == finalCost + tax, tax == finalCost * rate.
			if !breakdown.TotalCharge.Equal(breakdown.FinalCost.Add(breakdown.TaxAmount)) {
				t.Errorf("total charge %s != final %s + tax %s", breakdown.TotalCharge, breakdown.FinalCost, breakdown.TaxAmount)
			}
			if !breakdown.TaxAmount.Equal(breakdown.FinalCost.Mul(vat).Round(2)) {
				t.Errorf("tax %s != final cost * rate", breakdown.TaxAmount)
			}
		})
	}
}

func TestComputeIsExactAcrossRepetition(t *testing.T) {
	entry, err := DefaultCatalog().Lookup(models.ModelWilsyLegalSpecialized, time.Now())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	vat := decimal.RequireFromString("0.15")
	first := Compute(entry, 123_457, 76_543, vat)
	for i := 0; i < 1000; i++ {
		again := Compute(entry, 123_457, 76_543, vat)
		if !again.TotalCharge.Equal(first.TotalCharge) {
			t.Fatalf("iteration %d drifted: %s != %s", i, again.TotalCharge, first.TotalCharge)
		}
	}
}

func TestCalculatorUnknownModel(t *testing.T) {
	calc := NewCalculator(DefaultCatalog(), decimal.RequireFromString("0.15"))

	_, err := calc.Cost(100, 100, models.PricingModel("WILSY_NONEXISTENT"), time.Now())
	if err != ErrUnknownModel {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestCatalogVersioning(t *testing.T) {
	jan := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	oldEntry := Entry{Model: models.ModelWilsyGeneral, InputCostPer1K: d("0.001"), OutputCostPer1K: d("0.002"), ExchangeRate: d("18.0"), Markup: d("3"), MinimumCharge: d("100"), SourceCurrency: "USD", BillingCurrency: "ZAR"}
	newEntry := oldEntry
	newEntry.ExchangeRate = d("19.0")

	catalog, err := NewCatalog(
		Version{EffectiveFrom: jan, Entries: map[models.PricingModel]Entry{models.ModelWilsyGeneral: oldEntry}},
		Version{EffectiveFrom: jun, Entries: map[models.PricingModel]Entry{models.ModelWilsyGeneral: newEntry}},
	)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	got, err := catalog.Lookup(models.ModelWilsyGeneral, jan.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("lookup before cutover: %v", err)
	}
	if !got.ExchangeRate.Equal(d("18.0")) {
		t.Errorf("February lookup used rate %s, want the January rate", got.ExchangeRate)
	}

	got, err = catalog.Lookup(models.ModelWilsyGeneral, jun.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("lookup after cutover: %v", err)
	}
	if !got.ExchangeRate.Equal(d("19.0")) {
		t.Errorf("July lookup used rate %s, want the June rate", got.ExchangeRate)
	}

	// Nothing is effective before the first version.
	if _, err := catalog.Lookup(models.ModelWilsyGeneral, jan.AddDate(0, 0, -1)); err != ErrUnknownModel {
		t.Errorf("pre-history lookup: got %v, want ErrUnknownModel", err)
	}
}

func TestEstimateValueNeverAffectsCharge(t *testing.T) {
	estimate := EstimateValue(models.ServiceContractReview, 10)
	if estimate.TotalValue.IsZero() {
		t.Fatal("expected a non-zero value estimate for contract review")
	}
	if estimate.TimeSavedHours.IsNegative() {
		t.Errorf("time saved must not be negative, got %s", estimate.TimeSavedHours)
	}

	// Unknown service types degrade to zero rather than erroring.
	zero := EstimateValue(models.ServiceType("UNKNOWN"), 10)
	if !zero.TotalValue.IsZero() {
		t.Errorf("unknown service type should produce a zero estimate, got %s", zero.TotalValue)
	}
}
