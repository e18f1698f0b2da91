package pricing

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// ErrUnknownModel is returned when a usage event references a model that has
// no pricing entry at the record's timestamp. Fatal for that record only.
var ErrUnknownModel = errors.New("unknown pricing model")

// Entry is the pricing configuration for one model. Entries are immutable at
// runtime; a price change is a new catalog version with its own
// effective-from instant, so historical records stay reproducible.
type Entry struct {
	Model models.PricingModel

	// Unit costs per 1000 tokens, in the source currency.
	InputCostPer1K  decimal.Decimal
	OutputCostPer1K decimal.Decimal

	SourceCurrency  string
	BillingCurrency string
	ExchangeRate    decimal.Decimal
	Markup          decimal.Decimal

	// MinimumCharge is expressed in the billing currency and is compared
	// against the converted cost (convert, then floor).
	MinimumCharge decimal.Decimal
}

// Version is one dated edition of the catalog.
type Version struct {
	EffectiveFrom time.Time
	Entries       map[models.PricingModel]Entry
}

// Catalog maps model identifiers to pricing entries, versioned by
// effective-from timestamp.
type Catalog struct {
	versions []Version // sorted ascending by EffectiveFrom
}

// NewCatalog builds a catalog from one or more versions.
func NewCatalog(versions ...Version) (*Catalog, error) {
	if len(versions) == 0 {
		return nil, errors.New("catalog requires at least one version")
	}
	sorted := make([]Version, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom)
	})
	return &Catalog{versions: sorted}, nil
}

// Lookup returns the pricing entry for a model as of the given instant.
// The newest version effective at or before the instant wins.
func (c *Catalog) Lookup(model models.PricingModel, at time.Time) (Entry, error) {
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if v.EffectiveFrom.After(at) {
			continue
		}
		if entry, ok := v.Entries[model]; ok {
			return entry, nil
		}
		break
	}
	return Entry{}, ErrUnknownModel
}

// Knows reports whether the model has a pricing entry at the given instant.
func (c *Catalog) Knows(model models.PricingModel, at time.Time) bool {
	_, err := c.Lookup(model, at)
	return err == nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultCatalog returns the built-in Wilsy model pricing, effective from
// the start of the product's billing history.
func DefaultCatalog() *Catalog {
	effective := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	catalog, err := NewCatalog(Version{
		EffectiveFrom: effective,
		Entries: map[models.PricingModel]Entry{
			models.ModelWilsyLegalSpecialized: {
				Model:           models.ModelWilsyLegalSpecialized,
				InputCostPer1K:  d("0.0025"),
				OutputCostPer1K: d("0.0050"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("4.0"),
				MinimumCharge:   d("250"),
			},
			models.ModelWilsyGeneral: {
				Model:           models.ModelWilsyGeneral,
				InputCostPer1K:  d("0.0010"),
				OutputCostPer1K: d("0.0020"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("3.0"),
				MinimumCharge:   d("100"),
			},
			models.ModelWilsyResearch: {
				Model:           models.ModelWilsyResearch,
				InputCostPer1K:  d("0.0040"),
				OutputCostPer1K: d("0.0080"),
				SourceCurrency:  "USD",
				BillingCurrency: "ZAR",
				ExchangeRate:    d("18.5"),
				Markup:          d("4.0"),
				MinimumCharge:   d("350"),
			},
		},
	})
	if err != nil {
		panic(err) // static data, cannot fail
	}
	return catalog
}
