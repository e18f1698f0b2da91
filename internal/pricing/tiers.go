package pricing

import (
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// ServiceTier defines a subscription tier's monthly quota, overage pricing
// and included capabilities. Tenants are associated with a tier at ingestion
// time via a snapshot; changing a tenant's tier never reprices history.
type ServiceTier struct {
	Name              string
	MonthlyTokenQuota int64
	OverageMultiplier string // decimal string, applied to overage usage
	Capabilities      []models.ServiceType
}

// Built-in tiers.
var (
	TierStarter = ServiceTier{
		Name:              "STARTER",
		MonthlyTokenQuota: 500_000,
		OverageMultiplier: "1.5",
		Capabilities: []models.ServiceType{
			models.ServiceDocumentAnalysis,
			models.ServiceLegalResearch,
		},
	}
	TierProfessional = ServiceTier{
		Name:              "PROFESSIONAL",
		MonthlyTokenQuota: 5_000_000,
		OverageMultiplier: "1.25",
		Capabilities: []models.ServiceType{
			models.ServiceDocumentAnalysis,
			models.ServiceContractReview,
			models.ServiceLegalResearch,
			models.ServiceComplianceCheck,
		},
	}
	TierEnterprise = ServiceTier{
		Name:              "ENTERPRISE",
		MonthlyTokenQuota: 50_000_000,
		OverageMultiplier: "1.0",
		Capabilities:      models.KnownServiceTypes,
	}
)

// Includes reports whether the tier's subscription covers a service type.
func (t ServiceTier) Includes(serviceType models.ServiceType) bool {
	for _, capability := range t.Capabilities {
		if capability == serviceType {
			return true
		}
	}
	return false
}

// TierByName resolves a stored tier name. Unknown names fall back to the
// starter tier rather than failing ingestion.
func TierByName(name string) ServiceTier {
	switch name {
	case TierProfessional.Name:
		return TierProfessional
	case TierEnterprise.Name:
		return TierEnterprise
	default:
		return TierStarter
	}
}

// Snapshot freezes the tier into the form stored on a usage record.
func (t ServiceTier) Snapshot() models.ServiceTierSnapshot {
	return models.ServiceTierSnapshot{
		Name:              t.Name,
		MonthlyTokenQuota: t.MonthlyTokenQuota,
		OverageMultiplier: d(t.OverageMultiplier),
	}
}
