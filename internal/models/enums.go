package models

//
// Metering enums (stored as TEXT in Postgres)
//

// ServiceType identifies the AI service a usage event was metered for.
type ServiceType string

const (
	ServiceDocumentAnalysis ServiceType = "DOCUMENT_ANALYSIS"
	ServiceContractReview   ServiceType = "CONTRACT_REVIEW"
	ServiceLegalResearch    ServiceType = "LEGAL_RESEARCH"
	ServiceComplianceCheck  ServiceType = "COMPLIANCE_CHECK"
	ServiceDocumentDrafting ServiceType = "DOCUMENT_DRAFTING"
)

// KnownServiceTypes lists every service type the ingestion gate accepts.
var KnownServiceTypes = []ServiceType{
	ServiceDocumentAnalysis,
	ServiceContractReview,
	ServiceLegalResearch,
	ServiceComplianceCheck,
	ServiceDocumentDrafting,
}

// IsValid reports whether the service type is a known catalog member.
func (s ServiceType) IsValid() bool {
	for _, known := range KnownServiceTypes {
		if s == known {
			return true
		}
	}
	return false
}

// PricingModel identifies the model a usage event was priced against.
type PricingModel string

const (
	ModelWilsyLegalSpecialized PricingModel = "WILSY_LEGAL_SPECIALIZED"
	ModelWilsyGeneral          PricingModel = "WILSY_GENERAL"
	ModelWilsyResearch         PricingModel = "WILSY_RESEARCH"
)

// CycleType is the aggregation window used by the billing cycle.
type CycleType string

const (
	CycleMonthly   CycleType = "MONTHLY"
	CycleQuarterly CycleType = "QUARTERLY"
	CycleAnnual    CycleType = "ANNUAL"
)

// IsValid reports whether the cycle type is supported.
func (c CycleType) IsValid() bool {
	switch c {
	case CycleMonthly, CycleQuarterly, CycleAnnual:
		return true
	}
	return false
}

// BillingStatus is the lifecycle state of a usage record.
//
// Transitions are monotonic: PENDING -> BILLED -> PAID | DISPUTED |
// WRITTEN_OFF. The single exception is DISPUTED -> PENDING, used when a
// disputed record is corrected and re-enters the next billing cycle.
type BillingStatus string

const (
	StatusPending    BillingStatus = "PENDING"
	StatusBilled     BillingStatus = "BILLED"
	StatusPaid       BillingStatus = "PAID"
	StatusDisputed   BillingStatus = "DISPUTED"
	StatusWrittenOff BillingStatus = "WRITTEN_OFF"
)

// CanTransitionTo reports whether the status change is allowed.
func (s BillingStatus) CanTransitionTo(next BillingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusBilled
	case StatusBilled:
		return next == StatusPaid || next == StatusDisputed || next == StatusWrittenOff
	case StatusDisputed:
		// Explicit correction path back into the next cycle.
		return next == StatusPending || next == StatusWrittenOff
	}
	return false
}
