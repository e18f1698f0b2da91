package integrity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// ChainSource supplies a tenant's sealed records between two record ids,
// ordered by seal time. The storage layer implements it.
type ChainSource interface {
	ChainSlice(ctx context.Context, tenantID, fromID, toID uuid.UUID) ([]*models.UsageRecord, error)
}

// ChainReport is the outcome of a chain verification run.
type ChainReport struct {
	Valid    bool       `json:"valid"`
	BrokenAt *uuid.UUID `json:"broken_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Checked  int        `json:"checked"`
}

// Violation signals that a sealed record failed verification. It is
// reported to the operator and never auto-corrected.
type Violation struct {
	TenantID uuid.UUID
	RecordID uuid.UUID
	Reason   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("integrity violation on record %s (tenant %s): %s", v.RecordID, v.TenantID, v.Reason)
}

// Verifier recomputes record hashes and chain links to detect tampering or
// reordering.
type Verifier struct {
	source ChainSource
	key    []byte
	logger *utils.Logger
}

// NewVerifier creates a verifier using the same signing key as the sealer.
func NewVerifier(source ChainSource, signingKey []byte) *Verifier {
	return &Verifier{
		source: source,
		key:    signingKey,
		logger: utils.NewLogger("integrity-verifier"),
	}
}

// VerifyChain checks every record in [fromID, toID] for the given tenant:
// the stored hash must match the recomputed canonical hash, the signature
// must verify, and each record's prev hash must equal the preceding
// record's stored hash. The first failing record is reported; nothing is
// repaired.
func (v *Verifier) VerifyChain(ctx context.Context, tenantID, fromID, toID uuid.UUID) (*ChainReport, error) {
	records, err := v.source.ChainSlice(ctx, tenantID, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain slice: %w", err)
	}

	var prevHash string
	for i, record := range records {
		if violation := v.checkRecord(record, i > 0, prevHash); violation != nil {
			v.logger.Error("Chain verification failed",
				"tenant_id", tenantID, "record_id", violation.RecordID, "reason", violation.Reason)
			broken := violation.RecordID
			return &ChainReport{Valid: false, BrokenAt: &broken, Reason: violation.Reason, Checked: i + 1}, nil
		}
		prevHash = record.Integrity.RecordHash
	}

	return &ChainReport{Valid: true, Checked: len(records)}, nil
}

func (v *Verifier) checkRecord(record *models.UsageRecord, hasPredecessor bool, prevHash string) *Violation {
	if !record.Sealed() {
		return &Violation{TenantID: record.TenantID, RecordID: record.ID, Reason: "record is not sealed"}
	}
	if recomputed := CanonicalHash(record); recomputed != record.Integrity.RecordHash {
		return &Violation{TenantID: record.TenantID, RecordID: record.ID, Reason: "record hash mismatch"}
	}
	if !VerifySignature(v.key, record) {
		return &Violation{TenantID: record.TenantID, RecordID: record.ID, Reason: "signature mismatch"}
	}
	// The first record of the slice has no predecessor in scope; its prev
	// link is validated by whichever run covers the preceding range.
	if hasPredecessor && record.Integrity.PrevHash != prevHash {
		return &Violation{TenantID: record.TenantID, RecordID: record.ID, Reason: "previous-hash link broken"}
	}
	return nil
}
