package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// canonicalTimeFormat truncates to microseconds so hashes survive a round
// trip through timestamptz columns.
const canonicalTimeFormat = "2006-01-02T15:04:05.000000Z"

// Sealer computes the tamper-evidence block for each new usage record:
// a SHA3-512 hash over the record's canonical fields, an HMAC-SHA256
// signature over hash||id, and a link to the previous sealed record of the
// same tenant. Chains are per tenant so verification stays scoped.
type Sealer struct {
	key   []byte
	keyID string
	clock func() time.Time

	mu    sync.Mutex
	heads map[uuid.UUID]chainHead // tenant -> last sealed record
}

// chainHead is the tail of one tenant's chain: the last sealed hash and its
// position in the chain.
type chainHead struct {
	hash string
	seq  int64
}

// NewSealer creates a sealer. The signing key must not be empty; losing it
// makes every signature unverifiable.
func NewSealer(signingKey []byte, keyID string) (*Sealer, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("integrity: signing key is required")
	}
	if keyID == "" {
		return nil, errors.New("integrity: signing key id is required")
	}
	return &Sealer{
		key:   signingKey,
		keyID: keyID,
		clock: time.Now,
		heads: make(map[uuid.UUID]chainHead),
	}, nil
}

// WithClock overrides the sealer's clock. Tests only.
func (s *Sealer) WithClock(clock func() time.Time) *Sealer {
	s.clock = clock
	return s
}

// SeedHead primes a tenant's chain head from the durable store, typically at
// startup so new records continue the persisted chain instead of starting a
// fresh one.
func (s *Sealer) SeedHead(tenantID uuid.UUID, lastHash string, lastSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.heads[tenantID]; !exists {
		s.heads[tenantID] = chainHead{hash: lastHash, seq: lastSeq}
	}
}

// Seal populates the record's integrity block and advances the tenant's
// chain head. A sealed record is immutable; sealing twice is an error.
func (s *Sealer) Seal(record *models.UsageRecord) error {
	if record.Sealed() {
		return fmt.Errorf("integrity: record %s is already sealed", record.ID)
	}

	hash := CanonicalHash(record)
	signature := sign(s.key, hash, record.ID)

	s.mu.Lock()
	prev := s.heads[record.TenantID]
	s.heads[record.TenantID] = chainHead{hash: hash, seq: prev.seq + 1}
	s.mu.Unlock()

	record.Integrity = models.IntegrityBlock{
		RecordHash:   hash,
		PrevHash:     prev.hash,
		ChainSeq:     prev.seq + 1,
		Signature:    signature,
		SigningKeyID: s.keyID,
		SealedAt:     s.clock().UTC(),
	}
	return nil
}

// Unseal reverts a seal whose record will not reach the store, restoring
// the tenant's chain head so the next seal links to the last delivered
// record instead of the dropped one. The caller must hold its per-tenant
// ingestion lock across the Seal, the delivery attempt and this call.
func (s *Sealer) Unseal(record *models.UsageRecord) {
	s.mu.Lock()
	if s.heads[record.TenantID].hash == record.Integrity.RecordHash {
		s.heads[record.TenantID] = chainHead{
			hash: record.Integrity.PrevHash,
			seq:  record.Integrity.ChainSeq - 1,
		}
	}
	s.mu.Unlock()
	record.Integrity = models.IntegrityBlock{}
}

// Head returns the current chain head hash for a tenant, empty if none.
func (s *Sealer) Head(tenantID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[tenantID].hash
}

// CanonicalHash computes the SHA3-512 digest over a stable,
// order-independent serialization of the record's identity, token and cost
// fields. Any mutation of these fields after sealing changes the digest.
func CanonicalHash(record *models.UsageRecord) string {
	fields := map[string]string{
		"tenant_id":     record.TenantID.String(),
		"user_id":       record.UserID.String(),
		"recorded_at":   record.RecordedAt.UTC().Truncate(time.Microsecond).Format(canonicalTimeFormat),
		"input_tokens":  strconv.Itoa(record.InputTokens),
		"output_tokens": strconv.Itoa(record.OutputTokens),
		"total_tokens":  strconv.Itoa(record.TotalTokens),
		"base_cost":     record.Cost.BaseCost.StringFixed(6),
		"markup":        record.Cost.Markup.StringFixed(6),
		"exchange_rate": record.Cost.ExchangeRate.StringFixed(6),
		"final_cost":    record.Cost.FinalCost.StringFixed(6),
		"tax_amount":    record.Cost.TaxAmount.StringFixed(6),
		"total_charge":  record.Cost.TotalCharge.StringFixed(6),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}

	sum := sha3.Sum512([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes a record's signature and compares it in
// constant time.
func VerifySignature(key []byte, record *models.UsageRecord) bool {
	expected := sign(key, record.Integrity.RecordHash, record.ID)
	return hmac.Equal([]byte(expected), []byte(record.Integrity.Signature))
}

func sign(key []byte, hash string, recordID uuid.UUID) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	mac.Write([]byte(recordID.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload signs an arbitrary payload with the same HMAC scheme used for
// records. The invoice generator uses it to sign invoice documents.
func SignPayload(key []byte, payload string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
