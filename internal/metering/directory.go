package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mawilis/legal-doc-system-sub003/internal/pricing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
)

// ErrTenantNotFound is returned by a directory when the tenant id does not
// resolve to an account.
var ErrTenantNotFound = errors.New("tenant not found")

// TenantAccount is the directory's view of a tenant: identity plus the
// current service tier, snapshotted onto each record at ingestion.
type TenantAccount struct {
	ID        uuid.UUID
	Name      string
	Tier      pricing.ServiceTier
	Suspended bool
}

// TenantDirectory resolves tenants and users against the account system,
// which lives outside this service.
type TenantDirectory interface {
	ResolveTenant(ctx context.Context, tenantID uuid.UUID) (*TenantAccount, error)
	UserBelongsToTenant(ctx context.Context, tenantID, userID uuid.UUID) (bool, error)
}

// CachedDirectory fronts a TenantDirectory with an LRU cache so the hot
// ingestion path avoids a directory round trip per event. Negative results
// are not cached; a missing tenant stays a directory call.
type CachedDirectory struct {
	inner    TenantDirectory
	accounts *storage.LRUCache[*TenantAccount]
	members  *storage.LRUCache[bool]
}

// NewCachedDirectory wraps the directory with caches of the given capacity
// and entry TTL.
func NewCachedDirectory(inner TenantDirectory, capacity int, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		inner:    inner,
		accounts: storage.NewLRUCache[*TenantAccount](capacity, ttl),
		members:  storage.NewLRUCache[bool](capacity, ttl),
	}
}

func (d *CachedDirectory) ResolveTenant(ctx context.Context, tenantID uuid.UUID) (*TenantAccount, error) {
	key := tenantID.String()
	if account, ok := d.accounts.Get(key); ok {
		return account, nil
	}

	account, err := d.inner.ResolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	d.accounts.Set(key, account)
	return account, nil
}

func (d *CachedDirectory) UserBelongsToTenant(ctx context.Context, tenantID, userID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("%s:%s", tenantID, userID)
	if member, ok := d.members.Get(key); ok {
		return member, nil
	}

	member, err := d.inner.UserBelongsToTenant(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	if member {
		d.members.Set(key, true)
	}
	return member, nil
}

// Invalidate drops a tenant's cached account, typically after a tier change.
func (d *CachedDirectory) Invalidate(tenantID uuid.UUID) {
	d.accounts.Delete(tenantID.String())
}
