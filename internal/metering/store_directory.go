package metering

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Mawilis/legal-doc-system-sub003/internal/pricing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
)

// TenantStore is the slice of the tenant repository the directory needs.
type TenantStore interface {
	GetByID(ctx context.Context, tenantID uuid.UUID) (*storage.Tenant, error)
	UserBelongsToTenant(ctx context.Context, tenantID, userID uuid.UUID) (bool, error)
}

// StoreDirectory resolves tenants from the shared database. Deployments
// where the account system lives elsewhere plug in their own
// TenantDirectory instead.
type StoreDirectory struct {
	store TenantStore
}

// NewStoreDirectory returns a directory over the tenant repository.
func NewStoreDirectory(store TenantStore) *StoreDirectory {
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) ResolveTenant(ctx context.Context, tenantID uuid.UUID) (*TenantAccount, error) {
	tenant, err := d.store.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrTenantNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &TenantAccount{
		ID:        tenant.ID,
		Name:      tenant.Name,
		Tier:      pricing.TierByName(tenant.TierName),
		Suspended: tenant.Suspended,
	}, nil
}

func (d *StoreDirectory) UserBelongsToTenant(ctx context.Context, tenantID, userID uuid.UUID) (bool, error) {
	return d.store.UserBelongsToTenant(ctx, tenantID, userID)
}
