package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTenantNotFound is returned when a tenant id does not resolve.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is one row of the tenant directory.
type Tenant struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	TierName  string    `db:"tier_name"`
	Suspended bool      `db:"suspended"`
	CreatedAt time.Time `db:"created_at"`
}

// TenantRepository handles tenant directory operations.
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetByID retrieves a tenant by id.
func (r *TenantRepository) GetByID(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	var tenant Tenant
	query := `SELECT id, name, tier_name, suspended, created_at FROM tenants WHERE id = $1`
	if err := r.db.conn.GetContext(ctx, &tenant, query, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// UserBelongsToTenant reports whether the user is registered under the
// tenant.
func (r *TenantRepository) UserBelongsToTenant(ctx context.Context, tenantID, userID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM tenant_users WHERE tenant_id = $1 AND user_id = $2)`
	if err := r.db.conn.GetContext(ctx, &exists, query, tenantID, userID); err != nil {
		return false, fmt.Errorf("failed to check tenant membership: %w", err)
	}
	return exists, nil
}

// ActiveTenants lists the ids of all non-suspended tenants. Used by the
// billing sweep.
func (r *TenantRepository) ActiveTenants(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `SELECT id FROM tenants WHERE NOT suspended ORDER BY created_at`
	if err := r.db.conn.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	return ids, nil
}

// Upsert creates or updates a tenant directory entry.
func (r *TenantRepository) Upsert(ctx context.Context, tenant *Tenant) error {
	query := `
		INSERT INTO tenants (id, name, tier_name, suspended, created_at)
		VALUES (:id, :name, :tier_name, :suspended, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    tier_name = EXCLUDED.tier_name,
		    suspended = EXCLUDED.suspended
	`
	if _, err := r.db.conn.NamedExecContext(ctx, query, tenant); err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// AddUser registers a user under a tenant.
func (r *TenantRepository) AddUser(ctx context.Context, tenantID, userID uuid.UUID) error {
	query := `
		INSERT INTO tenant_users (tenant_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`
	if _, err := r.db.conn.ExecContext(ctx, query, tenantID, userID); err != nil {
		return fmt.Errorf("failed to add tenant user: %w", err)
	}
	return nil
}
