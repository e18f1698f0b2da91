package storage

import (
	"context"
	"fmt"
)

// schemaSQL creates the metering tables. The unique index on
// (tenant_id, cycle_type, period_start) is load-bearing: it is the advisory
// lock that prevents two aggregation runs from double-invoicing a window.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                       UUID PRIMARY KEY,
	tenant_id                UUID NOT NULL,
	user_id                  UUID NOT NULL,
	document_id              UUID,
	recorded_at              TIMESTAMPTZ NOT NULL,
	service_type             TEXT NOT NULL,
	model                    TEXT NOT NULL,
	metadata                 JSONB,
	input_tokens             INTEGER NOT NULL,
	output_tokens            INTEGER NOT NULL,
	total_tokens             INTEGER NOT NULL,
	characters               BIGINT NOT NULL DEFAULT 0,
	pages                    INTEGER NOT NULL DEFAULT 0,
	source_currency          TEXT NOT NULL,
	billing_currency         TEXT NOT NULL,
	base_cost                NUMERIC(20,6) NOT NULL,
	markup                   NUMERIC(10,4) NOT NULL,
	marked_up_cost           NUMERIC(20,6) NOT NULL,
	exchange_rate            NUMERIC(12,6) NOT NULL,
	converted_cost           NUMERIC(20,6) NOT NULL,
	final_cost               NUMERIC(20,6) NOT NULL,
	minimum_charge_applied   BOOLEAN NOT NULL DEFAULT FALSE,
	tax_rate                 NUMERIC(6,4) NOT NULL,
	tax_amount               NUMERIC(20,6) NOT NULL,
	total_charge             NUMERIC(20,6) NOT NULL,
	time_saved_hours         NUMERIC(12,2) NOT NULL DEFAULT 0,
	risk_mitigation_value    NUMERIC(20,2) NOT NULL DEFAULT 0,
	compliance_value         NUMERIC(20,2) NOT NULL DEFAULT 0,
	total_value              NUMERIC(20,2) NOT NULL DEFAULT 0,
	tier_name                TEXT NOT NULL DEFAULT '',
	tier_monthly_token_quota BIGINT NOT NULL DEFAULT 0,
	tier_overage_multiplier  NUMERIC(10,4) NOT NULL DEFAULT 1,
	billing_status           TEXT NOT NULL DEFAULT 'PENDING',
	invoice_id               UUID,
	billed_at                TIMESTAMPTZ,
	audit_notes              TEXT[] NOT NULL DEFAULT '{}',
	record_hash              TEXT NOT NULL,
	prev_hash                TEXT NOT NULL DEFAULT '',
	chain_seq                BIGINT NOT NULL DEFAULT 0,
	signature                TEXT NOT NULL,
	signing_key_id           TEXT NOT NULL,
	sealed_at                TIMESTAMPTZ NOT NULL,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_pending_window
	ON usage_records (tenant_id, billing_status, recorded_at);

CREATE INDEX IF NOT EXISTS idx_usage_chain
	ON usage_records (tenant_id, chain_seq);

CREATE TABLE IF NOT EXISTS invoices (
	id                UUID PRIMARY KEY,
	tenant_id         UUID NOT NULL,
	number            TEXT NOT NULL,
	cycle_type        TEXT NOT NULL,
	period_start      TIMESTAMPTZ NOT NULL,
	period_end        TIMESTAMPTZ NOT NULL,
	record_ids        TEXT[] NOT NULL DEFAULT '{}',
	record_count      INTEGER NOT NULL,
	currency          TEXT NOT NULL,
	total_cost        NUMERIC(20,6) NOT NULL,
	total_tax         NUMERIC(20,6) NOT NULL,
	total_charge      NUMERIC(20,6) NOT NULL,
	line_items        JSONB,
	payment_reference TEXT NOT NULL,
	signature         TEXT NOT NULL,
	signing_key_id    TEXT NOT NULL,
	generated_at      TIMESTAMPTZ NOT NULL,

	CONSTRAINT invoices_one_per_window UNIQUE (tenant_id, cycle_type, period_start),
	CONSTRAINT invoices_number_per_tenant UNIQUE (tenant_id, number)
);

CREATE TABLE IF NOT EXISTS tenants (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	tier_name  TEXT NOT NULL DEFAULT 'STARTER',
	suspended  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tenant_users (
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	user_id   UUID NOT NULL,

	PRIMARY KEY (tenant_id, user_id)
);
`

// Migrate creates the metering schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
