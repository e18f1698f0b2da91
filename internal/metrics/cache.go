// Package metrics maintains real-time dashboard counters in Redis. The
// counters are updated synchronously as records are sealed and are a
// best-effort view: they may lag or lose increments on Redis outages and are
// never read as a source of truth for billing, which always derives from the
// durable store.
//
// Redis atomic increments make the cache safe for multi-process deployments;
// every gateway instance shares the same counter keys.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// Revenue counters are stored as integer micro-units (1e-6 of the billing
// currency) so Redis INCRBY stays exact. Conversion happens at the edges.
const revenueScale = 6

// Snapshot is one tenant's dashboard counters at read time.
type Snapshot struct {
	TenantID uuid.UUID `json:"tenant_id"`

	TodayRevenue   decimal.Decimal `json:"today_revenue"`
	TodayTokens    int64           `json:"today_tokens"`
	TodayDocuments int64           `json:"today_documents"`

	LifetimeRevenue   decimal.Decimal `json:"lifetime_revenue"`
	LifetimeTokens    int64           `json:"lifetime_tokens"`
	LifetimeDocuments int64           `json:"lifetime_documents"`

	// PeakMinuteRequests is the highest request count observed in any
	// single minute.
	PeakMinuteRequests int64 `json:"peak_minute_requests"`
}

// Cache is the Redis-backed counter store.
type Cache struct {
	redis *redis.Client
	clock func() time.Time
}

// NewCache returns a cache over the given Redis client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{redis: client, clock: time.Now}
}

// WithClock overrides the cache's time source. Used by tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// recordScript applies one sealed record to all counters in a single atomic
// round trip. The per-minute throughput key tracks the current minute's
// request count and folds it into the peak marker.
var recordScript = redis.NewScript(`
	local today_revenue = KEYS[1]
	local today_tokens = KEYS[2]
	local today_documents = KEYS[3]
	local life_revenue = KEYS[4]
	local life_tokens = KEYS[5]
	local life_documents = KEYS[6]
	local minute = KEYS[7]
	local peak = KEYS[8]

	local revenue = tonumber(ARGV[1])
	local tokens = tonumber(ARGV[2])
	local documents = tonumber(ARGV[3])
	local day_ttl = tonumber(ARGV[4])

	redis.call('INCRBY', today_revenue, revenue)
	redis.call('EXPIRE', today_revenue, day_ttl)
	redis.call('INCRBY', today_tokens, tokens)
	redis.call('EXPIRE', today_tokens, day_ttl)
	if documents > 0 then
		redis.call('INCRBY', today_documents, documents)
		redis.call('EXPIRE', today_documents, day_ttl)
		redis.call('INCRBY', life_documents, documents)
	end
	redis.call('INCRBY', life_revenue, revenue)
	redis.call('INCRBY', life_tokens, tokens)

	local count = redis.call('INCR', minute)
	redis.call('EXPIRE', minute, 120)
	local current_peak = tonumber(redis.call('GET', peak)) or 0
	if count > current_peak then
		redis.call('SET', peak, count)
	end
	return count
`)

// RecordSealed applies one sealed record to the tenant's counters. A record
// with a document id counts as one document. Errors are returned for the
// caller to log; they never fail the ingestion path.
func (c *Cache) RecordSealed(ctx context.Context, record *models.UsageRecord) error {
	now := c.clock().UTC()
	day := now.Format("20060102")
	minute := now.Format("200601021504")
	tenant := record.TenantID.String()

	documents := int64(0)
	if record.DocumentID != nil {
		documents = 1
	}

	keys := []string{
		c.key(tenant, "revenue", day),
		c.key(tenant, "tokens", day),
		c.key(tenant, "documents", day),
		c.key(tenant, "revenue", "lifetime"),
		c.key(tenant, "tokens", "lifetime"),
		c.key(tenant, "documents", "lifetime"),
		c.key(tenant, "throughput", minute),
		c.key(tenant, "throughput", "peak"),
	}
	args := []interface{}{
		record.Cost.TotalCharge.Shift(revenueScale).IntPart(),
		int64(record.TotalTokens),
		documents,
		// Keep today's counters two days so dashboards spanning a
		// midnight rollover still resolve yesterday.
		int64((48 * time.Hour).Seconds()),
	}

	if err := recordScript.Run(ctx, c.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("metrics: record sealed: %w", err)
	}
	return nil
}

// Read returns the tenant's current counters. Missing keys read as zero.
func (c *Cache) Read(ctx context.Context, tenantID uuid.UUID) (*Snapshot, error) {
	day := c.clock().UTC().Format("20060102")
	tenant := tenantID.String()

	keys := []string{
		c.key(tenant, "revenue", day),
		c.key(tenant, "tokens", day),
		c.key(tenant, "documents", day),
		c.key(tenant, "revenue", "lifetime"),
		c.key(tenant, "tokens", "lifetime"),
		c.key(tenant, "documents", "lifetime"),
		c.key(tenant, "throughput", "peak"),
	}

	values, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("metrics: read counters: %w", err)
	}

	counters := make([]int64, len(values))
	for i, v := range values {
		counters[i] = parseCounter(v)
	}

	return &Snapshot{
		TenantID:           tenantID,
		TodayRevenue:       decimal.New(counters[0], -revenueScale),
		TodayTokens:        counters[1],
		TodayDocuments:     counters[2],
		LifetimeRevenue:    decimal.New(counters[3], -revenueScale),
		LifetimeTokens:     counters[4],
		LifetimeDocuments:  counters[5],
		PeakMinuteRequests: counters[6],
	}, nil
}

// Reset deletes a tenant's lifetime and peak counters. Admin use only;
// today's counters expire on their own.
func (c *Cache) Reset(ctx context.Context, tenantID uuid.UUID) error {
	tenant := tenantID.String()
	return c.redis.Del(ctx,
		c.key(tenant, "revenue", "lifetime"),
		c.key(tenant, "tokens", "lifetime"),
		c.key(tenant, "documents", "lifetime"),
		c.key(tenant, "throughput", "peak"),
	).Err()
}

func (c *Cache) key(tenant, counter, suffix string) string {
	return fmt.Sprintf("metrics:%s:%s:%s", tenant, counter, suffix)
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
