// Package queue buffers sealed usage records between ingestion and the
// batch writer, with two backends:
//
// 1. Memory queue (in-process):
//   - No persistence, records in flight are lost on restart
//   - Zero external dependencies
//   - Suited to standalone/single-node deployments
//
// 2. Redis queue (Redis list):
//   - Survives process restarts
//   - Required for multi-instance deployments
//
// Delivery to the durable store is at-least-once: records that fail to
// flush are requeued at the front, so ordering is preserved and nothing is
// dropped silently. The store deduplicates by record id.
package queue

import (
	"context"
	"time"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// Queue holds sealed usage records awaiting a durable-store flush.
type Queue interface {
	// Enqueue appends a sealed record to the back of the queue.
	Enqueue(ctx context.Context, record *models.UsageRecord) error

	// Requeue pushes records back onto the front of the queue in their
	// original order, after a failed flush.
	Requeue(ctx context.Context, records []*models.UsageRecord) error

	// Drain removes and returns up to max records without blocking.
	Drain(ctx context.Context, max int) ([]*models.UsageRecord, error)

	// Length returns the current queue depth.
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue.
	Close() error
}

// Config holds queue and batch flush configuration.
type Config struct {
	// FlushThreshold triggers an immediate flush when the queue reaches
	// this depth.
	FlushThreshold int

	// FlushInterval is the timer-driven flush period.
	FlushInterval time.Duration

	// RetryBackoff is the initial backoff after a failed flush.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff between retries.
	// Retries themselves never stop; records are not dropped.
	MaxRetryBackoff time.Duration

	// UseRedis selects the Redis backend over the in-memory one.
	UseRedis bool

	// RedisAddr, RedisPassword, RedisDB configure the Redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QueueName is the name/key for the queue.
	QueueName string
}

// DefaultConfig returns the default batch-writer configuration: flush every
// 60 seconds or at 1000 buffered records, whichever comes first.
func DefaultConfig(queueName string) *Config {
	return &Config{
		FlushThreshold:  1000,
		FlushInterval:   60 * time.Second,
		RetryBackoff:    1 * time.Second,
		MaxRetryBackoff: 2 * time.Minute,
		UseRedis:        false,
		QueueName:       queueName,
	}
}
