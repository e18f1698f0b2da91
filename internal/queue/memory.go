package queue

import (
	"context"
	"sync"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// MemoryQueue implements Queue with an in-process slice. Pushes are safe
// from many concurrent ingestion calls; draining is expected to be done by
// the single batch-writer task.
type MemoryQueue struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	closed  bool
	config  *Config
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}
	return &MemoryQueue{
		records: make([]*models.UsageRecord, 0, config.FlushThreshold),
		config:  config,
	}
}

// Enqueue appends a record to the back of the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, record *models.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.records = append(q.records, record)
	return nil
}

// Requeue pushes failed records back onto the front, preserving their
// original order so the chain ordering survives retries.
func (q *MemoryQueue) Requeue(ctx context.Context, records []*models.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.records = append(append(make([]*models.UsageRecord, 0, len(records)+len(q.records)), records...), q.records...)
	return nil
}

// Drain removes and returns up to max records.
func (q *MemoryQueue) Drain(ctx context.Context, max int) ([]*models.UsageRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.records) == 0 {
		return nil, nil
	}
	if max <= 0 || max > len(q.records) {
		max = len(q.records)
	}

	drained := make([]*models.UsageRecord, max)
	copy(drained, q.records[:max])
	q.records = append(q.records[:0:0], q.records[max:]...)
	return drained, nil
}

// Length returns the current queue depth.
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.records), nil
}

// Close shuts down the queue. The batch writer performs its final flush
// before closing, so anything still buffered here is lost.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
