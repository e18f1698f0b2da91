package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/queue"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

// RecordStore is the durable write target of the batch writer. Writes must
// be idempotent by record id.
type RecordStore interface {
	UpsertBatch(ctx context.Context, records []*models.UsageRecord) error
}

// BatchWriter buffers sealed records and flushes them to the durable store
// on a fixed interval or when the buffer reaches the flush threshold.
//
// Delivery is at-least-once: a failed flush requeues its batch at the front
// of the queue in order, backs off, and retries on the next tick — records
// are never dropped. The store's upsert-by-id gives at-most-once effect.
//
// The writer is a single serialized task; flushes never race each other.
type BatchWriter struct {
	queue  queue.Queue
	store  RecordStore
	config *queue.Config
	logger *utils.Logger

	flushNow    chan struct{}
	stopChan    chan struct{}
	stoppedChan chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once

	backoff time.Duration
}

// NewBatchWriter creates a batch writer over the given queue and store.
func NewBatchWriter(q queue.Queue, store RecordStore, config *queue.Config) *BatchWriter {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}
	return &BatchWriter{
		queue:       q,
		store:       store,
		config:      config,
		logger:      utils.NewLogger("batch-writer"),
		flushNow:    make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the background flush task. Safe to call once; the writer
// has an explicit lifecycle so tests can drive Flush synchronously instead.
func (w *BatchWriter) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Stop halts the background task, performs a final flush of everything
// still buffered, and closes the queue.
func (w *BatchWriter) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		<-w.stoppedChan

		if flushErr := w.Flush(ctx); flushErr != nil {
			w.logger.Error("Final flush failed, records remain queued", "error", flushErr)
			err = flushErr
		}
		if closeErr := w.queue.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// Enqueue buffers a sealed record and nudges the flush task when the
// threshold is reached. Safe for concurrent use by ingestion calls.
func (w *BatchWriter) Enqueue(ctx context.Context, record *models.UsageRecord) error {
	if err := w.queue.Enqueue(ctx, record); err != nil {
		return err
	}

	length, err := w.queue.Length(ctx)
	if err == nil && length >= w.config.FlushThreshold {
		select {
		case w.flushNow <- struct{}{}:
		default: // a flush signal is already pending
		}
	}
	return nil
}

// QueueLength returns the current buffer depth.
func (w *BatchWriter) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// run is the single flush loop.
func (w *BatchWriter) run(ctx context.Context) {
	defer close(w.stoppedChan)

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Batch writer stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Batch writer context cancelled")
			return
		case <-ticker.C:
			w.flushWithRetryDelay(ctx)
		case <-w.flushNow:
			w.flushWithRetryDelay(ctx)
		}
	}
}

// Flush drains up to one threshold's worth of records and writes them in a
// single store call. On failure the batch is requeued at the front of the
// queue in its original order.
func (w *BatchWriter) Flush(ctx context.Context) error {
	for {
		records, err := w.queue.Drain(ctx, w.config.FlushThreshold)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		if err := w.store.UpsertBatch(ctx, records); err != nil {
			w.logger.Error("Flush failed, requeueing batch",
				"count", len(records), "error", err)
			if requeueErr := w.queue.Requeue(ctx, records); requeueErr != nil {
				// Queue and store both failing leaves nowhere to put the
				// batch; surface both so the operator sees the loss risk.
				w.logger.Error("Requeue after failed flush also failed",
					"count", len(records), "error", requeueErr)
				return requeueErr
			}
			return err
		}

		w.backoff = 0
		w.logger.Debug("Flushed batch", "count", len(records))

		// Keep going while a full threshold remains buffered.
		if length, lenErr := w.queue.Length(ctx); lenErr != nil || length < w.config.FlushThreshold {
			return nil
		}
	}
}

// flushWithRetryDelay wraps Flush with exponential backoff between failed
// attempts. Retries continue indefinitely; the backoff only spaces them.
func (w *BatchWriter) flushWithRetryDelay(ctx context.Context) {
	if err := w.Flush(ctx); err != nil {
		if w.backoff == 0 {
			w.backoff = w.config.RetryBackoff
		} else {
			w.backoff *= 2
			if w.backoff > w.config.MaxRetryBackoff {
				w.backoff = w.config.MaxRetryBackoff
			}
		}

		select {
		case <-time.After(w.backoff):
		case <-w.stopChan:
		case <-ctx.Done():
		}
	}
}
