package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
)

// RedisQueue implements Queue using a Redis list, for deployments where the
// buffer must survive restarts.
type RedisQueue struct {
	client *redis.Client
	config *Config
	qKey   string
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(config *Config) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// NewRedisQueueWithClient wraps an existing client. Tests use it with
// miniredis.
func NewRedisQueueWithClient(client *redis.Client, config *Config) *RedisQueue {
	if config == nil {
		config = DefaultConfig("usage")
	}
	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}
}

// Enqueue appends a record to the back of the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, record *models.UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// Requeue pushes records back onto the front in original order. LPush
// prepends, so the slice is walked back to front.
func (q *RedisQueue) Requeue(ctx context.Context, records []*models.UsageRecord) error {
	for i := len(records) - 1; i >= 0; i-- {
		data, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := q.client.LPush(ctx, q.qKey, data).Err(); err != nil {
			return fmt.Errorf("failed to requeue to Redis: %w", err)
		}
	}
	return nil
}

// Drain removes and returns up to max records without blocking.
func (q *RedisQueue) Drain(ctx context.Context, max int) ([]*models.UsageRecord, error) {
	if max <= 0 {
		max = q.config.FlushThreshold
	}

	var records []*models.UsageRecord
	for len(records) < max {
		data, err := q.client.LPop(ctx, q.qKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			// Return what we have; the rest stays queued.
			if len(records) > 0 {
				return records, nil
			}
			return nil, fmt.Errorf("failed to pop from Redis: %w", err)
		}

		var record models.UsageRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return records, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		records = append(records, &record)
	}

	return records, nil
}

// Length returns the current queue depth.
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
