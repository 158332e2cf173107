// Package processor provides a Redis-backed reference implementation of the
// dispatcher's batch processor contract. Records are pipelined into a Redis
// list and a per-record status key is written with a TTL, so hosts can poll
// delivery results by record ID.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the payload type submitted through the dispatcher.
type Record struct {
	// ID is a unique identifier for the record (typically UUID).
	ID string `json:"id"`

	// Type categorizes the record for routing and metrics (e.g., "email").
	Type string `json:"type"`

	// Payload contains the job-specific data as a generic interface.
	Payload interface{} `json:"payload"`

	// CreatedAt is the timestamp when the record was first submitted.
	CreatedAt time.Time `json:"created_at"`
}

// Receipt is the per-record result returned for a delivered batch.
type Receipt struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	QueuedAt time.Time `json:"queued_at"`
}

// Redis delivers batches into a Redis list. All operations are context-aware
// and a whole batch is committed atomically via a transaction pipeline.
type Redis struct {
	rdb       *redis.Client
	queue     string
	resultTTL time.Duration
}

// NewRedis creates a processor connected to the specified Redis address.
// Batches are pushed to the named queue list.
func NewRedis(addr, queue string) *Redis {
	return &Redis{
		rdb:       redis.NewClient(&redis.Options{Addr: addr}),
		queue:     queue,
		resultTTL: 24 * time.Hour,
	}
}

// Process implements the batch processor contract: on success it returns
// exactly one Receipt per record, in record order. Any failure is a
// whole-batch failure.
func (p *Redis) Process(ctx context.Context, records []Record) ([]Receipt, error) {
	queuedAt := time.Now()
	receipts := make([]Receipt, len(records))

	pipe := p.rdb.TxPipeline()
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		pipe.RPush(ctx, p.queue, data)

		status, err := json.Marshal(map[string]string{
			"status":    "queued",
			"queued_at": queuedAt.Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		pipe.Set(ctx, "result:"+rec.ID, status, p.resultTTL)

		receipts[i] = Receipt{ID: rec.ID, Queue: p.queue, QueuedAt: queuedAt}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return receipts, nil
}

// Result retrieves the stored status of a record as a raw JSON string.
func (p *Redis) Result(ctx context.Context, id string) (string, error) {
	return p.rdb.Get(ctx, "result:"+id).Result()
}

// Depth returns the current length of the delivery queue.
func (p *Redis) Depth(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, p.queue).Result()
}

// Ping checks connectivity to Redis.
func (p *Redis) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (p *Redis) Close() error {
	return p.rdb.Close()
}
