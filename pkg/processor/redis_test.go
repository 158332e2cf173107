package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	p := NewRedis(s.Addr(), "deliveries")
	t.Cleanup(func() { p.Close() })
	return s, p
}

func TestProcessDeliversBatch(t *testing.T) {
	s, p := setupTestRedis(t)
	ctx := context.Background()

	records := []Record{
		{ID: "r1", Type: "email", Payload: map[string]string{"to": "a@example.com"}, CreatedAt: time.Now()},
		{ID: "r2", Type: "email", Payload: map[string]string{"to": "b@example.com"}, CreatedAt: time.Now()},
		{ID: "r3", Type: "sms", Payload: map[string]string{"to": "+123"}, CreatedAt: time.Now()},
	}

	receipts, err := p.Process(ctx, records)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// Contract: exactly one receipt per record, in record order.
	if len(receipts) != len(records) {
		t.Fatalf("expected %d receipts, got %d", len(records), len(receipts))
	}
	for i, r := range receipts {
		if r.ID != records[i].ID {
			t.Errorf("receipt %d: expected ID %s, got %s", i, records[i].ID, r.ID)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	length, _ := rdb.LLen(ctx, "deliveries").Result()
	if length != 3 {
		t.Errorf("expected 3 queued records, got %d", length)
	}

	// Records keep their order in the queue.
	raw, _ := rdb.LRange(ctx, "deliveries", 0, -1).Result()
	for i, data := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			t.Fatalf("unmarshal queued record: %v", err)
		}
		if rec.ID != records[i].ID {
			t.Errorf("queue position %d: expected %s, got %s", i, records[i].ID, rec.ID)
		}
	}
}

func TestResultKeysHaveTTL(t *testing.T) {
	s, p := setupTestRedis(t)
	ctx := context.Background()

	if _, err := p.Process(ctx, []Record{{ID: "ttl-test", Type: "email"}}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	result, err := p.Result(ctx, "ttl-test")
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	var status map[string]string
	if err := json.Unmarshal([]byte(result), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status["status"] != "queued" {
		t.Errorf("expected status queued, got %s", status["status"])
	}

	if ttl := s.TTL("result:ttl-test"); ttl == 0 {
		t.Error("expected TTL on result key")
	}
}

func TestDepth(t *testing.T) {
	_, p := setupTestRedis(t)
	ctx := context.Background()

	p.Process(ctx, []Record{{ID: "a"}, {ID: "b"}})

	depth, err := p.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 2 {
		t.Errorf("expected depth 2, got %d", depth)
	}
}

func TestUnmarshalableRecordFailsWholeBatch(t *testing.T) {
	s, p := setupTestRedis(t)
	ctx := context.Background()

	records := []Record{
		{ID: "good"},
		{ID: "bad", Payload: make(chan int)}, // not JSON-serializable
	}

	if _, err := p.Process(ctx, records); err == nil {
		t.Fatal("expected marshal error, got nil")
	}

	// Nothing was committed.
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	if length, _ := rdb.LLen(ctx, "deliveries").Result(); length != 0 {
		t.Errorf("expected empty queue after failed batch, got %d", length)
	}
}
