// Package main provides a benchmark tool for batchflow to measure dispatch
// throughput under a paced synthetic load.
//
// Usage:
//
//	go run benchmark/main.go -items 100000 -rate 5000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/batchflow/pkg/flow"
)

func main() {
	numItems := flag.Int("items", 100000, "Number of items to submit")
	numWorkers := flag.Int("workers", 10, "Number of concurrent submitters")
	submitRate := flag.Float64("rate", 0, "Submission rate limit in items/sec (0 = unlimited)")
	procDelay := flag.Duration("proc-delay", time.Millisecond, "Simulated processor latency per batch")
	flag.Parse()

	var processed atomic.Int64
	proc := func(_ context.Context, items []string) ([]string, error) {
		time.Sleep(*procDelay)
		processed.Add(int64(len(items)))
		return make([]string, len(items)), nil
	}

	d, err := flow.New(flow.Config{
		MaxBatchSize: 256,
		MinInterval:  time.Millisecond,
		MaxInterval:  100 * time.Millisecond,
		MaxQueueSize: 1 << 16,
	}, flow.Callbacks[string]{}, proc)
	if err != nil {
		fmt.Printf("Error creating dispatcher: %v\n", err)
		return
	}

	limit := rate.Inf
	if *submitRate > 0 {
		limit = rate.Limit(*submitRate)
	}
	limiter := rate.NewLimiter(limit, 100)

	fmt.Printf("batchflow Benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Items to submit: %d\n", *numItems)
	fmt.Printf("Concurrent workers: %d\n", *numWorkers)
	fmt.Printf("Submission rate: %.0f items/sec (0 = unlimited)\n\n", *submitRate)

	ctx := context.Background()
	start := time.Now()

	var wg sync.WaitGroup
	var submitted, rejected, resolved, failed atomic.Int64
	itemsPerWorker := *numItems / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < itemsPerWorker; j++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				h, err := d.Submit(uuid.New().String())
				if err != nil {
					if errors.Is(err, flow.ErrQueueFull) {
						rejected.Add(1)
						continue
					}
					fmt.Printf("Error submitting: %v\n", err)
					return
				}
				submitted.Add(1)

				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := h.Wait(ctx); err != nil {
						failed.Add(1)
						return
					}
					resolved.Add(1)
				}()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.Shutdown(shutdownCtx)

	stats := d.Stats()
	fmt.Printf("✓ Submitted %d items in %s (%d rejected at the queue)\n",
		submitted.Load(), elapsed, rejected.Load())
	fmt.Printf("  Resolved: %d, failed: %d, processed by backend: %d\n",
		resolved.Load(), failed.Load(), processed.Load())
	fmt.Printf("  Throughput: %.2f items/sec\n", float64(resolved.Load())/elapsed.Seconds())
	fmt.Printf("\nDispatcher state after run:\n")
	fmt.Printf("  Batches dispatched: %d (failed: %d)\n", stats.BatchesDispatched, stats.BatchesFailed)
	fmt.Printf("  Final batch size: %d, min interval: %s\n", stats.BatchSize, stats.MinInterval)
	fmt.Printf("  Window: avg duration %s, throughput %.2f items/sec\n",
		stats.Window.AvgDuration, stats.Window.Throughput)
}
