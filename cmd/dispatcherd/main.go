// Package main implements the batchflow host daemon. It accepts records over
// an HTTP API, feeds them through the adaptive batch dispatcher, and delivers
// batches to Redis.
//
// API Endpoints:
//
//	POST /submit   - Submits a record; ?wait=1 blocks for the outcome
//	GET  /result   - Retrieves the delivery status of a record by ID
//	POST /schedule - Registers a cron job that submits a record on a spec
//	GET  /stats    - Returns a dispatcher stats snapshot
//
// Prometheus metrics are exposed on :8080/metrics. The daemon listens on
// :8081 and connects to Redis at localhost:6379 unless overridden via
// LISTEN_ADDR, METRICS_ADDR and REDIS_ADDR.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/batchflow/pkg/flow"
	"github.com/guido-cesarano/batchflow/pkg/logger"
	"github.com/guido-cesarano/batchflow/pkg/processor"
)

// Prometheus metrics for monitoring batch dispatch.
var (
	// batchesTotal tracks dispatched batches by outcome.
	// Labels:
	//   - status: "success", "error", or "breaker_open"
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchflow_batches_total",
		Help: "The total number of dispatched batches",
	}, []string{"status"})

	// batchDuration tracks batch processing latency in seconds.
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchflow_batch_duration_seconds",
		Help:    "Duration of batch processing",
		Buckets: prometheus.DefBuckets,
	})

	// queueDepth tracks the number of items waiting in the dispatcher.
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchflow_queue_depth",
		Help: "Number of items waiting in the dispatch queue",
	})

	// breakerState exposes the circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchflow_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// permittedBatchSize exposes the governor's current batch size.
	permittedBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchflow_permitted_batch_size",
		Help: "Current governed batch size",
	})

	// submissionsTotal tracks record submissions by admission outcome.
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchflow_submissions_total",
		Help: "The total number of record submissions",
	}, []string{"status"})
)

// dispatcherCallbacks wires the dispatcher's observability hooks into the
// Prometheus metrics above.
func dispatcherCallbacks() flow.Callbacks[processor.Record] {
	return flow.Callbacks[processor.Record]{
		OnBatchComplete: func(size, attempts int, duration time.Duration) {
			batchesTotal.WithLabelValues("success").Inc()
			batchDuration.Observe(duration.Seconds())
		},
		OnBatchError: func(size, attempts int, err error) {
			if errors.Is(err, flow.ErrBreakerOpen) {
				batchesTotal.WithLabelValues("breaker_open").Inc()
				return
			}
			batchesTotal.WithLabelValues("error").Inc()
		},
		OnOverflow: func(processor.Record) {
			submissionsTotal.WithLabelValues("overflow").Inc()
		},
		OnBreakerChange: func(from, to flow.BreakerState) {
			breakerState.Set(float64(to))
		},
	}
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key
// authentication. An empty key disables auth (dev mode).
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers. Applied before
// auth so preflight requests don't fail the key check.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

type submitRequest struct {
	Type     string      `json:"type"`
	Payload  interface{} `json:"payload"`
	Priority *int        `json:"priority"` // pointer so omitted != Low
}

func (req submitRequest) record() processor.Record {
	return processor.Record{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Payload:   req.Payload,
		CreatedAt: time.Now(),
	}
}

func (req submitRequest) priority() flow.Priority {
	if req.Priority == nil {
		return flow.PriorityDefault
	}
	return flow.Priority(*req.Priority)
}

// submitStatus maps a submission error onto an HTTP status code.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, flow.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, flow.ErrBreakerOpen), errors.Is(err, flow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(d *flow.Dispatcher[processor.Record, processor.Receipt], proc *processor.Redis, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/submit", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec := req.record()

		handle, err := d.SubmitPriority(rec, req.priority())
		if err != nil {
			submissionsTotal.WithLabelValues("rejected").Inc()
			http.Error(w, err.Error(), submitStatus(err))
			return
		}
		submissionsTotal.WithLabelValues("accepted").Inc()

		if r.URL.Query().Get("wait") == "1" {
			receipt, err := handle.Wait(r.Context())
			if err != nil {
				http.Error(w, err.Error(), submitStatus(err))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(receipt)
			return
		}

		fmt.Fprintf(w, "Record submitted: %s\n", rec.ID)
	}, apiKey)))

	mux.HandleFunc("/result", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		recordID := r.URL.Query().Get("id")
		if recordID == "" {
			http.Error(w, "Missing record ID", http.StatusBadRequest)
			return
		}

		result, err := proc.Result(r.Context(), recordID)
		if err == redis.Nil {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(result))
	}, apiKey)))

	mux.HandleFunc("/schedule", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Spec string `json:"spec"` // cron expression (e.g. "@every 1m")
			submitRequest
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		entryID, err := d.Schedule(req.Spec, req.record())
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}

		fmt.Fprintf(w, "Job scheduled with EntryID: %d\n", entryID)
	}, apiKey)))

	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}, apiKey)))

	return mux
}

// collectGaugeMetrics polls the dispatcher and updates gauges every 5s.
func collectGaugeMetrics(ctx context.Context, d *flow.Dispatcher[processor.Record, processor.Receipt]) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.Stats()
			queueDepth.Set(float64(stats.QueueDepth))
			permittedBatchSize.Set(float64(stats.BatchSize))
			breakerState.Set(float64(stats.Breaker))
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dispatcherConfig builds the dispatcher configuration, with a few knobs
// overridable from the environment.
func dispatcherConfig() flow.Config {
	cfg := flow.Config{
		MaxBatchSize:     32,
		MinInterval:      50 * time.Millisecond,
		MaxInterval:      2 * time.Second,
		MaxQueueSize:     4096,
		MaxAttempts:      3,
		BreakerThreshold: 5,
	}
	if v, err := strconv.Atoi(os.Getenv("MAX_BATCH_SIZE")); err == nil && v > 0 {
		cfg.MaxBatchSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("MIN_INTERVAL_MS")); err == nil && v > 0 {
		cfg.MinInterval = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.ParseFloat(os.Getenv("TARGET_THROUGHPUT"), 64); err == nil && v > 0 {
		cfg.TargetThroughput = v
	}
	return cfg
}

func main() {
	redisAddr := envOr("REDIS_ADDR", "127.0.0.1:6379")
	listenAddr := envOr("LISTEN_ADDR", ":8081")
	metricsAddr := envOr("METRICS_ADDR", ":8080")

	proc := processor.NewRedis(redisAddr, "deliveries")
	defer proc.Close()

	d, err := flow.New(dispatcherConfig(), dispatcherCallbacks(), proc.Process)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to create dispatcher")
	}

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", metricsAddr).Msg("Metrics server listening")
		http.ListenAndServe(metricsAddr, nil)
	}()
	go collectGaugeMetrics(ctx, d)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: setupRouter(d, proc, apiKey),
	}

	// Graceful shutdown: stop the API first, then drain the dispatcher.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down dispatcherd...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error().Err(err).Msg("Dispatcher shutdown timed out")
		}
	}()

	logger.Log.Info().Str("addr", listenAddr).Msg("dispatcherd listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
