package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/batchflow/pkg/flow"
	"github.com/guido-cesarano/batchflow/pkg/processor"
)

func setupTestDaemon(t *testing.T, apiKey string) *http.ServeMux {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	proc := processor.NewRedis(s.Addr(), "deliveries")
	t.Cleanup(func() { proc.Close() })

	cfg := flow.Config{
		MinInterval: time.Millisecond,
		MaxInterval: 10 * time.Millisecond,
	}
	d, err := flow.New(cfg, flow.Callbacks[processor.Record]{}, proc.Process)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	return setupRouter(d, proc, apiKey)
}

func TestAuthMiddleware(t *testing.T) {
	mux := setupTestDaemon(t, "secret-key")

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // empty body, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/submit", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	mux := setupTestDaemon(t, "")

	req := httptest.NewRequest("POST", "/submit", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code == http.StatusUnauthorized {
		t.Errorf("expected auth to be disabled, got 401")
	}
}

func TestSubmitAndWait(t *testing.T) {
	mux := setupTestDaemon(t, "")

	body := strings.NewReader(`{"type": "email", "payload": {"to": "a@example.com"}}`)
	req := httptest.NewRequest("POST", "/submit?wait=1", body)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "deliveries") {
		t.Errorf("expected receipt JSON naming the queue, got %s", w.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	mux := setupTestDaemon(t, "")

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "QueueDepth") {
		t.Errorf("expected stats JSON, got %s", w.Body.String())
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	mux := setupTestDaemon(t, "")

	body := strings.NewReader(`{"spec": "not a cron spec", "type": "email"}`)
	req := httptest.NewRequest("POST", "/schedule", body)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid spec, got %d", w.Code)
	}
}
