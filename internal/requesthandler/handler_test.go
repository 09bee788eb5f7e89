package requesthandler

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/RicherTunes/ai-proxy-sub008/internal/costtracker"
	"github.com/RicherTunes/ai-proxy-sub008/internal/eventstream"
	"github.com/RicherTunes/ai-proxy-sub008/internal/keymanager"
	"github.com/RicherTunes/ai-proxy-sub008/internal/metrics"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracestore"
)

func testConfig() Config {
	return Config{
		AdmissionHold: AdmissionHoldConfig{Enabled: false},
		PoolCooldown:  PoolCooldownAdmissionConfig{SleepThresholdMs: 200},
		Retry: RetryConfig{
			MaxRetries:                 3,
			RequestTimeout:             time.Second,
			Max429AttemptsPerRequest:   3,
			Max429RetryWindowMs:        60_000,
			MaxModelSwitchesPerRequest: 3,
			BaseDelayMs:                1,
			BackoffMultiplier:          2,
			MaxDelayMs:                 5,
			JitterMs:                   0,
		},
		Queue:        QueueConfig{Size: 0},
		RouterActive: true,
	}
}

func newTestHandler(t *testing.T, upstreamURL string) (*Handler, *keymanager.Manager) {
	t.Helper()
	keys := keymanager.NewManager()
	keys.AddCredential("test-secret")

	router := modelrouter.New(nil, modelrouter.DefaultRoutingConfig())
	cost := costtracker.New()
	traces := tracestore.New(10)
	events := eventstream.NewBus()
	reg := metrics.New()
	upstream := NewUpstream(UpstreamConfig{BaseURL: upstreamURL}, http.DefaultTransport)

	h := New(Dependencies{
		Keys:     keys,
		Router:   router,
		Cost:     cost,
		Traces:   traces,
		Events:   events,
		Metrics:  reg,
		Upstream: upstream,
	}, testConfig(), keymanager.PoolCooldownConfig{BaseMs: 100, CapMs: 1000, DecayMs: 5000})

	return h, keys
}

func TestHandleRequest_SuccessOnFirstAttempt(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`data: {"usage":{"input_tokens":10,"output_tokens":20}}` + "\n\n"))
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.HandleRequest(rec, req, []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleRequest_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`data: {"usage":{"input_tokens":1,"output_tokens":1}}` + "\n\n"))
	}))
	defer backend.Close()

	h, keys := newTestHandler(t, backend.URL)
	// A 5xx excludes the key that served it, so a second key is needed for
	// the retry to have somewhere to go.
	keys.AddCredential("test-secret-2")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.HandleRequest(rec, req, []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", rec.Code)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 upstream calls, got %d", calls)
	}
}

func TestHandleRequest_GivesUpAfterMaxRetries(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.HandleRequest(rec, req, []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`))

	if rec.Code == http.StatusOK {
		t.Fatal("expected a failure status after exhausting retries")
	}
}

func TestHandleRequest_RateLimitGivesUpAfterMax429s(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.HandleRequest(rec, req, []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting rate-limit retries, got %d", rec.Code)
	}
	if rec.Header().Get("x-proxy-rate-limit") != "model_exhausted" {
		t.Fatalf("expected model_exhausted header, got %q", rec.Header().Get("x-proxy-rate-limit"))
	}
	if got := testutil.ToFloat64(h.deps.Metrics.GiveUpTotal.WithLabelValues("max_429_attempts")); got != 1 {
		t.Fatalf("expected recordGiveUp(max_429_attempts) exactly once, got %v", got)
	}
	if got := histogramSampleCount(t, h.deps.Metrics.FailedRequestModelSwitches); got != 1 {
		t.Fatalf("expected recordFailedRequestModelStats to fire exactly once, got %d observations", got)
	}
}

// TestHandleRequest_TransientRateLimitRetriesSameModel covers scenario 2
// (§8): a single below-threshold 429 retries the same model and records
// recordSameModelRetry, not a model switch.
func TestHandleRequest_TransientRateLimitRetriesSameModel(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`data: {"usage":{"input_tokens":1,"output_tokens":1}}` + "\n\n"))
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.HandleRequest(rec, req, []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(h.deps.Metrics.RetriesTotal.WithLabelValues("same_model")); got != 1 {
		t.Fatalf("expected one same_model retry record, got %v", got)
	}
	if got := testutil.ToFloat64(h.deps.Metrics.GiveUpTotal.WithLabelValues("max_429_attempts")); got != 0 {
		t.Fatalf("expected no give-up recorded, got %v", got)
	}
}
