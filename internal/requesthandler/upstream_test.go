package requesthandler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUpstream_RateLimitCapturesEvidence(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Scope", "account")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	u := NewUpstream(UpstreamConfig{BaseURL: backend.URL}, http.DefaultTransport)
	rec := httptest.NewRecorder()
	res := u.Do(context.Background(), rec, "secret", []byte(`{}`), false)

	if res.Evidence["x-ratelimit-scope"] != "account" {
		t.Fatalf("expected evidence to carry x-ratelimit-scope=account, got %v", res.Evidence)
	}
}

func TestUpstream_ConnectionHealthMonitor_RecreatesSharedClientAfterThreshold(t *testing.T) {
	u := NewUpstream(UpstreamConfig{BaseURL: "http://127.0.0.1:0"}, http.DefaultTransport)
	before := u.client.Load()

	for i := 0; i < consecutiveHangupThreshold; i++ {
		u.recordConnectionOutcome(true)
	}

	after := u.client.Load()
	if before == after {
		t.Fatal("expected the shared client to be recreated once the hangup threshold was crossed")
	}
	if u.consecutiveHangups != 0 {
		t.Fatalf("expected hangup counter to reset after recreation, got %d", u.consecutiveHangups)
	}
}

func TestUpstream_ConnectionHealthMonitor_ResetsOnSuccess(t *testing.T) {
	u := NewUpstream(UpstreamConfig{BaseURL: "http://127.0.0.1:0"}, http.DefaultTransport)

	u.recordConnectionOutcome(true)
	u.recordConnectionOutcome(true)
	u.recordConnectionOutcome(false)

	if u.consecutiveHangups != 0 {
		t.Fatalf("expected a success to reset the hangup counter, got %d", u.consecutiveHangups)
	}
}
