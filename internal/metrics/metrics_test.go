package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RequestsTotal == nil {
		t.Fatal("expected non-nil RequestsTotal counter")
	}
	if r.RequestLatencyMs == nil {
		t.Fatal("expected non-nil RequestLatencyMs histogram")
	}
	if r.CostUSDTotal == nil {
		t.Fatal("expected non-nil CostUSDTotal counter")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	h := r.Handler()
	if h == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	// Increment a counter to ensure it doesn't panic.
	r.RequestsTotal.WithLabelValues("glm-4-plus", "HEAVY", "200").Inc()
	r.CostUSDTotal.WithLabelValues("glm-4-plus").Add(0.01)
	r.RequestLatencyMs.WithLabelValues("glm-4-plus", "HEAVY").Observe(150.0)
	r.ModelInFlight.WithLabelValues("glm-4-plus").Set(1)
	r.KeyCircuitOpen.WithLabelValues("key-0").Set(0)

	// Gather metrics from the registry; this exercises the full collection path.
	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"zgate_requests_total",
		"zgate_request_latency_ms",
		"zgate_cost_usd_total",
		"zgate_model_in_flight",
		"zgate_key_circuit_open",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.RequestsTotal.WithLabelValues("glm-4-plus", "HEAVY", "200").Inc()

	// r2 should have zero metrics gathered (no observations made).
	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
	_ = r1
}

func TestRegisteredMetricDescriptions(t *testing.T) {
	r := New()

	// Describe should emit descriptors for all registered collectors.
	ch := make(chan *prometheus.Desc, 32)
	go func() {
		r.RequestsTotal.Describe(ch)
		r.RequestLatencyMs.Describe(ch)
		r.CostUSDTotal.Describe(ch)
		r.RetriesTotal.Describe(ch)
		r.GiveUpTotal.Describe(ch)
		r.PoolCooldownMs.Describe(ch)
		r.KeyCircuitOpen.Describe(ch)
		r.ModelInFlight.Describe(ch)
		r.ModelCooldownMs.Describe(ch)
		r.AdmissionHoldTotal.Describe(ch)
		r.FailedRequestAttemptedModels.Describe(ch)
		r.FailedRequestModelSwitches.Describe(ch)
		close(ch)
	}()

	count := 0
	for range ch {
		count++
	}
	if count != 12 {
		t.Errorf("expected 12 metric descriptors, got %d", count)
	}
}
