package keymanager

import (
	"testing"
)

func TestAcquireRelease_InFlightBounded(t *testing.T) {
	m := NewManager(WithMaxConcurrencyPerKey(1))
	m.AddCredential("secret-a")

	h1, ok := m.AcquireKey(nil)
	if !ok {
		t.Fatal("expected to acquire first handle")
	}
	if _, ok := m.AcquireKey(nil); ok {
		t.Fatal("second acquire should fail: at capacity")
	}
	m.Release(h1, Outcome{Kind: OutcomeSuccess, LatencyMs: 10})
	if _, ok := m.AcquireKey(nil); !ok {
		t.Fatal("should be able to acquire again after release")
	}
}

func TestAcquireKey_ExcludesIDs(t *testing.T) {
	m := NewManager(WithMaxConcurrencyPerKey(4))
	c := m.AddCredential("only-one")

	if _, ok := m.AcquireKey(map[string]bool{c.ID: true}); ok {
		t.Fatal("excluded credential should not be returned")
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	m := NewManager(WithBreakerThreshold(2), WithMaxConcurrencyPerKey(4))
	m.AddCredential("flaky")

	for i := 0; i < 2; i++ {
		h, ok := m.AcquireKey(nil)
		if !ok {
			t.Fatalf("expected acquire to succeed on attempt %d", i)
		}
		m.Release(h, Outcome{Kind: OutcomeFailure})
	}

	if _, ok := m.AcquireKey(nil); ok {
		t.Fatal("breaker should be open, acquire should fail")
	}
}

func TestHealthScore_PenalizesLatencyAndErrors(t *testing.T) {
	m := NewManager(WithMaxConcurrencyPerKey(4))
	c := m.AddCredential("x")

	if c.HealthScore() != 100 {
		t.Fatalf("fresh credential should start at 100, got %f", c.HealthScore())
	}

	h, _ := m.AcquireKey(nil)
	m.Release(h, Outcome{Kind: OutcomeSuccess, LatencyMs: 6000})
	if c.HealthScore() >= 100 {
		t.Fatalf("high latency should reduce score below 100, got %f", c.HealthScore())
	}
}

func TestRecordPoolRateLimitHit_ExponentialCooldown(t *testing.T) {
	m := NewManager()
	cfg := PoolCooldownConfig{BaseMs: 1000, CapMs: 60000, DecayMs: 300000}

	_, c1 := m.RecordPoolRateLimitHit(cfg)
	if c1 != 1000 {
		t.Fatalf("expected first cooldown 1000ms, got %d", c1)
	}
	_, c2 := m.RecordPoolRateLimitHit(cfg)
	if c2 != 2000 {
		t.Fatalf("expected second cooldown 2000ms, got %d", c2)
	}
	count, c3 := m.RecordPoolRateLimitHit(cfg)
	if count != 3 || c3 != 4000 {
		t.Fatalf("expected count=3 cooldown=4000ms, got count=%d cooldown=%d", count, c3)
	}
}

func TestRecordPoolRateLimitHit_CapsAtCeiling(t *testing.T) {
	m := NewManager()
	cfg := PoolCooldownConfig{BaseMs: 1000, CapMs: 3000, DecayMs: 300000}
	for i := 0; i < 5; i++ {
		m.RecordPoolRateLimitHit(cfg)
	}
	remaining := m.GetPoolCooldownRemainingMs()
	if remaining > 3000 {
		t.Fatalf("cooldown should be capped at 3000ms, got %d", remaining)
	}
}

func TestGetPoolCooldownRemainingMs_ZeroWhenUnset(t *testing.T) {
	m := NewManager()
	if m.GetPoolCooldownRemainingMs() != 0 {
		t.Fatal("expected zero cooldown before any rate-limit hit")
	}
}

func TestDetectAccountLevelRateLimit(t *testing.T) {
	cfg := PoolCooldownConfig{CapMs: 60000}
	isAccount, cooldown := DetectAccountLevelRateLimit(map[string]string{"x-ratelimit-scope": "account"}, cfg)
	if !isAccount || cooldown != 60000 {
		t.Fatalf("expected account-level detection with full cooldown, got %v %d", isAccount, cooldown)
	}
	isAccount, _ = DetectAccountLevelRateLimit(map[string]string{"x-ratelimit-scope": "model"}, cfg)
	if isAccount {
		t.Fatal("model-scoped evidence should not be account-level")
	}
}

func TestDeriveID_Stable(t *testing.T) {
	m := NewManager()
	c1 := m.AddCredential("same-secret")
	if deriveID("same-secret") != c1.ID {
		t.Fatal("deriveID should be deterministic")
	}
}
