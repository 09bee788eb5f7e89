// Package keymanager owns the pool of z.ai credentials: selection, circuit
// breaking, health scoring, per-key concurrency, and pool-wide rate-limit
// tracking (SPEC_FULL.md §4.1).
package keymanager

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/RicherTunes/ai-proxy-sub008/internal/circuitbreaker"
)

// maxLatencySamples bounds the rolling window used for the p95 health input.
const maxLatencySamples = 128

// maxOutcomeSamples bounds the rolling window used for the success-rate
// health input.
const maxOutcomeSamples = 50

// Credential is one opaque z.ai API secret tracked by the pool.
type Credential struct {
	Index  int
	ID     string // stable identifier, never the raw secret
	secret string

	breaker *circuitbreaker.Breaker

	mu             sync.Mutex
	inFlight       int
	maxConcurrency int
	latencies      []float64 // ring of recent latencies, ms
	outcomes       []bool    // ring of recent success/failure outcomes
	lastErrorAt    time.Time

	rateLimitCount      int
	rateLimitLastHitAt  time.Time
	rateLimitCooldownTo time.Time
}

// Secret returns the raw credential value. Callers must never log it.
func (c *Credential) Secret() string { return c.secret }

// InFlight returns the credential's current in-flight request count.
func (c *Credential) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// CircuitState returns the credential's current circuit-breaker state.
func (c *Credential) CircuitState() circuitbreaker.State {
	return c.breaker.CurrentState()
}

// HealthScore recomputes the 0-100 weighted health score: 40 points for
// normalized p95 latency, 40 for recent success rate, 20 for recency of the
// last error (§3/§4.1).
func (c *Credential) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthScoreLocked()
}

func (c *Credential) healthScoreLocked() float64 {
	score := latencyComponent(p95(c.latencies)) + successComponent(successRate(c.outcomes)) + recencyComponent(c.lastErrorAt)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// latencyComponent awards up to 40 points, linearly decaying to 0 at 5s p95.
func latencyComponent(p95Ms float64) float64 {
	const ceilingMs = 5000.0
	if p95Ms <= 0 {
		return 40
	}
	if p95Ms >= ceilingMs {
		return 0
	}
	return 40 * (1 - p95Ms/ceilingMs)
}

// successComponent awards up to 40 points proportional to recent success rate.
func successComponent(rate float64) float64 {
	return 40 * rate
}

// recencyComponent awards up to 20 points, saturating after 10 minutes since
// the last recorded error (or full marks if there has never been one).
func recencyComponent(lastErrorAt time.Time) float64 {
	if lastErrorAt.IsZero() {
		return 20
	}
	const window = 10 * time.Minute
	age := time.Since(lastErrorAt)
	if age >= window {
		return 20
	}
	return 20 * (float64(age) / float64(window))
}

func p95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func successRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 1
	}
	successes := 0
	for _, ok := range outcomes {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(outcomes))
}

func deriveID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

// Outcome describes the result of one upstream attempt for Release.
type Outcome struct {
	Kind         OutcomeKind
	LatencyMs    float64
	RetryAfterMs int
	Evidence     map[string]string // response headers/body hints for account-level detection
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeRateLimited
)

// Handle is returned by AcquireKey and must be passed to Release exactly once.
type Handle struct {
	cred      *Credential
	acquiredAt time.Time
}

func (h *Handle) Credential() *Credential { return h.cred }

// PoolCooldownConfig parameterizes RecordPoolRateLimitHit (§4.1, §6).
type PoolCooldownConfig struct {
	BaseMs  int
	CapMs   int
	DecayMs int
}

// Manager is the credential pool (§3 "Key Pool").
type Manager struct {
	mu          sync.Mutex
	credentials []*Credential
	lastPicked  int // for round-robin tie-breaking

	pool429Count        int
	pool429DecayStarted time.Time
	poolCooldownUntil   time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
	maxConcurrency   int
}

// Option configures a Manager.
type Option func(*Manager)

func WithBreakerThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.breakerThreshold = n
		}
	}
}

func WithBreakerCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.breakerCooldown = d
		}
	}
}

func WithMaxConcurrencyPerKey(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrency = n
		}
	}
}

// NewManager creates an empty credential pool.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		maxConcurrency:   4,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddCredential registers a new z.ai secret in the pool.
func (m *Manager) AddCredential(secret string) *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Credential{
		Index:          len(m.credentials),
		ID:             deriveID(secret),
		secret:         secret,
		maxConcurrency: m.maxConcurrency,
		breaker: circuitbreaker.New(
			circuitbreaker.WithThreshold(m.breakerThreshold),
			circuitbreaker.WithCooldown(m.breakerCooldown),
		),
	}
	m.credentials = append(m.credentials, c)
	return c
}

// Len returns the number of credentials in the pool.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.credentials)
}

// AcquireKey selects a credential with a usable circuit and spare concurrency,
// preferring the highest health score with round-robin tie-breaking. It
// returns (nil, false) if none is usable; the caller may queue.
//
// excludeIDs lets a retry attempt exclude credentials already tried for this
// request (§4.3 "retry_different_key").
func (m *Manager) AcquireKey(excludeIDs map[string]bool) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.credentials)
	if n == 0 {
		return nil, false
	}

	var best *Credential
	var bestScore float64 = -1
	bestOffset := n + 1

	for offset := 0; offset < n; offset++ {
		idx := (m.lastPicked + 1 + offset) % n
		c := m.credentials[idx]
		if excludeIDs[c.ID] {
			continue
		}
		if !c.breaker.Allow() {
			continue
		}
		c.mu.Lock()
		hasRoom := c.inFlight < c.maxConcurrency
		score := c.healthScoreLocked()
		c.mu.Unlock()
		if !hasRoom {
			continue
		}
		if score > bestScore {
			best = c
			bestScore = score
			bestOffset = offset
		}
	}

	if best == nil {
		return nil, false
	}

	best.mu.Lock()
	best.inFlight++
	best.mu.Unlock()

	m.lastPicked = (m.lastPicked + 1 + bestOffset) % n
	return &Handle{cred: best, acquiredAt: time.Now()}, true
}

// Release reports the outcome of a request made with handle, decrementing
// in-flight, updating latency/success-rate samples, advancing the circuit
// breaker, and — for rate-limited outcomes — updating both the credential's
// and the pool's rate-limit state.
func (m *Manager) Release(h *Handle, outcome Outcome) {
	if h == nil || h.cred == nil {
		return
	}
	c := h.cred

	c.mu.Lock()
	c.inFlight--
	if c.inFlight < 0 {
		c.inFlight = 0
	}
	if outcome.LatencyMs > 0 {
		c.latencies = appendBounded(c.latencies, outcome.LatencyMs, maxLatencySamples)
	}
	switch outcome.Kind {
	case OutcomeSuccess:
		c.outcomes = appendBoundedBool(c.outcomes, true, maxOutcomeSamples)
	case OutcomeFailure:
		c.outcomes = appendBoundedBool(c.outcomes, false, maxOutcomeSamples)
		c.lastErrorAt = time.Now()
	case OutcomeRateLimited:
		c.outcomes = appendBoundedBool(c.outcomes, false, maxOutcomeSamples)
		c.rateLimitCount++
		c.rateLimitLastHitAt = time.Now()
		if outcome.RetryAfterMs > 0 {
			c.rateLimitCooldownTo = time.Now().Add(time.Duration(outcome.RetryAfterMs) * time.Millisecond)
		}
	}
	c.mu.Unlock()

	switch outcome.Kind {
	case OutcomeSuccess:
		c.breaker.RecordSuccess()
	case OutcomeFailure:
		c.breaker.RecordFailure()
	case OutcomeRateLimited:
		// z.ai rate limits are per-account, not a credential health signal by
		// themselves; the circuit breaker does not trip on 429 alone.
	}
}

func appendBounded(s []float64, v float64, cap int) []float64 {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

func appendBoundedBool(s []bool, v bool, cap int) []bool {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

// RecordPoolRateLimitHit applies the pool-wide exponential-backoff cooldown
// policy for one upstream 429, per §4.1: cooldownMs = min(baseMs*2^(count-1),
// capMs); the counter decays independently over decayMs.
func (m *Manager) RecordPoolRateLimitHit(cfg PoolCooldownConfig) (pool429Count int, cooldownMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decayPool429Locked(cfg.DecayMs)
	m.pool429Count++
	if m.pool429DecayStarted.IsZero() {
		m.pool429DecayStarted = time.Now()
	}

	cooldown := float64(cfg.BaseMs) * math.Pow(2, float64(m.pool429Count-1))
	if cooldown > float64(cfg.CapMs) {
		cooldown = float64(cfg.CapMs)
	}
	m.poolCooldownUntil = time.Now().Add(time.Duration(cooldown) * time.Millisecond)

	return m.pool429Count, int(cooldown)
}

// decayPool429Locked resets the pool 429 counter once decayMs has elapsed
// since the first hit of the current streak (later hits do not extend the
// window). Caller must hold m.mu.
func (m *Manager) decayPool429Locked(decayMs int) {
	if m.pool429DecayStarted.IsZero() {
		return
	}
	if time.Since(m.pool429DecayStarted) >= time.Duration(decayMs)*time.Millisecond {
		m.pool429Count = 0
		m.pool429DecayStarted = time.Time{}
	}
}

// GetPoolCooldownRemainingMs returns how long the Request Handler should
// treat the pool as advisory-throttled (§4.1 "used by the Request Handler as
// an admission signal").
func (m *Manager) GetPoolCooldownRemainingMs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := time.Until(m.poolCooldownUntil)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Millisecond)
}

// DetectAccountLevelRateLimit is a heuristic using evidence fields returned
// by upstream (quota headers, response body shape) to distinguish an
// account-wide throttle from a model-specific one (§4.1).
func DetectAccountLevelRateLimit(evidence map[string]string, cfg PoolCooldownConfig) (isAccountLevel bool, cooldownMs int) {
	if evidence == nil {
		return false, 0
	}
	// z.ai signals an account-wide quota exhaustion with a distinct header
	// rather than the generic per-model 429 body shape.
	if v, ok := evidence["x-ratelimit-scope"]; ok && v == "account" {
		return true, cfg.CapMs
	}
	return false, 0
}
