// Package modelrouter selects a target model per request and tracks
// per-model concurrency and cooldowns (SPEC_FULL.md §4.2).
package modelrouter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Decision is the result of selectModel (§3 "Routing Decision").
type Decision struct {
	TargetModel   string
	Tier          Tier
	Source        string // override | rule | classifier | default | failover | pool
	FailoverModel string
	Reason        string
}

// AdmissionHold is the result of peekAdmissionHold: the tier the router
// would currently select, and whether every candidate in it is cooled down.
type AdmissionHold struct {
	Tier          Tier
	Candidates    []string
	MinCooldownMs int64
	AllCooled     bool
}

// Rule is one entry in the declared rule list, matched in order before the
// classifier runs (§4.2 "rule match (first in declared order)").
type Rule struct {
	Name              string `yaml:"name" json:"name"`
	ClientModelEquals string `yaml:"clientModelEquals,omitempty" json:"clientModelEquals,omitempty"`
	RequiresVision    bool   `yaml:"requiresVision,omitempty" json:"requiresVision,omitempty"`
	RequiresTools     bool   `yaml:"requiresTools,omitempty" json:"requiresTools,omitempty"`
	MinMessageCount   int    `yaml:"minMessageCount,omitempty" json:"minMessageCount,omitempty"`
	TargetModel       string `yaml:"targetModel" json:"targetModel"`
}

func (r Rule) matches(f Features) bool {
	if r.ClientModelEquals != "" && f.ClientModel != r.ClientModelEquals {
		return false
	}
	if r.RequiresVision && !f.HasVision {
		return false
	}
	if r.RequiresTools && !f.HasTools {
		return false
	}
	if r.MinMessageCount > 0 && f.MessageCount < r.MinMessageCount {
		return false
	}
	return true
}

// TierConfig lists the candidate models for a tier, in preference order.
type TierConfig struct {
	Models []string `yaml:"models" json:"models"`
}

// CooldownConfig parameterizes recordPool429's burst-dampening policy.
type CooldownConfig struct {
	BaseMs               int     `yaml:"baseMs" json:"baseMs"`
	CapMs                int     `yaml:"capMs" json:"capMs"`
	DecayMs              int     `yaml:"decayMs" json:"decayMs"`
	BurstDampeningFactor float64 `yaml:"burstDampeningFactor" json:"burstDampeningFactor"`
	RetryDelayFloorMs    int     `yaml:"retryDelayFloorMs" json:"retryDelayFloorMs"`
	PersistentThreshold  int     `yaml:"persistentThreshold" json:"persistentThreshold"`
}

func defaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		BaseMs: 1000, CapMs: 60000, DecayMs: 300000,
		BurstDampeningFactor: 0.4, RetryDelayFloorMs: 500, PersistentThreshold: 3,
	}
}

// RoutingConfig is the full, persistable routing policy (§6 "Persisted
// state layout" routing-config fields).
type RoutingConfig struct {
	Version      int                   `yaml:"version" json:"version"`
	Enabled      bool                  `yaml:"enabled" json:"enabled"`
	DefaultModel string                `yaml:"defaultModel" json:"defaultModel"`
	Tiers        map[Tier]TierConfig   `yaml:"tiers" json:"tiers"`
	Rules        []Rule                `yaml:"rules" json:"rules"`
	Classifier   ClassifierThresholds  `yaml:"classifier" json:"classifier"`
	Cooldown     CooldownConfig        `yaml:"cooldown" json:"cooldown"`
	LogDecisions bool                  `yaml:"logDecisions" json:"logDecisions"`
	Failover     map[Tier]Tier         `yaml:"failover" json:"failover"`
	ShadowMode   bool                  `yaml:"shadowMode" json:"shadowMode"`
	Overrides    map[string]string     `yaml:"overrides" json:"overrides"`
}

// DefaultRoutingConfig derives a working policy from the embedded model list.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Version:      1,
		Enabled:      true,
		DefaultModel: "glm-4.5",
		Tiers: map[Tier]TierConfig{
			TierHeavy:  {Models: []string{"glm-4.6"}},
			TierMedium: {Models: []string{"glm-4.5"}},
			TierLight:  {Models: []string{"glm-4.5-air"}},
			TierFree:   {Models: []string{"glm-4.5-flash"}},
		},
		Classifier: DefaultClassifierThresholds(),
		Cooldown:   defaultCooldownConfig(),
		Failover: map[Tier]Tier{
			TierHeavy:  TierMedium,
			TierMedium: TierLight,
			TierLight:  TierFree,
		},
		Overrides: map[string]string{},
	}
}

// Validate enforces §4.2 "Validation": every tier with a target model names
// a known model, rules name known models, and the default model exists.
func (c RoutingConfig) Validate(models map[string]Model) error {
	if c.DefaultModel == "" {
		return fmt.Errorf("routing config: defaultModel is required")
	}
	if _, ok := models[c.DefaultModel]; !ok {
		return fmt.Errorf("routing config: defaultModel %q is not in the known model set", c.DefaultModel)
	}
	for tier, tc := range c.Tiers {
		for _, id := range tc.Models {
			if _, ok := models[id]; !ok {
				return fmt.Errorf("routing config: tier %s names unknown model %q", tier, id)
			}
		}
	}
	for _, r := range c.Rules {
		if r.TargetModel == "" {
			return fmt.Errorf("routing config: rule %q has no targetModel", r.Name)
		}
		if _, ok := models[r.TargetModel]; !ok {
			return fmt.Errorf("routing config: rule %q names unknown model %q", r.Name, r.TargetModel)
		}
	}
	return nil
}

// modelState is the per-model runtime state the router owns (§3 "Per-model
// runtime state").
type modelState struct {
	sem            *semaphore.Weighted
	inFlight       int64
	maxConcurrency int64
	cooldownUntil  time.Time
	burstDampened  bool

	count429     int
	last429At     time.Time
	lastDecayedAt time.Time
}

// Router holds model definitions, routing policy, and per-model runtime
// state. Safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	models map[string]Model
	cfg    RoutingConfig
	state  map[string]*modelState
	now    func() time.Time
}

// New creates a Router seeded with the embedded canonical model list plus
// any override entries, and the given routing policy.
func New(overrides []Model, cfg RoutingConfig) *Router {
	models := make(map[string]Model)
	for _, m := range cloneDefaultModels() {
		models[m.ID] = m
	}
	for _, m := range overrides {
		models[m.ID] = m
	}
	r := &Router{
		models: models,
		cfg:    cfg,
		state:  make(map[string]*modelState),
		now:    time.Now,
	}
	for id, m := range models {
		maxConc := int64(m.MaxConcurrency)
		if maxConc <= 0 {
			maxConc = 1
		}
		r.state[id] = &modelState{
			sem:            semaphore.NewWeighted(maxConc),
			maxConcurrency: maxConc,
		}
	}
	return r
}

func (r *Router) stateFor(model string) *modelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[model]
	if !ok {
		st = &modelState{sem: semaphore.NewWeighted(1), maxConcurrency: 1}
		r.state[model] = st
	}
	return st
}

// SelectOptions parameterizes selectModel beyond the feature vector.
type SelectOptions struct {
	OverrideKey     string
	AttemptedModels map[string]bool
}

// SelectModel resolves override -> rule -> classifier -> default, skipping
// any model already present in opts.AttemptedModels (§4.2).
func (r *Router) SelectModel(f Features, opts SelectOptions) Decision {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	attempted := opts.AttemptedModels
	notAttempted := func(model string) bool { return !attempted[model] }

	if opts.OverrideKey != "" {
		if target, ok := cfg.Overrides[opts.OverrideKey]; ok && notAttempted(target) {
			return Decision{TargetModel: target, Tier: r.tierOf(target), Source: "override", Reason: "per-key override"}
		}
	}

	for _, rule := range cfg.Rules {
		if rule.matches(f) && notAttempted(rule.TargetModel) {
			return Decision{TargetModel: rule.TargetModel, Tier: r.tierOf(rule.TargetModel), Source: "rule", Reason: rule.Name}
		}
	}

	tier := classify(f, cfg.Classifier)
	if d, ok := r.pickFromTier(cfg, tier, attempted); ok {
		d.Source = "classifier"
		return d
	}

	// Tier's candidate pool was empty after excluding attempted models;
	// fail over down the tier chain (§4.2 "falls back to another tier").
	for next, ok := cfg.Failover[tier]; ok; next, ok = cfg.Failover[next] {
		if d, ok := r.pickFromTier(cfg, next, attempted); ok {
			d.Source = "failover"
			d.Reason = fmt.Sprintf("tier %s exhausted", tier)
			return d
		}
	}

	return Decision{TargetModel: cfg.DefaultModel, Tier: r.tierOf(cfg.DefaultModel), Source: "default", Reason: "no tier candidate available"}
}

func (r *Router) pickFromTier(cfg RoutingConfig, tier Tier, attempted map[string]bool) (Decision, bool) {
	tc, ok := cfg.Tiers[tier]
	if !ok {
		return Decision{}, false
	}
	for _, id := range tc.Models {
		if !attempted[id] {
			return Decision{TargetModel: id, Tier: tier}, true
		}
	}
	return Decision{}, false
}

func (r *Router) tierOf(model string) Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.models[model]; ok {
		return m.Tier
	}
	return TierMedium
}

// PeekAdmissionHold inspects the tier the router would currently select
// (ignoring attempted-model exclusions) and reports whether every candidate
// in it is still cooled down (§4.2, §4.3 step 1).
func (r *Router) PeekAdmissionHold(f Features) AdmissionHold {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	tier := classify(f, cfg.Classifier)
	tc := cfg.Tiers[tier]
	now := r.clock()

	hold := AdmissionHold{Tier: tier, Candidates: tc.Models, AllCooled: len(tc.Models) > 0}
	minRemaining := int64(-1)
	for _, id := range tc.Models {
		st := r.stateFor(id)
		r.mu.RLock()
		remaining := int64(0)
		if st.cooldownUntil.After(now) {
			remaining = st.cooldownUntil.Sub(now).Milliseconds()
		}
		r.mu.RUnlock()
		if remaining == 0 {
			hold.AllCooled = false
		}
		if minRemaining == -1 || remaining < minRemaining {
			minRemaining = remaining
		}
	}
	if minRemaining > 0 {
		hold.MinCooldownMs = minRemaining
	}
	return hold
}

// AcquireModel attempts to take one of the model's concurrency slots.
// Returns false if the model is already at maxConcurrency (§4.2
// "model_at_capacity").
func (r *Router) AcquireModel(model string) bool {
	st := r.stateFor(model)
	if !st.sem.TryAcquire(1) {
		return false
	}
	r.mu.Lock()
	st.inFlight++
	r.mu.Unlock()
	return true
}

// ReleaseModel releases a previously acquired concurrency slot.
func (r *Router) ReleaseModel(model string) {
	st := r.stateFor(model)
	st.sem.Release(1)
	r.mu.Lock()
	if st.inFlight > 0 {
		st.inFlight--
	}
	r.mu.Unlock()
}

// RecordModelCooldown sets cooldownUntil = max(existing, now+cooldownMs)
// (§4.2).
func (r *Router) RecordModelCooldown(model string, cooldownMs int, burstDampened bool) {
	st := r.stateFor(model)
	candidate := r.clock().Add(time.Duration(cooldownMs) * time.Millisecond)
	r.mu.Lock()
	if candidate.After(st.cooldownUntil) {
		st.cooldownUntil = candidate
	}
	st.burstDampened = burstDampened
	r.mu.Unlock()
}

// RecordPool429 increments the per-model 429 counter used by the
// burst-dampening policy, decaying stale counts first.
func (r *Router) RecordPool429(model string) int {
	st := r.stateFor(model)
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.cfg.Cooldown
	if cfg.DecayMs > 0 && !st.last429At.IsZero() && now.Sub(st.last429At) > time.Duration(cfg.DecayMs)*time.Millisecond {
		st.count429 = 0
	}
	st.count429++
	st.last429At = now
	return st.count429
}

// ApplyBurstDampening implements the burst-dampening policy (§4.2): fewer
// than PersistentThreshold hits in the window get a dampened cooldown never
// below RetryDelayFloorMs; at or above it, the full exponential cooldown
// applies so the router fails over.
func (r *Router) ApplyBurstDampening(model string, retryAfterMs int) (cooldownMs int, dampened bool) {
	r.mu.RLock()
	cfg := r.cfg.Cooldown
	st := r.state[model]
	n := 0
	if st != nil {
		n = st.count429
	}
	r.mu.RUnlock()

	base := cfg.BaseMs
	if retryAfterMs > 0 {
		base = retryAfterMs
	}

	if n < cfg.PersistentThreshold {
		dampenedMs := int(float64(base) * cfg.BurstDampeningFactor)
		if dampenedMs < cfg.RetryDelayFloorMs {
			dampenedMs = cfg.RetryDelayFloorMs
		}
		return dampenedMs, true
	}

	full := base
	for i := 1; i < n; i++ {
		full *= 2
		if full >= cfg.CapMs {
			full = cfg.CapMs
			break
		}
	}
	if full > cfg.CapMs {
		full = cfg.CapMs
	}
	return full, false
}

// SetConfig atomically replaces the routing policy after validating it
// against the known model set.
func (r *Router) SetConfig(cfg RoutingConfig) error {
	r.mu.RLock()
	models := r.models
	r.mu.RUnlock()
	if err := cfg.Validate(models); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

// Config returns a copy of the current routing policy.
func (r *Router) Config() RoutingConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ListModels returns the known model set sorted by ID.
func (r *Router) ListModels() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModelStatus is a point-in-time snapshot of one model's runtime state, used
// by the admin pools/cooldowns endpoints and the pool-status SSE ticker.
type ModelStatus struct {
	Model          string
	Tier           Tier
	InFlight       int64
	MaxConcurrency int64
	CooldownMs     int64
	BurstDampened  bool
}

// Snapshot returns a ModelStatus for every known model, sorted by ID.
func (r *Router) Snapshot() []ModelStatus {
	models := r.ListModels()
	now := r.clock()
	out := make([]ModelStatus, 0, len(models))
	for _, m := range models {
		st := r.stateFor(m.ID)
		r.mu.RLock()
		var cooldownMs int64
		if st.cooldownUntil.After(now) {
			cooldownMs = st.cooldownUntil.Sub(now).Milliseconds()
		}
		out = append(out, ModelStatus{
			Model:          m.ID,
			Tier:           m.Tier,
			InFlight:       st.inFlight,
			MaxConcurrency: st.maxConcurrency,
			CooldownMs:     cooldownMs,
			BurstDampened:  st.burstDampened,
		})
		r.mu.RUnlock()
	}
	return out
}

func (r *Router) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
