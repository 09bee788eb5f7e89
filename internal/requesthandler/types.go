// Package requesthandler is the retry/failover state machine that composes
// the Key Manager and Model Router, performs the upstream HTTPS request,
// classifies errors, and streams the response back to the client
// (SPEC_FULL.md §4.3/§4.4).
package requesthandler

import "time"

// AdmissionHoldConfig parameterizes step 1 of _proxyWithRetries (§4.3, §6).
type AdmissionHoldConfig struct {
	Enabled           bool
	Tiers             map[string]bool
	MaxMs             int
	MaxConcurrent     int
	JitterMs          int
	MinCooldownToHold int
}

// PoolCooldownAdmissionConfig parameterizes step 2 (§4.3).
type PoolCooldownAdmissionConfig struct {
	SleepThresholdMs int
}

// RetryConfig parameterizes the retry loop itself (§4.3, §6).
type RetryConfig struct {
	MaxRetries                 int
	RequestTimeout              time.Duration
	Max429AttemptsPerRequest    int
	Max429RetryWindowMs         int
	MaxModelSwitchesPerRequest  int
	BaseDelayMs                 int
	BackoffMultiplier           float64
	MaxDelayMs                  int
	JitterMs                    int
}

// QueueConfig parameterizes step 3, key acquisition (§4.3, §5).
type QueueConfig struct {
	Size    int
	Timeout time.Duration
}

// Config bundles the handler's tunables.
type Config struct {
	AdmissionHold AdmissionHoldConfig
	PoolCooldown  PoolCooldownAdmissionConfig
	Retry         RetryConfig
	Queue         QueueConfig
	RouterActive  bool
	DecisionLog   bool
}

// outcomeAction is the internal retry decision after classifying one
// attempt's result (§4.3 step 6).
type outcomeAction int

const (
	actionSuccess outcomeAction = iota
	actionPassThroughStarted
	actionRetryDifferentKey
	actionRetrySameKeyFreshConn
	actionRetryDifferentModel
	// actionRetrySameModel is a 429 classified as transient burst-dampening
	// (§4.2): the same model is retried, nothing is added to attemptedModels.
	actionRetrySameModel
	// actionRetryDifferentModel429 is a persistent 429 (burst-dampening
	// threshold crossed): the model is added to attemptedModels like
	// actionRetryDifferentModel, but unlike that non-429 path it fires
	// recordSameModelRetry when the model was already attempted (§4.3
	// "fires only on 429 retries").
	actionRetryDifferentModel429
	actionGiveUp429Cascade
	actionRetryCapReached
	actionFatal
)
