// Package config loads zgate's runtime configuration from the environment.
//
// Its semantics are intentionally minimal — it is the external collaborator
// named in the design as the "configuration loader", specified only insofar
// as it must populate the fields the rest of the process needs and reject
// obviously invalid settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the core components read at startup.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Upstream z.ai endpoint.
	UpstreamBaseURL string

	// Credential pool bootstrap file (JSON), one entry per z.ai credential.
	CredentialsFile string

	// Pricing table override (YAML), overlays the embedded per-model rates.
	PricingFile string

	// Model list override (YAML), extends the embedded canonical model list.
	ModelsFile string

	// Request Handler tunables (§4.3/§4.4/§5).
	MaxRetries            int
	RequestTimeout        time.Duration
	MaxTotalConcurrency   int
	MaxConcurrentUpstream int
	QueueSize             int
	QueueTimeout          time.Duration

	// Pool cooldown (§4.1/§6).
	PoolCooldownBaseMs        int
	PoolCooldownCapMs         int
	PoolCooldownDecayMs       int
	PoolCooldownSleepThreshMs int
	PoolCooldownJitterMs      int

	// Admission hold (§4.3/§6).
	AdmissionHoldEnabled      bool
	AdmissionHoldTiers        []string
	AdmissionHoldMaxMs        int
	AdmissionHoldMaxConcurrent int
	AdmissionHoldJitterMs     int
	AdmissionHoldMinCooldownMs int

	// Model-routing give-up thresholds (§6).
	Max429AttemptsPerRequest int
	Max429RetryWindowMs      int
	MaxModelSwitchesPerRequest int

	// Cost Tracker (§4.5/§6).
	CostStatePath  string
	SaveDebounce   time.Duration
	BudgetDailyUSD   float64
	BudgetMonthlyUSD float64
	BudgetAlertThresholds []float64

	// Trace Store / Event Stream (§4.6).
	TraceRingCapacity int
	EventBufferSize   int

	// Routing config persistence (§6).
	RoutingConfigPath string

	// Admin surface (external collaborator; mechanism only, per SPEC_FULL §1).
	AdminToken  string
	CORSOrigins []string

	// OpenTelemetry tracing (opt-in, ambient).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
}

// Load populates Config from ZGATE_* environment variables, falling back to
// defaults tuned for a single-node deployment.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      getEnv("ZGATE_LISTEN_ADDR", ":8089"),
		LogLevel:        getEnv("ZGATE_LOG_LEVEL", "info"),
		UpstreamBaseURL: getEnv("ZGATE_UPSTREAM_BASE_URL", "https://api.z.ai/api/anthropic"),
		CredentialsFile: getEnv("ZGATE_CREDENTIALS_FILE", defaultPath("credentials")),
		ModelsFile:      getEnv("ZGATE_MODELS_FILE", ""),
		PricingFile:     getEnv("ZGATE_PRICING_FILE", ""),

		MaxRetries:            getEnvInt("ZGATE_MAX_RETRIES", 3),
		RequestTimeout:        getEnvDuration("ZGATE_REQUEST_TIMEOUT", 120*time.Second),
		MaxTotalConcurrency:   getEnvInt("ZGATE_MAX_TOTAL_CONCURRENCY", 256),
		MaxConcurrentUpstream: getEnvInt("ZGATE_MAX_CONCURRENT_UPSTREAM", 64),
		QueueSize:             getEnvInt("ZGATE_QUEUE_SIZE", 128),
		QueueTimeout:          getEnvDuration("ZGATE_QUEUE_TIMEOUT", 5*time.Second),

		PoolCooldownBaseMs:        getEnvInt("ZGATE_POOL_COOLDOWN_BASE_MS", 1000),
		PoolCooldownCapMs:         getEnvInt("ZGATE_POOL_COOLDOWN_CAP_MS", 60000),
		PoolCooldownDecayMs:       getEnvInt("ZGATE_POOL_COOLDOWN_DECAY_MS", 300000),
		PoolCooldownSleepThreshMs: getEnvInt("ZGATE_POOL_COOLDOWN_SLEEP_THRESHOLD_MS", 2000),
		PoolCooldownJitterMs:      getEnvInt("ZGATE_POOL_COOLDOWN_JITTER_MS", 250),

		AdmissionHoldEnabled:       getEnvBool("ZGATE_ADMISSION_HOLD_ENABLED", true),
		AdmissionHoldTiers:         getEnvStringSlice("ZGATE_ADMISSION_HOLD_TIERS", []string{"HEAVY"}),
		AdmissionHoldMaxMs:         getEnvInt("ZGATE_ADMISSION_HOLD_MAX_MS", 500),
		AdmissionHoldMaxConcurrent: getEnvInt("ZGATE_ADMISSION_HOLD_MAX_CONCURRENT", 32),
		AdmissionHoldJitterMs:      getEnvInt("ZGATE_ADMISSION_HOLD_JITTER_MS", 50),
		AdmissionHoldMinCooldownMs: getEnvInt("ZGATE_ADMISSION_HOLD_MIN_COOLDOWN_MS", 50),

		Max429AttemptsPerRequest:   getEnvInt("ZGATE_MAX_429_ATTEMPTS_PER_REQUEST", 3),
		Max429RetryWindowMs:        getEnvInt("ZGATE_MAX_429_RETRY_WINDOW_MS", 15000),
		MaxModelSwitchesPerRequest: getEnvInt("ZGATE_MAX_MODEL_SWITCHES_PER_REQUEST", 3),

		CostStatePath:         getEnv("ZGATE_COST_STATE_PATH", defaultPath("cost-state.json")),
		SaveDebounce:          getEnvDuration("ZGATE_SAVE_DEBOUNCE", 5*time.Second),
		BudgetDailyUSD:        getEnvFloat("ZGATE_BUDGET_DAILY_USD", 0),
		BudgetMonthlyUSD:      getEnvFloat("ZGATE_BUDGET_MONTHLY_USD", 0),
		BudgetAlertThresholds: getEnvFloatSlice("ZGATE_BUDGET_ALERT_THRESHOLDS", []float64{0.5, 0.8, 0.95, 1.0}),

		TraceRingCapacity: getEnvInt("ZGATE_TRACE_RING_CAPACITY", 1000),
		EventBufferSize:   getEnvInt("ZGATE_EVENT_BUFFER_SIZE", 64),

		RoutingConfigPath: getEnv("ZGATE_ROUTING_CONFIG_PATH", defaultPath("routing-config.json")),

		AdminToken:  getEnv("ZGATE_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("ZGATE_CORS_ORIGINS", nil),

		OTelEnabled:     getEnvBool("ZGATE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("ZGATE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("ZGATE_OTEL_SERVICE_NAME", "zgate"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configuration that would make the core components
// ill-defined (non-positive concurrency caps, timeouts, etc).
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("ZGATE_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("ZGATE_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout)
	}
	if c.MaxConcurrentUpstream <= 0 {
		return fmt.Errorf("ZGATE_MAX_CONCURRENT_UPSTREAM must be > 0, got %d", c.MaxConcurrentUpstream)
	}
	if c.MaxTotalConcurrency <= 0 {
		return fmt.Errorf("ZGATE_MAX_TOTAL_CONCURRENCY must be > 0, got %d", c.MaxTotalConcurrency)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("ZGATE_QUEUE_SIZE must be >= 0, got %d", c.QueueSize)
	}
	if c.TraceRingCapacity <= 0 {
		return fmt.Errorf("ZGATE_TRACE_RING_CAPACITY must be > 0, got %d", c.TraceRingCapacity)
	}
	for _, t := range c.BudgetAlertThresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("ZGATE_BUDGET_ALERT_THRESHOLDS entries must be in (0,1], got %f", t)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func getEnvFloatSlice(key string, def []float64) []float64 {
	if v := os.Getenv(key); v != "" {
		var result []float64
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				result = append(result, f)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultPath(name string) string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".zgate", name)
	}
	return name
}
