package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/RicherTunes/ai-proxy-sub008/internal/config"
	"github.com/RicherTunes/ai-proxy-sub008/internal/costtracker"
	"github.com/RicherTunes/ai-proxy-sub008/internal/eventstream"
	"github.com/RicherTunes/ai-proxy-sub008/internal/httpapi"
	"github.com/RicherTunes/ai-proxy-sub008/internal/keymanager"
	"github.com/RicherTunes/ai-proxy-sub008/internal/logging"
	"github.com/RicherTunes/ai-proxy-sub008/internal/metrics"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
	"github.com/RicherTunes/ai-proxy-sub008/internal/requesthandler"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracestore"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracing"
)

// Server is the top-level context object: it owns every long-lived
// collaborator and the HTTP mux that exposes them.
type Server struct {
	cfg config.Config

	r *chi.Mux

	logger       *slog.Logger
	keys         *keymanager.Manager
	router       *modelrouter.Router
	cost         *costtracker.Tracker
	traces       *tracestore.Store
	events       *eventstream.Bus
	metrics      *metrics.Registry
	handler      *requesthandler.Handler
	otelShutdown func(context.Context) error // nil when OTel disabled
	paused       *atomic.Bool

	stopPoolStatus chan struct{}

	httpServer *http.Server
}

// NewServer constructs every collaborator named in the design and wires
// them into a mux, following the teacher's single-constructor wiring shape.
func NewServer(cfg config.Config) (*Server, error) {
	ring := logging.NewRing()
	logger := logging.SetupWithRing(cfg.LogLevel, ring)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	m := metrics.New()

	keys := keymanager.NewManager(
		keymanager.WithMaxConcurrencyPerKey(cfg.MaxConcurrentUpstream),
	)
	loadCredentialsFile(cfg.CredentialsFile, keys, logger)
	if keys.Len() == 0 {
		logger.Warn("NO CREDENTIALS LOADED — requests will fail until ZGATE_CREDENTIALS_FILE is populated")
	}

	overrides, err := modelrouter.LoadModelOverrides(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("load model overrides: %w", err)
	}
	routingCfg, err := modelrouter.LoadRoutingConfig(cfg.RoutingConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load routing config: %w", err)
	}
	router := modelrouter.New(overrides, routingCfg)

	pricing, err := modelrouter.NewPricingTable(router.ListModels(), cfg.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("build pricing table: %w", err)
	}

	cost, err := costtracker.Load(cfg.CostStatePath,
		costtracker.WithSaveDebounce(cfg.SaveDebounce),
		costtracker.WithAlertCallback(func(a costtracker.BudgetAlert) {
			logger.Warn("budget alert",
				slog.String("type", string(a.Type)),
				slog.String("period", a.Period),
				slog.Float64("percentUsed", a.PercentUsed),
				slog.Float64("currentCost", a.CurrentCost),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load cost tracker state: %w", err)
	}
	cost.SetBudget(cfg.BudgetDailyUSD, cfg.BudgetMonthlyUSD)
	for _, model := range router.ListModels() {
		if price, ok := pricing.Lookup(model.ID); ok {
			cost.SetRates(model.ID, costtracker.Rate{InputPer1M: price.InputPer1M, OutputPer1M: price.OutputPer1M})
		}
	}

	traces := tracestore.New(cfg.TraceRingCapacity)
	events := eventstream.NewBus()

	upstream := requesthandler.NewUpstream(requesthandler.UpstreamConfig{
		BaseURL:               cfg.UpstreamBaseURL,
		MaxConcurrentUpstream: int64(cfg.MaxConcurrentUpstream),
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}, nil)

	handlerDeps := requesthandler.Dependencies{
		Keys:     keys,
		Router:   router,
		Cost:     cost,
		Traces:   traces,
		Events:   events,
		Metrics:  m,
		Upstream: upstream,
	}
	handlerCfg := requesthandler.Config{
		AdmissionHold: requesthandler.AdmissionHoldConfig{
			Enabled:           cfg.AdmissionHoldEnabled,
			Tiers:             stringSet(cfg.AdmissionHoldTiers),
			MaxMs:             cfg.AdmissionHoldMaxMs,
			MaxConcurrent:     cfg.AdmissionHoldMaxConcurrent,
			JitterMs:          cfg.AdmissionHoldJitterMs,
			MinCooldownToHold: cfg.AdmissionHoldMinCooldownMs,
		},
		PoolCooldown: requesthandler.PoolCooldownAdmissionConfig{
			SleepThresholdMs: cfg.PoolCooldownSleepThreshMs,
		},
		Retry: requesthandler.RetryConfig{
			MaxRetries:                 cfg.MaxRetries,
			RequestTimeout:             cfg.RequestTimeout,
			Max429AttemptsPerRequest:   cfg.Max429AttemptsPerRequest,
			Max429RetryWindowMs:        cfg.Max429RetryWindowMs,
			MaxModelSwitchesPerRequest: cfg.MaxModelSwitchesPerRequest,
			BaseDelayMs:                200,
			BackoffMultiplier:          2,
			MaxDelayMs:                 10000,
			JitterMs:                   100,
		},
		Queue: requesthandler.QueueConfig{
			Size:    cfg.QueueSize,
			Timeout: cfg.QueueTimeout,
		},
		RouterActive: true,
		DecisionLog:  false,
	}
	poolCooldown := keymanager.PoolCooldownConfig{
		BaseMs:  cfg.PoolCooldownBaseMs,
		CapMs:   cfg.PoolCooldownCapMs,
		DecayMs: cfg.PoolCooldownDecayMs,
	}
	handler := requesthandler.New(handlerDeps, handlerCfg, poolCooldown)

	if cfg.AdminToken == "" {
		logger.Warn("ZGATE_ADMIN_TOKEN not set — admin endpoints are served without authentication")
	}

	paused := &atomic.Bool{}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
		logger.Warn("ZGATE_CORS_ORIGINS not set — CORS allows all origins")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Keys:              keys,
		Router:            router,
		Handler:           handler,
		Cost:              cost,
		Traces:            traces,
		Events:            events,
		Metrics:           m,
		LogRing:           ring,
		AdminToken:        cfg.AdminToken,
		StartedAt:         time.Now(),
		Paused:            paused,
		RoutingConfigPath: cfg.RoutingConfigPath,
	})

	s := &Server{
		cfg:            cfg,
		r:              r,
		logger:         logger,
		keys:           keys,
		router:         router,
		cost:           cost,
		traces:         traces,
		events:         events,
		metrics:        m,
		handler:        handler,
		otelShutdown:   otelShutdown,
		paused:         paused,
		stopPoolStatus: make(chan struct{}),
	}

	go s.poolStatusLoop()

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Close drains in-flight requests, stops background loops, flushes the
// cost tracker's debounced persistence, and shuts down tracing.
func (s *Server) Close() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	close(s.stopPoolStatus)

	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}

	if err := s.cost.Destroy(); err != nil {
		s.logger.Warn("cost tracker shutdown error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// poolStatusLoop publishes a pool-status event every 3s (§4.6).
func (s *Server) poolStatusLoop() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pools := map[string][]eventstream.TierPoolStatus{}
			for _, m := range s.router.Snapshot() {
				tier := string(m.Tier)
				pools[tier] = append(pools[tier], eventstream.TierPoolStatus{
					Model:          m.Model,
					InFlight:       int(m.InFlight),
					MaxConcurrency: int(m.MaxConcurrency),
					Available:      m.CooldownMs == 0 && m.InFlight < m.MaxConcurrency,
					CooldownMs:     int(m.CooldownMs),
				})
			}
			s.events.Publish(eventstream.Event{Type: eventstream.EventPoolStatus, Pools: pools})
		case <-s.stopPoolStatus:
			return
		}
	}
}

func stringSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

// loadCredentialsFile reads a JSON file of z.ai credentials (default
// ~/.zgate/credentials) and registers each one in the pool. A missing file
// is not an error — it simply means the pool starts empty.
//
// The file must be owner-readable only (mode 0600 or stricter).
func loadCredentialsFile(path string, keys *keymanager.Manager, logger *slog.Logger) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logger.Warn("credentials file stat error", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		logger.Warn("credentials file has insecure permissions, skipping",
			slog.String("path", path),
			slog.String("mode", fmt.Sprintf("%04o", mode)),
			slog.String("required", "0600 or stricter"),
		)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read credentials file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	var parsed struct {
		Credentials []string `json:"credentials"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		logger.Warn("failed to parse credentials file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	for _, secret := range parsed.Credentials {
		if secret == "" {
			continue
		}
		keys.AddCredential(secret)
	}
	logger.Info("loaded credentials file", slog.String("path", path), slog.Int("count", keys.Len()))
}
