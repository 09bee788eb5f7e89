package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/RicherTunes/ai-proxy-sub008/internal/costtracker"
	"github.com/RicherTunes/ai-proxy-sub008/internal/eventstream"
	"github.com/RicherTunes/ai-proxy-sub008/internal/keymanager"
	"github.com/RicherTunes/ai-proxy-sub008/internal/logging"
	"github.com/RicherTunes/ai-proxy-sub008/internal/metrics"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
	"github.com/RicherTunes/ai-proxy-sub008/internal/requesthandler"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracestore"
)

// Dependencies bundles every collaborator the HTTP surface needs.
type Dependencies struct {
	Keys     *keymanager.Manager
	Router   *modelrouter.Router
	Handler  *requesthandler.Handler
	Cost     *costtracker.Tracker
	Traces   *tracestore.Store
	Events   *eventstream.Bus
	Metrics  *metrics.Registry
	LogRing  *logging.Ring

	// AdminToken authenticates the admin-gated endpoints. Empty disables
	// the check (only appropriate for local/dev use).
	AdminToken string

	StartedAt time.Time

	// Paused gates request admission when true (POST /control/pause).
	Paused *atomic.Bool

	RoutingConfigPath string
}

// maxRequestBodySize bounds POST/PUT bodies to 10 MB.
const maxRequestBodySize = 10 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware checks for a valid bearer token on admin endpoints.
func adminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				slog.Warn("admin auth: missing token", slog.String("path", r.URL.Path))
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				slog.Warn("admin auth: invalid token", slog.String("path", r.URL.Path))
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// pauseGate rejects proxy traffic with 503 while the gate is paused.
func pauseGate(paused *atomic.Bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if paused != nil && paused.Load() {
				http.Error(w, "proxy paused", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires the full HTTP surface onto r.
func MountRoutes(r chi.Router, d Dependencies) {
	if d.Paused == nil {
		d.Paused = &atomic.Bool{}
	}

	r.Get("/health", HealthHandler(d))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		r.Use(pauseGate(d.Paused))
		r.Post("/v1/messages", MessagesHandler(d))
	})

	r.Get("/stats", StatsHandler(d))
	r.Get("/stats/cost", StatsCostHandler(d))
	r.Get("/stats/cost/history", StatsCostHistoryHandler(d))
	r.Get("/persistent-stats", PersistentStatsHandler(d))
	r.Get("/history", HistoryHandler(d))
	r.Get("/models", ModelsHandler(d))

	r.Get("/traces", TracesListHandler(d))
	r.Get("/traces/{id}", TraceGetHandler(d))
	r.Get("/requests", TracesListHandler(d))
	r.Get("/requests/search", TracesSearchHandler(d))
	r.Get("/requests/{id}", TraceGetHandler(d))
	r.Get("/requests/stream", SSEHandler(d))
	r.Get("/events", SSEHandler(d))

	r.Get("/logs", LogsHandler(d))

	r.Group(func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.AdminToken != "" {
			r.Use(adminAuthMiddleware(d.AdminToken))
		}
		r.Get("/model-routing", ModelRoutingGetHandler(d))
		r.Put("/model-routing", ModelRoutingPutHandler(d))
		r.Post("/model-routing/reset", ModelRoutingResetHandler(d))
		r.Get("/model-routing/test", ModelRoutingTestHandler(d))
		r.Get("/model-routing/overrides", OverridesGetHandler(d))
		r.Put("/model-routing/overrides", OverridesPutHandler(d))
		r.Delete("/model-routing/overrides", OverridesDeleteHandler(d))
		r.Get("/model-routing/cooldowns", CooldownsGetHandler(d))
		r.Get("/model-routing/pools", PoolsGetHandler(d))
		r.Put("/model-routing/enable-safe", EnableSafeHandler(d))
		r.Post("/control/pause", ControlPauseHandler(d))
		r.Post("/control/resume", ControlResumeHandler(d))
		r.Put("/admin/log-level", LogLevelHandler(d))
	})
}
