package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/RicherTunes/ai-proxy-sub008/internal/eventstream"
	"github.com/RicherTunes/ai-proxy-sub008/internal/logging"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
)

// ModelRoutingGetHandler returns the full routing policy.
func ModelRoutingGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Router.Config())
	}
}

// ModelRoutingPutHandler validates and replaces the routing policy, then
// persists it to RoutingConfigPath.
func ModelRoutingPutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg modelrouter.RoutingConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			jsonError(w, "invalid routing config: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Router.SetConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if d.RoutingConfigPath != "" {
			if err := modelrouter.SaveRoutingConfig(d.RoutingConfigPath, cfg); err != nil {
				slog.Error("persist routing config", slog.String("err", err.Error()))
				jsonError(w, "routing config applied but not persisted: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
		writeJSON(w, d.Router.Config())
	}
}

// ModelRoutingResetHandler restores the default routing policy.
func ModelRoutingResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := modelrouter.DefaultRoutingConfig()
		if err := d.Router.SetConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		persistRoutingConfig(d, cfg)
		writeJSON(w, cfg)
	}
}

// ModelRoutingTestHandler runs the classifier against a synthetic feature
// vector built from query params, without touching live routing state.
func ModelRoutingTestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := modelrouter.Features{
			MessageCount: queryInt(q, "messageCount", 0),
			HasTools:     q.Get("hasTools") == "true",
			HasVision:    q.Get("hasVision") == "true",
			SystemLength: queryInt(q, "systemLength", 0),
			MaxTokens:    queryInt(q, "maxTokens", 0),
			ClientModel:  q.Get("clientModel"),
		}
		tier := d.Router.ClassifyFeatures(f)
		decision := d.Router.SelectModel(f, modelrouter.SelectOptions{})
		writeJSON(w, map[string]any{
			"features":       f,
			"classifiedTier": tier,
			"decision":       decision,
		})
	}
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// OverridesGetHandler returns the clientModel -> targetModel override map.
func OverridesGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Router.Config().Overrides)
	}
}

// OverridesPutHandler sets one override entry and persists the result.
func OverridesPutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClientModel string `json:"clientModel"`
			TargetModel string `json:"targetModel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.ClientModel == "" || body.TargetModel == "" {
			jsonError(w, "clientModel and targetModel are required", http.StatusBadRequest)
			return
		}
		cfg := d.Router.Config()
		if cfg.Overrides == nil {
			cfg.Overrides = map[string]string{}
		}
		cfg.Overrides[body.ClientModel] = body.TargetModel
		if err := d.Router.SetConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		persistRoutingConfig(d, cfg)
		writeJSON(w, cfg.Overrides)
	}
}

// OverridesDeleteHandler removes one override entry by clientModel.
func OverridesDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientModel := r.URL.Query().Get("clientModel")
		if clientModel == "" {
			jsonError(w, "clientModel query param is required", http.StatusBadRequest)
			return
		}
		cfg := d.Router.Config()
		delete(cfg.Overrides, clientModel)
		if err := d.Router.SetConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		persistRoutingConfig(d, cfg)
		writeJSON(w, cfg.Overrides)
	}
}

func persistRoutingConfig(d Dependencies, cfg modelrouter.RoutingConfig) {
	if d.RoutingConfigPath == "" {
		return
	}
	if err := modelrouter.SaveRoutingConfig(d.RoutingConfigPath, cfg); err != nil {
		slog.Error("persist routing config", slog.String("err", err.Error()))
	}
}

// CooldownsGetHandler lists every model currently in cooldown.
func CooldownsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := d.Router.Snapshot()
		active := make([]modelrouter.ModelStatus, 0, len(all))
		for _, m := range all {
			if m.CooldownMs > 0 {
				active = append(active, m)
			}
		}
		writeJSON(w, map[string]any{"cooldowns": active})
	}
}

// PoolsGetHandler returns a per-tier snapshot shaped like the pool-status
// SSE event's Pools field.
func PoolsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"pools": buildPoolSnapshot(d.Router)})
	}
}

// buildPoolSnapshot renders the router's per-model state into the same
// map[tier][]TierPoolStatus shape used by the pool-status event.
func buildPoolSnapshot(router *modelrouter.Router) map[string][]eventstream.TierPoolStatus {
	out := map[string][]eventstream.TierPoolStatus{}
	for _, m := range router.Snapshot() {
		tier := string(m.Tier)
		out[tier] = append(out[tier], eventstream.TierPoolStatus{
			Model:          m.Model,
			InFlight:       int(m.InFlight),
			MaxConcurrency: int(m.MaxConcurrency),
			Available:      m.CooldownMs == 0 && m.InFlight < m.MaxConcurrency,
			CooldownMs:     int(m.CooldownMs),
		})
	}
	return out
}

// EnableSafeHandler flips the routing policy's Enabled flag on, optionally
// seeding default tiers when none are configured yet.
func EnableSafeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := d.Router.Config()
		cfg.Enabled = true
		if len(cfg.Tiers) == 0 {
			def := modelrouter.DefaultRoutingConfig()
			cfg.Tiers = def.Tiers
			if cfg.DefaultModel == "" {
				cfg.DefaultModel = def.DefaultModel
			}
		}
		if err := d.Router.SetConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		persistRoutingConfig(d, cfg)
		writeJSON(w, cfg)
	}
}

// ControlPauseHandler stops admitting new proxy requests.
func ControlPauseHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Paused.Store(true)
		slog.Warn("proxy paused via admin control")
		writeJSON(w, map[string]any{"paused": true})
	}
}

// ControlResumeHandler resumes admitting proxy requests.
func ControlResumeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Paused.Store(false)
		slog.Info("proxy resumed via admin control")
		writeJSON(w, map[string]any{"paused": false})
	}
}

// LogLevelHandler changes the global slog level at runtime.
func LogLevelHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		logging.SetLevel(body.Level)
		writeJSON(w, map[string]any{"level": body.Level})
	}
}
