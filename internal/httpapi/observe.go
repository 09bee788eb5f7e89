package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/RicherTunes/ai-proxy-sub008/internal/logging"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracestore"
)

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler reports liveness plus key/model pool counts.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":     "ok",
			"uptime":     time.Since(d.StartedAt).Seconds(),
			"keys":       d.Keys.Len(),
			"modelCount": len(d.Router.ListModels()),
			"paused":     d.Paused.Load(),
		})
	}
}

// ModelsHandler lists the known models.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := d.Router.ListModels()
		writeJSON(w, map[string]any{
			"models":    models,
			"count":     len(models),
			"timestamp": time.Now().UTC(),
		})
	}
}

func parseTraceFilter(r *http.Request) tracestore.Filter {
	q := r.URL.Query()
	var f tracestore.Filter
	if v := q.Get("success"); v != "" {
		b := v == "true"
		f.Success = &b
	}
	if v := q.Get("hasRetries"); v != "" {
		b := v == "true"
		f.HasRetries = &b
	}
	f.Model = q.Get("model")
	if v := q.Get("minDurationMs"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			f.MinDuration = time.Duration(ms) * time.Millisecond
		}
	}
	if v := q.Get("sinceMinutes"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			f.Since = time.Now().Add(-time.Duration(mins) * time.Minute)
		}
	}
	return f
}

// TracesListHandler returns recent traces, optionally filtered.
func TracesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		f := parseTraceFilter(r)
		var traces []tracestore.Trace
		if r.URL.Query().Get("model") != "" || r.URL.Query().Get("success") != "" ||
			r.URL.Query().Get("hasRetries") != "" || r.URL.Query().Get("minDurationMs") != "" ||
			r.URL.Query().Get("sinceMinutes") != "" {
			traces = d.Traces.Query(f)
		} else {
			traces = d.Traces.Recent(limit)
		}
		writeJSON(w, map[string]any{"traces": traces, "count": len(traces)})
	}
}

// TracesSearchHandler is an alias surface for filtered trace search.
func TracesSearchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traces := d.Traces.Query(parseTraceFilter(r))
		writeJSON(w, map[string]any{"traces": traces, "count": len(traces)})
	}
}

// TraceGetHandler returns one trace by ID.
func TraceGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		trace, ok := d.Traces.Get(id)
		if !ok {
			jsonError(w, "trace not found", http.StatusNotFound)
			return
		}
		writeJSON(w, trace)
	}
}

// LogsHandler returns the most recent buffered log lines.
func LogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		if d.LogRing == nil {
			writeJSON(w, map[string]any{"lines": []logging.Line{}})
			return
		}
		writeJSON(w, map[string]any{"lines": d.LogRing.Recent(limit)})
	}
}
