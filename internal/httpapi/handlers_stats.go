package httpapi

import (
	"net/http"
	"strconv"
)

// StatsHandler returns an aggregated counters snapshot.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Cost.GetFullReport())
	}
}

// StatsCostHandler returns the today/week/month/allTime cost aggregates.
func StatsCostHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"today":     d.Cost.GetStats("today"),
			"thisWeek":  d.Cost.GetStats("thisWeek"),
			"thisMonth": d.Cost.GetStats("thisMonth"),
			"allTime":   d.Cost.GetStats("allTime"),
		})
	}
}

// StatsCostHistoryHandler returns the per-model hourly cost time series.
func StatsCostHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Cost.GetCostTimeSeries())
	}
}

// PersistentStatsHandler returns the per-key and per-tenant persisted
// aggregates.
func PersistentStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"byKey":    d.Cost.GetCostByKey(),
			"byTenant": d.Cost.GetAllTenantCosts(),
		})
	}
}

// HistoryHandler returns hourly history points for the requested window.
func HistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		minutes := 60
		if v := r.URL.Query().Get("minutes"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				minutes = n
			}
		}
		n := (minutes + 59) / 60
		points := d.Cost.GetHistory(n)
		writeJSON(w, map[string]any{
			"schemaVersion":  2,
			"tier":           "all",
			"tierResolution": "hour",
			"points":         points,
		})
	}
}
