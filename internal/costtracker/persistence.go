package costtracker

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const schemaVersion = 1

// slowSaveThreshold is the duration above which a save is logged as slow
// (§4.5 "Save-duration > slowSaveThresholdMs is logged").
const slowSaveThreshold = 200 * time.Millisecond

type lastResetKeys struct {
	Day   string `json:"day"`
	Week  string `json:"week"`
	Month string `json:"month"`
}

type persistedUsage struct {
	Today     PeriodAggregate `json:"today"`
	ThisWeek  PeriodAggregate `json:"thisWeek"`
	ThisMonth PeriodAggregate `json:"thisMonth"`
	AllTime   PeriodAggregate `json:"allTime"`
}

// persistedState is the on-disk schema (§6 "Persisted state layout").
type persistedState struct {
	SchemaVersion  int                        `json:"schemaVersion"`
	Usage          persistedUsage             `json:"usage"`
	ByKeyID        map[string]PeriodAggregate `json:"byKeyId"`
	CostsByTenant  map[string]PeriodAggregate `json:"costsByTenant"`
	HourlyHistory  []HourlyRecord             `json:"hourlyHistory"`
	CostTimeSeries TimeSeriesSnapshot         `json:"costTimeSeries"`
	LastReset      lastResetKeys              `json:"_lastReset"`
	SavedAt        time.Time                  `json:"savedAt"`
}

func (t *Tracker) buildPersistedStateLocked() persistedState {
	return persistedState{
		SchemaVersion: schemaVersion,
		Usage: persistedUsage{
			Today:     *t.today,
			ThisWeek:  *t.thisWeek,
			ThisMonth: *t.thisMonth,
			AllTime:   *t.allTime,
		},
		ByKeyID:        t.byKeyID.snapshot(),
		CostsByTenant:  t.costsByTenant.snapshot(),
		HourlyHistory:  append([]HourlyRecord(nil), t.hourlyHistory...),
		CostTimeSeries: t.series.snapshot(),
		LastReset:      lastResetKeys{Day: t.lastDayKey, Week: t.lastWeekKey, Month: t.lastMonthKey},
		SavedAt:        t.clock(),
	}
}

// scheduleSaveLocked (re)starts the save-debounce timer. Caller must hold
// t.mu.
func (t *Tracker) scheduleSaveLocked() {
	if t.persistPath == "" || t.destroyed {
		return
	}
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	t.debounceTimer = time.AfterFunc(t.saveDebounce, func() {
		if err := t.saveNow(); err != nil {
			slog.Warn("costtracker: save failed", slog.String("error", err.Error()))
		}
	})
}

// saveNow performs one atomic save of the tracker's current state.
func (t *Tracker) saveNow() error {
	t.mu.Lock()
	if t.persistPath == "" || t.destroyed {
		t.mu.Unlock()
		return nil
	}
	state := t.buildPersistedStateLocked()
	path := t.persistPath
	t.mu.Unlock()

	start := time.Now()
	err := writeAtomic(path, state)
	if elapsed := time.Since(start); elapsed > slowSaveThreshold {
		slog.Warn("costtracker: slow save", slog.Duration("elapsed", elapsed))
	}
	return err
}

func writeAtomic(path string, state persistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Flush cancels the pending debounce, waits for it, and performs one final
// synchronous save (§4.5 "flush").
func (t *Tracker) Flush() error {
	t.mu.Lock()
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
	destroyed := t.destroyed
	t.mu.Unlock()
	if destroyed {
		return nil
	}
	return t.saveNow()
}

// Destroy flushes then marks the tracker destroyed so no further saves
// occur (§4.5 "destroy").
func (t *Tracker) Destroy() error {
	err := t.Flush()
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
	return err
}

// Load reads a persisted state file, applying strict-core/permissive-extras
// tolerance: a malformed schemaVersion or any of the four period aggregates
// fails the load outright; malformed optional extras (LRUs, history, time
// series) are dropped with a logged warning instead of failing the load.
func Load(path string, opts ...Option) (*Tracker, error) {
	t := New(opts...)
	t.persistPath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		// Retry with the core fields alone; if those decode, the malformed
		// optional extras are dropped instead of failing the load.
		var core struct {
			SchemaVersion int            `json:"schemaVersion"`
			Usage         persistedUsage `json:"usage"`
			LastReset     lastResetKeys  `json:"_lastReset"`
		}
		if coreErr := json.Unmarshal(data, &core); coreErr != nil {
			return nil, err
		}
		slog.Warn("costtracker: corrupted optional fields, defaulting to empty", slog.String("error", err.Error()))
		state = persistedState{SchemaVersion: core.SchemaVersion, Usage: core.Usage, LastReset: core.LastReset}
	}
	if state.SchemaVersion == 0 {
		return nil, errSchemaMissing
	}
	if state.SchemaVersion > schemaVersion {
		slog.Warn("costtracker: persisted state is from a newer schema version",
			slog.Int("found", state.SchemaVersion), slog.Int("supported", schemaVersion))
	}

	t.today = cloneAggregate(state.Usage.Today)
	t.thisWeek = cloneAggregate(state.Usage.ThisWeek)
	t.thisMonth = cloneAggregate(state.Usage.ThisMonth)
	t.allTime = cloneAggregate(state.Usage.AllTime)
	t.lastDayKey = state.LastReset.Day
	t.lastWeekKey = state.LastReset.Week
	t.lastMonthKey = state.LastReset.Month

	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("costtracker: corrupted optional fields, defaulting to empty", slog.Any("recovered", r))
			}
		}()
		for k, v := range state.ByKeyID {
			agg := v
			t.byKeyID.getOrCreate(k).add(agg.InputTokens, agg.OutputTokens, agg.Cost)
		}
		for k, v := range state.CostsByTenant {
			agg := v
			t.costsByTenant.getOrCreate(k).add(agg.InputTokens, agg.OutputTokens, agg.Cost)
		}
		t.hourlyHistory = append([]HourlyRecord(nil), state.HourlyHistory...)
		for i, hour := range state.CostTimeSeries.Times {
			for model, series := range state.CostTimeSeries.Models {
				if i < len(series) {
					t.series.record(parseHourKey(hour), model, series[i])
				}
			}
		}
	}()

	return t, nil
}

func cloneAggregate(a PeriodAggregate) *PeriodAggregate {
	v := a
	return &v
}

func parseHourKey(key string) time.Time {
	ts, err := time.Parse("2006-01-02 15:00", key)
	if err != nil {
		return time.Now().UTC()
	}
	return ts
}

var errSchemaMissing = &schemaError{}

type schemaError struct{}

func (e *schemaError) Error() string { return "costtracker: persisted state missing schemaVersion" }
