package costtracker

import "time"

// TimeSeriesSnapshot is the getCostTimeSeries payload: an ordered list of
// hourly bucket keys plus one cost array per model, aligned by index
// (§4.5 "Time series").
type TimeSeriesSnapshot struct {
	Times  []string             `json:"times"`
	Models map[string][]float64 `json:"models"`
}

// timeSeries holds hourly per-model cost buckets bounded to capacity
// entries (§3 "bounded at 720 buckets").
type timeSeries struct {
	capacity int
	times    []string
	index    map[string]int // hour key -> index in times
	models   map[string][]float64
}

func newTimeSeries(capacity int) *timeSeries {
	return &timeSeries{
		capacity: capacity,
		index:    make(map[string]int),
		models:   make(map[string][]float64),
	}
}

func hourKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02 15:00")
}

// record adds cost to model's bucket for ts's hour, creating the bucket
// (backfilling zeros for existing models) if this is a new hour.
func (s *timeSeries) record(ts time.Time, model string, cost float64) {
	key := hourKey(ts)

	idx, ok := s.index[key]
	if !ok {
		idx = len(s.times)
		s.times = append(s.times, key)
		s.index[key] = idx
		for m, series := range s.models {
			s.models[m] = append(series, 0)
			_ = m
		}
		if len(s.times) > s.capacity {
			s.trim()
			idx = s.index[key]
		}
	}

	series, ok := s.models[model]
	if !ok {
		series = make([]float64, len(s.times))
		s.models[model] = series
	}
	if idx >= len(series) {
		// backfill any hours that existed before this model had data
		grown := make([]float64, len(s.times))
		copy(grown, series)
		series = grown
		s.models[model] = series
	}
	series[idx] += cost
}

// trim evicts the oldest bucket across times and every model's series,
// keeping all arrays aligned (§4.5 "trim evenly on overflow").
func (s *timeSeries) trim() {
	if len(s.times) == 0 {
		return
	}
	s.times = s.times[1:]
	for model, series := range s.models {
		if len(series) > 0 {
			s.models[model] = series[1:]
		}
	}
	s.index = make(map[string]int, len(s.times))
	for i, key := range s.times {
		s.index[key] = i
	}
}

func (s *timeSeries) snapshot() TimeSeriesSnapshot {
	times := make([]string, len(s.times))
	copy(times, s.times)

	models := make(map[string][]float64, len(s.models))
	for _, name := range sortedModelKeys(s.models) {
		series := s.models[name]
		out := make([]float64, len(times))
		copy(out, series)
		models[name] = out
	}
	return TimeSeriesSnapshot{Times: times, Models: models}
}

func sortedModelKeys(m map[string][]float64) []string {
	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return sortedKeys(keys)
}
