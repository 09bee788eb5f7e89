// Package costtracker is the bounded-memory usage ledger: per-period
// aggregates, per-key/tenant LRU maps, hourly history, a per-model time
// series, budget alerts, and debounced atomic persistence
// (SPEC_FULL.md §4.5).
package costtracker

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	lruCapacity          = 1000
	hourlyHistoryCap     = 24
	timeSeriesBucketsCap = 720 // 30 days of hourly buckets
	maxFieldLen          = 256
)

var budgetThresholds = []float64{0.5, 0.8, 0.95, 1.0}

// PeriodAggregate is one rolling usage window (§3 "Cost record").
type PeriodAggregate struct {
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	TotalTokens  int64     `json:"totalTokens"`
	Cost         float64   `json:"cost"`
	Requests     int64     `json:"requests"`
	StartedAt    time.Time `json:"startedAt"`
}

func newPeriodAggregate() *PeriodAggregate {
	return &PeriodAggregate{StartedAt: time.Now().UTC()}
}

func (p *PeriodAggregate) add(inputTokens, outputTokens int64, cost float64) {
	p.InputTokens += inputTokens
	p.OutputTokens += outputTokens
	p.TotalTokens += inputTokens + outputTokens
	p.Cost = roundCost(p.Cost + cost)
	p.Requests++
}

// Rate is a model's per-1M-token price, set via SetRates.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// BudgetAlertType names which kind of threshold crossing fired.
type BudgetAlertType string

const (
	AlertWarning  BudgetAlertType = "budget.warning"
	AlertExceeded BudgetAlertType = "budget.exceeded"
)

// BudgetAlert is passed to the configured callback when a threshold fires
// (§4.5 "Budget alerts").
type BudgetAlert struct {
	Type        BudgetAlertType
	Period      string
	Threshold   float64
	PercentUsed float64
	CurrentCost float64
	BudgetLimit float64
	Remaining   float64
	Timestamp   time.Time
}

// CostResult is returned by RecordUsage for the usage that was just applied.
type CostResult struct {
	Cost         float64
	InputTokens  int64
	OutputTokens int64
}

// BatchResult summarizes a RecordBatch call.
type BatchResult struct {
	Processed  int
	Skipped    int
	Errors     []error
	TotalCost  float64
	TotalTokens int64
}

// UsageRecord is one entry in a RecordBatch call.
type UsageRecord struct {
	KeyID        string
	TenantID     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Tracker is the Cost Tracker (§4.5). Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	today, thisWeek, thisMonth, allTime *PeriodAggregate
	byKeyID                             *boundedLRU
	costsByTenant                       *boundedLRU
	hourlyHistory                       []HourlyRecord
	series                              *timeSeries

	rates map[string]Rate

	budgetDailyUSD   float64
	budgetMonthlyUSD float64
	firedDaily       map[float64]bool
	firedMonthly     map[float64]bool
	onAlert          func(BudgetAlert)

	lastDayKey   string
	lastWeekKey  string
	lastMonthKey string

	persistPath   string
	saveDebounce  time.Duration
	debounceTimer *time.Timer
	saveDone      chan struct{}
	destroyed     bool

	now func() time.Time
}

// HourlyRecord is one entry of the hourly archive (§3 "hourly archive"): the
// whole "today" aggregate, archived when the day rolls over, with Hour holding
// that day's date key (YYYY-MM-DD).
type HourlyRecord struct {
	Hour       string          `json:"hour"`
	Aggregate  PeriodAggregate `json:"aggregate"`
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithPersistPath(path string) Option {
	return func(t *Tracker) { t.persistPath = path }
}

func WithSaveDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.saveDebounce = d
		}
	}
}

func WithAlertCallback(f func(BudgetAlert)) Option {
	return func(t *Tracker) { t.onAlert = f }
}

// New creates an empty Cost Tracker.
func New(opts ...Option) *Tracker {
	now := time.Now().UTC()
	t := &Tracker{
		today:         newPeriodAggregate(),
		thisWeek:      newPeriodAggregate(),
		thisMonth:     newPeriodAggregate(),
		allTime:       newPeriodAggregate(),
		byKeyID:       newBoundedLRU(lruCapacity),
		costsByTenant: newBoundedLRU(lruCapacity),
		series:        newTimeSeries(timeSeriesBucketsCap),
		rates:         make(map[string]Rate),
		firedDaily:    make(map[float64]bool),
		firedMonthly:  make(map[float64]bool),
		saveDebounce:  5 * time.Second,
		now:           time.Now,
		lastDayKey:    dayKey(now),
		lastWeekKey:   weekKey(now),
		lastMonthKey:  monthKey(now),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clampField(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen]
	}
	return s
}

// RecordUsage validates and records one request's token usage (§4.5).
func (t *Tracker) RecordUsage(keyID, tenantID, model string, inputTokens, outputTokens int64) (CostResult, error) {
	if !isFiniteNonNegative(float64(inputTokens)) || !isFiniteNonNegative(float64(outputTokens)) {
		return CostResult{}, fmt.Errorf("costtracker: token counts must be finite and non-negative")
	}
	keyID = clampField(keyID)
	tenantID = clampField(tenantID)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked()

	rate := t.rates[model]
	cost := roundCost(float64(inputTokens)/1e6*rate.InputPer1M + float64(outputTokens)/1e6*rate.OutputPer1M)

	t.today.add(inputTokens, outputTokens, cost)
	t.thisWeek.add(inputTokens, outputTokens, cost)
	t.thisMonth.add(inputTokens, outputTokens, cost)
	t.allTime.add(inputTokens, outputTokens, cost)

	if keyID != "" {
		t.byKeyID.getOrCreate(keyID).add(inputTokens, outputTokens, cost)
	}
	if tenantID != "" {
		t.costsByTenant.getOrCreate(tenantID).add(inputTokens, outputTokens, cost)
	}
	if model != "" {
		t.series.record(t.clock(), model, cost)
	}

	t.evaluateBudgetAlertsLocked()
	t.scheduleSaveLocked()

	return CostResult{Cost: cost, InputTokens: inputTokens, OutputTokens: outputTokens}, nil
}

// RecordBatch applies RecordUsage's validation per record, firing exactly
// one budget-alert evaluation after the whole batch (§4.5).
func (t *Tracker) RecordBatch(records []UsageRecord) BatchResult {
	var result BatchResult
	for _, r := range records {
		if !isFiniteNonNegative(float64(r.InputTokens)) || !isFiniteNonNegative(float64(r.OutputTokens)) {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Errorf("costtracker: invalid usage record for key %q", r.KeyID))
			continue
		}
		res, err := t.recordUsageNoAlert(r.KeyID, r.TenantID, r.Model, r.InputTokens, r.OutputTokens)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Processed++
		result.TotalCost = roundCost(result.TotalCost + res.Cost)
		result.TotalTokens += res.InputTokens + res.OutputTokens
	}

	t.mu.Lock()
	t.evaluateBudgetAlertsLocked()
	t.scheduleSaveLocked()
	t.mu.Unlock()

	return result
}

func (t *Tracker) recordUsageNoAlert(keyID, tenantID, model string, inputTokens, outputTokens int64) (CostResult, error) {
	keyID = clampField(keyID)
	tenantID = clampField(tenantID)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked()

	rate := t.rates[model]
	cost := roundCost(float64(inputTokens)/1e6*rate.InputPer1M + float64(outputTokens)/1e6*rate.OutputPer1M)

	t.today.add(inputTokens, outputTokens, cost)
	t.thisWeek.add(inputTokens, outputTokens, cost)
	t.thisMonth.add(inputTokens, outputTokens, cost)
	t.allTime.add(inputTokens, outputTokens, cost)

	if keyID != "" {
		t.byKeyID.getOrCreate(keyID).add(inputTokens, outputTokens, cost)
	}
	if tenantID != "" {
		t.costsByTenant.getOrCreate(tenantID).add(inputTokens, outputTokens, cost)
	}
	if model != "" {
		t.series.record(t.clock(), model, cost)
	}

	return CostResult{Cost: cost, InputTokens: inputTokens, OutputTokens: outputTokens}, nil
}

func isFiniteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// rolloverLocked archives and resets periods that have crossed a day/week/
// month boundary since the last call (§4.5 "Period resets"). Caller must
// hold t.mu.
func (t *Tracker) rolloverLocked() {
	now := t.clock()
	day := dayKey(now)
	week := weekKey(now)
	month := monthKey(now)

	if day != t.lastDayKey {
		if t.today.Requests > 0 {
			t.hourlyHistory = append(t.hourlyHistory, HourlyRecord{Hour: t.lastDayKey, Aggregate: *t.today})
			if len(t.hourlyHistory) > hourlyHistoryCap {
				t.hourlyHistory = t.hourlyHistory[len(t.hourlyHistory)-hourlyHistoryCap:]
			}
		}
		t.today = newPeriodAggregate()
		t.firedDaily = make(map[float64]bool)
		t.lastDayKey = day
	}
	if week != t.lastWeekKey {
		t.thisWeek = newPeriodAggregate()
		t.lastWeekKey = week
	}
	if month != t.lastMonthKey {
		t.thisMonth = newPeriodAggregate()
		t.firedMonthly = make(map[float64]bool)
		t.lastMonthKey = month
	}
}

// evaluateBudgetAlertsLocked fires each configured threshold exactly once
// per period when current cost crosses it (§4.5). Caller must hold t.mu.
func (t *Tracker) evaluateBudgetAlertsLocked() {
	if t.onAlert == nil {
		return
	}
	t.checkThresholdsLocked("daily", t.today.Cost, t.budgetDailyUSD, t.firedDaily)
	t.checkThresholdsLocked("monthly", t.thisMonth.Cost, t.budgetMonthlyUSD, t.firedMonthly)
}

func (t *Tracker) checkThresholdsLocked(period string, current, limit float64, fired map[float64]bool) {
	if limit <= 0 {
		return
	}
	percent := current / limit
	for _, threshold := range budgetThresholds {
		if fired[threshold] || percent < threshold {
			continue
		}
		fired[threshold] = true
		alertType := AlertWarning
		if threshold >= 1.0 {
			alertType = AlertExceeded
		}
		t.onAlert(BudgetAlert{
			Type:        alertType,
			Period:      period,
			Threshold:   threshold,
			PercentUsed: percent,
			CurrentCost: current,
			BudgetLimit: limit,
			Remaining:   limit - current,
			Timestamp:   t.clock(),
		})
	}
}

// GetStats returns a snapshot of the named period's aggregate.
func (t *Tracker) GetStats(period string) PeriodAggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	switch period {
	case "today":
		return *t.today
	case "thisWeek":
		return *t.thisWeek
	case "thisMonth":
		return *t.thisMonth
	default:
		return *t.allTime
	}
}

// Projection is a simple linear extrapolation of the current period to its
// end, used by getProjection.
type Projection struct {
	ProjectedDailyCost   float64 `json:"projectedDailyCost"`
	ProjectedMonthlyCost float64 `json:"projectedMonthlyCost"`
}

// GetProjection extrapolates today's and this month's spend to their
// period boundaries based on elapsed time so far.
func (t *Tracker) GetProjection() Projection {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	now := t.clock()

	dayElapsed := now.Sub(t.today.StartedAt).Hours()
	var projectedDaily float64
	if dayElapsed > 0 {
		projectedDaily = t.today.Cost * (24 / dayElapsed)
	}

	monthElapsed := now.Sub(t.thisMonth.StartedAt).Hours()
	daysInMonth := float64(time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day())
	var projectedMonthly float64
	if monthElapsed > 0 {
		projectedMonthly = t.thisMonth.Cost * (daysInMonth * 24 / monthElapsed)
	}

	return Projection{ProjectedDailyCost: roundCost(projectedDaily), ProjectedMonthlyCost: roundCost(projectedMonthly)}
}

// Report is the getFullReport payload.
type Report struct {
	Today     PeriodAggregate            `json:"today"`
	ThisWeek  PeriodAggregate            `json:"thisWeek"`
	ThisMonth PeriodAggregate            `json:"thisMonth"`
	AllTime   PeriodAggregate            `json:"allTime"`
	ByKey     map[string]PeriodAggregate `json:"byKeyId"`
	ByTenant  map[string]PeriodAggregate `json:"costsByTenant"`
	History   []HourlyRecord             `json:"hourlyHistory"`
}

// GetFullReport snapshots everything the tracker holds.
func (t *Tracker) GetFullReport() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	history := make([]HourlyRecord, len(t.hourlyHistory))
	copy(history, t.hourlyHistory)
	return Report{
		Today:     *t.today,
		ThisWeek:  *t.thisWeek,
		ThisMonth: *t.thisMonth,
		AllTime:   *t.allTime,
		ByKey:     t.byKeyID.snapshot(),
		ByTenant:  t.costsByTenant.snapshot(),
		History:   history,
	}
}

// GetHistory returns up to n of the most recent hourly history entries.
func (t *Tracker) GetHistory(n int) []HourlyRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.hourlyHistory) {
		n = len(t.hourlyHistory)
	}
	out := make([]HourlyRecord, n)
	copy(out, t.hourlyHistory[len(t.hourlyHistory)-n:])
	return out
}

// GetCostTimeSeries returns a snapshot of the hourly per-model cost series.
func (t *Tracker) GetCostTimeSeries() TimeSeriesSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.series.snapshot()
}

// GetCostByKey returns a snapshot of the per-key LRU map.
func (t *Tracker) GetCostByKey() map[string]PeriodAggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byKeyID.snapshot()
}

// GetAllTenantCosts returns a snapshot of the per-tenant LRU map.
func (t *Tracker) GetAllTenantCosts() map[string]PeriodAggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costsByTenant.snapshot()
}

// SetBudget configures the daily/monthly budget limits used by alerts.
func (t *Tracker) SetBudget(dailyUSD, monthlyUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgetDailyUSD = dailyUSD
	t.budgetMonthlyUSD = monthlyUSD
	t.firedDaily = make(map[float64]bool)
	t.firedMonthly = make(map[float64]bool)
}

// SetRates configures the per-1M-token price for model.
func (t *Tracker) SetRates(model string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = rate
}

// Reset clears all aggregates, history, and time series.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.today = newPeriodAggregate()
	t.thisWeek = newPeriodAggregate()
	t.thisMonth = newPeriodAggregate()
	t.allTime = newPeriodAggregate()
	t.byKeyID = newBoundedLRU(lruCapacity)
	t.costsByTenant = newBoundedLRU(lruCapacity)
	t.hourlyHistory = nil
	t.series = newTimeSeries(timeSeriesBucketsCap)
	t.firedDaily = make(map[float64]bool)
	t.firedMonthly = make(map[float64]bool)
	t.lastDayKey = dayKey(now)
	t.lastWeekKey = weekKey(now)
	t.lastMonthKey = monthKey(now)
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now().UTC()
	}
	return time.Now().UTC()
}

func dayKey(ts time.Time) string   { return ts.Format("2006-01-02") }
func monthKey(ts time.Time) string { return ts.Format("2006-01") }
func weekKey(ts time.Time) string {
	year, week := ts.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// sortedKeys is a small helper used by the time series to keep bucket
// iteration order deterministic.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
