package requesthandler

import (
	"net/http"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/RicherTunes/ai-proxy-sub008/internal/costtracker"
	"github.com/RicherTunes/ai-proxy-sub008/internal/eventstream"
	"github.com/RicherTunes/ai-proxy-sub008/internal/keymanager"
	"github.com/RicherTunes/ai-proxy-sub008/internal/metrics"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracestore"
)

// histogramSampleCount reads back the number of Observe calls made against an
// unlabeled histogram, which testutil.ToFloat64/CollectAndCount can't surface
// since a histogram collector is always present once registered.
func histogramSampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func newStatsTestHandler(t *testing.T) *Handler {
	t.Helper()
	keys := keymanager.NewManager()
	keys.AddCredential("test-secret")

	return New(Dependencies{
		Keys:    keys,
		Router:  modelrouter.New(nil, modelrouter.DefaultRoutingConfig()),
		Cost:    costtracker.New(),
		Traces:  tracestore.New(10),
		Events:  eventstream.NewBus(),
		Metrics: metrics.New(),
	}, testConfig(), keymanager.PoolCooldownConfig{BaseMs: 100, CapMs: 1000, DecayMs: 5000})
}

func newAttemptState() *attemptState {
	return &attemptState{
		attemptedModels: make(map[string]bool),
		excludedKeys:    make(map[string]bool),
		loopStart:       time.Now(),
	}
}

// TestClassifyRateLimited_FirstHitIsTransient covers scenario 2 (§8): a
// below-PersistentThreshold 429 must retry the same model, not fail over.
func TestClassifyRateLimited_FirstHitIsTransient(t *testing.T) {
	h := newStatsTestHandler(t)
	state := newAttemptState()
	decision := modelrouter.Decision{TargetModel: "glm-4.5", Tier: modelrouter.TierMedium}

	action, _, _ := h.classifyRateLimited(Result{StatusCode: http.StatusTooManyRequests, RetryAfterMs: 1000}, state, decision)

	if action != actionRetrySameModel {
		t.Fatalf("expected actionRetrySameModel on a transient 429, got %v", action)
	}
	if len(state.attemptedModels) != 0 {
		t.Fatalf("transient 429 must not populate attemptedModels, got %v", state.attemptedModels)
	}
}

// TestClassifyRateLimited_PersistentFailsOver covers scenario 3 (§8): once the
// burst-dampening threshold is crossed, the model is added to attemptedModels
// and a different-model retry is selected.
func TestClassifyRateLimited_PersistentFailsOver(t *testing.T) {
	h := newStatsTestHandler(t)
	state := newAttemptState()
	decision := modelrouter.Decision{TargetModel: "glm-4.5", Tier: modelrouter.TierMedium}

	// Drive the router's per-model counter up to PersistentThreshold (3)
	// directly, the way repeated same-model retries would in practice.
	h.deps.Router.RecordPool429("glm-4.5")
	h.deps.Router.RecordPool429("glm-4.5")
	h.deps.Router.RecordPool429("glm-4.5")

	action, _, _ := h.classifyRateLimited(Result{StatusCode: http.StatusTooManyRequests}, state, decision)

	if action != actionRetryDifferentModel429 {
		t.Fatalf("expected actionRetryDifferentModel429 once persistent, got %v", action)
	}
}

// TestClassifyRateLimited_GivesUpAtMaxAttempts covers scenario 4 (§8): the
// pool-wide 429 cascade cap takes priority over burst-dampening.
func TestClassifyRateLimited_GivesUpAtMaxAttempts(t *testing.T) {
	h := newStatsTestHandler(t)
	h.cfg.Retry.Max429AttemptsPerRequest = 2
	state := newAttemptState()
	decision := modelrouter.Decision{TargetModel: "glm-4.5", Tier: modelrouter.TierMedium}

	h.classifyRateLimited(Result{StatusCode: http.StatusTooManyRequests}, state, decision)
	action, statusCode, _ := h.classifyRateLimited(Result{StatusCode: http.StatusTooManyRequests}, state, decision)

	if action != actionGiveUp429Cascade {
		t.Fatalf("expected actionGiveUp429Cascade at the attempt cap, got %v", action)
	}
	if statusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status, got %d", statusCode)
	}
}

func TestRecordSameModelRetry_IncrementsSameModelReason(t *testing.T) {
	h := newStatsTestHandler(t)
	h.recordSameModelRetry()

	got := testutil.ToFloat64(h.deps.Metrics.RetriesTotal.WithLabelValues("same_model"))
	if got != 1 {
		t.Fatalf("expected same_model retry counter at 1, got %v", got)
	}
}

func TestRecordGiveUp_FiresOncePerRequest(t *testing.T) {
	h := newStatsTestHandler(t)
	state := newAttemptState()

	h.recordGiveUp("max_429_attempts", state)
	h.recordGiveUp("max_429_attempts", state)

	got := testutil.ToFloat64(h.deps.Metrics.GiveUpTotal.WithLabelValues("max_429_attempts"))
	if got != 1 {
		t.Fatalf("expected recordGiveUp to fire exactly once per request, got count %v", got)
	}
}

func TestRecordFailedRequestModelStats_ObservesAttemptedAndSwitches(t *testing.T) {
	h := newStatsTestHandler(t)
	h.recordFailedRequestModelStats(2, 1)

	if got := histogramSampleCount(t, h.deps.Metrics.FailedRequestAttemptedModels); got != 1 {
		t.Fatalf("expected one attempted-models observation, got %d", got)
	}
	if got := histogramSampleCount(t, h.deps.Metrics.FailedRequestModelSwitches); got != 1 {
		t.Fatalf("expected one model-switches observation, got %d", got)
	}
}
