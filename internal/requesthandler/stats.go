package requesthandler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/RicherTunes/ai-proxy-sub008/internal/keymanager"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
	"github.com/RicherTunes/ai-proxy-sub008/internal/proxyerr"
)

// classifyOutcome turns one upstream attempt's result into a retry decision,
// the response status to surface if the loop ends here, and the key-manager
// outcome to release with (§4.4 error-event taxonomy, §4.3 contract).
func (h *Handler) classifyOutcome(res Result, state *attemptState, decision modelrouter.Decision, headersSent bool) (outcomeAction, int, keymanager.Outcome) {
	if res.Err == nil {
		if headersSent {
			return actionPassThroughStarted, res.StatusCode, keymanager.Outcome{Kind: keymanager.OutcomeSuccess, LatencyMs: 0}
		}
		return actionSuccess, res.StatusCode, keymanager.Outcome{Kind: keymanager.OutcomeSuccess}
	}

	if headersSent {
		// Streaming already started; the client has partial output and we
		// cannot safely retry onto a different key or model.
		return actionPassThroughStarted, res.StatusCode, keymanager.Outcome{Kind: keymanager.OutcomeFailure}
	}

	pe, _ := proxyerr.As(res.Err)
	if pe == nil {
		pe = proxyerr.New(proxyerr.Classify(res.Err), res.Err)
	}

	if pe.Kind == proxyerr.KindRateLimited {
		return h.classifyRateLimited(res, state, decision)
	}

	keyOutcome := keymanager.Outcome{Kind: keymanager.OutcomeFailure, RetryAfterMs: res.RetryAfterMs}

	if !pe.Retryable() {
		return actionFatal, statusOrDefault(res.StatusCode, http.StatusBadGateway), keyOutcome
	}
	if pe.FreshConnection() {
		return actionRetrySameKeyFreshConn, res.StatusCode, keyOutcome
	}
	if pe.ExcludeKey() {
		return actionRetryDifferentKey, res.StatusCode, keyOutcome
	}
	return actionRetryDifferentModel, res.StatusCode, keyOutcome
}

func (h *Handler) classifyRateLimited(res Result, state *attemptState, decision modelrouter.Decision) (outcomeAction, int, keymanager.Outcome) {
	count, poolCooldownMs := h.deps.Keys.RecordPoolRateLimitHit(h.poolCooldown)
	state.pool429Count++

	cooldownMs, dampened := h.deps.Router.ApplyBurstDampening(decision.TargetModel, res.RetryAfterMs)
	if cooldownMs > 0 {
		h.deps.Router.RecordModelCooldown(decision.TargetModel, cooldownMs, dampened)
	}
	h.deps.Router.RecordPool429(decision.TargetModel)
	_ = poolCooldownMs

	isAccountLevel, _ := keymanager.DetectAccountLevelRateLimit(res.Evidence, h.poolCooldown)
	keyOutcome := keymanager.Outcome{Kind: keymanager.OutcomeRateLimited, RetryAfterMs: res.RetryAfterMs, Evidence: res.Evidence}

	maxAttempts := h.cfg.Retry.Max429AttemptsPerRequest
	withinWindow := h.cfg.Retry.Max429RetryWindowMs <= 0 ||
		time.Since(state.loopStart) <= time.Duration(h.cfg.Retry.Max429RetryWindowMs)*time.Millisecond
	if (maxAttempts > 0 && state.pool429Count >= maxAttempts) || !withinWindow {
		return actionGiveUp429Cascade, http.StatusTooManyRequests, keyOutcome
	}

	// Burst-dampening (§4.2): fewer than PersistentThreshold hits is
	// transient and retries the same model; at or above it, the model is
	// considered exhausted and the next attempt fails over.
	if dampened {
		return actionRetrySameModel, res.StatusCode, keyOutcome
	}

	if state.modelSwitches >= h.cfg.Retry.MaxModelSwitchesPerRequest {
		if isAccountLevel {
			// z.ai rate limits are per-account (§4.1); excluding this key
			// and retrying would hit the same account-wide wall.
			return actionGiveUp429Cascade, http.StatusTooManyRequests, keyOutcome
		}
		return actionRetryDifferentKey, res.StatusCode, keyOutcome
	}
	_ = count
	return actionRetryDifferentModel429, res.StatusCode, keyOutcome
}

func statusOrDefault(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}

func (h *Handler) recordSuccess(model string, tier modelrouter.Tier, latency time.Duration) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RequestsTotal.WithLabelValues(model, string(tier), "success").Inc()
		h.deps.Metrics.RequestLatencyMs.WithLabelValues(model, string(tier)).Observe(float64(latency.Milliseconds()))
	}
}

func (h *Handler) recordCost(handle *keymanager.Handle, model string, res Result) {
	if h.deps.Cost == nil || (res.Usage.InputTokens == 0 && res.Usage.OutputTokens == 0) {
		return
	}
	result, err := h.deps.Cost.RecordUsage(handle.Credential().ID, "", model, res.Usage.InputTokens, res.Usage.OutputTokens)
	if err != nil {
		slog.Warn("cost tracking failed", slog.String("error", err.Error()))
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.CostUSDTotal.WithLabelValues(model).Add(result.Cost)
	}
}

func (h *Handler) recordRetry(reason string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RetriesTotal.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) recordRetryBackoff(delayMs int) {
	if h.deps.Metrics != nil {
		// backoff delay itself is not a distinct metric; surfaced via trace
		// attempts and debug logging only.
		slog.Debug("retry backoff", slog.Int("delay_ms", delayMs))
	}
}

func (h *Handler) recordClientRequestFailure() {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RequestsTotal.WithLabelValues("", "", "client_failure").Inc()
	}
}

func (h *Handler) recordSameModelRetry() {
	h.recordRetry("same_model")
}

func (h *Handler) recordGiveUp(reason string, state *attemptState) {
	if state.giveUpRecorded {
		return
	}
	state.giveUpRecorded = true
	if h.deps.Metrics != nil {
		h.deps.Metrics.GiveUpTotal.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) recordFailedRequestModelStats(attempted, switches int) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.FailedRequestAttemptedModels.Observe(float64(attempted))
		h.deps.Metrics.FailedRequestModelSwitches.Observe(float64(switches))
	}
}
