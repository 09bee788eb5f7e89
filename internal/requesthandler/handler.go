package requesthandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RicherTunes/ai-proxy-sub008/internal/costtracker"
	"github.com/RicherTunes/ai-proxy-sub008/internal/eventstream"
	"github.com/RicherTunes/ai-proxy-sub008/internal/keymanager"
	"github.com/RicherTunes/ai-proxy-sub008/internal/metrics"
	"github.com/RicherTunes/ai-proxy-sub008/internal/modelrouter"
	"github.com/RicherTunes/ai-proxy-sub008/internal/proxyerr"
	"github.com/RicherTunes/ai-proxy-sub008/internal/tracestore"
)

// Dependencies bundles the collaborators the Handler composes, following
// the teacher's Dependencies-struct wiring idiom.
type Dependencies struct {
	Keys     *keymanager.Manager
	Router   *modelrouter.Router
	Cost     *costtracker.Tracker
	Traces   *tracestore.Store
	Events   *eventstream.Bus
	Metrics  *metrics.Registry
	Upstream *Upstream
}

// Handler is the retry/failover state machine (§4.3).
type Handler struct {
	deps Dependencies
	cfg  Config

	admissionMu    sync.Mutex
	admissionHolds int

	poolCooldown keymanager.PoolCooldownConfig
}

// New creates a Handler wired to deps and cfg.
func New(deps Dependencies, cfg Config, poolCooldown keymanager.PoolCooldownConfig) *Handler {
	return &Handler{deps: deps, cfg: cfg, poolCooldown: poolCooldown}
}

// HandleRequest is the entry point (§4.3 "Entry"). It creates a trace, runs
// the retry loop, and falls back to a 504 on any uncaught failure.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) {
	requestID := uuid.NewString()
	traceID := uuid.NewString()
	start := time.Now()

	trace := tracestore.Trace{
		TraceID:       traceID,
		RequestID:     requestID,
		Method:        r.Method,
		Path:          r.URL.Path,
		StartedAt:     start,
		OriginalModel: extractModelField(body),
	}

	h.deps.Events.Publish(eventstream.Event{
		Type:      eventstream.EventRequestStart,
		RequestID: requestID,
		TraceID:   traceID,
	})

	headersSent := false
	result := h.proxyWithRetries(r.Context(), w, r, body, requestID, traceID, &trace, &headersSent)

	trace.EndedAt = time.Now()
	trace.LatencyMs = float64(trace.EndedAt.Sub(start).Milliseconds())
	trace.Status = result.statusCode
	trace.Ended = true
	if result.err != nil {
		trace.Error = result.err.Error()
	}
	h.deps.Traces.Put(trace)

	h.deps.Events.Publish(eventstream.Event{
		Type:      eventstream.EventRequestComplete,
		RequestID: requestID,
		TraceID:   traceID,
		Model:     trace.MappedModel,
		LatencyMs: trace.LatencyMs,
		Success:   result.statusCode >= 200 && result.statusCode < 300,
	})

	if !result.handled && !headersSent {
		writeJSONError(w, http.StatusGatewayTimeout, "Gateway timeout")
	}
}

type retryResult struct {
	statusCode int
	err        error
	handled    bool
}

// attemptState threads per-request bookkeeping through the retry loop
// (§4.3 "Stats contracts").
type attemptState struct {
	attemptedModels map[string]bool
	excludedKeys    map[string]bool
	pool429Count    int
	modelSwitches   int
	giveUpRecorded  bool
	loopStart       time.Time
}

// proxyWithRetries is `_proxyWithRetries` (§4.3): up to maxRetries+1
// attempts. Retry.RequestTimeout is not applied here; an attempt ends only
// when the upstream call returns or ctx is done.
func (h *Handler) proxyWithRetries(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, requestID, traceID string, trace *tracestore.Trace, headersSent *bool) retryResult {
	state := &attemptState{
		attemptedModels: make(map[string]bool),
		excludedKeys:    make(map[string]bool),
		loopStart:       time.Now(),
	}

	features := extractFeatures(body)
	useFreshConnection := false

	for attempt := 0; attempt <= h.cfg.Retry.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return retryResult{handled: true}
		}

		// Step 1: admission hold.
		if held, rejected := h.admitWithHold(ctx, features); rejected != nil {
			return *rejected
		} else if held {
			state.loopStart = time.Now() // hold time does not count toward give-up window
		}

		// Step 2: pool cooldown admission.
		if resp := h.admitPoolCooldown(ctx, attempt); resp != nil {
			return *resp
		}

		// Step 3: key acquisition.
		handle, ok := h.acquireKeyWithQueue(ctx, state.excludedKeys)
		if !ok {
			h.recordClientRequestFailure()
			return writeErrorResult(w, http.StatusServiceUnavailable, "All keys exhausted or circuits open")
		}

		// Step 4: body transform.
		decision := h.deps.Router.SelectModel(features, modelrouter.SelectOptions{AttemptedModels: state.attemptedModels})
		trace.MappedModel = decision.TargetModel
		trace.KeyIndex = handle.Credential().Index
		if h.cfg.DecisionLog {
			slog.Info("routed request",
				slog.String("request_id", requestID),
				slog.String("target_model", decision.TargetModel),
				slog.String("source", decision.Source))
		}
		attemptBody := substituteModel(body, decision.TargetModel)

		if !h.deps.Router.AcquireModel(decision.TargetModel) {
			h.deps.Keys.Release(handle, keymanager.Outcome{Kind: keymanager.OutcomeFailure})
			if attempt > 0 {
				h.recordRetry("model_at_capacity")
			}
			h.sleepBackoff(ctx, attempt, 50)
			continue
		}

		attemptStart := time.Now()
		secret := handle.Credential().Secret()
		upstreamResult := h.deps.Upstream.Do(ctx, w, secret, attemptBody, useFreshConnection)
		h.deps.Router.ReleaseModel(decision.TargetModel)
		if upstreamResult.HeadersWritten {
			*headersSent = true
		}

		sp := tracestore.Attempt{
			AttemptNumber: attempt + 1,
			StartedAt:     attemptStart,
			EndedAt:       time.Now(),
			Retried:       attempt > 0,
		}
		if upstreamResult.Err != nil {
			if pe, ok := proxyerr.As(upstreamResult.Err); ok {
				sp.ErrorType = string(pe.Kind)
			} else {
				sp.ErrorType = string(proxyerr.Classify(upstreamResult.Err))
			}
		}
		trace.Attempts = append(trace.Attempts, sp)

		action, statusCode, keyOutcome := h.classifyOutcome(upstreamResult, state, decision, *headersSent)
		h.deps.Keys.Release(handle, keyOutcome)

		switch action {
		case actionSuccess:
			h.recordSuccess(decision.TargetModel, decision.Tier, time.Since(attemptStart))
			h.recordCost(handle, decision.TargetModel, upstreamResult)
			return retryResult{statusCode: statusCode, handled: true}

		case actionPassThroughStarted:
			h.recordSuccess(decision.TargetModel, decision.Tier, time.Since(attemptStart))
			h.recordCost(handle, decision.TargetModel, upstreamResult)
			return retryResult{statusCode: statusCode, handled: true}

		case actionRetryDifferentKey:
			state.excludedKeys[handle.Credential().ID] = true
			h.recordRetry("different_key")
			h.sleepBackoff(ctx, attempt, upstreamResult.RetryAfterMs)
			continue

		case actionRetrySameKeyFreshConn:
			useFreshConnection = true
			h.recordRetry("fresh_connection")
			h.sleepBackoff(ctx, attempt, upstreamResult.RetryAfterMs)
			continue

		case actionRetryDifferentModel:
			// Non-429 retryable error (e.g. dns_error): fails over to a
			// different model but is not a rate-limit retry, so it never
			// records a same-model retry (§4.3).
			state.attemptedModels[decision.TargetModel] = true
			state.modelSwitches++
			h.recordRetry("different_model")
			h.sleepBackoff(ctx, attempt, upstreamResult.RetryAfterMs)
			continue

		case actionRetrySameModel:
			// Transient/dampened 429 (§4.2): same model, no attemptedModels
			// mutation, unconditional same-model-retry record.
			h.recordSameModelRetry()
			h.sleepBackoff(ctx, attempt, upstreamResult.RetryAfterMs)
			continue

		case actionRetryDifferentModel429:
			wasAttempted := state.attemptedModels[decision.TargetModel]
			state.attemptedModels[decision.TargetModel] = true
			state.modelSwitches++
			if wasAttempted {
				h.recordSameModelRetry()
			}
			h.recordRetry("different_model")
			h.sleepBackoff(ctx, attempt, upstreamResult.RetryAfterMs)
			continue

		case actionGiveUp429Cascade:
			h.recordGiveUp("max_429_attempts", state)
			h.recordFailedRequestModelStats(len(state.attemptedModels), state.modelSwitches)
			return writeErrorResultHeaders(w, http.StatusTooManyRequests, "model_exhausted", decision.Tier, "Rate limit exceeded")

		case actionRetryCapReached:
			return retryResult{statusCode: statusCode, handled: true}

		default:
			h.recordClientRequestFailure()
			return writeErrorResult(w, http.StatusBadGateway, "Upstream request failed")
		}
	}

	h.recordGiveUp("max_retries", state)
	h.recordFailedRequestModelStats(len(state.attemptedModels), state.modelSwitches)
	return writeErrorResultHeaders(w, http.StatusTooManyRequests, "model_exhausted", TierUnknown, "Rate limit exceeded")
}

// TierUnknown is used when give-up happens before a tier was ever resolved.
const TierUnknown = modelrouter.Tier("")

func (h *Handler) admitWithHold(ctx context.Context, f modelrouter.Features) (held bool, rejected *retryResult) {
	if !h.cfg.AdmissionHold.Enabled {
		return false, nil
	}
	hold := h.deps.Router.PeekAdmissionHold(f)
	if !h.cfg.AdmissionHold.Tiers[string(hold.Tier)] {
		return false, nil
	}
	if !hold.AllCooled || hold.MinCooldownMs < int64(h.cfg.AdmissionHold.MinCooldownToHold) {
		return false, nil
	}

	h.admissionMu.Lock()
	if h.admissionHolds >= h.cfg.AdmissionHold.MaxConcurrent {
		h.admissionMu.Unlock()
		return false, nil // let the request take the 429 naturally
	}
	h.admissionHolds++
	h.admissionMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.admissionMu.Lock()
			h.admissionHolds--
			h.admissionMu.Unlock()
		})
	}
	defer release()

	jitter := time.Duration(rand.Intn(h.cfg.AdmissionHold.JitterMs+1)) * time.Millisecond
	sleepFor := time.Duration(hold.MinCooldownMs)*time.Millisecond + jitter
	maxHold := time.Duration(h.cfg.AdmissionHold.MaxMs) * time.Millisecond
	if sleepFor > maxHold {
		sleepFor = maxHold
	}

	timer := time.NewTimer(sleepFor)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, &retryResult{handled: true}
	case <-timer.C:
	}

	h.metricsAdmissionHold()
	stillCooled := h.deps.Router.PeekAdmissionHold(f)
	if stillCooled.AllCooled {
		return true, &retryResult{statusCode: http.StatusTooManyRequests, handled: true}
	}
	return true, nil
}

func (h *Handler) metricsAdmissionHold() {
	if h.deps.Metrics != nil {
		h.deps.Metrics.AdmissionHoldTotal.Inc()
	}
}

func (h *Handler) admitPoolCooldown(ctx context.Context, attempt int) *retryResult {
	remaining := h.deps.Keys.GetPoolCooldownRemainingMs()
	if remaining <= 0 {
		return nil
	}
	if h.cfg.RouterActive {
		return nil // router will pick a non-cooled model
	}
	if remaining > h.cfg.PoolCooldown.SleepThresholdMs {
		if attempt == 0 {
			return &retryResult{statusCode: http.StatusTooManyRequests, handled: true}
		}
		return nil
	}
	timer := time.NewTimer(time.Duration(remaining) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &retryResult{handled: true}
	case <-timer.C:
	}
	return nil
}

func (h *Handler) acquireKeyWithQueue(ctx context.Context, excluded map[string]bool) (*keymanager.Handle, bool) {
	if handle, ok := h.deps.Keys.AcquireKey(excluded); ok {
		return handle, true
	}
	if h.cfg.Queue.Size <= 0 {
		return nil, false
	}
	timer := time.NewTimer(h.cfg.Queue.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		case <-ticker.C:
			if handle, ok := h.deps.Keys.AcquireKey(excluded); ok {
				return handle, true
			}
		}
	}
}

func (h *Handler) sleepBackoff(ctx context.Context, attempt int, retryAfterMs int) {
	delayMs := retryAfterMs
	if delayMs <= 0 {
		base := float64(h.cfg.Retry.BaseDelayMs)
		mult := h.cfg.Retry.BackoffMultiplier
		if mult <= 1 {
			mult = 2
		}
		delayMs = int(math.Min(base*math.Pow(mult, float64(attempt)), float64(h.cfg.Retry.MaxDelayMs)))
	}
	if delayMs <= 0 {
		return
	}
	jitter := 0
	if h.cfg.Retry.JitterMs > 0 {
		jitter = rand.Intn(h.cfg.Retry.JitterMs)
	}
	h.recordRetryBackoff(delayMs + jitter)

	timer := time.NewTimer(time.Duration(delayMs+jitter) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func extractModelField(body []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &payload)
	return payload.Model
}

func substituteModel(body []byte, model string) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return body
	}
	raw["model"] = encoded
	out, err := json.Marshal(raw)
	if err != nil {
		return body
	}
	return out
}

func extractFeatures(body []byte) modelrouter.Features {
	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Content any `json:"content"`
		} `json:"messages"`
		System    any `json:"system"`
		Tools     []any `json:"tools"`
		MaxTokens int   `json:"max_tokens"`
	}
	_ = json.Unmarshal(body, &payload)

	systemLength := 0
	if s, ok := payload.System.(string); ok {
		systemLength = len(s)
	}
	hasVision := false
	for _, m := range payload.Messages {
		if blocks, ok := m.Content.([]any); ok {
			for _, b := range blocks {
				if block, ok := b.(map[string]any); ok {
					if t, _ := block["type"].(string); t == "image" {
						hasVision = true
					}
				}
			}
		}
	}

	return modelrouter.Features{
		MessageCount: len(payload.Messages),
		HasTools:     len(payload.Tools) > 0,
		HasVision:    hasVision,
		SystemLength: systemLength,
		MaxTokens:    payload.MaxTokens,
		ClientModel:  payload.Model,
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeErrorResult(w http.ResponseWriter, status int, message string) retryResult {
	writeJSONError(w, status, message)
	return retryResult{statusCode: status, handled: true, err: fmt.Errorf("%s", message)}
}

func writeErrorResultHeaders(w http.ResponseWriter, status int, rateLimitReason string, tier modelrouter.Tier, message string) retryResult {
	w.Header().Set("x-proxy-rate-limit", rateLimitReason)
	if tier != "" {
		w.Header().Set("x-proxy-tier", string(tier))
	}
	writeJSONError(w, status, message)
	return retryResult{statusCode: status, handled: true, err: fmt.Errorf("%s", message)}
}
