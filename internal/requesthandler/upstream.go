package requesthandler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/RicherTunes/ai-proxy-sub008/internal/proxyerr"
)

// consecutiveHangupThreshold is how many consecutive socket hangups on the
// shared keep-alive client trigger recreating it (§4.4 ConnectionHealthMonitor).
// A dead peer can poison every pooled connection, so a handful of hangups in
// a row is treated as the pool itself being bad rather than one-off flakiness.
const consecutiveHangupThreshold = 5

// streamCopyBufSize is the buffer size used when relaying an upstream SSE
// body to the client, matching the teacher's chat-stream relay.
const streamCopyBufSize = 32 * 1024

// maxStreamBytes bounds total relayed bytes to avoid unbounded memory growth
// on a runaway upstream stream.
const maxStreamBytes = 100 * 1024 * 1024

// UpstreamConfig parameterizes the upstream client.
type UpstreamConfig struct {
	BaseURL               string
	MaxConcurrentUpstream int64
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// Upstream issues the actual z.ai HTTP call, gating total concurrency and
// offering a fresh-connection mode for retries after a suspected dead
// keep-alive.
type Upstream struct {
	cfg         UpstreamConfig
	transport   http.RoundTripper
	client      atomic.Pointer[http.Client]
	freshClient *http.Client
	sem         *semaphore.Weighted

	hangupMu           sync.Mutex
	consecutiveHangups int
}

// NewUpstream builds the shared and one-shot HTTP clients.
func NewUpstream(cfg UpstreamConfig, transport http.RoundTripper) *Upstream {
	if cfg.MaxConcurrentUpstream <= 0 {
		cfg.MaxConcurrentUpstream = 256
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	u := &Upstream{
		cfg:       cfg,
		transport: transport,
		freshClient: &http.Client{Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			DisableKeepAlives:     true,
		}},
		sem: semaphore.NewWeighted(cfg.MaxConcurrentUpstream),
	}
	u.client.Store(&http.Client{Transport: transport})
	return u
}

// recordConnectionOutcome tracks consecutive socket hangups observed on the
// shared keep-alive client. Once consecutiveHangupThreshold is crossed, the
// shared client is replaced so new requests dial fresh connections instead of
// reusing whatever is left in the poisoned pool.
func (u *Upstream) recordConnectionOutcome(hangup bool) {
	u.hangupMu.Lock()
	defer u.hangupMu.Unlock()
	if !hangup {
		u.consecutiveHangups = 0
		return
	}
	u.consecutiveHangups++
	if u.consecutiveHangups >= consecutiveHangupThreshold {
		u.client.Store(&http.Client{Transport: u.transport})
		u.consecutiveHangups = 0
	}
}

// UsageTotals carries the token counts parsed from an upstream response, used
// to feed the cost tracker.
type UsageTotals struct {
	InputTokens  int64
	OutputTokens int64
}

// Result is the outcome of one upstream attempt.
type Result struct {
	StatusCode     int
	Err            error
	RetryAfterMs   int
	Usage          UsageTotals
	HeadersWritten bool
	// Evidence carries response headers useful for account-level rate-limit
	// detection (§4.1 DetectAccountLevelRateLimit); populated on 429s only.
	Evidence map[string]string
}

// Do issues one attempt against the upstream, streaming a 2xx response body
// directly to w and returning the parsed usage totals once the stream ends.
func (u *Upstream) Do(ctx context.Context, w http.ResponseWriter, secret string, body []byte, freshConnection bool) Result {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		return Result{Err: err}
	}
	defer u.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Result{Err: proxyerr.New(proxyerr.KindUnknown, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	client := u.client.Load()
	if freshConnection {
		client = u.freshClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Err: proxyerr.New(proxyerr.KindClientDisconnect, err)}
		}
		kind := proxyerr.Classify(err)
		if !freshConnection {
			u.recordConnectionOutcome(kind == proxyerr.KindSocketHangup)
		}
		return Result{Err: proxyerr.New(kind, err)}
	}
	if !freshConnection {
		u.recordConnectionOutcome(false)
	}
	defer resp.Body.Close()

	retryAfterMs := parseRetryAfterMs(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{StatusCode: resp.StatusCode, RetryAfterMs: retryAfterMs,
			Err:      proxyerr.New(proxyerr.KindRateLimited, nil),
			Evidence: rateLimitEvidence(resp.Header)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{StatusCode: resp.StatusCode, Err: proxyerr.New(proxyerr.KindAuthError, nil)}
	case resp.StatusCode >= 500:
		return Result{StatusCode: resp.StatusCode, Err: proxyerr.New(proxyerr.KindServerError, nil)}
	case resp.StatusCode >= 400:
		return Result{StatusCode: resp.StatusCode, Err: proxyerr.New(proxyerr.KindUnknown, nil)}
	}

	for k, vv := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	usage, streamErr := relayAndParseUsage(w, resp.Body)
	if !freshConnection {
		pe, _ := proxyerr.As(streamErr)
		u.recordConnectionOutcome(pe != nil && pe.Kind == proxyerr.KindSocketHangup)
	}
	return Result{
		StatusCode:     resp.StatusCode,
		Usage:          usage,
		Err:            streamErr,
		HeadersWritten: true,
	}
}

// rateLimitEvidence captures the response headers that
// DetectAccountLevelRateLimit uses to distinguish an account-wide throttle
// from a per-key one (§4.1).
func rateLimitEvidence(h http.Header) map[string]string {
	evidence := make(map[string]string, 1)
	if scope := h.Get("X-Ratelimit-Scope"); scope != "" {
		evidence["x-ratelimit-scope"] = scope
	}
	return evidence
}

// relayAndParseUsage copies the response body to w in bounded chunks while
// scanning SSE `data:` lines for a terminal usage payload.
func relayAndParseUsage(w http.ResponseWriter, body io.Reader) (UsageTotals, error) {
	var usage UsageTotals
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamCopyBufSize)
	var lineBuf bytes.Buffer
	var totalBytes int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			totalBytes += int64(n)
			if totalBytes > maxStreamBytes {
				return usage, proxyerr.New(proxyerr.KindSocketHangup, io.ErrShortBuffer)
			}
			chunk := buf[:n]
			lineBuf.Write(chunk)
			scanUsageLines(&lineBuf, &usage)
			if _, werr := w.Write(chunk); werr != nil {
				return usage, proxyerr.New(proxyerr.KindClientDisconnect, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return usage, nil
			}
			return usage, proxyerr.New(proxyerr.Classify(readErr), readErr)
		}
	}
}

// scanUsageLines extracts `data: {...}` lines carrying a "usage" object and
// accumulates their token counts, trimming consumed complete lines from buf.
func scanUsageLines(buf *bytes.Buffer, usage *UsageTotals) {
	data := buf.Bytes()
	lastNewline := bytes.LastIndexByte(data, '\n')
	if lastNewline < 0 {
		return
	}
	complete := data[:lastNewline+1]
	for _, line := range bytes.Split(complete, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		var event struct {
			Usage struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
			Message struct {
				Usage struct {
					InputTokens  int64 `json:"input_tokens"`
					OutputTokens int64 `json:"output_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		if event.Usage.InputTokens > 0 || event.Usage.OutputTokens > 0 {
			usage.InputTokens = event.Usage.InputTokens
			usage.OutputTokens = event.Usage.OutputTokens
		}
		if event.Message.Usage.InputTokens > 0 || event.Message.Usage.OutputTokens > 0 {
			usage.InputTokens = event.Message.Usage.InputTokens
			usage.OutputTokens = event.Message.Usage.OutputTokens
		}
	}
	buf.Reset()
	buf.Write(data[lastNewline+1:])
}

func parseRetryAfterMs(header string) int {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return int(secs / time.Millisecond)
	}
	return 0
}
