// Package proxyerr implements the error taxonomy that the Request Handler
// uses to decide retry, key-exclusion, and fresh-connection behavior.
package proxyerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one row of the error taxonomy table.
type Kind string

const (
	KindSuccess             Kind = "success"
	KindRateLimited         Kind = "rate_limited"
	KindAdmissionHoldTimeout Kind = "admission_hold_timeout"
	KindServerError         Kind = "server_error"
	KindAuthError           Kind = "auth_error"
	KindTimeout             Kind = "timeout"
	KindSocketHangup        Kind = "socket_hangup"
	KindConnectionRefused   Kind = "connection_refused"
	KindBrokenPipe          Kind = "broken_pipe"
	KindDNSError            Kind = "dns_error"
	KindTLSError            Kind = "tls_error"
	KindHTTPParseError      Kind = "http_parse_error"
	KindClientDisconnect    Kind = "client_disconnect"
	KindModelAtCapacity     Kind = "model_at_capacity"
	KindContextOverflow     Kind = "context_overflow"
	KindUnknown             Kind = "unknown"
)

// disposition captures the three yes/no columns of the taxonomy table (§7).
type disposition struct {
	retryable     bool
	excludeKey    bool
	freshConn     bool
}

var dispositions = map[Kind]disposition{
	KindSuccess:              {false, false, false},
	KindRateLimited:          {true, true, false}, // excludeKey further refined by model-router presence; see ExcludeKey override in Error
	KindAdmissionHoldTimeout: {false, false, false},
	KindServerError:          {true, true, false},
	KindAuthError:            {false, true, false},
	KindTimeout:              {true, true, true},
	KindSocketHangup:         {true, false, true},
	KindConnectionRefused:    {true, true, false},
	KindBrokenPipe:           {true, false, true},
	KindDNSError:             {true, false, false},
	KindTLSError:             {true, true, false},
	KindHTTPParseError:       {true, true, false},
	KindClientDisconnect:     {false, false, false},
	KindModelAtCapacity:      {true, false, false},
	KindContextOverflow:      {false, false, false},
	KindUnknown:              {true, true, false},
}

// Error is a classified proxy error: the wrapped cause plus the taxonomy
// disposition the Request Handler needs to make its retry decision.
type Error struct {
	Kind       Kind
	Cause      error
	RetryAfterMs int // from an upstream Retry-After header, 0 if absent
	StatusCode int  // upstream HTTP status, 0 for non-HTTP causes

	// ExcludeKeyOverride lets a caller narrow the taxonomy's default
	// exclude-key behavior for a specific occurrence (used for 429s: the
	// table's default is "only without model router", §4.4).
	ExcludeKeyOverride *bool
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the taxonomy allows a retry for this kind.
func (e *Error) Retryable() bool {
	return dispositions[e.Kind].retryable
}

// ExcludeKey reports whether the credential that produced this error should
// be excluded from the next attempt.
func (e *Error) ExcludeKey() bool {
	if e.ExcludeKeyOverride != nil {
		return *e.ExcludeKeyOverride
	}
	return dispositions[e.Kind].excludeKey
}

// FreshConnection reports whether the next attempt (if any) must use a
// one-shot connection instead of the shared keep-alive pool.
func (e *Error) FreshConnection() bool {
	return dispositions[e.Kind].freshConn
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// Classify maps a raw socket-level error to its taxonomy kind, per §4.4's
// error-event taxonomy. It returns KindSuccess only for a nil error.
func Classify(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var opErr interface{ Timeout() bool }
	if errors.As(err, &opErr) && opErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, errClientDisconnect) {
		return KindClientDisconnect
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "broken pipe"):
		return KindBrokenPipe
	case strings.Contains(msg, "no such host"):
		return KindDNSError
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return KindTLSError
	case strings.Contains(msg, "connection reset"):
		return KindSocketHangup
	default:
		return KindUnknown
	}
}

// errClientDisconnect is returned by the Request Handler when it detects the
// client connection closed; Classify recognizes it via errors.Is.
var errClientDisconnect = errors.New("client disconnected")

// ErrClientDisconnect returns the sentinel used to signal client-initiated
// cancellation up through the retry loop.
func ErrClientDisconnect() error { return errClientDisconnect }
