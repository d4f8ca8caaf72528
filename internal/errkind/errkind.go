// Package errkind gives every error that crosses a package boundary in this
// tree one of a closed set of kinds, so a caller classifies an error with a
// single errors.As switch instead of string matching or chasing package-
// specific sentinels. Vendor/provider errors, which carry no structure of
// their own, are classified by substring the way the teacher's failover
// orchestrator classifies them in internal/agent/failover.go's
// classifyProviderError, then mapped onto this closed set.
package errkind

import (
	"errors"
	"strings"
)

// Kind is the closed taxonomy of error classes propagated through this
// runtime, matching the kinds a RuntimeError can carry.
type Kind string

const (
	Transport           Kind = "transport"
	RateLimited         Kind = "rate_limited"
	ParseError          Kind = "parse_error"
	SchemaError         Kind = "schema_error"
	DecodeError         Kind = "decode_error"
	InsufficientCredits Kind = "insufficient_credits"
	UnknownTool         Kind = "unknown_tool"
	BadParameters       Kind = "bad_parameters"
	SessionNotFound     Kind = "session_not_found"
	PermissionDenied    Kind = "permission_denied"
	Timeout             Kind = "timeout"
	Cancelled           Kind = "cancelled"
	InvalidState        Kind = "invalid_state"
)

// Terminal reports whether a kind represents a state-machine violation or
// session-level failure that ends the run, as opposed to a condition a
// caller can recover from inline (retry another provider, reprompt, etc).
func (k Kind) Terminal() bool {
	switch k {
	case SessionNotFound, PermissionDenied, InvalidState, Cancelled:
		return true
	default:
		return false
	}
}

// RuntimeError pairs an error with its classified Kind. It wraps the
// underlying error via Unwrap, so errors.Is checks against a package's own
// sentinel (ledger.ErrInsufficientCredits, dispatch.ErrTransport, ...) keep
// working unchanged through a RuntimeError.
type RuntimeError struct {
	Kind Kind
	Err  error
}

func New(kind Kind, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Err: err}
}

func (e *RuntimeError) Error() string {
	return e.Err.Error()
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// As reports whether err is (or wraps) a *RuntimeError and, if so, returns
// its Kind. The ok result is false for any error that was never classified.
func As(err error) (Kind, bool) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// Classify maps a vendor/provider error with no structure of its own onto
// the closed Kind set by inspecting its message, the same ordered-substring
// approach classifyProviderError uses, with reasons narrowed down to the
// kinds this runtime actually distinguishes.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "context canceled"), strings.Contains(errStr, "context cancelled"):
		return Cancelled
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return Timeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return RateLimited
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "forbidden"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return PermissionDenied
	default:
		return Transport
	}
}
