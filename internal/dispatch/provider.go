package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelsoft/ras/internal/errkind"
)

// CompletionResult is a provider's raw text output plus token accounting.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider is a single LLM vendor backend. Implementations wrap a vendor
// SDK; Dispatch never talks to a vendor directly.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string, formatHint string) (CompletionResult, error)
}

var (
	ErrParse        = errors.New("dispatch: response failed to parse")
	ErrSchema       = errors.New("dispatch: response failed schema validation")
	ErrDecode       = errors.New("dispatch: response failed to decode")
	ErrTransport    = errors.New("dispatch: transport error")
	ErrRateLimited  = errors.New("dispatch: rate limited")
	ErrNoCandidates = errors.New("dispatch: no candidate providers available")
)

func errIsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited) || strings.Contains(strings.ToLower(err.Error()), "429")
}

// circuitState tracks a provider's recent failure history so the dispatcher
// skips providers that are currently unhealthy instead of paying their
// per-call timeout on every attempt.
type circuitState struct {
	failures     int
	openedAt     time.Time
	threshold    int
	resetTimeout time.Duration
}

func (c *circuitState) open() bool {
	if c.failures < c.threshold {
		return false
	}
	return time.Since(c.openedAt) < c.resetTimeout
}

func (c *circuitState) recordFailure(threshold int, resetTimeout time.Duration) {
	c.threshold = threshold
	c.resetTimeout = resetTimeout
	c.failures++
	if c.failures >= threshold {
		c.openedAt = time.Now()
	}
}

func (c *circuitState) recordSuccess() {
	c.failures = 0
}

// circuitBreakers is keyed by provider name; the dispatcher holds one
// instance for its lifetime. Default threshold/timeout follow the same
// failover discipline as the rest of this stack's cross-vendor retries:
// three consecutive failures trips the breaker for thirty seconds.
const (
	defaultCircuitThreshold = 3
	defaultCircuitTimeout   = 30 * time.Second
)

func (d *Dispatcher) circuitFor(name string) *circuitState {
	if d.circuits == nil {
		d.circuits = map[string]*circuitState{}
	}
	cb, ok := d.circuits[name]
	if !ok {
		cb = &circuitState{}
		d.circuits[name] = cb
	}
	return cb
}

func (d *Dispatcher) callOnce(ctx context.Context, p Provider, prompt string, format Format, timeout time.Duration) (CompletionResult, error) {
	cb := d.circuitFor(p.Name())
	if cb.open() {
		return CompletionResult{}, errkind.New(errkind.Transport, fmt.Errorf("%w: circuit open for %s", ErrTransport, p.Name()))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := p.Complete(callCtx, prompt, string(format))
	duration := time.Since(start)

	if err != nil {
		cb.recordFailure(defaultCircuitThreshold, defaultCircuitTimeout)
		d.logAttempt(attemptRecord{
			Model:      p.Name(),
			Request:    prompt,
			Error:      err.Error(),
			DurationMS: duration.Milliseconds(),
		})
		kind := errkind.Classify(err)
		if kind == errkind.RateLimited {
			return CompletionResult{}, errkind.New(kind, fmt.Errorf("%w: %v", ErrRateLimited, err))
		}
		return CompletionResult{}, errkind.New(kind, fmt.Errorf("%w: %v", ErrTransport, err))
	}
	cb.recordSuccess()
	d.logAttempt(attemptRecord{
		Model:            p.Name(),
		Request:          prompt,
		Response:         result.Text,
		PromptTokens:     result.InputTokens,
		CompletionTokens: result.OutputTokens,
		DurationMS:       duration.Milliseconds(),
	})
	return result, nil
}
