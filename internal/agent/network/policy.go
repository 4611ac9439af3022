package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

// RequestClass selects the backoff schedule for a retried request.
type RequestClass int

const (
	// ClassGeneral retries with a flat delay.
	ClassGeneral RequestClass = iota
	// ClassSessionEstablishment retries with geometric escalation, since
	// session startup failures are usually transient agent boot races.
	ClassSessionEstablishment
)

const (
	// MaxAttempts bounds total tries per request, including the first.
	MaxAttempts = 3

	defaultSessionBaseDelay = 2 * time.Second
	defaultGeneralDelay     = 5 * time.Second
)

// Error is a classified network failure after retries are exhausted or
// skipped. Key is a localizable message key, not prose.
type Error struct {
	Kind     ErrorKind
	Key      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s, %d attempts): %v", e.Key, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Policy applies classification and bounded retries to failing requests and
// tracks whether the connection is in a degraded network state. A degraded
// connection stays degraded until a request succeeds or Reset is called.
type Policy struct {
	// Delay overrides, primarily for tests.
	SessionBaseDelay time.Duration
	GeneralDelay     time.Duration

	mu       sync.Mutex
	degraded bool

	logger *logger.Logger
}

// NewPolicy creates a retry policy with default delays.
func NewPolicy(log *logger.Logger) *Policy {
	return &Policy{
		SessionBaseDelay: defaultSessionBaseDelay,
		GeneralDelay:     defaultGeneralDelay,
		logger:           log.WithFields(zap.String("component", "network-policy")),
	}
}

// Degraded reports whether the last classified failure left the connection
// in a degraded network state.
func (p *Policy) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Reset clears the degraded flag.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.degraded = false
	p.mu.Unlock()
}

func (p *Policy) markDegraded(kind ErrorKind) {
	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
	p.logger.Warn("connection entering degraded network state", zap.String("kind", string(kind)))
}

// Backoff returns the delay before retry attempt n (0-based) for a class.
// Session establishment escalates geometrically (2s, 4s, 8s); general
// requests wait a flat delay.
func (p *Policy) Backoff(class RequestClass, attempt int) time.Duration {
	if class == ClassSessionEstablishment {
		return p.SessionBaseDelay << attempt
	}
	return p.GeneralDelay
}

// Do runs fn up to MaxAttempts times. Non-retryable failures (blocked,
// refused) are surfaced immediately; retryable ones back off between
// attempts. Success clears the degraded flag. The terminal error is always
// a classified *Error.
func (p *Policy) Do(ctx context.Context, class RequestClass, fn func() error) error {
	var lastErr error
	var lastKind ErrorKind

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Backoff(class, attempt-1)
			p.logger.Info("retrying after network error",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.String("kind", string(lastKind)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			p.Reset()
			return nil
		}

		lastErr = err
		lastKind = Classify(err.Error())
		if !Retryable(lastKind) {
			p.markDegraded(lastKind)
			return &Error{Kind: lastKind, Key: MessageKey(lastKind), Attempts: attempt + 1, Err: err}
		}
	}

	p.markDegraded(lastKind)
	return &Error{Kind: lastKind, Key: MessageKey(lastKind), Attempts: MaxAttempts, Err: lastErr}
}
