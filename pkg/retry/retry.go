// Package retry drives bounded, backoff-aware retries of transformation
// calls.
//
// The invoker is an explicit state machine rather than a straight-line loop
// of sleeps: every wait goes through an injectable clock, so backoff behavior
// is unit-testable without real time passing. Rate-limit signals and generic
// transient failures are tracked on separate budgets because they need
// different backoff shapes: escalating linear delays for throttling,
// exponential growth with jitter for flaky-service retries.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/tidymark/tidymark/pkg/transform"
)

// Terminal failures reported by the invoker. Callers distinguish them from
// fatal errors, which are propagated as-is to abort the run.
var (
	ErrRetriesExhausted   = errors.Base("transient retries exhausted")
	ErrRateLimitExhausted = errors.Base("rate limit retries exhausted")
)

// Clock abstracts waiting so tests can run the state machine deterministically.
type Clock interface {
	// Sleep blocks for d or until the context is done, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock waits on a timer.
type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy bounds and shapes the retry behavior.
type Policy struct {
	// MaxAttempts is the total number of calls made for transient failures,
	// including the first one.
	MaxAttempts int

	// InitialBackoff is the base delay for transient retries; the delay
	// doubles each attempt, plus up to 25% jitter so a batch of documents
	// does not retry in lockstep.
	InitialBackoff time.Duration

	// RateLimitDelay is the per-event wait for throttling: the Nth
	// rate-limit event waits N * RateLimitDelay, unless the server asked
	// for longer.
	RateLimitDelay time.Duration

	// MaxRateLimitEvents bounds how many throttling events are tolerated
	// before giving up on the document.
	MaxRateLimitEvents int
}

// Invoker wraps a Transformer with the retry policy. It implements
// transform.Transformer itself, and never touches any pipeline state.
type Invoker struct {
	next   transform.Transformer
	policy Policy
	clock  Clock
	jitter func() float64
}

// Option customizes an Invoker.
type Option func(*Invoker)

// WithClock replaces the real clock, for tests.
func WithClock(clock Clock) Option {
	return func(inv *Invoker) {
		inv.clock = clock
	}
}

// WithJitterFunc replaces the jitter source, for tests. The function must
// return values in [0, 1).
func WithJitterFunc(f func() float64) Option {
	return func(inv *Invoker) {
		inv.jitter = f
	}
}

// New creates an Invoker around next.
func New(next transform.Transformer, policy Policy, opts ...Option) (*Invoker, error) {
	if next == nil {
		return nil, errors.New("transformer is required")
	}
	if policy.MaxAttempts < 1 {
		return nil, errors.Errorf("max attempts must be at least 1, got %d", policy.MaxAttempts)
	}
	if policy.MaxRateLimitEvents < 1 {
		return nil, errors.Errorf("max rate limit events must be at least 1, got %d", policy.MaxRateLimitEvents)
	}
	if policy.InitialBackoff <= 0 {
		return nil, errors.New("initial backoff must be positive")
	}
	if policy.RateLimitDelay <= 0 {
		return nil, errors.New("rate limit delay must be positive")
	}

	inv := &Invoker{
		next:   next,
		policy: policy,
		clock:  realClock{},
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Transform attempts the call until it succeeds, a retry budget runs out, or
// a terminal failure occurs.
func (inv *Invoker) Transform(ctx context.Context, req transform.Request) (string, error) {
	logger := zerolog.Ctx(ctx)

	attempts := 0
	rateLimitEvents := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", errors.Errorf("transform cancelled: %w", err)
		}

		output, err := inv.next.Transform(ctx, req)
		if err == nil {
			return output, nil
		}

		kind, classified := transform.KindOf(err)
		if !classified {
			// Unclassified errors come from the pipeline itself (context
			// cancellation, programming errors), not the service.
			return "", err
		}

		switch kind {
		case transform.KindFatal, transform.KindProtocol:
			return "", err

		case transform.KindRateLimited:
			rateLimitEvents++
			if rateLimitEvents >= inv.policy.MaxRateLimitEvents {
				return "", errors.Errorf("%w for %s after %d events: %w",
					ErrRateLimitExhausted, req.Identity, rateLimitEvents, err)
			}
			wait := inv.rateLimitWait(rateLimitEvents, err)
			logger.Warn().
				Str("identity", req.Identity).
				Int("event", rateLimitEvents).
				Dur("wait", wait).
				Msg("rate limited, backing off")
			if err := inv.clock.Sleep(ctx, wait); err != nil {
				return "", errors.Errorf("transform cancelled: %w", err)
			}

		case transform.KindTransient:
			attempts++
			if attempts >= inv.policy.MaxAttempts {
				return "", errors.Errorf("%w for %s after %d attempts: %w",
					ErrRetriesExhausted, req.Identity, attempts, err)
			}
			wait := inv.transientWait(attempts)
			logger.Warn().
				Str("identity", req.Identity).
				Int("attempt", attempts).
				Int("max_attempts", inv.policy.MaxAttempts).
				Dur("wait", wait).
				Err(err).
				Msg("transient failure, retrying")
			if err := inv.clock.Sleep(ctx, wait); err != nil {
				return "", errors.Errorf("transform cancelled: %w", err)
			}
		}
	}
}

// transientWait returns InitialBackoff * 2^(attempt-1) plus up to 25% jitter.
func (inv *Invoker) transientWait(attempt int) time.Duration {
	backoff := inv.policy.InitialBackoff << (attempt - 1)
	jitter := time.Duration(inv.jitter() * 0.25 * float64(backoff))
	return backoff + jitter
}

// rateLimitWait escalates linearly with the number of throttling events, but
// honors a longer server-supplied Retry-After.
func (inv *Invoker) rateLimitWait(events int, err error) time.Duration {
	wait := time.Duration(events) * inv.policy.RateLimitDelay
	var terr *transform.Error
	if errors.As(err, &terr) && terr.RetryAfter > wait {
		wait = terr.RetryAfter
	}
	return wait
}
