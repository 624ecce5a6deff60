// Package retry decides whether, when, and how many times a failed task
// attempt is re-executed. The LinearPolicy reference implementation supports
// a fixed delay or per-attempt delays and whitelist/blacklist/predicate
// error filtering.
package retry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFilterConflict is returned when a policy configures both a
	// whitelist and a blacklist.
	ErrFilterConflict = errors.New("retry policy cannot combine Handle and DoNotHandle filters")

	// ErrNilPredicate is returned when HandleWhen receives a nil predicate.
	ErrNilPredicate = errors.New("retry predicate must not be nil")

	// ErrNoAttempts is returned when a policy allows fewer than one attempt.
	ErrNoAttempts = errors.New("retry policy requires at least one attempt")
)

// OnRetry is invoked between attempts with the failed attempt's ordinal
// (starting at 1), the error, and the delay before the next attempt.
type OnRetry func(attempt int, err error, delay time.Duration)

// Policy runs an operation with retry semantics. Implementations must never
// retry cancellation or timeout errors.
type Policy interface {
	// Execute runs op until it succeeds, the attempt budget is spent, or
	// the error is not retryable. The last error is returned as-is.
	Execute(ctx context.Context, op func(context.Context) error, onRetry OnRetry) error

	// ShouldRetry reports whether the error is eligible for another attempt.
	ShouldRetry(err error) bool
}

// Matcher reports whether an error belongs to a filter.
type Matcher func(error) bool

// Is matches errors equal to or wrapping target.
func Is(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// OfType matches errors assignable to T anywhere in the chain.
func OfType[T error]() Matcher {
	return func(err error) bool {
		var t T
		return errors.As(err, &t)
	}
}

// LinearPolicy retries up to a fixed number of attempts with a constant
// delay, or with an explicit per-attempt delay sequence.
type LinearPolicy struct {
	attempts int
	delay    time.Duration
	delays   []time.Duration
	handle   []Matcher
	reject   []Matcher
	when     func(error) bool
}

// Option configures a LinearPolicy at construction time.
type Option func(*LinearPolicy) error

// Handle whitelists retryable errors: only matching errors are retried.
// Mutually exclusive with DoNotHandle.
func Handle(matchers ...Matcher) Option {
	return func(p *LinearPolicy) error {
		p.handle = append(p.handle, matchers...)
		return nil
	}
}

// DoNotHandle blacklists errors: matching errors are never retried.
// Mutually exclusive with Handle.
func DoNotHandle(matchers ...Matcher) Option {
	return func(p *LinearPolicy) error {
		p.reject = append(p.reject, matchers...)
		return nil
	}
}

// HandleWhen installs a predicate deciding retryability. A predicate takes
// precedence over Handle and DoNotHandle filters.
func HandleWhen(fn func(error) bool) Option {
	return func(p *LinearPolicy) error {
		if fn == nil {
			return ErrNilPredicate
		}
		p.when = fn
		return nil
	}
}

// NewLinearPolicy creates a policy with an attempt budget and a fixed delay
// between attempts. Filter misconfiguration fails fast here.
func NewLinearPolicy(attempts int, delay time.Duration, opts ...Option) (*LinearPolicy, error) {
	p := &LinearPolicy{attempts: attempts, delay: delay}
	return p.configure(opts)
}

// NewLinearPolicyDelays creates a policy with an explicit per-attempt delay
// sequence. The attempt budget is len(delays)+1.
func NewLinearPolicyDelays(delays []time.Duration, opts ...Option) (*LinearPolicy, error) {
	p := &LinearPolicy{attempts: len(delays) + 1, delays: delays}
	return p.configure(opts)
}

func (p *LinearPolicy) configure(opts []Option) (*LinearPolicy, error) {
	if p.attempts < 1 {
		return nil, ErrNoAttempts
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if len(p.handle) > 0 && len(p.reject) > 0 {
		return nil, ErrFilterConflict
	}
	return p, nil
}

// None returns a policy that makes exactly one attempt.
func None() Policy {
	p, _ := NewLinearPolicy(1, 0)
	return p
}

// ShouldRetry applies the filters. Cancellation and timeout errors are never
// retried, even when whitelisted.
func (p *LinearPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.when != nil {
		return p.when(err)
	}
	if len(p.handle) > 0 {
		for _, m := range p.handle {
			if m(err) {
				return true
			}
		}
		return false
	}
	for _, m := range p.reject {
		if m(err) {
			return false
		}
	}
	return true
}

func (p *LinearPolicy) delayFor(attempt int) time.Duration {
	if len(p.delays) > 0 {
		i := attempt - 1
		if i >= len(p.delays) {
			i = len(p.delays) - 1
		}
		return p.delays[i]
	}
	return p.delay
}

// Execute runs op up to the attempt budget. Non-retryable errors are
// returned immediately without invoking onRetry. Context cancellation during
// a delay surfaces the cancellation cause.
func (p *LinearPolicy) Execute(ctx context.Context, op func(context.Context) error, onRetry OnRetry) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.attempts || !p.ShouldRetry(err) {
			return err
		}

		delay := p.delayFor(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return context.Cause(ctx)
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
}

// Attempts returns the attempt budget.
func (p *LinearPolicy) Attempts() int {
	return p.attempts
}
