// Package retry wraps outbound calls in bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"nexus-core/pkg/config"
)

// Policy is immutable; the zero value is replaced by DefaultPolicy.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
	Name      string // used in log lines only
}

// DefaultPolicy is three attempts, 800ms base, doubling.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 800 * time.Millisecond, Factor: 2}
}

// FromConfig builds a Policy from the retry settings.
func FromConfig(c config.Retry) Policy {
	return Policy{Attempts: c.Attempts, BaseDelay: c.BaseDelay, Factor: c.Factor}
}

// Named returns a copy of p labelled for logs.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

// Delay returns the wait before attempt i+1 (i is zero-based).
func (p Policy) Delay(i int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(i)))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// sleep is a variable for testing purposes
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends or the
// policy's attempts are spent. It returns the last error unwrapped from Permanent.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.Attempts < 1 {
		p = DefaultPolicy()
	}
	var (
		zero    T
		lastErr error
	)
	for i := 0; i < p.Attempts; i++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if i == p.Attempts-1 {
			break
		}

		delay := p.Delay(i)
		if p.Name != "" {
			log.Printf("🔁 [retry] %s attempt %d/%d failed: %v (next in %v)", p.Name, i+1, p.Attempts, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Run is Do for calls without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
