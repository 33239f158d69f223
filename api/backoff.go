package api

import (
	"context"
	"math"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// BackoffPolicy describes how failed remote calls are retried
type BackoffPolicy struct {
	MaxAttempts  int           // total attempts including the first
	BaseDelay    time.Duration // wait before the first retry
	MaxDelay     time.Duration // ceiling for any single wait
	Factor       float64       // multiplier applied per retry
	JitterFactor float64       // +/- fraction applied to each wait
}

// DefaultBackoffPolicy returns 5 attempts growing by 1.6x from 1s
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       1.6,
		JitterFactor: 0.05,
	}
}

func (p BackoffPolicy) normalize() BackoffPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		p.JitterFactor = 0
	}
	return p
}

// Delay returns the nominal wait (without jitter) before the given retry, counting from 1
func (p BackoffPolicy) Delay(retry int) time.Duration {
	p = p.normalize()
	if retry < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(retry-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// newRetryPolicy builds the failsafe retry policy for p. Retries stop once ctx is
// done; request timeouts are retried like any other transient failure. onRetry,
// if set, is called before each retry with the attempt that just failed.
func newRetryPolicy[R any](ctx context.Context, p BackoffPolicy, onRetry func(attempt int, err error)) retrypolicy.RetryPolicy[R] {
	p = p.normalize()

	builder := retrypolicy.NewBuilder[R]().
		WithMaxAttempts(p.MaxAttempts).
		AbortIf(func(_ R, _ error) bool {
			return ctx.Err() != nil
		})

	if p.Factor > 1 {
		builder = builder.WithBackoffFactor(p.BaseDelay, p.MaxDelay, p.Factor)
	} else {
		builder = builder.WithDelay(p.BaseDelay)
	}
	if p.JitterFactor > 0 {
		builder = builder.WithJitterFactor(p.JitterFactor)
	}
	if onRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[R]) {
			onRetry(e.Attempts(), e.LastError())
		})
	}

	return builder.Build()
}
