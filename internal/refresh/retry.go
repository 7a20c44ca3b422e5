package refresh

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/observability"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy retries failed attempts with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// RetryOn lists the error codes worth another attempt.
	RetryOn []errs.Code
	// Sleep overrides the wait between attempts.
	Sleep SleepFunc
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns three attempts spaced 1s then 2s apart, retrying
// timeouts and transport failures only.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		RetryOn:      []errs.Code{errs.CodeTimeout, errs.CodeTransport},
	}
}

// Delays returns the waits a fully failing run would incur.
func (p RetryPolicy) Delays() []time.Duration {
	b := p.backOff()
	attempts := p.attempts()
	out := make([]time.Duration, 0, attempts-1)
	for i := 0; i < attempts-1; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		out = append(out, next)
	}
	return out
}

// Do runs attempt until it succeeds, fails with a non-retryable code, or the
// attempts are exhausted. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, attempt func(ctx context.Context, n int) error) error {
	b := p.backOff()
	attempts := p.attempts()
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for n := 1; ; n++ {
		err := attempt(ctx, n)
		if err == nil {
			return nil
		}
		if n >= attempts || !p.Retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(n, delay, err)
		}
		observability.Log().Debug("retrying request",
			observability.F("attempt", n),
			observability.F("delay", delay),
			observability.F("code", errs.CodeOf(err)))
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return errs.Cancelled("refresh/retry", sleepErr)
		}
	}
}

// Retryable reports whether err carries a code listed in RetryOn.
func (p RetryPolicy) Retryable(err error) bool {
	code := errs.CodeOf(err)
	if code == errs.CodeCancelled {
		return false
	}
	for _, candidate := range p.RetryOn {
		if candidate == code {
			return true
		}
	}
	return false
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	} else {
		b.Multiplier = 1
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
