package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fundwatch/errs"
)

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func (s *recordingSleep) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Delays() {
		total += d
	}
	return total
}

func TestRetryWaitsGeometricDelays(t *testing.T) {
	sleeper := new(recordingSleep)
	policy := DefaultRetryPolicy()
	policy.Sleep = sleeper.Sleep

	final := errs.New("test", errs.CodeTimeout, errs.WithMessage("attempt 3"))
	attempts := 0
	err := policy.Do(context.Background(), func(_ context.Context, n int) error {
		attempts = n
		if n == 3 {
			return final
		}
		return errs.New("test", errs.CodeTimeout)
	})

	require.Error(t, err)
	assert.Same(t, final, err, "final failure propagates unchanged")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays())
	assert.Equal(t, 3*time.Second, sleeper.Total())
}

func TestRetryElapsedMatchesSeriesSum(t *testing.T) {
	for _, tc := range []struct {
		retries    int
		base       time.Duration
		multiplier float64
	}{
		{retries: 1, base: time.Second, multiplier: 2},
		{retries: 4, base: 100 * time.Millisecond, multiplier: 2},
		{retries: 5, base: 250 * time.Millisecond, multiplier: 3},
	} {
		sleeper := new(recordingSleep)
		policy := RetryPolicy{
			MaxRetries:   tc.retries,
			InitialDelay: tc.base,
			Multiplier:   tc.multiplier,
			MaxDelay:     time.Hour,
			RetryOn:      []errs.Code{errs.CodeTransport},
			Sleep:        sleeper.Sleep,
		}
		_ = policy.Do(context.Background(), func(context.Context, int) error {
			return errs.New("test", errs.CodeTransport)
		})

		var want time.Duration
		step := tc.base
		for i := 0; i < tc.retries-1; i++ {
			want += step
			step = time.Duration(float64(step) * tc.multiplier)
		}
		assert.Equal(t, want, sleeper.Total(), "retries=%d", tc.retries)
		assert.Equal(t, sleeper.Delays(), policy.Delays())
	}
}

func TestRetryCapsDelayAtMax(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   4,
		InitialDelay: 10 * time.Second,
		Multiplier:   4,
		MaxDelay:     30 * time.Second,
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second, 30 * time.Second}, policy.Delays())
}

func TestRetryShortCircuitsNonTransientCodes(t *testing.T) {
	for _, code := range []errs.Code{errs.CodeCancelled, errs.CodeDataFormat, errs.CodeInvalid} {
		sleeper := new(recordingSleep)
		policy := DefaultRetryPolicy()
		policy.Sleep = sleeper.Sleep
		calls := 0
		err := policy.Do(context.Background(), func(context.Context, int) error {
			calls++
			return errs.New("test", code)
		})
		assert.True(t, errs.Is(err, code))
		assert.Equal(t, 1, calls, "code %s must not be retried", code)
		assert.Empty(t, sleeper.Delays())
	}
}

func TestRetryCancelledEvenWhenListed(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.RetryOn = append(policy.RetryOn, errs.CodeCancelled)
	assert.False(t, policy.Retryable(context.Canceled))
	assert.True(t, policy.Retryable(context.DeadlineExceeded))
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	sleeper := new(recordingSleep)
	policy := DefaultRetryPolicy()
	policy.Sleep = sleeper.Sleep
	var retried []int
	policy.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	err := policy.Do(context.Background(), func(_ context.Context, n int) error {
		if n == 1 {
			return errs.New("test", errs.CodeTransport)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, retried)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.Delays())
}

func TestRetryStopsWhenCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := DefaultRetryPolicy()
	policy.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0
	err := policy.Do(ctx, func(context.Context, int) error {
		calls++
		return errs.New("test", errs.CodeTimeout)
	})
	assert.True(t, errs.Is(err, errs.CodeCancelled))
	assert.Equal(t, 1, calls)
}

func TestRetryRealSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	policy := DefaultRetryPolicy()
	start := time.Now()
	err := policy.Do(ctx, func(context.Context, int) error {
		return errs.New("test", errs.CodeTransport)
	})
	assert.True(t, errs.Is(err, errs.CodeCancelled))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 0, RetryOn: []errs.Code{errs.CodeTimeout}}
	calls := 0
	_ = policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errs.New("test", errs.CodeTimeout)
	})
	assert.Equal(t, 1, calls)
}
