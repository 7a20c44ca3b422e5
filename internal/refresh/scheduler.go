package refresh

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/quote"
)

// DefaultInterWindowDelay separates consecutive windows.
const DefaultInterWindowDelay = 200 * time.Millisecond

// Request is one logical lookup issued by the coordinator.
type Request struct {
	RequestID string
	Code      string
	IssuedAt  time.Time
}

// Outcome settles a Request with either a quote or an error.
type Outcome struct {
	RequestID string
	Code      string
	Quote     quote.Quote
	Err       error
	Attempts  int
}

// OK reports whether the outcome carries a quote.
func (o Outcome) OK() bool { return o.Err == nil }

// Scheduler drives requests through the transport in fixed-size windows.
type Scheduler struct {
	transport        Transport
	retry            RetryPolicy
	interWindowDelay time.Duration
	sleep            SleepFunc
	metrics          *engineMetrics
}

// NewScheduler builds a scheduler. A negative interWindowDelay disables the pause.
func NewScheduler(transport Transport, retry RetryPolicy, interWindowDelay time.Duration) *Scheduler {
	if interWindowDelay < 0 {
		interWindowDelay = 0
	}
	return &Scheduler{
		transport:        transport,
		retry:            retry,
		interWindowDelay: interWindowDelay,
		sleep:            sleepContext,
		metrics:          newEngineMetrics(),
	}
}

// WithSleep overrides the inter-window and retry waits.
func (s *Scheduler) WithSleep(sleep SleepFunc) *Scheduler {
	if sleep == nil {
		sleep = sleepContext
	}
	s.sleep = sleep
	s.retry.Sleep = sleep
	return s
}

// Run processes requests in consecutive windows of windowSize. Members of a
// window start together and all settle before the next window begins. The
// returned outcomes align with requests by index. When ctx is cancelled the
// requests that never started are settled as cancelled and a cancellation
// error is returned with the full outcome list, including when the
// cancellation lands in the last window.
func (s *Scheduler) Run(ctx context.Context, requests []Request, windowSize int) ([]Outcome, error) {
	if windowSize < 1 {
		return nil, errs.New("refresh/scheduler", errs.CodeInvalid, errs.WithMessage("window size must be >= 1"))
	}
	outcomes := make([]Outcome, len(requests))
	for start := 0; start < len(requests); start += windowSize {
		if err := ctx.Err(); err != nil {
			s.cancelFrom(outcomes, requests, start, err)
			return outcomes, errs.Cancelled("refresh/scheduler", err)
		}
		end := start + windowSize
		if end > len(requests) {
			end = len(requests)
		}
		s.runWindow(ctx, requests[start:end], outcomes[start:end])
		if err := ctx.Err(); err != nil {
			s.cancelFrom(outcomes, requests, end, err)
			return outcomes, errs.Cancelled("refresh/scheduler", err)
		}

		if end < len(requests) && s.interWindowDelay > 0 {
			if err := s.sleep(ctx, s.interWindowDelay); err != nil {
				s.cancelFrom(outcomes, requests, end, err)
				return outcomes, errs.Cancelled("refresh/scheduler", err)
			}
		}
	}
	return outcomes, nil
}

// runWindow fans the window out and writes each result into its slot.
func (s *Scheduler) runWindow(ctx context.Context, window []Request, slots []Outcome) {
	p := pool.New().WithMaxGoroutines(len(window))
	for i := range window {
		req := window[i]
		slot := &slots[i]
		p.Go(func() {
			*slot = s.execute(ctx, req)
		})
	}
	p.Wait()
}

func (s *Scheduler) execute(ctx context.Context, req Request) Outcome {
	out := Outcome{RequestID: req.RequestID, Code: req.Code}
	retry := s.retry
	if retry.Sleep == nil {
		retry.Sleep = s.sleep
	}
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.recordRetry(ctx, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	err := retry.Do(ctx, func(ctx context.Context, n int) error {
		out.Attempts = n
		q, err := s.transport.FetchOne(ctx, req.Code, req.RequestID)
		if err != nil {
			return err
		}
		out.Quote = q
		return nil
	})
	if err != nil {
		out.Err = err
		out.Quote = quote.Quote{}
		observability.Log().Warn("refresh request failed",
			observability.F("request_id", req.RequestID),
			observability.F("code", req.Code),
			observability.F("attempts", out.Attempts),
			observability.F("error_code", errs.CodeOf(err)))
	}
	return out
}

func (s *Scheduler) cancelFrom(outcomes []Outcome, requests []Request, from int, cause error) {
	for i := from; i < len(requests); i++ {
		outcomes[i] = Outcome{
			RequestID: requests[i].RequestID,
			Code:      requests[i].Code,
			Err:       errs.Cancelled("refresh/scheduler", cause),
		}
	}
}
