// Package refresh implements the concurrent quote refresh engine: a JSONP
// transport, the correlation registry that matches callbacks to requests, the
// retry policy, the windowed batch scheduler and the coordinator that applies
// results to stored funds.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/quote"
	"github.com/coachpo/fundwatch/internal/telemetry"
)

// OverlapPolicy decides whether single refreshes may run during a bulk refresh.
type OverlapPolicy string

const (
	// OverlapAllow lets single and bulk refreshes run side by side.
	OverlapAllow OverlapPolicy = "allow"
	// OverlapExclusive rejects single refreshes while a bulk refresh is active.
	OverlapExclusive OverlapPolicy = "exclusive"
)

// ParseOverlapPolicy validates a configuration value. Blank means allow.
func ParseOverlapPolicy(raw string) (OverlapPolicy, error) {
	switch policy := OverlapPolicy(strings.ToLower(strings.TrimSpace(raw))); policy {
	case "", OverlapAllow:
		return OverlapAllow, nil
	case OverlapExclusive:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", raw)
	}
}

// Config tunes the coordinator.
type Config struct {
	WindowSize       int
	InterWindowDelay time.Duration
	Retry            RetryPolicy
	Overlap          OverlapPolicy
}

// DefaultConfig mirrors the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       5,
		InterWindowDelay: DefaultInterWindowDelay,
		Retry:            DefaultRetryPolicy(),
		Overlap:          OverlapAllow,
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	Refreshing bool             `json:"refreshing"`
	Pending    []PendingRequest `json:"pending"`
	Orphans    []Orphan         `json:"orphans"`
	LastRun    *fund.Summary    `json:"lastRun,omitempty"`
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithPublisher sends change events to p.
func WithPublisher(p fund.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithSleep replaces every wait (backoff and window pause) with sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(next func() string) Option {
	return func(c *Coordinator) {
		if next != nil {
			c.newID = next
		}
	}
}

type single struct {
	requestID string
	cancel    context.CancelFunc
}

type target struct {
	fundID string
	code   string
	seq    uint64
}

// Coordinator refreshes stored funds through the engine. It owns the registry
// and guarantees that a result is only ever written to the fund it was
// requested for, and never over a newer result.
type Coordinator struct {
	store     fund.Store
	transport Transport
	registry  *Registry
	scheduler *Scheduler
	retry     RetryPolicy
	publisher fund.Publisher
	cfg       Config
	metrics   *engineMetrics
	sleep     SleepFunc
	newID     func() string
	now       func() time.Time

	mu         sync.Mutex
	bulkCancel context.CancelFunc
	bulkGen    uint64
	singles    map[string]single
	seq        uint64
	lastRun    *fund.Summary
	refreshing atomic.Bool

	// writeMu serialises the coordinator's store writes so flag transitions
	// and applies for one fund never interleave.
	writeMu  sync.Mutex
	inflight map[string]int
	applied  map[string]uint64
}

// NewCoordinator wires the engine around store.
func NewCoordinator(store fund.Store, transport Transport, registry *Registry, cfg Config, opts ...Option) *Coordinator {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.Overlap == "" {
		cfg.Overlap = OverlapAllow
	}
	if registry == nil {
		registry = NewRegistry()
	}
	c := &Coordinator{
		store:     store,
		transport: transport,
		registry:  registry,
		cfg:       cfg,
		metrics:   newEngineMetrics(),
		newID:     uuid.NewString,
		now:       time.Now,
		singles:   make(map[string]single),
		inflight:  make(map[string]int),
		applied:   make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.retry = cfg.Retry
	if c.sleep != nil {
		c.retry.Sleep = c.sleep
	}
	c.scheduler = NewScheduler(transport, c.retry, cfg.InterWindowDelay)
	if c.sleep != nil {
		c.scheduler.WithSleep(c.sleep)
	}
	observeRegistry(registry)
	return c
}

// Registry exposes the owned correlation registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// IsRefreshing reports whether a bulk refresh is active.
func (c *Coordinator) IsRefreshing() bool { return c.refreshing.Load() }

// Status snapshots the engine state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	last := c.lastRun
	c.mu.Unlock()
	return Status{
		Refreshing: c.IsRefreshing(),
		Pending:    c.registry.Pending(),
		Orphans:    c.registry.Orphans(),
		LastRun:    last,
	}
}

// RefreshOne refreshes a single fund. A refresh already running for the same
// fund is cancelled first.
func (c *Coordinator) RefreshOne(ctx context.Context, fundID string) error {
	f, err := c.store.FindByID(ctx, fundID)
	if err != nil {
		return fmt.Errorf("refresh one: %w", err)
	}

	requestID := c.newID()
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	seq, err := c.claimSingle(f.ID, requestID, cancel)
	if err != nil {
		return err
	}
	defer c.releaseSingle(f.ID, requestID)

	c.begin(ctx, f.ID)
	defer c.end(ctx, f.ID)
	c.metrics.recordRequests(ctx, telemetry.TriggerSingle, 1)

	t := target{fundID: f.ID, code: f.Code, seq: seq}
	q, err := c.fetch(opCtx, f.Code, requestID)
	if err != nil {
		c.recordFailure(ctx, t, err)
		return err
	}
	if q.FundCode != f.Code {
		observability.Log().Warn("discarding quote for another fund",
			observability.F("request_id", requestID),
			observability.F("expected", f.Code),
			observability.F("actual", q.FundCode))
		return errs.New("refresh/coordinator", errs.CodeDataFormat,
			errs.WithMessage("payload code mismatch"),
			errs.WithField("request_id", requestID))
	}
	c.apply(ctx, t, q)
	return nil
}

// RefreshAll refreshes every stored fund in windows of windowSize (the
// configured size when <= 0). A bulk refresh already running is cancelled.
// Per-fund failures are logged and recorded on the fund; only cancellation of
// the whole run is returned.
func (c *Coordinator) RefreshAll(ctx context.Context, windowSize int) error {
	if windowSize <= 0 {
		windowSize = c.cfg.WindowSize
	}
	funds, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh all: %w", err)
	}
	if len(funds) == 0 {
		return nil
	}

	targets := make(map[string]target, len(funds))
	requests := make([]Request, 0, len(funds))
	ids := make([]string, 0, len(funds))
	issuedAt := c.now()
	for _, f := range funds {
		requestID := c.newID()
		targets[requestID] = target{fundID: f.ID, code: f.Code, seq: c.nextSeq()}
		requests = append(requests, Request{RequestID: requestID, Code: f.Code, IssuedAt: issuedAt})
		ids = append(ids, f.ID)
	}

	bulkCtx, gen, release := c.acquireBulk(ctx)
	defer release()
	c.begin(ctx, ids...)
	defer c.end(ctx, ids...)

	c.metrics.recordRequests(ctx, telemetry.TriggerBulk, len(requests))
	c.publish(ctx, &fund.Event{Type: fund.EventRefreshStarted, Summary: &fund.Summary{Requests: len(requests)}})
	observability.Log().Info("bulk refresh started",
		observability.F("funds", len(requests)),
		observability.F("window", windowSize),
		observability.F("generation", gen))

	start := time.Now()
	outcomes, runErr := c.scheduler.Run(bulkCtx, requests, windowSize)

	summary := fund.Summary{Requests: len(requests)}
	var failures []error
	for _, o := range outcomes {
		t, ok := targets[o.RequestID]
		if !ok {
			observability.Log().Warn("discarding outcome for unknown request",
				observability.F("request_id", o.RequestID),
				observability.F("code", o.Code))
			summary.Discarded++
			continue
		}
		if o.Err != nil {
			if errs.Is(o.Err, errs.CodeCancelled) {
				summary.Cancelled++
				continue
			}
			summary.Failed++
			failures = append(failures, fmt.Errorf("%s: %w", t.code, o.Err))
			c.recordFailure(ctx, t, o.Err)
			continue
		}
		if o.Quote.FundCode != t.code {
			observability.Log().Warn("discarding quote for another fund",
				observability.F("request_id", o.RequestID),
				observability.F("expected", t.code),
				observability.F("actual", o.Quote.FundCode))
			summary.Discarded++
			continue
		}
		if c.apply(ctx, t, o.Quote) {
			summary.Succeeded++
		} else {
			summary.Discarded++
		}
	}
	if len(failures) > 0 {
		_ = observability.AggregateErrors("refresh all", failures, observability.F("window", windowSize))
	}
	summary.Duration = time.Since(start)

	result := "success"
	if runErr != nil {
		result = "cancelled"
	}
	c.metrics.recordBulk(ctx, summary.Duration, result)
	c.mu.Lock()
	c.lastRun = &summary
	c.mu.Unlock()
	c.publish(ctx, &fund.Event{Type: fund.EventRefreshFinished, Summary: &summary})
	observability.Log().Info("bulk refresh finished",
		observability.F("succeeded", summary.Succeeded),
		observability.F("failed", summary.Failed),
		observability.F("cancelled", summary.Cancelled),
		observability.F("discarded", summary.Discarded),
		observability.F("duration", summary.Duration))

	if runErr != nil {
		return runErr
	}
	return nil
}

// Cancel aborts the active bulk refresh and every single refresh, then rejects
// all pending requests. It returns how many pending requests were rejected.
func (c *Coordinator) Cancel() int {
	c.mu.Lock()
	if c.bulkCancel != nil {
		c.bulkCancel()
	}
	for _, s := range c.singles {
		s.cancel()
	}
	c.mu.Unlock()
	return c.registry.CancelAll()
}

// Track validates code, fetches its first quote and stores a new fund.
func (c *Coordinator) Track(ctx context.Context, code, groupID string) (fund.Fund, error) {
	code = strings.TrimSpace(code)
	if err := quote.ValidateCode(code); err != nil {
		return fund.Fund{}, err
	}
	if _, err := c.store.FindByCode(ctx, code); err == nil {
		return fund.Fund{}, fund.Duplicate("code", code)
	} else if !errs.Is(err, errs.CodeNotFound) {
		return fund.Fund{}, fmt.Errorf("track: %w", err)
	}

	c.metrics.recordRequests(ctx, telemetry.TriggerTrack, 1)
	q, err := c.fetch(ctx, code, c.newID())
	if err != nil {
		return fund.Fund{}, fmt.Errorf("track %s: %w", code, err)
	}
	if q.FundCode != code {
		return fund.Fund{}, errs.New("refresh/coordinator", errs.CodeDataFormat,
			errs.WithMessage("payload code mismatch"),
			errs.WithField("expected", code),
			errs.WithField("actual", q.FundCode))
	}

	f := fund.Fund{Code: code, GroupID: strings.TrimSpace(groupID)}
	f.ApplyQuote(q, c.now())
	created, err := c.store.Create(ctx, f)
	if err != nil {
		return fund.Fund{}, fmt.Errorf("track %s: %w", code, err)
	}
	c.publish(ctx, &fund.Event{Type: fund.EventFundAdded, Fund: &created})
	return created, nil
}

// Untrack cancels any refresh of the fund and deletes it.
func (c *Coordinator) Untrack(ctx context.Context, fundID string) error {
	f, err := c.store.FindByID(ctx, fundID)
	if err != nil {
		return fmt.Errorf("untrack: %w", err)
	}
	c.mu.Lock()
	if s, ok := c.singles[fundID]; ok {
		s.cancel()
	}
	c.mu.Unlock()
	if err := c.store.Delete(ctx, fundID); err != nil {
		return fmt.Errorf("untrack: %w", err)
	}
	c.writeMu.Lock()
	delete(c.applied, fundID)
	c.writeMu.Unlock()
	c.publish(ctx, &fund.Event{Type: fund.EventFundRemoved, Fund: &f})
	return nil
}

// Assign moves a fund into groupID, or out of every group when blank.
func (c *Coordinator) Assign(ctx context.Context, fundID, groupID string) (fund.Fund, error) {
	groupID = strings.TrimSpace(groupID)
	c.writeMu.Lock()
	updated, err := c.store.Update(ctx, fundID, func(f *fund.Fund) error {
		f.GroupID = groupID
		return nil
	})
	c.writeMu.Unlock()
	if err != nil {
		return fund.Fund{}, fmt.Errorf("assign: %w", err)
	}
	c.publish(ctx, &fund.Event{Type: fund.EventFundUpdated, Fund: &updated})
	return updated, nil
}

// Reset clears updating flags left behind by an earlier process and returns
// how many funds were fixed.
func (c *Coordinator) Reset(ctx context.Context) (int, error) {
	funds, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	fixed := 0
	for _, f := range funds {
		if !f.IsUpdating || c.inflight[f.ID] > 0 {
			continue
		}
		if _, err := c.store.Update(ctx, f.ID, func(f *fund.Fund) error {
			f.IsUpdating = false
			return nil
		}); err != nil {
			return fixed, fmt.Errorf("reset %s: %w", f.Code, err)
		}
		fixed++
	}
	return fixed, nil
}

// RunAuto refreshes all funds every interval until ctx is done. Ticks that
// find a bulk refresh still running are skipped.
func (c *Coordinator) RunAuto(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsRefreshing() {
				observability.Log().Debug("auto refresh skipped; bulk refresh active")
				continue
			}
			if err := c.RefreshAll(ctx, 0); err != nil && !errs.Is(err, errs.CodeCancelled) {
				observability.Log().Error("auto refresh failed", observability.F("error", err))
			}
		}
	}
}

func (c *Coordinator) fetch(ctx context.Context, code, requestID string) (quote.Quote, error) {
	retry := c.retry
	retry.OnRetry = func(_ int, _ time.Duration, err error) {
		c.metrics.recordRetry(ctx, err)
	}
	var q quote.Quote
	err := retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		q, err = c.transport.FetchOne(ctx, code, requestID)
		return err
	})
	return q, err
}

func (c *Coordinator) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// claimSingle registers a single refresh. Under the exclusive policy the bulk
// check and the claim happen under one lock, so they cannot interleave with
// acquireBulk.
func (c *Coordinator) claimSingle(fundID, requestID string, cancel context.CancelFunc) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Overlap == OverlapExclusive && c.bulkCancel != nil {
		return 0, errs.New("refresh/coordinator", errs.CodeConflict,
			errs.WithMessage("bulk refresh in progress"),
			errs.WithField("fund_id", fundID))
	}
	if prior, ok := c.singles[fundID]; ok {
		prior.cancel()
		observability.Log().Debug("superseding single refresh",
			observability.F("fund_id", fundID),
			observability.F("request_id", prior.requestID))
	}
	c.singles[fundID] = single{requestID: requestID, cancel: cancel}
	c.seq++
	return c.seq, nil
}

func (c *Coordinator) releaseSingle(fundID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.singles[fundID]; ok && s.requestID == requestID {
		delete(c.singles, fundID)
	}
}

func (c *Coordinator) acquireBulk(ctx context.Context) (context.Context, uint64, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bulkCancel != nil {
		observability.Log().Info("cancelling previous bulk refresh", observability.F("generation", c.bulkGen))
		c.bulkCancel()
	}
	if c.cfg.Overlap == OverlapExclusive {
		for fundID, s := range c.singles {
			s.cancel()
			observability.Log().Debug("bulk refresh cancels single refresh",
				observability.F("fund_id", fundID),
				observability.F("request_id", s.requestID))
		}
	}
	bulkCtx, cancel := context.WithCancel(ctx)
	c.bulkGen++
	gen := c.bulkGen
	c.bulkCancel = cancel
	c.refreshing.Store(true)
	return bulkCtx, gen, func() {
		c.mu.Lock()
		if c.bulkGen == gen {
			c.bulkCancel = nil
			c.refreshing.Store(false)
		}
		c.mu.Unlock()
		cancel()
	}
}

// begin marks funds as updating; nested refreshes of one fund are counted.
func (c *Coordinator) begin(ctx context.Context, ids ...string) {
	ctx = context.WithoutCancel(ctx)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, id := range ids {
		c.inflight[id]++
		if c.inflight[id] == 1 {
			c.setUpdating(ctx, id, true)
		}
	}
}

// end clears the updating flag once the last refresh of a fund settles.
func (c *Coordinator) end(ctx context.Context, ids ...string) {
	ctx = context.WithoutCancel(ctx)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, id := range ids {
		c.inflight[id]--
		if c.inflight[id] > 0 {
			continue
		}
		delete(c.inflight, id)
		c.setUpdating(ctx, id, false)
	}
}

func (c *Coordinator) setUpdating(ctx context.Context, id string, updating bool) {
	updated, err := c.store.Update(ctx, id, func(f *fund.Fund) error {
		f.IsUpdating = updating
		return nil
	})
	if err != nil {
		observability.Log().Debug("updating flag not stored",
			observability.F("fund_id", id),
			observability.F("error", err))
		return
	}
	c.publish(ctx, &fund.Event{Type: fund.EventFundUpdated, Fund: &updated})
}

// apply writes q unless a newer request's result already landed.
func (c *Coordinator) apply(ctx context.Context, t target, q quote.Quote) bool {
	ctx = context.WithoutCancel(ctx)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.applied[t.fundID] > t.seq {
		observability.Log().Debug("discarding stale quote",
			observability.F("fund_id", t.fundID),
			observability.F("code", t.code))
		return false
	}
	updated, err := c.store.Update(ctx, t.fundID, func(f *fund.Fund) error {
		if f.Code != q.FundCode {
			return errs.New("refresh/coordinator", errs.CodeDataFormat, errs.WithMessage("payload code mismatch"))
		}
		f.ApplyQuote(q, c.now())
		return nil
	})
	if err != nil {
		observability.Log().Warn("quote not applied",
			observability.F("fund_id", t.fundID),
			observability.F("code", t.code),
			observability.F("error", err))
		return false
	}
	c.applied[t.fundID] = t.seq
	c.publish(ctx, &fund.Event{Type: fund.EventFundUpdated, Fund: &updated})
	return true
}

// recordFailure stores err as the fund's LastError unless a newer result
// already landed. Cancellation is not an error worth recording.
func (c *Coordinator) recordFailure(ctx context.Context, t target, err error) {
	if errs.Is(err, errs.CodeCancelled) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.applied[t.fundID] > t.seq {
		return
	}
	updated, storeErr := c.store.Update(ctx, t.fundID, func(f *fund.Fund) error {
		f.LastError = describe(err)
		return nil
	})
	if storeErr != nil {
		return
	}
	c.publish(ctx, &fund.Event{Type: fund.EventFundUpdated, Fund: &updated})
}

func (c *Coordinator) publish(ctx context.Context, evt *fund.Event) {
	if c.publisher == nil || evt == nil {
		return
	}
	evt.At = c.now()
	if err := c.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		observability.Log().Debug("event not published",
			observability.F("type", evt.Type),
			observability.F("error", err))
	}
}

// describe renders err for the LastError field.
func describe(err error) string {
	code := errs.CodeOf(err)
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return string(code) + ": " + e.Message
	}
	return string(code)
}
