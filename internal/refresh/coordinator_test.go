package refresh

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/quote"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []fund.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt *fund.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *evt)
	return nil
}

func (p *recordingPublisher) Count(typ fund.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, evt := range p.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	store  *fund.MemoryStore
	coord  *Coordinator
	events *recordingPublisher
	ids    map[string]string
}

func newHarness(t *testing.T, transport Transport, cfg Config, codes ...string) *harness {
	t.Helper()
	h := &harness{t: t, store: fund.NewMemoryStore(), events: new(recordingPublisher), ids: make(map[string]string)}
	for _, code := range codes {
		f, err := h.store.Create(context.Background(), fund.Fund{
			Code:         code,
			Name:         "Fund " + code,
			CurrentValue: decimal.RequireFromString("0.9"),
		})
		require.NoError(t, err)
		h.ids[code] = f.ID
	}
	h.coord = NewCoordinator(h.store, transport, NewRegistry(), cfg,
		WithPublisher(h.events),
		WithSleep(noSleep))
	return h
}

func (h *harness) fund(code string) fund.Fund {
	h.t.Helper()
	f, err := h.store.FindByID(context.Background(), h.ids[code])
	require.NoError(h.t, err)
	return f
}

func (h *harness) value(code string) string {
	return h.fund(code).CurrentValue.String()
}

func (h *harness) assertIdle() {
	h.t.Helper()
	assert.False(h.t, h.coord.IsRefreshing())
	funds, err := h.store.List(context.Background())
	require.NoError(h.t, err)
	for _, f := range funds {
		assert.False(h.t, f.IsUpdating, "fund %s still updating", f.Code)
	}
}

func blockUntilDone(ctx context.Context) (quote.Quote, error) {
	<-ctx.Done()
	return quote.Quote{}, errs.Cancelled("fake", ctx.Err())
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestCoordinatorRefreshAllUpdatesEveryFund(t *testing.T) {
	codes := []string{"000001", "000002", "000003", "000004", "000005", "000006", "000007"}
	h := newHarness(t, echoTransport(), DefaultConfig(), codes...)

	require.NoError(t, h.coord.RefreshAll(context.Background(), 3))

	for _, code := range codes {
		assert.Equal(t, "1", h.value(code), code)
	}
	h.assertIdle()
	status := h.coord.Status()
	require.NotNil(t, status.LastRun)
	assert.Equal(t, 7, status.LastRun.Requests)
	assert.Equal(t, 7, status.LastRun.Succeeded)
	assert.Empty(t, status.Pending)
	assert.Equal(t, 1, h.events.Count(fund.EventRefreshStarted))
	assert.Equal(t, 1, h.events.Count(fund.EventRefreshFinished))
}

func TestCoordinatorRefreshAllEmptyIsNoop(t *testing.T) {
	var calls atomic.Int64
	transport := transportFunc(func(context.Context, string, string) (quote.Quote, error) {
		calls.Add(1)
		return quote.Quote{}, nil
	})
	h := newHarness(t, transport, DefaultConfig())

	require.NoError(t, h.coord.RefreshAll(context.Background(), 2))
	assert.Zero(t, calls.Load())
	assert.Zero(t, h.events.Count(fund.EventRefreshStarted))
	assert.Nil(t, h.coord.Status().LastRun)
}

func TestCoordinatorWindowScenarioKeepsFailedFund(t *testing.T) {
	transport := transportFunc(func(_ context.Context, code, _ string) (quote.Quote, error) {
		if code == "000002" {
			return quote.Quote{}, errs.New("fake", errs.CodeTimeout, errs.WithMessage("no callback before deadline"))
		}
		return quoteFor(code, "1.5"), nil
	})
	h := newHarness(t, transport, DefaultConfig(), "000001", "000002", "000003")

	require.NoError(t, h.coord.RefreshAll(context.Background(), 2))

	assert.Equal(t, "1.5", h.value("000001"))
	assert.Equal(t, "0.9", h.value("000002"))
	assert.Equal(t, "1.5", h.value("000003"))
	assert.Equal(t, "timeout: no callback before deadline", h.fund("000002").LastError)
	h.assertIdle()

	last := h.coord.Status().LastRun
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Succeeded)
	assert.Equal(t, 1, last.Failed)
}

func TestCoordinatorDiscardsOutcomeForOtherCode(t *testing.T) {
	transport := transportFunc(func(_ context.Context, code, _ string) (quote.Quote, error) {
		if code == "000001" {
			return quoteFor("000002", "7.7"), nil
		}
		return quoteFor(code, "1.5"), nil
	})
	h := newHarness(t, transport, DefaultConfig(), "000001", "000002")

	require.NoError(t, h.coord.RefreshAll(context.Background(), 5))
	assert.Equal(t, "0.9", h.value("000001"), "foreign payload must never be applied")
	assert.Equal(t, "1.5", h.value("000002"))
	assert.Equal(t, 1, h.coord.Status().LastRun.Discarded)
}

func TestCoordinatorCancelStopsBulkRefresh(t *testing.T) {
	started := make(chan struct{}, 8)
	var calls atomic.Int64
	transport := transportFunc(func(ctx context.Context, _, _ string) (quote.Quote, error) {
		calls.Add(1)
		started <- struct{}{}
		return blockUntilDone(ctx)
	})
	h := newHarness(t, transport, DefaultConfig(), "000001", "000002", "000003")

	done := make(chan error, 1)
	go func() { done <- h.coord.RefreshAll(context.Background(), 2) }()
	waitFor(t, started)
	waitFor(t, started)
	assert.True(t, h.coord.IsRefreshing())

	h.coord.Cancel()
	err := <-done
	assert.True(t, errs.Is(err, errs.CodeCancelled))
	assert.Equal(t, int64(2), calls.Load(), "second window must not start")
	h.assertIdle()
	assert.Equal(t, 3, h.coord.Status().LastRun.Cancelled)
	assert.Equal(t, "0.9", h.value("000001"))

	assert.Zero(t, h.coord.Cancel(), "cancel is idempotent")
}

func TestCoordinatorNewBulkSupersedesPrevious(t *testing.T) {
	var blocking atomic.Bool
	blocking.Store(true)
	started := make(chan struct{}, 1)
	transport := transportFunc(func(ctx context.Context, code, _ string) (quote.Quote, error) {
		if blocking.Load() {
			started <- struct{}{}
			return blockUntilDone(ctx)
		}
		return quoteFor(code, "2.0"), nil
	})
	h := newHarness(t, transport, DefaultConfig(), "000001")

	first := make(chan error, 1)
	go func() { first <- h.coord.RefreshAll(context.Background(), 1) }()
	waitFor(t, started)
	blocking.Store(false)

	require.NoError(t, h.coord.RefreshAll(context.Background(), 1))
	assert.True(t, errs.Is(<-first, errs.CodeCancelled))
	assert.Equal(t, "2", h.value("000001"))
	h.assertIdle()
}

func TestCoordinatorSingleRacingBulkKeepsNewest(t *testing.T) {
	var singleCalls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	transport := transportFunc(func(_ context.Context, code, requestID string) (quote.Quote, error) {
		if code == "000001" && singleCalls.Add(1) == 1 {
			close(started)
			<-release
			return quoteFor(code, "1.0"), nil
		}
		return quoteFor(code, "2.0"), nil
	})
	h := newHarness(t, transport, DefaultConfig(), "000001", "000002")

	single := make(chan error, 1)
	go func() { single <- h.coord.RefreshOne(context.Background(), h.ids["000001"]) }()
	waitFor(t, started)

	require.NoError(t, h.coord.RefreshAll(context.Background(), 2))
	assert.Equal(t, "2", h.value("000001"))
	assert.True(t, h.fund("000001").IsUpdating, "single refresh still in flight")

	close(release)
	require.NoError(t, <-single)
	assert.Equal(t, "2", h.value("000001"), "older request must not overwrite newer result")
	h.assertIdle()
}

func TestCoordinatorBulkRacingSingleKeepsNewest(t *testing.T) {
	var bulkCalls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	transport := transportFunc(func(_ context.Context, code, requestID string) (quote.Quote, error) {
		if requestID == "bulk-000001" && bulkCalls.Add(1) == 1 {
			close(started)
			<-release
			return quoteFor(code, "1.0"), nil
		}
		return quoteFor(code, "3.0"), nil
	})
	var n atomic.Int64
	h := newHarness(t, transport, DefaultConfig(), "000001")
	h.coord.newID = func() string {
		if n.Add(1) == 1 {
			return "bulk-000001"
		}
		return fmt.Sprintf("single-%d", n.Load())
	}

	bulk := make(chan error, 1)
	go func() { bulk <- h.coord.RefreshAll(context.Background(), 1) }()
	waitFor(t, started)

	require.NoError(t, h.coord.RefreshOne(context.Background(), h.ids["000001"]))
	assert.Equal(t, "3", h.value("000001"))

	close(release)
	require.NoError(t, <-bulk)
	assert.Equal(t, "3", h.value("000001"))
	assert.Equal(t, 1, h.coord.Status().LastRun.Discarded)
	h.assertIdle()
}

func TestCoordinatorRefreshOneSupersedesPriorSingle(t *testing.T) {
	var calls atomic.Int64
	started := make(chan struct{})
	transport := transportFunc(func(ctx context.Context, code, _ string) (quote.Quote, error) {
		if calls.Add(1) == 1 {
			close(started)
			return blockUntilDone(ctx)
		}
		return quoteFor(code, "4.0"), nil
	})
	h := newHarness(t, transport, DefaultConfig(), "000001")

	first := make(chan error, 1)
	go func() { first <- h.coord.RefreshOne(context.Background(), h.ids["000001"]) }()
	waitFor(t, started)

	require.NoError(t, h.coord.RefreshOne(context.Background(), h.ids["000001"]))
	assert.True(t, errs.Is(<-first, errs.CodeCancelled))
	assert.Equal(t, "4", h.value("000001"))
	assert.Empty(t, h.fund("000001").LastError)
	h.assertIdle()
}

func TestCoordinatorExclusiveOverlapRejectsSingle(t *testing.T) {
	started := make(chan struct{}, 1)
	transport := transportFunc(func(ctx context.Context, _, _ string) (quote.Quote, error) {
		started <- struct{}{}
		return blockUntilDone(ctx)
	})
	cfg := DefaultConfig()
	cfg.Overlap = OverlapExclusive
	h := newHarness(t, transport, cfg, "000001")

	bulk := make(chan error, 1)
	go func() { bulk <- h.coord.RefreshAll(context.Background(), 1) }()
	waitFor(t, started)

	err := h.coord.RefreshOne(context.Background(), h.ids["000001"])
	assert.True(t, errs.Is(err, errs.CodeConflict))

	h.coord.Cancel()
	assert.True(t, errs.Is(<-bulk, errs.CodeCancelled))
	h.assertIdle()
}

func TestCoordinatorExclusiveBulkCancelsSingleInFlight(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int64
	transport := transportFunc(func(ctx context.Context, code, _ string) (quote.Quote, error) {
		if calls.Add(1) == 1 {
			close(started)
			return blockUntilDone(ctx)
		}
		return quoteFor(code, "2.0"), nil
	})
	cfg := DefaultConfig()
	cfg.Overlap = OverlapExclusive
	h := newHarness(t, transport, cfg, "000001", "000002")

	single := make(chan error, 1)
	go func() { single <- h.coord.RefreshOne(context.Background(), h.ids["000001"]) }()
	waitFor(t, started)

	require.NoError(t, h.coord.RefreshAll(context.Background(), 2))
	assert.True(t, errs.Is(<-single, errs.CodeCancelled))
	assert.Equal(t, "2", h.value("000001"))
	assert.Equal(t, "2", h.value("000002"))
	assert.Empty(t, h.fund("000001").LastError)
	h.assertIdle()
}

func TestCoordinatorRefreshOneRecordsFailure(t *testing.T) {
	transport := transportFunc(func(context.Context, string, string) (quote.Quote, error) {
		return quote.Quote{}, errs.New("fake", errs.CodeDataFormat, errs.WithMessage("payload code mismatch"))
	})
	h := newHarness(t, transport, DefaultConfig(), "000001")

	err := h.coord.RefreshOne(context.Background(), h.ids["000001"])
	assert.True(t, errs.Is(err, errs.CodeDataFormat))
	assert.Equal(t, "data_format: payload code mismatch", h.fund("000001").LastError)
	assert.Equal(t, "0.9", h.value("000001"))
	h.assertIdle()

	err = h.coord.RefreshOne(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestCoordinatorTrack(t *testing.T) {
	transport := transportFunc(func(_ context.Context, code, _ string) (quote.Quote, error) {
		if code == "999999" {
			return quote.Quote{}, errs.New("fake", errs.CodeDataFormat)
		}
		return quoteFor(code, "1.25"), nil
	})
	h := newHarness(t, transport, DefaultConfig())
	ctx := context.Background()
	group, err := h.store.CreateGroup(ctx, "Index")
	require.NoError(t, err)

	created, err := h.coord.Track(ctx, " 161725 ", group.ID)
	require.NoError(t, err)
	assert.Equal(t, "161725", created.Code)
	assert.Equal(t, "Fund 161725", created.Name)
	assert.Equal(t, group.ID, created.GroupID)
	assert.True(t, created.CurrentValue.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, 1, h.events.Count(fund.EventFundAdded))

	_, err = h.coord.Track(ctx, "161725", "")
	assert.True(t, errs.Is(err, errs.CodeConflict))
	_, err = h.coord.Track(ctx, "16172", "")
	assert.True(t, errs.Is(err, errs.CodeInvalid))
	_, err = h.coord.Track(ctx, "999999", "")
	assert.True(t, errs.Is(err, errs.CodeDataFormat))

	funds, _ := h.store.List(ctx)
	assert.Len(t, funds, 1)
}

func TestCoordinatorUntrackAndAssign(t *testing.T) {
	h := newHarness(t, echoTransport(), DefaultConfig(), "000001", "000002")
	ctx := context.Background()
	group, err := h.store.CreateGroup(ctx, "Bonds")
	require.NoError(t, err)

	moved, err := h.coord.Assign(ctx, h.ids["000002"], group.ID)
	require.NoError(t, err)
	assert.Equal(t, group.ID, moved.GroupID)
	_, err = h.coord.Assign(ctx, h.ids["000002"], "no-such-group")
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, h.coord.Untrack(ctx, h.ids["000001"]))
	assert.Equal(t, 1, h.events.Count(fund.EventFundRemoved))
	_, err = h.store.FindByID(ctx, h.ids["000001"])
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	assert.True(t, errs.Is(h.coord.Untrack(ctx, h.ids["000001"]), errs.CodeNotFound))
}

func TestCoordinatorResetClearsStaleFlags(t *testing.T) {
	h := newHarness(t, echoTransport(), DefaultConfig(), "000001", "000002")
	ctx := context.Background()
	_, err := h.store.Update(ctx, h.ids["000002"], func(f *fund.Fund) error {
		f.IsUpdating = true
		return nil
	})
	require.NoError(t, err)

	fixed, err := h.coord.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	h.assertIdle()
}

func TestCoordinatorRunAutoRefreshes(t *testing.T) {
	var calls atomic.Int64
	transport := transportFunc(func(_ context.Context, code, _ string) (quote.Quote, error) {
		calls.Add(1)
		return quoteFor(code, "1.0"), nil
	})
	h := newHarness(t, transport, DefaultConfig(), "000001")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.coord.RunAuto(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitFor(t, done)
}

func TestCoordinatorEndToEndThroughJSONP(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, _ *http.Request, code string, _ <-chan struct{}) {
		if code == "000002" {
			fmt.Fprint(w, "/* provider returned no data */")
			return
		}
		fmt.Fprintf(w, "jsonpgz(%s);", payloadJSON(code, "1.1111"))
	})
	registry := NewRegistry()
	tr := NewJSONPTransport(TransportConfig{BaseURL: provider.URL, Timeout: 50 * time.Millisecond}, registry, nil)
	t.Cleanup(tr.Close)

	store := fund.NewMemoryStore()
	ids := make(map[string]string)
	for _, code := range []string{"000001", "000002", "000003"} {
		f, err := store.Create(context.Background(), fund.Fund{Code: code, CurrentValue: decimal.RequireFromString("0.9")})
		require.NoError(t, err)
		ids[code] = f.ID
	}
	sleeper := new(recordingSleep)
	coord := NewCoordinator(store, tr, registry, DefaultConfig(), WithSleep(sleeper.Sleep))

	require.NoError(t, coord.RefreshAll(context.Background(), 2))

	for code, want := range map[string]string{"000001": "1.1111", "000002": "0.9", "000003": "1.1111"} {
		f, err := store.FindByID(context.Background(), ids[code])
		require.NoError(t, err)
		assert.Equal(t, want, f.CurrentValue.String(), code)
		assert.False(t, f.IsUpdating, code)
	}
	a002, _ := store.FindByID(context.Background(), ids["000002"])
	assert.Contains(t, a002.LastError, "timeout")
	assert.Zero(t, registry.Len())
	assert.ElementsMatch(t,
		[]time.Duration{time.Second, 2 * time.Second, DefaultInterWindowDelay},
		sleeper.Delays())
}
