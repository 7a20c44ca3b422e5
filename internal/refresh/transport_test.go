package refresh

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fundwatch/errs"
)

func payloadJSON(code, gsz string) string {
	return fmt.Sprintf(`{"fundcode":"%s","name":"Fund %s","jzrq":"2024-03-01","dwjz":"1.0000","gsz":"%s","gszzl":"0.50","gztime":"2024-03-04 15:00"}`,
		code, code, gsz)
}

type fakeProvider struct {
	*httptest.Server
	hits    atomic.Int64
	release chan struct{}
}

// newFakeProvider serves /js/{code}.js through handle. Handlers that block
// should wait on release or the request context.
func newFakeProvider(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, code string, release <-chan struct{})) *fakeProvider {
	t.Helper()
	p := &fakeProvider{release: make(chan struct{})}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		code := strings.TrimSuffix(path.Base(r.URL.Path), ".js")
		handle(w, r, code, p.release)
	}))
	t.Cleanup(p.Server.Close)
	t.Cleanup(func() { close(p.release) })
	return p
}

func fixedCallback(w http.ResponseWriter, _ *http.Request, code string, _ <-chan struct{}) {
	fmt.Fprintf(w, "jsonpgz(%s);", payloadJSON(code, "1.2345"))
}

func newTestTransport(t *testing.T, baseURL string, cfg TransportConfig) (*JSONPTransport, *Registry) {
	t.Helper()
	registry := NewRegistry()
	cfg.BaseURL = baseURL
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	tr := NewJSONPTransport(cfg, registry, nil)
	t.Cleanup(tr.Close)
	return tr, registry
}

func TestTransportFetchesQuoteThroughProviderCallback(t *testing.T) {
	var (
		mu                             sync.Mutex
		gotQuery, gotAgent, gotReferer string
	)
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request, code string, release <-chan struct{}) {
		mu.Lock()
		gotQuery = r.URL.RawQuery
		gotAgent = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		mu.Unlock()
		fixedCallback(w, r, code, release)
	})
	tr, registry := newTestTransport(t, provider.URL, TransportConfig{UserAgent: "fundwatch-test", Referer: "https://example.test/"})

	q, err := tr.FetchOne(context.Background(), "000001", "11111111-2222-3333-4444-555555555555")
	require.NoError(t, err)
	assert.Equal(t, "000001", q.FundCode)
	assert.True(t, q.EstimatedValue.Equal(decimal.RequireFromString("1.2345")))
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, gotQuery, "callback=jsonp_callback_11111111222233334444555555555555")
	assert.Contains(t, gotQuery, "rt=")
	assert.Equal(t, "fundwatch-test", gotAgent)
	assert.Equal(t, "https://example.test/", gotReferer)
	assert.Zero(t, registry.Len())
}

func TestTransportAcceptsPerRequestCallback(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request, code string, _ <-chan struct{}) {
		fmt.Fprintf(w, "%s(%s)", r.URL.Query().Get("callback"), payloadJSON(code, "2.5"))
	})
	tr, _ := newTestTransport(t, provider.URL, TransportConfig{})

	q, err := tr.FetchOne(context.Background(), "110022", "req-1")
	require.NoError(t, err)
	assert.True(t, q.EstimatedValue.Equal(decimal.RequireFromString("2.5")))
}

func TestTransportSameCodeRequestsDoNotCollide(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request, code string, _ <-chan struct{}) {
		value := "1.1"
		if strings.HasSuffix(r.URL.Query().Get("callback"), "reqb") {
			value = "2.2"
		} else {
			time.Sleep(30 * time.Millisecond)
		}
		fmt.Fprintf(w, "jsonpgz(%s);", payloadJSON(code, value))
	})
	tr, _ := newTestTransport(t, provider.URL, TransportConfig{})

	var wg sync.WaitGroup
	values := make(map[string]string)
	var mu sync.Mutex
	for _, id := range []string{"req-a", "req-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			q, err := tr.FetchOne(context.Background(), "000001", id)
			assert.NoError(t, err)
			mu.Lock()
			values[id] = q.EstimatedValue.String()
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	assert.Equal(t, map[string]string{"req-a": "1.1", "req-b": "2.2"}, values)
}

func TestTransportCodeModeNeverCrossesCodes(t *testing.T) {
	provider := newFakeProvider(t, fixedCallback)
	tr, registry := newTestTransport(t, provider.URL, TransportConfig{Correlation: CorrelateByCode})

	codes := []string{"000001", "000002", "000003", "000004"}
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			q, err := tr.FetchOne(context.Background(), code, fmt.Sprintf("req-%d", i))
			assert.NoError(t, err)
			assert.Equal(t, code, q.FundCode)
		}(i, code)
	}
	wg.Wait()
	assert.Zero(t, registry.Len())
}

func TestTransportFailures(t *testing.T) {
	cases := []struct {
		name     string
		handle   func(w http.ResponseWriter, r *http.Request, code string, release <-chan struct{})
		wantCode errs.Code
	}{
		{
			name: "server error",
			handle: func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
				http.Error(w, "bad gateway", http.StatusBadGateway)
			},
			wantCode: errs.CodeTransport,
		},
		{
			name: "script exception",
			handle: func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
				fmt.Fprint(w, "throw new Error('blocked');")
			},
			wantCode: errs.CodeDataFormat,
		},
		{
			name: "missing fund code",
			handle: func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
				fmt.Fprint(w, `jsonpgz({"name":"anonymous"});`)
			},
			wantCode: errs.CodeDataFormat,
		},
		{
			name: "empty payload",
			handle: func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
				fmt.Fprint(w, `jsonpgz();`)
			},
			wantCode: errs.CodeDataFormat,
		},
		{
			name: "other fund code",
			handle: func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
				fmt.Fprintf(w, "jsonpgz(%s);", payloadJSON("999999", "1.0"))
			},
			wantCode: errs.CodeDataFormat,
		},
		{
			name: "no callback",
			handle: func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
				fmt.Fprint(w, "var ignored = 1;")
			},
			wantCode: errs.CodeTimeout,
		},
		{
			name: "slow provider",
			handle: func(_ http.ResponseWriter, r *http.Request, _ string, release <-chan struct{}) {
				select {
				case <-r.Context().Done():
				case <-release:
				}
			},
			wantCode: errs.CodeTimeout,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newFakeProvider(t, tc.handle)
			tr, registry := newTestTransport(t, provider.URL, TransportConfig{Timeout: 100 * time.Millisecond})

			_, err := tr.FetchOne(context.Background(), "000001", "req-1")
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, errs.CodeOf(err), "error: %v", err)
			assert.Zero(t, registry.Len(), "registry entry must be released")
		})
	}
}

func TestTransportUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	tr, _ := newTestTransport(t, url, TransportConfig{Timeout: time.Second})

	_, err := tr.FetchOne(context.Background(), "000001", "req-1")
	assert.True(t, errs.Is(err, errs.CodeTransport), "error: %v", err)
}

func TestTransportRejectsBeforeCalling(t *testing.T) {
	provider := newFakeProvider(t, fixedCallback)
	tr, _ := newTestTransport(t, provider.URL, TransportConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.FetchOne(ctx, "000001", "req-1")
	assert.True(t, errs.Is(err, errs.CodeCancelled))

	_, err = tr.FetchOne(context.Background(), "12345", "req-2")
	assert.True(t, errs.Is(err, errs.CodeInvalid))

	assert.Zero(t, provider.hits.Load(), "no external call may be made")
}

func TestTransportDuplicateRequestIDConflicts(t *testing.T) {
	provider := newFakeProvider(t, fixedCallback)
	tr, registry := newTestTransport(t, provider.URL, TransportConfig{})
	_, err := registry.Register("req-1", "000001", CallbackName("req-1"))
	require.NoError(t, err)

	_, err = tr.FetchOne(context.Background(), "000001", "req-1")
	assert.True(t, errs.Is(err, errs.CodeConflict))
}

func TestTransportSettlesCancelledWhenRegistryCancels(t *testing.T) {
	provider := newFakeProvider(t, func(_ http.ResponseWriter, r *http.Request, _ string, release <-chan struct{}) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	tr, registry := newTestTransport(t, provider.URL, TransportConfig{Timeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := tr.FetchOne(context.Background(), "000001", "req-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return provider.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, registry.CancelAll())

	select {
	case err := <-done:
		assert.True(t, errs.Is(err, errs.CodeCancelled), "error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("fetch did not settle after cancellation")
	}
	assert.Zero(t, registry.Len())
}

func TestTransportSettlesCancelledWhenContextCancels(t *testing.T) {
	provider := newFakeProvider(t, func(_ http.ResponseWriter, r *http.Request, _ string, release <-chan struct{}) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	tr, _ := newTestTransport(t, provider.URL, TransportConfig{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for provider.hits.Load() == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		cancel()
	}()
	_, err := tr.FetchOne(ctx, "000001", "req-1")
	assert.True(t, errs.Is(err, errs.CodeCancelled), "error: %v", err)
}

func TestTransportInterruptsRunawayScript(t *testing.T) {
	provider := newFakeProvider(t, func(w http.ResponseWriter, _ *http.Request, _ string, _ <-chan struct{}) {
		fmt.Fprint(w, "while (true) {}")
	})
	tr, _ := newTestTransport(t, provider.URL, TransportConfig{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := tr.FetchOne(context.Background(), "000001", "req-1")
	assert.True(t, errs.Is(err, errs.CodeTimeout))
	tr.Close()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCallbackNameAndModes(t *testing.T) {
	assert.Equal(t, "jsonp_callback_abc123", CallbackName("abc-123"))

	mode, err := ParseCorrelationMode("")
	require.NoError(t, err)
	assert.Equal(t, CorrelateByRequest, mode)
	mode, err = ParseCorrelationMode(" CODE ")
	require.NoError(t, err)
	assert.Equal(t, CorrelateByCode, mode)
	_, err = ParseCorrelationMode("global")
	assert.Error(t, err)
}

func TestTransportSpacesRequestsThroughLimiter(t *testing.T) {
	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	provider := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request, code string, release <-chan struct{}) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		fixedCallback(w, r, code, release)
	})
	tr, registry := newTestTransport(t, provider.URL, TransportConfig{RateLimit: 10, Burst: 1})

	_, err := tr.FetchOne(context.Background(), "000001", "req-a")
	require.NoError(t, err)
	_, err = tr.FetchOne(context.Background(), "000002", "req-b")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 2)
	assert.GreaterOrEqual(t, arrivals[1].Sub(arrivals[0]), 80*time.Millisecond)
	assert.Zero(t, registry.Len())
}

func TestTransportLimiterWaitBeyondDeadlineTimesOut(t *testing.T) {
	provider := newFakeProvider(t, fixedCallback)
	tr, registry := newTestTransport(t, provider.URL, TransportConfig{RateLimit: 1, Burst: 1, Timeout: 50 * time.Millisecond})

	_, err := tr.FetchOne(context.Background(), "000001", "req-a")
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.FetchOne(context.Background(), "000001", "req-b")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.EqualValues(t, 1, provider.hits.Load())
	assert.Zero(t, registry.Len())
}
