package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/quote"
)

const (
	callbackPrefix   = "jsonp_callback_"
	maxScriptBytes   = 1 << 20
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; fundwatch/1.0)"
)

// CorrelationMode selects how the provider's fixed callback is routed.
type CorrelationMode string

const (
	// CorrelateByRequest routes every callback in a response to the request
	// that fetched it.
	CorrelateByRequest CorrelationMode = "request"
	// CorrelateByCode routes the fixed provider callback to the oldest pending
	// request for the payload's fund code.
	CorrelateByCode CorrelationMode = "code"
)

// ParseCorrelationMode validates a configuration value. Blank means request.
func ParseCorrelationMode(raw string) (CorrelationMode, error) {
	switch mode := CorrelationMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", CorrelateByRequest:
		return CorrelateByRequest, nil
	case CorrelateByCode:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown correlation mode %q", raw)
	}
}

// Transport fetches one live quote for a fund code.
type Transport interface {
	FetchOne(ctx context.Context, code, requestID string) (quote.Quote, error)
}

// TransportConfig tunes the JSONP transport.
type TransportConfig struct {
	BaseURL     string
	UserAgent   string
	Referer     string
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
	Correlation CorrelationMode
}

// JSONPTransport loads provider scripts over HTTP and evaluates them in an
// isolated goja runtime whose callbacks feed the registry.
type JSONPTransport struct {
	cfg      TransportConfig
	client   *http.Client
	registry *Registry
	limiter  *rate.Limiter
	metrics  *engineMetrics
	loaders  conc.WaitGroup
	now      func() time.Time
}

// NewJSONPTransport builds a transport delivering into registry. A nil client
// uses http.DefaultClient.
func NewJSONPTransport(cfg TransportConfig, registry *Registry, client *http.Client) *JSONPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Correlation == "" {
		cfg.Correlation = CorrelateByRequest
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &JSONPTransport{
		cfg:      cfg,
		client:   client,
		registry: registry,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  newEngineMetrics(),
		now:      time.Now,
	}
}

// CallbackName derives the per-request JSONP callback name from requestID.
func CallbackName(requestID string) string {
	return callbackPrefix + strings.ReplaceAll(requestID, "-", "")
}

// FetchOne performs a single attempt. Exactly one of a quote or an error is
// returned, and the registry entry is released on every path.
func (t *JSONPTransport) FetchOne(ctx context.Context, code, requestID string) (quote.Quote, error) {
	start := time.Now()
	q, err := t.fetch(ctx, code, requestID)
	t.metrics.recordAttempt(ctx, start, err)
	return q, err
}

func (t *JSONPTransport) fetch(ctx context.Context, code, requestID string) (quote.Quote, error) {
	if err := ctx.Err(); err != nil {
		return quote.Quote{}, errs.Cancelled("refresh/transport", err)
	}
	if err := quote.ValidateCode(code); err != nil {
		return quote.Quote{}, err
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	callback := CallbackName(requestID)
	delivered, err := t.registry.Register(requestID, code, callback)
	if err != nil {
		return quote.Quote{}, err
	}
	defer t.registry.Remove(requestID)

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	// The limiter wait counts against the request deadline. A wait that cannot
	// fit settles as a timeout without calling the provider.
	if err := t.limiter.Wait(reqCtx); err != nil {
		return quote.Quote{}, t.contextFailure(ctx, code, requestID)
	}

	endpoint := quote.Endpoint(t.cfg.BaseURL, code, callback, t.now())
	t.loaders.Go(func() {
		t.load(reqCtx, endpoint, code, requestID, callback)
	})

	select {
	case d := <-delivered:
		if d.Err != nil {
			return quote.Quote{}, d.Err
		}
		return decodeDelivery(d, code)
	case <-reqCtx.Done():
		return quote.Quote{}, t.contextFailure(ctx, code, requestID)
	}
}

// Close waits for in-flight script loads to unwind.
func (t *JSONPTransport) Close() {
	t.loaders.Wait()
}

func (t *JSONPTransport) contextFailure(parent context.Context, code, requestID string) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return errs.Cancelled("refresh/transport", err)
	}
	return errs.New("refresh/transport", errs.CodeTimeout,
		errs.WithMessage("no callback before deadline"),
		errs.WithField("code", code),
		errs.WithField("request_id", requestID),
		errs.WithField("timeout", t.cfg.Timeout.String()))
}

func (t *JSONPTransport) load(ctx context.Context, endpoint, code, requestID, callback string) {
	body, err := t.download(ctx, endpoint, code)
	if err != nil {
		if ctx.Err() == nil {
			t.registry.Fail(requestID, err)
		}
		return
	}
	if err := t.evaluate(ctx, body, code, requestID, callback); err != nil && ctx.Err() == nil {
		t.registry.Fail(requestID, err)
	}
}

func (t *JSONPTransport) download(ctx context.Context, endpoint, code string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errs.New("refresh/transport", errs.CodeTransport,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	if t.cfg.Referer != "" {
		req.Header.Set("Referer", t.cfg.Referer)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", errs.New("refresh/transport", errs.CodeTransport,
			errs.WithMessage("script load failed"),
			errs.WithField("code", code),
			errs.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return "", errs.New("refresh/transport", errs.CodeTransport,
			errs.WithMessage("read script"),
			errs.WithField("code", code),
			errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errs.New("refresh/transport", errs.CodeTransport,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("script load failed"),
			errs.WithRawMessage(truncate(string(raw), 256)),
			errs.WithField("code", code))
	}
	return string(raw), nil
}

// evaluate runs the script with both the per-request and the fixed provider
// callback bound. A script that never calls back leaves the request pending.
func (t *JSONPTransport) evaluate(ctx context.Context, script, code, requestID, callback string) error {
	rt := goja.New()
	stop := context.AfterFunc(ctx, func() {
		rt.Interrupt("request settled")
	})
	defer stop()

	byRequest := func(call goja.FunctionCall) goja.Value {
		t.registry.DeliverTo(requestID, call.Argument(0).Export())
		return goja.Undefined()
	}
	provider := byRequest
	if t.cfg.Correlation == CorrelateByCode {
		provider = func(call goja.FunctionCall) goja.Value {
			payload := call.Argument(0).Export()
			target := payloadCode(payload)
			if target == "" {
				target = code
			}
			t.registry.Deliver(target, payload)
			return goja.Undefined()
		}
	}
	if err := rt.Set(callback, byRequest); err != nil {
		return errs.New("refresh/transport", errs.CodeDataFormat, errs.WithMessage("bind callback"), errs.WithCause(err))
	}
	if err := rt.Set(quote.ProviderCallback, provider); err != nil {
		return errs.New("refresh/transport", errs.CodeDataFormat, errs.WithMessage("bind callback"), errs.WithCause(err))
	}

	if _, err := rt.RunString(script); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil
		}
		observability.Log().Warn("provider script failed",
			observability.F("code", code),
			observability.F("request_id", requestID),
			observability.F("error", err))
		return errs.New("refresh/transport", errs.CodeDataFormat,
			errs.WithMessage("script evaluation failed"),
			errs.WithRawMessage(truncate(script, 256)),
			errs.WithField("code", code),
			errs.WithCause(err))
	}
	return nil
}

// decodeDelivery turns a callback payload into a quote for the requested code.
func decodeDelivery(d Delivery, code string) (quote.Quote, error) {
	q, err := quote.FromValue(d.Payload)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("request %s: %w", d.RequestID, err)
	}
	if q.FundCode != code {
		return quote.Quote{}, errs.New("refresh/transport", errs.CodeDataFormat,
			errs.WithMessage("payload code mismatch"),
			errs.WithField("expected", code),
			errs.WithField("actual", q.FundCode),
			errs.WithField("request_id", d.RequestID))
	}
	return q, nil
}

func payloadCode(payload any) string {
	fields, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	code, _ := fields["fundcode"].(string)
	return strings.TrimSpace(code)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
