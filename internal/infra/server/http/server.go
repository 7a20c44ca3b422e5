// Package httpserver exposes the fundwatch control API and change stream.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/infra/bus/eventbus"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/refresh"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	fundsPath        = "/funds"
	fundDetailPrefix = fundsPath + "/"

	groupsPath        = "/groups"
	groupDetailPrefix = groupsPath + "/"

	refreshPath       = "/refresh"
	refreshStatusPath = "/refresh/status"

	streamPath = "/stream"
	backupPath = "/backup"
)

// Engine is the refresh surface the API drives.
type Engine interface {
	RefreshOne(ctx context.Context, fundID string) error
	RefreshAll(ctx context.Context, windowSize int) error
	Cancel() int
	Status() refresh.Status
	IsRefreshing() bool
	Track(ctx context.Context, code, groupID string) (fund.Fund, error)
	Untrack(ctx context.Context, fundID string) error
	Assign(ctx context.Context, fundID, groupID string) (fund.Fund, error)
}

var _ Engine = (*refresh.Coordinator)(nil)

// Deps wires the handler to the engine and stores. Bus may be nil, in which
// case the change stream is unavailable.
type Deps struct {
	Engine      Engine
	Funds       fund.Store
	Groups      fund.GroupStore
	Bus         eventbus.Bus
	Environment string
	// OriginPatterns lists the cross-origin hosts allowed to open /stream, as
	// host patterns such as "dashboard.example.com" or "*.example.com".
	// Same-host requests are always accepted.
	OriginPatterns []string
	// BaseContext scopes background refreshes started by the API. Defaults
	// to context.Background().
	BaseContext context.Context
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	engine      Engine
	funds       fund.Store
	groups      fund.GroupStore
	bus         eventbus.Bus
	environment string
	origins     []string
	baseCtx     context.Context
	background  *conc.WaitGroup
}

// Handler serves the control API. Wait blocks until background refreshes
// started through the API have returned.
type Handler struct {
	http.Handler
	server *httpServer
}

// Wait blocks until every background refresh has returned.
func (h *Handler) Wait() {
	h.server.background.Wait()
}

type createFundPayload struct {
	Code    string `json:"code"`
	GroupID string `json:"groupId"`
}

type assignPayload struct {
	GroupID string `json:"groupId"`
}

type groupPayload struct {
	Name string `json:"name"`
}

// NewHandler creates the HTTP handler for fund, group and refresh operations.
func NewHandler(deps Deps) *Handler {
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	server := &httpServer{
		engine:      deps.Engine,
		funds:       deps.Funds,
		groups:      deps.Groups,
		bus:         deps.Bus,
		environment: deps.Environment,
		origins:     deps.OriginPatterns,
		baseCtx:     baseCtx,
		background:  conc.NewWaitGroup(),
	}
	mux := http.NewServeMux()

	mux.Handle(fundsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listFunds,
		http.MethodPost: server.trackFund,
	}))
	mux.Handle(fundDetailPrefix, http.HandlerFunc(server.handleFund))

	mux.Handle(groupsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listGroups,
		http.MethodPost: server.createGroup,
	}))
	mux.Handle(groupDetailPrefix, http.HandlerFunc(server.handleGroup))

	mux.Handle(refreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost:   server.startRefresh,
		http.MethodDelete: server.cancelRefresh,
	}))
	mux.Handle(refreshStatusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.refreshStatus,
	}))

	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	}))

	mux.Handle(backupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.exportBackup,
		http.MethodPost: server.restoreBackup,
	}))

	return &Handler{Handler: withCORS(mux), server: server}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.funds.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	funds = fund.FilterByGroup(funds, r.URL.Query().Get("group"))
	writeJSON(w, http.StatusOK, map[string]any{"funds": funds})
}

func (s *httpServer) trackFund(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload createFundPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	created, err := s.engine.Track(r.Context(), payload.Code, payload.GroupID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *httpServer) handleFund(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, fundDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "fund id required")
		return
	}
	if !hasAction {
		s.handleFundResource(w, r, id)
		return
	}
	s.handleFundAction(w, r, id, strings.TrimSpace(action))
}

func (s *httpServer) handleFundResource(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		f, err := s.funds.FindByID(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case http.MethodDelete:
		if err := s.engine.Untrack(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet)
	}
}

func (s *httpServer) handleFundAction(w http.ResponseWriter, r *http.Request, id, action string) {
	switch action {
	case "refresh":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := s.engine.RefreshOne(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		f, err := s.funds.FindByID(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case "group":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		limitRequestBody(w, r)
		var payload assignPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		updated, err := s.engine.Assign(r.Context(), id, payload.GroupID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.groups.ListGroups(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *httpServer) createGroup(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload groupPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	g, err := s.groups.CreateGroup(r.Context(), payload.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *httpServer) handleGroup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, groupDetailPrefix), "/"))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "group id required")
		return
	}
	switch r.Method {
	case http.MethodPut:
		limitRequestBody(w, r)
		var payload groupPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		g, err := s.groups.RenameGroup(r.Context(), id, payload.Name)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		if err := s.groups.DeleteGroup(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodPut)
	}
}

// startRefresh runs a bulk refresh. By default it returns 202 at once and the
// refresh continues in the background; wait=true blocks and returns the run
// summary.
func (s *httpServer) startRefresh(w http.ResponseWriter, r *http.Request) {
	window := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		window = parsed
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if wait {
		if err := s.engine.RefreshAll(r.Context(), window); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.engine.Status())
		return
	}

	ctx := s.baseCtx
	s.background.Go(func() {
		if err := s.engine.RefreshAll(ctx, window); err != nil && !errs.Is(err, errs.CodeCancelled) {
			observability.Log().Error("background refresh failed", observability.F("error", err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "window": window})
}

func (s *httpServer) cancelRefresh(w http.ResponseWriter, _ *http.Request) {
	rejected := s.engine.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "rejected": rejected})
}

func (s *httpServer) refreshStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// statusFor maps an error code onto an HTTP status. An explicit HTTP status on
// the envelope wins.
func statusFor(err error) int {
	var e *errs.E
	if errors.As(err, &e) && e != nil && e.HTTP != 0 {
		return e.HTTP
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict, errs.CodeCancelled:
		return http.StatusConflict
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeTransport, errs.CodeDataFormat:
		return http.StatusBadGateway
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.Log().Warn("request failed",
			observability.F("status", status),
			observability.F("error", err))
	}
	writeJSON(w, status, map[string]string{
		"status": "error",
		"error":  err.Error(),
		"code":   string(errs.CodeOf(err)),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
