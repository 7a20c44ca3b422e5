package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/refresh"
)

const (
	streamWriteTimeout = 5 * time.Second
	snapshotMessage    = "snapshot"
)

// streamSnapshot is the first message on every stream connection.
type streamSnapshot struct {
	Type   string         `json:"type"`
	Funds  []fund.Fund    `json:"funds"`
	Status refresh.Status `json:"status"`
	At     time.Time      `json:"at"`
}

// stream upgrades to a websocket and pushes change events until either side
// goes away. ?types=fund.updated,refresh.finished narrows the feed.
func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	types, ok := parseEventTypes(r.URL.Query().Get("types"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observability.Log().Warn("stream upgrade failed", observability.F("error", err))
		return
	}
	defer conn.CloseNow()

	// The stream is write-only; CloseRead drains control frames and cancels
	// ctx once the client disconnects.
	ctx := conn.CloseRead(r.Context())

	subID, events, err := s.bus.Subscribe(ctx, types...)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer s.bus.Unsubscribe(subID)

	funds, err := s.funds.List(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	snap := streamSnapshot{Type: snapshotMessage, Funds: funds, Status: s.engine.Status(), At: time.Now().UTC()}
	if err := writeMessage(ctx, conn, snap); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeMessage(ctx, conn, evt); err != nil {
				observability.Log().Debug("stream write failed", observability.F("error", err))
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// parseEventTypes reads a comma separated filter. Blank means every type.
func parseEventTypes(raw string) ([]fund.EventType, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	known := make(map[fund.EventType]struct{}, len(fund.EventTypes))
	for _, typ := range fund.EventTypes {
		known[typ] = struct{}{}
	}
	var out []fund.EventType
	for _, part := range strings.Split(raw, ",") {
		typ := fund.EventType(strings.TrimSpace(part))
		if typ == "" {
			continue
		}
		if _, ok := known[typ]; !ok {
			return nil, false
		}
		out = append(out, typ)
	}
	return out, true
}
