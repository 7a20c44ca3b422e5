package refresh

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/observability"
)

const defaultOrphanCapacity = 64

// Delivery settles one pending request: either a payload or an error.
type Delivery struct {
	RequestID string
	Code      string
	Payload   any
	Err       error
}

// PendingRequest describes an outstanding registry entry.
type PendingRequest struct {
	RequestID    string    `json:"requestId"`
	Code         string    `json:"code"`
	CallbackName string    `json:"callbackName"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Orphan records a delivery that found no pending request.
type Orphan struct {
	RequestID string    `json:"requestId,omitempty"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type pendingEntry struct {
	PendingRequest
	ch chan Delivery
}

// Registry tracks outstanding requests and routes asynchronous deliveries to
// them. Every entry is settled at most once and then forgotten.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	byCode  map[string][]string
	orphans *observability.DeadLetterQueue[Orphan]
	now     func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := new(Registry)
	r.entries = make(map[string]*pendingEntry)
	r.byCode = make(map[string][]string)
	r.orphans = observability.NewDeadLetterQueue[Orphan](defaultOrphanCapacity)
	r.now = time.Now
	return r
}

// Register adds a pending entry and returns the channel its settlement arrives on.
func (r *Registry) Register(requestID, code, callbackName string) (<-chan Delivery, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, errs.New("refresh/registry", errs.CodeInvalid, errs.WithMessage("request id required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[requestID]; exists {
		return nil, errs.New("refresh/registry", errs.CodeConflict,
			errs.WithMessage("request already pending"),
			errs.WithField("request_id", requestID))
	}
	entry := &pendingEntry{
		PendingRequest: PendingRequest{
			RequestID:    requestID,
			Code:         code,
			CallbackName: callbackName,
			RegisteredAt: r.now(),
		},
		ch: make(chan Delivery, 1),
	}
	r.entries[requestID] = entry
	r.byCode[code] = append(r.byCode[code], requestID)
	return entry.ch, nil
}

// DeliverTo resolves the entry for requestID with payload.
func (r *Registry) DeliverTo(requestID string, payload any) bool {
	r.mu.Lock()
	entry, ok := r.detachLocked(requestID)
	r.mu.Unlock()
	if !ok {
		r.orphan(Orphan{RequestID: requestID, Reason: "no pending request"})
		return false
	}
	entry.ch <- Delivery{RequestID: entry.RequestID, Code: entry.Code, Payload: payload}
	return true
}

// Deliver resolves the oldest pending entry registered for code. It is used
// when a response carries only the fund code; with several requests for the
// same code outstanding the earliest one wins.
func (r *Registry) Deliver(code string, payload any) bool {
	r.mu.Lock()
	var (
		entry *pendingEntry
		ok    bool
	)
	if ids := r.byCode[code]; len(ids) > 0 {
		entry, ok = r.detachLocked(ids[0])
	}
	r.mu.Unlock()
	if !ok {
		r.orphan(Orphan{Code: code, Reason: "no pending request for code"})
		return false
	}
	entry.ch <- Delivery{RequestID: entry.RequestID, Code: entry.Code, Payload: payload}
	return true
}

// Fail rejects the entry for requestID with err.
func (r *Registry) Fail(requestID string, err error) bool {
	r.mu.Lock()
	entry, ok := r.detachLocked(requestID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- Delivery{RequestID: entry.RequestID, Code: entry.Code, Err: err}
	return true
}

// Remove drops the entry for requestID without settling it.
func (r *Registry) Remove(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.detachLocked(requestID)
	return ok
}

// CancelAll rejects every pending entry as cancelled and returns how many were
// rejected. Calling it again with nothing pending is a no-op.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	entries := make([]*pendingEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.entries = make(map[string]*pendingEntry)
	r.byCode = make(map[string][]string)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.ch <- Delivery{
			RequestID: entry.RequestID,
			Code:      entry.Code,
			Err:       errs.Cancelled("refresh/registry", context.Canceled),
		}
	}
	if len(entries) > 0 {
		observability.Log().Info("registry cancelled pending requests", observability.F("count", len(entries)))
	}
	return len(entries)
}

// Pending returns the outstanding entries ordered by registration time.
func (r *Registry) Pending() []PendingRequest {
	r.mu.Lock()
	out := make([]PendingRequest, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.PendingRequest)
	}
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// PendingFor returns how many entries are outstanding for code.
func (r *Registry) PendingFor(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode[code])
}

// Len returns the number of outstanding entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Orphans returns the most recent unmatched deliveries.
func (r *Registry) Orphans() []Orphan {
	return r.orphans.Snapshot()
}

func (r *Registry) detachLocked(requestID string) (*pendingEntry, bool) {
	entry, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	delete(r.entries, requestID)
	ids := r.byCode[entry.Code]
	for i, id := range ids {
		if id == requestID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byCode, entry.Code)
	} else {
		r.byCode[entry.Code] = ids
	}
	return entry, true
}

func (r *Registry) orphan(o Orphan) {
	o.At = r.now()
	r.orphans.Offer(o)
	observability.Log().Warn("registry delivery without pending request",
		observability.F("request_id", o.RequestID),
		observability.F("code", o.Code),
		observability.F("reason", o.Reason))
}
