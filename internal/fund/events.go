package fund

import (
	"context"
	"time"
)

// EventType names a change notification.
type EventType string

const (
	// EventFundUpdated fires when a fund's stored state changes.
	EventFundUpdated EventType = "fund.updated"
	// EventFundAdded fires when a fund starts being tracked.
	EventFundAdded EventType = "fund.added"
	// EventFundRemoved fires when a fund stops being tracked.
	EventFundRemoved EventType = "fund.removed"
	// EventRefreshStarted fires when a bulk refresh begins.
	EventRefreshStarted EventType = "refresh.started"
	// EventRefreshFinished fires when a bulk refresh settles.
	EventRefreshFinished EventType = "refresh.finished"
)

// EventTypes lists every type a stream subscriber may receive.
var EventTypes = []EventType{
	EventFundUpdated,
	EventFundAdded,
	EventFundRemoved,
	EventRefreshStarted,
	EventRefreshFinished,
}

// Summary describes a settled bulk refresh.
type Summary struct {
	Requests  int           `json:"requests"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Discarded int           `json:"discarded"`
	Duration  time.Duration `json:"duration"`
}

// Event is published on the event bus when funds or refresh state change.
type Event struct {
	Type    EventType `json:"type"`
	Fund    *Fund     `json:"fund,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher accepts change events.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}
