// Package eventbus defines pub/sub interfaces for fund change events.
package eventbus

import (
	"context"

	"github.com/coachpo/fundwatch/internal/fund"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers fund events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt *fund.Event) error
	Subscribe(ctx context.Context, types ...fund.EventType) (SubscriptionID, <-chan *fund.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
