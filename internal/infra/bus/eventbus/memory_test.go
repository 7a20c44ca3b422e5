package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
)

func receive(t *testing.T, ch <-chan *fund.Event) *fund.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), &fund.Event{Type: fund.EventFundUpdated})
	assert.NoError(t, err)
	assert.NoError(t, bus.Publish(context.Background(), nil))
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	err := bus.Publish(context.Background(), &fund.Event{})
	assert.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestMemoryBusDeliversCopiesToEachSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()

	_, first, err := bus.Subscribe(ctx, fund.EventFundUpdated)
	require.NoError(t, err)
	_, second, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	_, other, err := bus.Subscribe(ctx, fund.EventRefreshFinished)
	require.NoError(t, err)

	original := &fund.Event{Type: fund.EventFundUpdated, Fund: &fund.Fund{Code: "000001", Name: "Alpha"}}
	require.NoError(t, bus.Publish(ctx, original))

	a := receive(t, first)
	b := receive(t, second)
	assert.Equal(t, "000001", a.Fund.Code)
	a.Fund.Name = "mutated"
	assert.Equal(t, "Alpha", b.Fund.Name)
	assert.Equal(t, "Alpha", original.Fund.Name)

	select {
	case evt := <-other:
		t.Fatalf("unexpected event %v", evt.Type)
	default:
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	ctx := context.Background()

	_, ch, err := bus.Subscribe(ctx, fund.EventFundUpdated)
	require.NoError(t, err)
	for _, code := range []string{"000001", "000002", "000003"} {
		require.NoError(t, bus.Publish(ctx, &fund.Event{Type: fund.EventFundUpdated, Fund: &fund.Fund{Code: code}}))
	}
	assert.Equal(t, "000002", receive(t, ch).Fund.Code)
	assert.Equal(t, "000003", receive(t, ch).Fund.Code)
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), fund.EventFundAdded, fund.EventFundRemoved)
	require.NoError(t, err)
	bus.Unsubscribe(id)
	bus.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, bus.Publish(context.Background(), &fund.Event{Type: fund.EventFundAdded}))
}

func TestMemoryBusSubscriptionEndsWithContext(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, fund.EventFundUpdated)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, errs.Is(bus.Publish(context.Background(), &fund.Event{Type: fund.EventFundUpdated}), errs.CodeUnavailable))
	_, _, err = bus.Subscribe(context.Background())
	assert.True(t, errs.Is(err, errs.CodeUnavailable))
}
