package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/observability"
	"github.com/coachpo/fundwatch/internal/telemetry"
)

// MemoryBus is an in-memory implementation of the event bus. Slow subscribers
// lose their oldest buffered events rather than blocking publishers.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[fund.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryDroppedCounter metric.Int64Counter
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	types  []fund.EventType
	ch     chan *fund.Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[fund.EventType]map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter(telemetry.MetricEventbusPublished,
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter(telemetry.MetricEventbusSubscribers,
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryDroppedCounter, _ = meter.Int64Counter(telemetry.MetricEventbusDropped,
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.publishDuration, _ = meter.Float64Histogram(telemetry.MetricEventbusPublishDuration,
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fans the event out to all subscribers of its type. Each subscriber
// receives its own copy.
func (b *MemoryBus) Publish(ctx context.Context, evt *fund.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	eventType := string(evt.Type)
	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subscribers := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	if len(subscribers) == 0 {
		result = "no_subscribers"
		return nil
	}
	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		result = "dispatch_failed"
		return err
	}
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), eventType)...))
	}
	return nil
}

// Subscribe registers for events of the given types (every type when none are
// given) and returns a subscription ID and channel. The channel closes when
// ctx ends, on Unsubscribe or on Close.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...fund.EventType) (SubscriptionID, <-chan *fund.Event, error) {
	if len(types) == 0 {
		types = fund.EventTypes
	}
	for _, typ := range types {
		if typ == "" {
			return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.types = append([]fund.EventType(nil), types...)
	sub.ch = make(chan *fund.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		cancel()
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	for _, typ := range sub.types {
		if _, ok := b.subscribers[typ]; !ok {
			b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
		}
		b.subscribers[typ][id] = sub
	}
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	if sub := b.detach(id); sub != nil {
		sub.cancel()
		sub.close()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		closing := make(map[*subscriber]struct{})
		for typ, subs := range b.subscribers {
			for _, sub := range subs {
				closing[sub] = struct{}{}
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
		for sub := range closing {
			sub.cancel()
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.detach(id)
	sub.close()
}

// detach removes id from every type it was registered for.
func (b *MemoryBus) detach(id SubscriptionID) *subscriber {
	b.mu.Lock()
	var found *subscriber
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			found = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	if found != nil && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return found
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt *fund.Event) error {
	workerLimit := b.cfg.FanoutWorkers
	if workerLimit > len(subs) {
		workerLimit = len(subs)
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(workerLimit)
	for _, subscriber := range subs {
		sub := subscriber
		p.Go(func() error {
			return b.deliver(ctx, sub, cloneEvent(evt))
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("eventbus dispatch: %w", err)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *fund.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	observability.Log().Warn("eventbus subscriber buffer full; dropped oldest event",
		observability.F("type", evt.Type))
	if b.deliveryDroppedCounter != nil {
		b.deliveryDroppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))...))
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func cloneEvent(evt *fund.Event) *fund.Event {
	clone := *evt
	if evt.Fund != nil {
		f := *evt.Fund
		clone.Fund = &f
	}
	if evt.Summary != nil {
		s := *evt.Summary
		clone.Summary = &s
	}
	return &clone
}
