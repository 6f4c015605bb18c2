package xdispatch

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus publishes synchronously and drives every delivery through the
// RedeliveryPolicy. Build one with NewBusBuilder.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	policy       RedeliveryPolicy
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	publishCount    atomic.Uint64
	consumeCount    atomic.Uint64
	ackCount        atomic.Uint64
	nackCount       atomic.Uint64
	retryCount      atomic.Uint64
	deadLetterCount atomic.Uint64
	errorCount      atomic.Uint64
	processingNs    atomic.Int64
}

// Codec returns the codec used for payloads.
func (b *Bus) Codec() Codec { return b.codec }

// Policy returns the redelivery policy applied to subscriptions.
func (b *Bus) Policy() RedeliveryPolicy { return b.policy }

// Publish encodes payload and sends it to topic under the partition key.
// It returns only after the transport acknowledged the write.
func (b *Bus) Publish(ctx context.Context, topic, key, eventName string, payload any, meta map[string]string) error {
	return b.publish(ctx, topic, []PublishEvent{{Key: key, Name: eventName, Payload: payload, Meta: meta}})
}

// PublishBatch sends events to topic in one transport call. Either every
// event is encoded and handed to the transport or none is.
func (b *Bus) PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error {
	if len(events) == 0 && !b.closed.Load() {
		return nil
	}
	return b.publish(ctx, topic, events)
}

func (b *Bus) publish(ctx context.Context, topic string, events []PublishEvent) error {
	switch {
	case b.closed.Load():
		return ErrBusClosed
	case topic == "":
		return ErrInvalidTopic
	}

	now := b.clock.Now()
	msgs := make([]*Message, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Name == "":
			return ErrInvalidEventName
		case ev.Payload == nil:
			return ErrInvalidPayload
		}
		data, err := b.codec.Marshal(ev.Payload)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return errors.Wrapf(err, "encode %q", ev.Name)
		}
		msgs = append(msgs, &Message{
			Key:        ev.Key,
			Name:       ev.Name,
			Payload:    data,
			Metadata:   ev.Meta,
			ProducedAt: now,
		})
	}
	b.metrics.publishCount.Add(uint64(len(msgs)))

	first := msgs[0]
	name := first.Name
	if len(msgs) > 1 {
		name = "batch"
	}
	b.notifyAsync(Event{Type: PublishStart, Topic: topic, Key: first.Key, EventName: name})

	start := b.clock.Now()
	err := b.transport.Publish(ctx, topic, msgs...)

	done := Event{
		Type:      PublishDone,
		Topic:     topic,
		Key:       first.Key,
		EventName: name,
		Duration:  b.clock.Since(start),
		Err:       err,
	}
	if len(msgs) == 1 {
		done.MessageID = first.ID
	}
	b.notifyAsync(done)

	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// Subscribe registers a handler under a consumer group for a topic. Every
// delivery runs through the RedeliveryPolicy: retryable failures are retried
// in place after the fixed backoff, everything else ends on the dead-letter topic.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	// Recovery sits on both ends so panics inside middlewares are classified too.
	wh := RecoveryMiddleware()(Chain(RecoveryMiddleware()(handler), b.middlewares...))
	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		b.deliver(hctx, topic, group, wh, d)
	})
}

// deliver drives one message through the redelivery state machine.
func (b *Bus) deliver(ctx context.Context, topic, group string, h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Str("topic", topic).Msg("xdispatch: delivery panic (recovered)")
			b.metrics.errorCount.Add(1)
			b.settle(ctx, topic, group, d, false, ErrHandlerPanic)
		}
	}()

	b.metrics.consumeCount.Add(1)
	msg := d.Message()
	attempt := b.policy.Begin(msg.Key)

	for {
		b.notifyAsync(Event{
			Type:      ConsumeStart,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			Key:       msg.Key,
			EventName: msg.Name,
			Attempt:   attempt.Attempt,
		})

		start := b.clock.Now()
		err := h(injectAttempt(ctx, attempt.Attempt), msg)
		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		b.notifyAsync(Event{
			Type:      ConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			Key:       msg.Key,
			EventName: msg.Name,
			Attempt:   attempt.Attempt,
			Duration:  duration,
			Err:       err,
		})

		if err != nil && ctx.Err() != nil {
			// Subscription is shutting down; the transport keeps the message.
			b.settle(ctx, topic, group, d, false, err)
			return
		}

		decision, rerr := attempt.Record(err)
		if rerr != nil {
			b.settle(ctx, topic, group, d, false, rerr)
			return
		}

		switch decision.Action {
		case ActionAcknowledge:
			b.settle(ctx, topic, group, d, true, nil)
			return

		case ActionRedeliver:
			b.metrics.retryCount.Add(1)
			b.notifyAsync(Event{
				Type:      Retry,
				Topic:     topic,
				Group:     group,
				MessageID: msg.ID,
				Key:       msg.Key,
				EventName: msg.Name,
				Attempt:   attempt.Attempt,
				Duration:  decision.Delay,
				Err:       err,
			})
			if !sleepContext(ctx, decision.Delay) {
				b.settle(ctx, topic, group, d, false, ctx.Err())
				return
			}

		case ActionDeadLetter:
			b.deadLetter(ctx, topic, group, d, attempt, err)
			return
		}
	}
}

// deadLetter republishes the original message unchanged to the dead-letter topic.
func (b *Bus) deadLetter(ctx context.Context, topic, group string, d Delivery, attempt *DeliveryAttempt, cause error) {
	msg := d.Message()
	dlt := b.policy.DeadLetterTopic(topic)

	out := msg.Clone()
	out.ID = ""
	out.Metadata[MetaDLTOriginalTopic] = topic
	out.Metadata[MetaDLTOriginalPartition] = strconv.Itoa(msg.Partition)
	out.Metadata[MetaDLTExceptionMessage] = cause.Error()
	out.Metadata[MetaDLTExceptionClass] = fmt.Sprintf("%T", errors.UnwrapAll(cause))

	pctx, cancel := b.opContext(ctx)
	defer cancel()

	if err := b.transport.Publish(pctx, dlt, out); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Topic: dlt, Key: msg.Key, EventName: msg.Name, Err: err})
		b.logger.Error().
			Str("topic", topic).
			Str("dead_letter_topic", dlt).
			Str("key", msg.Key).
			Err(err).
			Msg("xdispatch: dead-letter publish failed")
		b.settle(ctx, topic, group, d, false, cause)
		return
	}

	b.metrics.deadLetterCount.Add(1)
	b.notifyAsync(Event{
		Type:      DeadLetter,
		Topic:     topic,
		Group:     group,
		MessageID: msg.ID,
		Key:       msg.Key,
		EventName: msg.Name,
		Attempt:   attempt.Attempt,
		Err:       cause,
	})
	b.settle(ctx, topic, group, d, true, nil)
}

// settle acks or nacks a delivery with the configured timeout. It ignores
// cancellation of ctx so shutdown still settles in-flight messages.
func (b *Bus) settle(ctx context.Context, topic, group string, d Delivery, ack bool, reason error) {
	actx, cancel := b.opContext(context.WithoutCancel(ctx))
	defer cancel()

	msg := d.Message()
	if ack {
		b.metrics.ackCount.Add(1)
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Topic: topic, Group: group, Err: err})
			b.logger.Warn().Err(err).Msg("xdispatch: ack failed")
			return
		}
		b.notifyAsync(Event{Type: Ack, Topic: topic, Group: group, MessageID: msg.ID, Key: msg.Key, EventName: msg.Name})
		return
	}

	b.metrics.nackCount.Add(1)
	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Topic: topic, Group: group, Err: err})
		b.logger.Warn().Err(err).Msg("xdispatch: nack failed")
		return
	}
	b.notifyAsync(Event{Type: Nack, Topic: topic, Group: group, MessageID: msg.ID, Key: msg.Key, EventName: msg.Name, Err: reason})
}

func (b *Bus) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.ackTimeout > 0 {
		return context.WithTimeout(ctx, b.ackTimeout)
	}
	return ctx, func() {}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// GetMetrics returns a snapshot of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Retried:             b.metrics.retryCount.Load(),
		DeadLettered:        b.metrics.deadLetterCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / float64(time.Millisecond),
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports unhealthy when the bus is closed or the transport fails its
// ping, and degraded when more than 5% of publishes and deliveries errored.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	hs := HealthStatus{Status: StatusHealthy, Timestamp: b.clock.Now()}
	if b.closed.Load() {
		hs.Status, hs.Message = StatusUnhealthy, "bus is closed"
		return hs
	}

	hs.Metrics = b.GetMetrics()
	if p, ok := b.transport.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			hs.Status, hs.Message = StatusUnhealthy, "transport: "+err.Error()
			return hs
		}
	}

	total := hs.Metrics.Published + hs.Metrics.Consumed
	if total > 0 && float64(hs.Metrics.Errors)/float64(total) > 0.05 {
		hs.Status = StatusDegraded
	}
	return hs
}

// Close stops observer dispatch and closes the transport. Subscriptions
// should be closed first. Close is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var errs error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xdispatch: observers did not drain")
				errs = errors.CombineErrors(errs, err)
			}
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xdispatch: transport close failed")
			errs = errors.CombineErrors(errs, err)
		}
	})
	return errs
}

// AddObserver attaches obs to every subsequent event.
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	b.observers = append(slices.Clip(b.observers), obs)
}

// RemoveObserver detaches the first observer equal to obs.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	if i := slices.Index(b.observers, obs); i >= 0 {
		b.observers = slices.Delete(slices.Clone(b.observers), i, i+1)
	}
}

// notifyAsync queues e for the observers attached right now. The slice is
// never mutated in place, so it is handed over without copying.
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}
	b.observersMu.RLock()
	observers := b.observers
	b.observersMu.RUnlock()
	b.observerPool.Notify(e, observers)
}

// recordProcessingTime folds ns into an exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	for {
		cur := b.metrics.processingNs.Load()
		next := ns
		if cur != 0 {
			next = int64(float64(ns)*alpha + float64(cur)*(1-alpha))
		}
		if b.metrics.processingNs.CompareAndSwap(cur, next) {
			return
		}
	}
}
