// Package memory is an in-process xdispatch transport: a partitioned,
// append-only log per topic with consumer groups. It backs tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/trickstertwo/xdispatch"
)

const TransportName = "memory"

var (
	ErrClosed    = errors.New("memory transport is closed")
	ErrGroupBusy = errors.New("memory transport: consumer group already has an active subscription")
)

func init() {
	err := xdispatch.RegisterTransport(TransportName, func(cfg map[string]any) (xdispatch.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	})
	if err != nil {
		panic(errors.Wrap(err, "xdispatch/memory: register transport"))
	}
}

// Transport keeps every published message in its topic log. A consumer group
// sees what is published after its first subscription, one goroutine per
// partition, in publish order.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topicLog

	closed   atomic.Bool
	done     chan struct{} // closed by Close
	requeues sync.WaitGroup
	rr       atomic.Uint64
	stats    counters
}

type counters struct {
	published, consumed, acked, nacked, redelivered, dropped atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64 // nacked messages discarded by Close
}

type topicLog struct {
	appendMu sync.Mutex // serializes appends with their fan-out

	mu      sync.RWMutex
	entries []*xdispatch.Message
	groups  map[string]*groupQueues
}

type groupQueues struct {
	partitions []chan *entry
	active     atomic.Bool
}

// entry is one message queued for one group.
type entry struct {
	queue chan *entry
	msg   *xdispatch.Message
}

var (
	_ xdispatch.Transport = (*Transport)(nil)
	_ xdispatch.Pinger    = (*Transport)(nil)
)

// NewTransport creates an empty transport.
func NewTransport(cfg Config) *Transport {
	cfg.Partitions = max(1, cfg.Partitions)
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Transport{cfg: cfg, topics: make(map[string]*topicLog), done: make(chan struct{})}
}

// Publish appends msgs to the topic log and queues them for every group.
// When it returns nil every message is in the log.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xdispatch.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tl := t.topic(topic)
	tl.appendMu.Lock()
	defer tl.appendMu.Unlock()

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.ID == "" && t.cfg.AssignIDs {
			m.ID = uuid.NewString()
		}
		stored := m.Clone()
		stored.Partition = t.partitionFor(m.Key)

		tl.mu.Lock()
		tl.entries = append(tl.entries, stored)
		queues := make([]chan *entry, 0, len(tl.groups))
		for _, g := range tl.groups {
			queues = append(queues, g.partitions[stored.Partition])
		}
		tl.mu.Unlock()

		for _, q := range queues {
			select {
			case q <- &entry{queue: q, msg: stored}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		t.stats.published.Add(1)
	}
	return nil
}

// Subscribe starts one worker per partition for group. A group has at most
// one active subscription.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xdispatch.Delivery)) (xdispatch.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	g := t.topic(topic).group(group, t.cfg.Partitions, t.cfg.BufferSize)
	if !g.active.CompareAndSwap(false, true) {
		return nil, errors.Wrapf(ErrGroupBusy, "topic=%s group=%s", topic, group)
	}

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, q := range g.partitions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.work(wctx, q, handler)
		}()
	}

	return subscriptionFunc(sync.OnceValue(func() error {
		cancel()
		wg.Wait()
		g.active.Store(false)
		return nil
	})), nil
}

func (t *Transport) work(ctx context.Context, q <-chan *entry, handler func(xdispatch.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q:
			t.stats.consumed.Add(1)
			handler(&delivery{t: t, e: e})
		}
	}
}

// Messages returns copies of everything published to topic, in order.
func (t *Transport) Messages(topic string) []*xdispatch.Message {
	t.mu.RLock()
	tl, ok := t.topics[topic]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	tl.mu.RLock()
	defer tl.mu.RUnlock()
	out := make([]*xdispatch.Message, len(tl.entries))
	for i, m := range tl.entries {
		out[i] = m.Clone()
	}
	return out
}

// Ping fails once the transport is closed.
func (t *Transport) Ping(context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close drops all topics and any nacked message still waiting to be
// requeued. Further calls are no-ops.
func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	if t.closed.Swap(true) {
		t.mu.Unlock()
		return nil
	}
	close(t.done)
	t.mu.Unlock()

	t.requeues.Wait()
	t.mu.Lock()
	t.topics = make(map[string]*topicLog)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.stats.published.Load(),
		Consumed:    t.stats.consumed.Load(),
		Acked:       t.stats.acked.Load(),
		Nacked:      t.stats.nacked.Load(),
		Redelivered: t.stats.redelivered.Load(),
		Dropped:     t.stats.dropped.Load(),
	}
}

// partitionFor hashes the key; keyless messages go round-robin.
func (t *Transport) partitionFor(key string) int {
	n := uint64(t.cfg.Partitions)
	if key == "" {
		return int(t.rr.Add(1) % n)
	}
	return int(xxhash.Sum64String(key) % n)
}

func (t *Transport) topic(name string) *topicLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.topics[name]
	if !ok {
		tl = &topicLog{groups: make(map[string]*groupQueues)}
		t.topics[name] = tl
	}
	return tl
}

func (tl *topicLog) group(name string, partitions, buffer int) *groupQueues {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	g, ok := tl.groups[name]
	if !ok {
		g = &groupQueues{partitions: make([]chan *entry, partitions)}
		for i := range g.partitions {
			g.partitions[i] = make(chan *entry, buffer)
		}
		tl.groups[name] = g
	}
	return g
}

type subscriptionFunc func() error

func (f subscriptionFunc) Close() error { return f() }

type delivery struct {
	t       *Transport
	e       *entry
	settled sync.Once
}

func (d *delivery) Message() *xdispatch.Message { return d.e.msg }

func (d *delivery) Ack(context.Context) error {
	d.settled.Do(func() { d.t.stats.acked.Add(1) })
	return nil
}

// Nack queues the message again on its partition after RedeliveryDelay. The
// message goes to the back of the partition, behind anything published for
// the same key in the meantime.
//
// The requeue waits for room on the partition, so it outlives the
// subscription: the next subscriber of the group picks it up. Close drops it.
func (d *delivery) Nack(context.Context, error) error {
	d.settled.Do(func() {
		t := d.t
		t.stats.nacked.Add(1)

		// Close flips closed under mu before it waits on requeues.
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.closed.Load() {
			t.stats.dropped.Add(1)
			return
		}
		t.requeues.Add(1)
		go t.requeue(d.e, t.cfg.RedeliveryDelay)
	})
	return nil
}

func (t *Transport) requeue(e *entry, delay time.Duration) {
	defer t.requeues.Done()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.done:
			t.stats.dropped.Add(1)
			return
		}
	}
	select {
	case e.queue <- e:
		t.stats.redelivered.Add(1)
	case <-t.done:
		t.stats.dropped.Add(1)
	}
}
