package redisstream

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xdispatch"
)

const TransportName = "redis-streams"

var ErrClosed = errors.New("redis-streams transport is closed")

func init() {
	if err := xdispatch.RegisterTransport(TransportName, func(m map[string]any) (xdispatch.Transport, error) {
		cfg := ConfigFromMap(m)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return NewTransport(cfg)
	}); err != nil {
		panic(errors.Wrap(err, "xdispatch/redisstream: failed to register transport"))
	}
}

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	dpool sync.Pool // *delivery

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

var _ xdispatch.Transport = (*transport)(nil)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(cfg Config) (xdispatch.Transport, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ping(pctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}, nil
}

// Publish appends msgs to the topic stream in one pipeline. A nil error
// means Redis accepted every entry.
func (t *transport) Publish(ctx context.Context, topic string, msgs ...*xdispatch.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	var cmds []*redis.StringCmd
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range msgs {
			if m == nil {
				continue
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			args := &redis.XAddArgs{Stream: topic, ID: "*", Values: encodeMessage(m)}
			if n := t.cfg.MaxLenApprox; n > 0 {
				args.MaxLen, args.Approx = n, true
			}
			cmds = append(cmds, p.XAdd(ctx, args))
		}
		return nil
	})
	if err == nil {
		for _, c := range cmds {
			if err = c.Err(); err != nil {
				break
			}
		}
	}
	if err != nil {
		t.metrics.publishErrors.Add(1)
		return errors.Wrapf(err, "xadd %s", topic)
	}

	t.metrics.published.Add(uint64(len(cmds)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe reads the topic stream as consumer cfg.Consumer of group. Entries
// are routed to cfg.Concurrency ordered workers by key hash; the worker index
// is reported as the message partition.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(xdispatch.Delivery)) (xdispatch.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, errors.Wrapf(err, "create group %s on %s", group, topic)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := max(1, t.cfg.Concurrency)
	lanes := make([]chan *delivery, workers)
	for i := range lanes {
		lanes[i] = make(chan *delivery, max(1, t.cfg.BatchSize))
	}

	workerWG := &sync.WaitGroup{}
	for i := range lanes {
		workerWG.Add(1)
		go func(lane chan *delivery) {
			defer workerWG.Done()
			for d := range lane {
				handler(d)
				d.release()
				t.releaseDelivery(d)
			}
		}(lanes[i])
	}

	r := &router{t: t, topic: topic, group: group, lanes: lanes, held: newInflight()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pollerLoop(innerCtx, r)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, r)
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				wg.Wait()
				for _, lane := range lanes {
					close(lane)
				}
				workerWG.Wait()
			})
			return nil
		},
	}, nil
}

// router hands stream entries to the worker owning their key.
type router struct {
	t     *transport
	topic string
	group string
	lanes []chan *delivery
	held  *inflight
}

// route returns false once ctx is done. Entries this consumer already holds
// are skipped.
func (r *router) route(ctx context.Context, entry redis.XMessage) bool {
	if !r.held.add(entry.ID) {
		return true
	}

	msg := decodeMessage(entry.ID, entry.Values)
	msg.Partition = partitionFor(msg.Key, entry.ID, len(r.lanes))

	d := r.t.newDelivery()
	d.t = r.t
	d.topic = r.topic
	d.group = r.group
	d.id = entry.ID
	d.msg = msg
	d.once = &sync.Once{}
	d.held = r.held

	r.t.metrics.consumed.Add(1)

	select {
	case r.lanes[msg.Partition] <- d:
		return true
	case <-ctx.Done():
		r.held.done(entry.ID)
		r.t.releaseDelivery(d)
		return false
	}
}

// inflight is the set of entry ids handed to a lane and not yet acked or
// nacked by this consumer.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]struct{})}
}

// add reports false when id is already held.
func (s *inflight) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflight) done(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// without returns the ids that are not held.
func (s *inflight) without(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ids[:0]
	for _, id := range ids {
		if _, ok := s.ids[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// partitionFor keeps equal keys on one worker. Keyless entries spread by id.
func partitionFor(key, id string, n int) int {
	if n <= 1 {
		return 0
	}
	if key == "" {
		key = id
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// pollerLoop reads new entries for the group and routes them to workers.
func (t *transport) pollerLoop(ctx context.Context, r *router) {
	xArgs := &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{r.topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}

			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, entry := range stream.Messages {
				if !r.route(ctx, entry) {
					return
				}
			}
		}
	}
}

// claimLoop takes over entries that stayed pending longer than ClaimMinIdle,
// whether left by a crashed consumer or by a Nack, and routes them again.
func (t *transport) claimLoop(ctx context.Context, r *router) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: r.topic,
			Group:  r.group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		// Entries still queued on a lane or inside a handler are not orphaned.
		if ids = r.held.without(ids); len(ids) == 0 {
			continue
		}

		entries, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   r.topic,
			Group:    r.group,
			Consumer: t.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				t.metrics.consumeErrors.Add(1)
			}
			continue
		}

		for _, entry := range entries {
			t.metrics.claimed.Add(1)
			if !r.route(ctx, entry) {
				return
			}
		}
	}
}

func (t *transport) newDelivery() *delivery {
	return t.dpool.Get().(*delivery)
}

// releaseDelivery clears references so pooled deliveries do not pin messages.
func (t *transport) releaseDelivery(d *delivery) {
	*d = delivery{}
	t.dpool.Put(d)
}

// Stats returns current transport metrics.
func (t *transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Close releases the Redis client. Subscriptions should be closed first.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Ping reports whether Redis answers PING; Bus.Health uses it.
func (t *transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return ping(ctx, t.client)
}

func ping(ctx context.Context, c *redis.Client) error {
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errors.Wrap(err, "redis ping timeout")
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return errors.Newf("unexpected redis ping result: %s", res)
	}
	return nil
}
