package redisstream

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xdispatch"
)

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":           "redis:6380",
		"consumer":       "dispatch-1",
		"concurrency":    4,
		"batch_size":     float64(16),
		"block":          "250ms",
		"claim_min_idle": 2 * time.Second,
		"claim_interval": "1s",
		"max_len_approx": int64(1000),
		"auto_create":    false,
	})

	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, "dispatch-1", cfg.Consumer)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Block)
	assert.Equal(t, 2*time.Second, cfg.ClaimMinIdle)
	assert.Equal(t, time.Second, cfg.ClaimInterval)
	assert.Equal(t, int64(1000), cfg.MaxLenApprox)
	assert.False(t, cfg.AutoCreate)
	require.NoError(t, cfg.Validate())
}

func TestConfigFromMap_DefaultsAndRoundTrip(t *testing.T) {
	def := Defaults()
	cfg := ConfigFromMap(nil)
	assert.Equal(t, def, cfg)

	cfg.Concurrency = 3
	cfg.Block = time.Second
	assert.Equal(t, cfg, ConfigFromMap(cfg.ToMap()))
}

func TestConfigValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.ClaimInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestDecodeMessage(t *testing.T) {
	produced := time.Unix(0, 1_700_000_000_000_000_000)
	msg := decodeMessage("1-0", map[string]any{
		fieldID:                  "msg-1",
		fieldKey:                 "order-42",
		fieldName:                "OrderCreated",
		fieldPayload:             `{"item":"my-item"}`,
		fieldProducedAt:          fmt.Sprint(produced.UnixNano()),
		fieldMetaPrefix + "tier": "gold",
	})

	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, "order-42", msg.Key)
	assert.Equal(t, "OrderCreated", msg.Name)
	assert.Equal(t, []byte(`{"item":"my-item"}`), msg.Payload)
	assert.True(t, produced.Equal(msg.ProducedAt))
	assert.Equal(t, map[string]string{"tier": "gold"}, msg.Metadata)
}

func TestDecodeMessage_FallsBackToEntryID(t *testing.T) {
	msg := decodeMessage("5-1", map[string]any{fieldName: "X"})
	assert.Equal(t, "5-1", msg.ID)
	assert.Empty(t, msg.Key)
	assert.NotNil(t, msg.Metadata)
	assert.True(t, msg.ProducedAt.IsZero())
}

func TestEncodeMessage_DecodesBack(t *testing.T) {
	in := &xdispatch.Message{
		ID:         "m-1",
		Key:        "order-7",
		Name:       "OrderCreated",
		Payload:    []byte(`{}`),
		Metadata:   map[string]string{"dlt-original-topic": "order.created"},
		ProducedAt: time.Unix(0, 42),
	}
	vals := encodeMessage(in)
	assert.Equal(t, "order.created", vals[fieldMetaPrefix+"dlt-original-topic"])

	out := decodeMessage("9-0", vals)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Key, out.Key)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.True(t, in.ProducedAt.Equal(out.ProducedAt))
}

func TestPartitionFor(t *testing.T) {
	assert.Equal(t, 0, partitionFor("anything", "1-0", 1))

	p := partitionFor("order-42", "1-0", 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, p, partitionFor("order-42", fmt.Sprintf("%d-0", i), 8))
	}
	assert.Less(t, p, 8)
}

func newTestRouter(lanes, buffer int) *router {
	tr := &transport{
		cfg:     Defaults(),
		metrics: &transportMetrics{},
		dpool:   sync.Pool{New: func() any { return new(delivery) }},
	}
	r := &router{t: tr, topic: "orders", group: "dispatch", held: newInflight()}
	for i := 0; i < lanes; i++ {
		r.lanes = append(r.lanes, make(chan *delivery, buffer))
	}
	return r
}

func TestRouter_HeldEntriesAreNotClaimable(t *testing.T) {
	r := newTestRouter(1, 4)
	ctx := context.Background()
	entry := redis.XMessage{ID: "7-0", Values: map[string]any{fieldKey: "order-7", fieldName: "OrderCreated"}}

	require.True(t, r.route(ctx, entry))
	require.Len(t, r.lanes[0], 1)

	// A reclaim of an entry still on the lane must not hand it out twice.
	require.True(t, r.route(ctx, entry))
	assert.Len(t, r.lanes[0], 1)
	assert.Equal(t, []string{"9-0"}, r.held.without([]string{"7-0", "9-0"}))

	d := <-r.lanes[0]
	require.NoError(t, d.Nack(ctx, nil))
	assert.Equal(t, []string{"7-0", "9-0"}, r.held.without([]string{"7-0", "9-0"}))
	assert.Equal(t, uint64(1), r.t.metrics.consumed.Load())
	assert.Equal(t, uint64(1), r.t.metrics.nacked.Load())
}

func TestRouter_CancelledRouteReleasesEntry(t *testing.T) {
	r := newTestRouter(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, r.route(ctx, redis.XMessage{ID: "3-0", Values: map[string]any{fieldKey: "k"}}))
	assert.Equal(t, []string{"3-0"}, r.held.without([]string{"3-0"}))
}

// redisConfig returns a config for the Redis at REDIS_ADDR, skipping otherwise.
func redisConfig(t *testing.T) Config {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cfg := Defaults()
	cfg.Addr = addr
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Block = 200 * time.Millisecond
	cfg.Concurrency = 4
	return cfg
}

func cleanupStream(t *testing.T, cfg Config, stream string) {
	t.Cleanup(func() {
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
		defer client.Close()
		_ = client.Del(context.Background(), stream).Err()
	})
}

func TestIntegration_PublishSubscribePreservesKeyOrder(t *testing.T) {
	cfg := redisConfig(t)
	topic := "xdispatch-test-" + uuid.NewString()
	cleanupStream(t, cfg, topic)

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	seen := map[string][]string{}
	done := make(chan struct{})
	var doneOnce sync.Once
	closeDone := func() { doneOnce.Do(func() { close(done) }) }
	const perKey = 20
	keys := []string{"a", "b", "c"}

	sub, err := tr.Subscribe(ctx, topic, "g1", func(d xdispatch.Delivery) {
		m := d.Message()
		assert.NoError(t, d.Ack(ctx))
		mu.Lock()
		defer mu.Unlock()
		seen[m.Key] = append(seen[m.Key], string(m.Payload))
		total := 0
		for _, v := range seen {
			total += len(v)
		}
		if total == perKey*len(keys) {
			closeDone()
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			require.NoError(t, tr.Publish(ctx, topic, &xdispatch.Message{
				Key:        k,
				Name:       "Seq",
				Payload:    []byte(fmt.Sprint(i)),
				ProducedAt: time.Now(),
			}))
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		require.Len(t, seen[k], perKey)
		for i, p := range seen[k] {
			assert.Equal(t, fmt.Sprint(i), p, "key %s", k)
		}
	}
}

func TestIntegration_NackIsClaimedAgain(t *testing.T) {
	cfg := redisConfig(t)
	cfg.ClaimMinIdle = 100 * time.Millisecond
	cfg.ClaimInterval = 100 * time.Millisecond
	topic := "xdispatch-test-" + uuid.NewString()
	cleanupStream(t, cfg, topic)

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	acked := make(chan *xdispatch.Message, 1)

	sub, err := tr.Subscribe(ctx, topic, "g1", func(d xdispatch.Delivery) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			_ = d.Nack(ctx, assert.AnError)
			return
		}
		_ = d.Ack(ctx)
		acked <- d.Message().Clone()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, topic, &xdispatch.Message{Key: "k", Name: "Once", Payload: []byte("x")}))

	select {
	case m := <-acked:
		assert.Equal(t, "k", m.Key)
		assert.Equal(t, []byte("x"), m.Payload)
	case <-ctx.Done():
		t.Fatal("nacked entry was not redelivered")
	}
	assert.GreaterOrEqual(t, tr.(*transport).Stats().Claimed, uint64(1))
}
