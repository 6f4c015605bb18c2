package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/adapter/memory"
	"github.com/trickstertwo/xdispatch/internal/dispatch"
	"github.com/trickstertwo/xdispatch/internal/message"
	"github.com/trickstertwo/xdispatch/internal/stock"
)

var dltTopic = message.TopicOrderCreated + xdispatch.DefaultDeadLetterSuffix

// published is one acknowledged transport write.
type published struct {
	topic string
	msg   *xdispatch.Message
}

// recordingTransport records successful publishes across all topics in the
// order the transport acknowledged them.
type recordingTransport struct {
	*memory.Transport

	mu        sync.Mutex
	log       []published
	failTopic string
}

func (r *recordingTransport) Publish(ctx context.Context, topic string, msgs ...*xdispatch.Message) error {
	if topic == r.failTopic {
		return errors.Newf("publish to %s refused", topic)
	}
	if err := r.Transport.Publish(ctx, topic, msgs...); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.log = append(r.log, published{topic: topic, msg: m.Clone()})
	}
	return nil
}

func (r *recordingTransport) outbound() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, p := range r.log {
		if p.topic != message.TopicOrderCreated {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingTransport) on(topic string) []published {
	var out []published
	for _, p := range r.outbound() {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type harness struct {
	bus        *xdispatch.Bus
	tr         *recordingTransport
	pid        dispatch.ProcessID
	stockCalls *atomic.Int32
}

// newHarness wires the relay against an in-memory broker and a stock stub that
// answers the i-th call with replies[min(i, len-1)].
func newHarness(t *testing.T, failTopic string, replies ...func(w http.ResponseWriter)) *harness {
	t.Helper()

	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(replies) {
			n = len(replies) - 1
		}
		replies[n](w)
	}))
	t.Cleanup(srv.Close)

	tr := &recordingTransport{Transport: memory.NewTransport(memory.Defaults()), failTopic: failTopic}
	bus, err := xdispatch.NewBusBuilder().WithTransportInstance(tr).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	client, err := stock.NewClient(stock.ClientConfig{Endpoint: srv.URL + "/stock/check", Timeout: time.Second})
	require.NoError(t, err)

	pid := dispatch.NewProcessID()
	pipeline, err := dispatch.NewPipeline(dispatch.PipelineConfig{Stock: client, Publisher: bus, ProcessID: pid})
	require.NoError(t, err)
	consumer, err := dispatch.NewConsumer(pipeline, nil)
	require.NoError(t, err)

	sub, err := consumer.Register(context.Background(), bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	return &harness{bus: bus, tr: tr, pid: pid, stockCalls: calls}
}

func (h *harness) send(t *testing.T, key string, order message.OrderCreated) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), message.TopicOrderCreated, key, message.NameOrderCreated, order, nil))
}

// settled waits until n inbound deliveries have been acknowledged.
func (h *harness) settled(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.bus.GetMetrics().Acked >= n }, 5*time.Second, 10*time.Millisecond)
}

func body(s string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) { _, _ = w.Write([]byte(s)) }
}

func status(code int) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(code) }
}

func TestFlow_ScenarioSeed(t *testing.T) {
	h := newHarness(t, "", body("true"))

	orderID := uuid.New()
	key := uuid.NewString()
	h.send(t, key, message.OrderCreated{OrderID: orderID, Item: "my-item"})
	h.settled(t, 1)

	out := h.tr.outbound()
	require.Len(t, out, 2)

	assert.Equal(t, message.TopicDispatchTracking, out[0].topic)
	assert.Equal(t, key, out[0].msg.Key)
	var tracking message.DispatchPreparing
	require.NoError(t, json.Unmarshal(out[0].msg.Payload, &tracking))
	assert.Equal(t, orderID, tracking.OrderID)

	assert.Equal(t, message.TopicOrderDispatched, out[1].topic)
	assert.Equal(t, key, out[1].msg.Key)
	var dispatched message.OrderDispatched
	require.NoError(t, json.Unmarshal(out[1].msg.Payload, &dispatched))
	assert.Equal(t, message.OrderDispatched{
		OrderID:     orderID,
		ProcessByID: h.pid.UUID(),
		Notes:       "Dispatched: my-item",
	}, dispatched)
	assert.JSONEq(t, `{
		"orderId": "`+orderID.String()+`",
		"processById": "`+h.pid.String()+`",
		"notes": "Dispatched: my-item"
	}`, string(out[1].msg.Payload))

	assert.Empty(t, h.tr.Messages(dltTopic))
}

func TestFlow_TrackingPrecedesDispatchedPerOrder(t *testing.T) {
	h := newHarness(t, "", body("true"))

	const n = 20
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		h.send(t, uuid.NewString(), message.OrderCreated{OrderID: ids[i], Item: "item"})
	}
	h.settled(t, n)

	firstSeen := map[uuid.UUID]string{}
	counts := map[string]int{}
	for _, p := range h.tr.outbound() {
		var env struct {
			OrderID uuid.UUID `json:"orderId"`
		}
		require.NoError(t, json.Unmarshal(p.msg.Payload, &env))
		if _, ok := firstSeen[env.OrderID]; !ok {
			firstSeen[env.OrderID] = p.topic
		}
		counts[p.topic]++
	}

	for _, id := range ids {
		assert.Equal(t, message.TopicDispatchTracking, firstSeen[id], "order %s", id)
	}
	assert.Equal(t, n, counts[message.TopicDispatchTracking])
	assert.Equal(t, n, counts[message.TopicOrderDispatched])
}

func TestFlow_OutOfStockAcksWithoutEvents(t *testing.T) {
	h := newHarness(t, "", body("false"))

	h.send(t, "k", message.OrderCreated{OrderID: uuid.New(), Item: "gone"})
	h.settled(t, 1)

	m := h.bus.GetMetrics()
	assert.Empty(t, h.tr.outbound())
	assert.Zero(t, m.Retried)
	assert.Zero(t, m.DeadLettered)
	assert.EqualValues(t, 1, h.stockCalls.Load())
}

func TestFlow_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, "",
		status(http.StatusServiceUnavailable),
		status(http.StatusServiceUnavailable),
		body("true"),
	)

	start := time.Now()
	h.send(t, "k", message.OrderCreated{OrderID: uuid.New(), Item: "x"})
	h.settled(t, 1)

	// Two redeliveries, each after the default backoff.
	assert.GreaterOrEqual(t, time.Since(start), 2*xdispatch.DefaultBackoff)
	m := h.bus.GetMetrics()
	assert.EqualValues(t, 3, h.stockCalls.Load())
	assert.EqualValues(t, 2, m.Retried)
	assert.Zero(t, m.DeadLettered)
	assert.Len(t, h.tr.on(message.TopicDispatchTracking), 1)
	assert.Len(t, h.tr.on(message.TopicOrderDispatched), 1)
	assert.Empty(t, h.tr.Messages(dltTopic))
}

func TestFlow_RetryExhaustionDeadLettersOnce(t *testing.T) {
	h := newHarness(t, "", status(http.StatusServiceUnavailable))

	order := message.OrderCreated{OrderID: uuid.New(), Item: "x"}
	h.send(t, "order-key", order)
	h.settled(t, 1)

	assert.EqualValues(t, 1+xdispatch.DefaultMaxRetries, h.stockCalls.Load())
	assert.Empty(t, h.tr.on(message.TopicDispatchTracking))
	assert.Empty(t, h.tr.on(message.TopicOrderDispatched))

	dlt := h.tr.Messages(dltTopic)
	require.Len(t, dlt, 1)
	in := h.tr.Messages(message.TopicOrderCreated)
	require.Len(t, in, 1)

	assert.Equal(t, "order-key", dlt[0].Key)
	assert.Equal(t, in[0].Payload, dlt[0].Payload)
	assert.Equal(t, message.NameOrderCreated, dlt[0].Name)
	assert.Equal(t, message.TopicOrderCreated, dlt[0].Metadata[xdispatch.MetaDLTOriginalTopic])
	assert.Contains(t, dlt[0].Metadata[xdispatch.MetaDLTExceptionMessage], "503")
	assert.EqualValues(t, xdispatch.DefaultMaxRetries, h.bus.GetMetrics().Retried)
}

func TestFlow_FatalShortCircuits(t *testing.T) {
	h := newHarness(t, "", status(http.StatusBadRequest))

	h.send(t, "k", message.OrderCreated{OrderID: uuid.New(), Item: "x"})
	h.settled(t, 1)

	assert.EqualValues(t, 1, h.stockCalls.Load())
	assert.Zero(t, h.bus.GetMetrics().Retried)
	assert.Len(t, h.tr.Messages(dltTopic), 1)
	assert.Empty(t, h.tr.on(message.TopicDispatchTracking))
	assert.Empty(t, h.tr.on(message.TopicOrderDispatched))
}

func TestFlow_MalformedPayloadDeadLetters(t *testing.T) {
	h := newHarness(t, "", body("true"))

	require.NoError(t, h.tr.Publish(context.Background(), message.TopicOrderCreated, &xdispatch.Message{
		Key:     "bad",
		Name:    message.NameOrderCreated,
		Payload: []byte("{not json"),
	}))
	h.settled(t, 1)

	assert.Zero(t, h.stockCalls.Load())
	dlt := h.tr.Messages(dltTopic)
	require.Len(t, dlt, 1)
	assert.Equal(t, []byte("{not json"), dlt[0].Payload)
}

func TestFlow_TrackingPublishFailureSkipsDispatched(t *testing.T) {
	h := newHarness(t, message.TopicDispatchTracking, body("true"))

	h.send(t, "k", message.OrderCreated{OrderID: uuid.New(), Item: "x"})
	h.settled(t, 1)

	assert.EqualValues(t, 1, h.stockCalls.Load())
	assert.Zero(t, h.bus.GetMetrics().Retried)
	assert.Empty(t, h.tr.on(message.TopicOrderDispatched))
	assert.Len(t, h.tr.Messages(dltTopic), 1)
}

func TestFlow_OutboundKeysMatchInbound(t *testing.T) {
	h := newHarness(t, "", body("true"), status(http.StatusBadRequest))

	h.send(t, "key-ok", message.OrderCreated{OrderID: uuid.New(), Item: "a"})
	h.settled(t, 1)
	h.send(t, "key-dead", message.OrderCreated{OrderID: uuid.New(), Item: "b"})
	h.settled(t, 2)

	out := h.tr.outbound()
	require.Len(t, out, 3)
	for _, p := range out {
		switch p.topic {
		case dltTopic:
			assert.Equal(t, "key-dead", p.msg.Key)
		default:
			assert.Equal(t, "key-ok", p.msg.Key, p.topic)
		}
	}
}
