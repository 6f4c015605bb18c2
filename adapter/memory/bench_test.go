package memory_test

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/adapter/memory"
	"github.com/trickstertwo/xdispatch/internal/message"
)

// BenchmarkBus_OrderCreatedThroughput pushes b.N order.created events through
// the bus over 16 order keys and waits until the group acked all of them.
func BenchmarkBus_OrderCreatedThroughput(b *testing.B) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelError,
		ConsoleTimeFormat: time.RFC3339Nano,
	}).With(xlog.Str("app", "xdispatch-memory-bench"))

	bus, err := xdispatch.NewBusBuilder().
		WithLogger(logger).
		WithTransport(memory.TransportName, memory.Config{
			Partitions: 8,
			BufferSize: 1 << 15,
			AssignIDs:  true,
		}.ToMap()).
		Build()
	if err != nil {
		b.Fatalf("build bus: %v", err)
	}
	defer func() { _ = bus.Close(context.Background()) }()

	var (
		received atomic.Int64
		sumLat   atomic.Int64
		maxLat   atomic.Int64
		target   = int64(b.N)
		done     = make(chan struct{})
	)

	handler := xdispatch.Handle(func(_ context.Context, msg *xdispatch.Message, _ message.OrderCreated) error {
		lat := time.Since(msg.ProducedAt).Nanoseconds()
		sumLat.Add(lat)
		for {
			old := maxLat.Load()
			if lat <= old || maxLat.CompareAndSwap(old, lat) {
				break
			}
		}
		if received.Add(1) == target {
			close(done)
		}
		return nil
	})
	sub, err := bus.Subscribe(ctx, message.TopicOrderCreated, message.ConsumerGroup, handler)
	if err != nil {
		b.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	keys := make([]string, 16)
	for i := range keys {
		keys[i] = "order-" + strconv.Itoa(i)
	}
	order := message.OrderCreated{OrderID: uuid.New(), Item: "bench-item"}

	b.ResetTimer()
	start := time.Now()
	for i := 0; i < b.N; i++ {
		if err := bus.Publish(ctx, message.TopicOrderCreated, keys[i%len(keys)], message.NameOrderCreated, order, nil); err != nil {
			b.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		b.Fatalf("timeout waiting for consumption: got %d/%d", received.Load(), target)
	}
	total := time.Since(start)
	b.StopTimer()

	n := received.Load()
	b.ReportMetric(float64(n)/total.Seconds(), "msgs/s")
	b.ReportMetric(float64(sumLat.Load())/float64(n), "avg-lat-ns")
	b.ReportMetric(float64(maxLat.Load()), "max-lat-ns")
}
