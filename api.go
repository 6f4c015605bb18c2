package xdispatch

import (
	"context"
)

// Handler processes a single message. The returned error is classified by the
// RedeliveryPolicy: nil acknowledges, Retryable errors are redelivered and
// everything else is dead-lettered.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
// Ack and Nack are idempotent; whichever is called first wins.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends messages to a topic and returns once the backend has
	// accepted them. Messages sharing a Key land on the same partition.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic within a consumer group. Each
	// partition is handled by a single goroutine in arrival order.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec turns payloads into Message bytes. Producers and consumers of a topic
// must agree on it.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events on an ObserverPool lane. Events with
// the same key arrive in emission order; a slow observer causes drops.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker is implemented by the Bus and served on /healthz.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Pinger is an optional Transport capability consulted by Bus.Health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Publisher is the narrow publishing surface used by producers.
type Publisher interface {
	Publish(ctx context.Context, topic, key, eventName string, payload any, meta map[string]string) error
}

// API is the full Bus surface.
type API interface {
	Publisher
	PublishBatch(ctx context.Context, topic string, events ...PublishEvent) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
