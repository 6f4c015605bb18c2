package xdispatch

import (
	"time"
)

// PublishEvent is one entry of a PublishBatch call.
type PublishEvent struct {
	Key     string
	Name    string
	Payload any
	Meta    map[string]string
}

// EventType names a point in the publish or delivery lifecycle.
type EventType string

// Publish side.
const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
)

// Delivery side. A delivery ends in exactly one of Ack, Nack or DeadLetter
// (dead-lettered messages are then acked); Retry precedes every redelivery.
const (
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Retry        EventType = "retry"
	DeadLetter   EventType = "dead_letter"
	Error        EventType = "error"
)

// Event is what observers receive. Attempt counts redeliveries (0 = first run).
type Event struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	Key       string
	EventName string
	Attempt   int
	Duration  time.Duration
	Err       error
}

// PoolStats is a snapshot of the observer pool counters.
type PoolStats struct {
	Dropped   uint64 // lane full
	Delivered uint64
	Panics    uint64 // recovered observer panics
	Queued    int
	Lanes     int
}

// Metrics is a snapshot of the bus counters.
type Metrics struct {
	Published           uint64  `json:"published"`
	Consumed            uint64  `json:"consumed"`
	Acked               uint64  `json:"acked"`
	Nacked              uint64  `json:"nacked"`
	Retried             uint64  `json:"retried"`
	DeadLettered        uint64  `json:"deadLettered"`
	Errors              uint64  `json:"errors"`
	EventsDropped       uint64  `json:"eventsDropped"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
}

// Health states reported by Bus.Health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is served by the /healthz probe.
type HealthStatus struct {
	Status    string    `json:"status"`
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}
