package xdispatch

import (
	"time"
)

// Message is the envelope traveling the bus. The Payload is encoded via Codec.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Key is the partition key. Messages with equal keys keep their relative order.
	Key string
	// Partition is the partition the message was read from (set by the transport on delivery).
	Partition int
	// Name is the logical event name, useful for routing/metrics.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Clone returns a copy safe to republish. Payload bytes are shared, Metadata is copied.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
