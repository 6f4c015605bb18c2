package memory

import (
	"time"
)

// Config controls memory transport behavior.
type Config struct {
	// Partitions per topic; keys are spread over them by hash (default 3).
	Partitions int
	// BufferSize is the queue length of each partition (default 1024).
	BufferSize int
	// RedeliveryDelay is how long a nacked message waits before it is
	// queued again on its partition (default 0).
	RedeliveryDelay time.Duration
	// AssignIDs gives messages without an ID a UUID on publish (default true).
	AssignIDs bool
}

// Defaults returns the configuration used when a key is not set.
func Defaults() Config {
	return Config{Partitions: 3, BufferSize: 1024, AssignIDs: true}
}

// ToMap converts Config to the generic map expected by the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"partitions":       c.Partitions,
		"buffer_size":      c.BufferSize,
		"redelivery_delay": c.RedeliveryDelay,
		"assign_ids":       c.AssignIDs,
	}
}

// ConfigFromMap overlays m on Defaults. Partitions and BufferSize are
// clamped to at least 1.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if n, ok := number(m["partitions"]); ok {
		c.Partitions = int(n)
	}
	if n, ok := number(m["buffer_size"]); ok {
		c.BufferSize = int(n)
	}
	switch d := m["redelivery_delay"].(type) {
	case time.Duration:
		c.RedeliveryDelay = d
	case string:
		if p, err := time.ParseDuration(d); err == nil {
			c.RedeliveryDelay = p
		}
	}
	if b, ok := m["assign_ids"].(bool); ok {
		c.AssignIDs = b
	}
	c.Partitions = max(1, c.Partitions)
	c.BufferSize = max(1, c.BufferSize)
	return c
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
