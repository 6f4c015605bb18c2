package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// Config for the Redis Streams transport. The consumer group comes from
// Subscribe, one group per subscription.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer is this process's name inside every group it joins.
	Consumer    string
	Concurrency int // ordered workers per subscription
	BatchSize   int // XREADGROUP COUNT
	Block       time.Duration
	AutoCreate  bool

	AutoDeleteOnAck bool
	MaxLenApprox    int64

	// Entries pending longer than ClaimMinIdle are claimed every
	// ClaimInterval, at most ClaimBatch at a time. Zero ClaimMinIdle disables it.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns the configuration used when a key is not set.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("xdispatch-%s-%d", host, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("redisstream: addr required")
	case c.Consumer == "":
		return errors.New("redisstream: consumer required")
	case c.Concurrency < 1:
		return errors.Newf("redisstream: concurrency must be >= 1, got %d", c.Concurrency)
	case c.BatchSize < 1:
		return errors.Newf("redisstream: batch_size must be >= 1, got %d", c.BatchSize)
	case c.Block <= 0:
		return errors.Newf("redisstream: block must be > 0, got %v", c.Block)
	case c.ClaimMinIdle > 0 && c.ClaimInterval <= 0:
		return errors.New("redisstream: claim_interval must be > 0 when claim_min_idle is set")
	}
	return nil
}

// option binds one map key to one Config field. set reports whether the
// value was usable; unusable values keep the default.
type option struct {
	key string
	get func(*Config) any
	set func(*Config, any) bool
}

var options = []option{
	stringOpt("addr", func(c *Config) *string { return &c.Addr }, true),
	stringOpt("username", func(c *Config) *string { return &c.Username }, false),
	stringOpt("password", func(c *Config) *string { return &c.Password }, false),
	intOpt("db", func(c *Config) *int { return &c.DB }, false),
	boolOpt("tls", func(c *Config) *bool { return &c.TLS }),
	stringOpt("tls_server_name", func(c *Config) *string { return &c.TLSServerName }, false),
	stringOpt("consumer", func(c *Config) *string { return &c.Consumer }, true),
	intOpt("concurrency", func(c *Config) *int { return &c.Concurrency }, true),
	intOpt("batch_size", func(c *Config) *int { return &c.BatchSize }, true),
	durationOpt("block", func(c *Config) *time.Duration { return &c.Block }, true),
	boolOpt("auto_create", func(c *Config) *bool { return &c.AutoCreate }),
	boolOpt("auto_delete_on_ack", func(c *Config) *bool { return &c.AutoDeleteOnAck }),
	{
		key: "max_len_approx",
		get: func(c *Config) any { return c.MaxLenApprox },
		set: func(c *Config, v any) bool {
			n, ok := toInt64(v)
			if ok && n > 0 {
				c.MaxLenApprox = n
			}
			return ok
		},
	},
	durationOpt("claim_min_idle", func(c *Config) *time.Duration { return &c.ClaimMinIdle }, false),
	intOpt("claim_batch", func(c *Config) *int { return &c.ClaimBatch }, true),
	durationOpt("claim_interval", func(c *Config) *time.Duration { return &c.ClaimInterval }, true),
}

// ToMap converts Config to the generic map expected by the transport factory.
func (c Config) ToMap() map[string]any {
	m := make(map[string]any, len(options))
	for _, o := range options {
		m[o.key] = o.get(&c)
	}
	return m
}

// ConfigFromMap overlays m on Defaults. Integers may be any numeric type or
// a numeric string; durations a time.Duration or a string like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	for _, o := range options {
		if v, ok := m[o.key]; ok && v != nil {
			o.set(&c, v)
		}
	}
	return c
}

func stringOpt(key string, field func(*Config) *string, required bool) option {
	return option{
		key: key,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) bool {
			s, ok := v.(string)
			if !ok || (required && s == "") {
				return false
			}
			*field(c) = s
			return true
		},
	}
}

func intOpt(key string, field func(*Config) *int, positive bool) option {
	return option{
		key: key,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) bool {
			n, ok := toInt64(v)
			if !ok || (positive && n < 1) {
				return false
			}
			*field(c) = int(n)
			return true
		},
	}
}

func boolOpt(key string, field func(*Config) *bool) option {
	return option{
		key: key,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) bool {
			b, ok := v.(bool)
			if ok {
				*field(c) = b
			}
			return ok
		},
	}
}

func durationOpt(key string, field func(*Config) *time.Duration, positive bool) option {
	return option{
		key: key,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) bool {
			d, ok := toDuration(v)
			if !ok || (positive && d <= 0) {
				return false
			}
			*field(c) = d
			return true
		},
	}
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
