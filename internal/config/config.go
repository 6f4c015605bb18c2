// Package config loads the relay configuration from the environment.
package config

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/adapter/memory"
	"github.com/trickstertwo/xdispatch/adapter/redisstream"
)

// DefaultEnvFiles are read, when present, before the environment is parsed.
var DefaultEnvFiles = []string{".env", ".env.local"}

type StockOptions struct {
	Endpoint string        `env:"DISPATCH_STOCK_ENDPOINT" envDefault:"http://localhost:9001/api/stock"`
	Timeout  time.Duration `env:"DISPATCH_STOCK_TIMEOUT" envDefault:"5s"`
}

type DispatchOptions struct {
	PublishTimeout time.Duration `env:"DISPATCH_PUBLISH_TIMEOUT" envDefault:"10s"`
	AckTimeout     time.Duration `env:"DISPATCH_ACK_TIMEOUT" envDefault:"5s"`
	HandlerTimeout time.Duration `env:"DISPATCH_HANDLER_TIMEOUT" envDefault:"30s"`
	MaxRetries     int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
	Backoff        time.Duration `env:"DISPATCH_BACKOFF" envDefault:"100ms"`
	DLTSuffix      string        `env:"DISPATCH_DLT_SUFFIX" envDefault:".DLT"`
}

type MemoryOptions struct {
	Partitions int `env:"MEMORY_PARTITIONS" envDefault:"3"`
	BufferSize int `env:"MEMORY_BUFFER_SIZE" envDefault:"1024"`
}

type RedisOptions struct {
	Addr          string        `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Username      string        `env:"REDIS_USERNAME"`
	Password      string        `env:"REDIS_PASSWORD"`
	DB            int           `env:"REDIS_DB" envDefault:"0"`
	TLS           bool          `env:"REDIS_TLS" envDefault:"false"`
	Consumer      string        `env:"REDIS_CONSUMER"`
	Concurrency   int           `env:"REDIS_CONCURRENCY" envDefault:"8"`
	BatchSize     int           `env:"REDIS_BATCH_SIZE" envDefault:"128"`
	Block         time.Duration `env:"REDIS_BLOCK" envDefault:"5s"`
	MaxLenApprox  int64         `env:"REDIS_MAX_LEN_APPROX" envDefault:"0"`
	ClaimMinIdle  time.Duration `env:"REDIS_CLAIM_MIN_IDLE" envDefault:"30s"`
	ClaimInterval time.Duration `env:"REDIS_CLAIM_INTERVAL" envDefault:"15s"`
}

type MetricsOptions struct {
	Addr      string `env:"METRICS_ADDR" envDefault:":9090"`
	Namespace string `env:"METRICS_NAMESPACE" envDefault:"dispatch"`
}

type LogOptions struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	Console bool   `env:"LOG_CONSOLE" envDefault:"false"`
}

type Config struct {
	Transport string `env:"DISPATCH_TRANSPORT" envDefault:"memory"`
	Codec     string `env:"DISPATCH_CODEC" envDefault:"json"`

	Stock    StockOptions
	Dispatch DispatchOptions
	Memory   MemoryOptions
	Redis    RedisOptions
	Metrics  MetricsOptions
	Log      LogOptions
}

// LoadEnv loads the env files that exist and reports how many were read.
// Variables already present in the environment win.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if st, err := os.Stat(file); err == nil && !st.IsDir() {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads envFiles (DefaultEnvFiles when none are given), parses the
// environment and validates the result.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}
	if _, err := LoadEnv(envFiles); err != nil {
		return Config{}, errors.Wrap(err, "config: load env files")
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "config: parse environment")
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if names := xdispatch.TransportNames(); !slices.Contains(names, c.Transport) {
		return errors.Newf("config: DISPATCH_TRANSPORT must be one of %v, got %q", names, c.Transport)
	}
	if names := xdispatch.CodecNames(); !slices.Contains(names, c.Codec) {
		return errors.Newf("config: DISPATCH_CODEC must be one of %v, got %q", names, c.Codec)
	}
	if strings.TrimSpace(c.Stock.Endpoint) == "" {
		return errors.New("config: DISPATCH_STOCK_ENDPOINT is required")
	}
	if c.Stock.Timeout <= 0 {
		return errors.Newf("config: DISPATCH_STOCK_TIMEOUT must be positive, got %v", c.Stock.Timeout)
	}
	if c.Dispatch.PublishTimeout <= 0 {
		return errors.Newf("config: DISPATCH_PUBLISH_TIMEOUT must be positive, got %v", c.Dispatch.PublishTimeout)
	}
	if c.Dispatch.MaxRetries < 0 {
		return errors.Newf("config: DISPATCH_MAX_RETRIES must be non-negative, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.Backoff < 0 {
		return errors.Newf("config: DISPATCH_BACKOFF must be non-negative, got %v", c.Dispatch.Backoff)
	}
	if c.Transport == redisstream.TransportName {
		if err := c.RedisConfig().Validate(); err != nil {
			return errors.Wrap(err, "config")
		}
	}
	return nil
}

// RedeliveryPolicy returns the policy applied to order.created deliveries.
func (c Config) RedeliveryPolicy() xdispatch.RedeliveryPolicy {
	return xdispatch.RedeliveryPolicy{
		MaxRetries:       c.Dispatch.MaxRetries,
		Backoff:          c.Dispatch.Backoff,
		DeadLetterSuffix: c.Dispatch.DLTSuffix,
	}
}

func (c Config) MemoryConfig() memory.Config {
	mc := memory.Defaults()
	if c.Memory.Partitions > 0 {
		mc.Partitions = c.Memory.Partitions
	}
	if c.Memory.BufferSize > 0 {
		mc.BufferSize = c.Memory.BufferSize
	}
	return mc
}

func (c Config) RedisConfig() redisstream.Config {
	rc := redisstream.Defaults()
	rc.Addr = c.Redis.Addr
	rc.Username = c.Redis.Username
	rc.Password = c.Redis.Password
	rc.DB = c.Redis.DB
	rc.TLS = c.Redis.TLS
	if c.Redis.Consumer != "" {
		rc.Consumer = c.Redis.Consumer
	}
	rc.Concurrency = c.Redis.Concurrency
	rc.BatchSize = c.Redis.BatchSize
	rc.Block = c.Redis.Block
	rc.MaxLenApprox = c.Redis.MaxLenApprox
	rc.ClaimMinIdle = c.Redis.ClaimMinIdle
	rc.ClaimInterval = c.Redis.ClaimInterval
	return rc
}

// TransportConfig returns the registry config map for the selected transport.
func (c Config) TransportConfig() map[string]any {
	if c.Transport == redisstream.TransportName {
		return c.RedisConfig().ToMap()
	}
	return c.MemoryConfig().ToMap()
}
