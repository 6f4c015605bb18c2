// Command dispatcher consumes order.created, checks stock and emits the
// dispatch tracking and dispatched events.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/internal/config"
	"github.com/trickstertwo/xdispatch/internal/dispatch"
	"github.com/trickstertwo/xdispatch/internal/stock"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := zerolog.Use(zerolog.Config{
		MinLevel:          logLevel(cfg.Log.Level),
		Console:           cfg.Log.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            true,
		CallerSkip:        5,
	}).With(xlog.Str("app", "dispatcher"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processID := dispatch.NewProcessID()
	logger.Info().
		Str("process_id", processID.String()).
		Str("transport", cfg.Transport).
		Str("codec", cfg.Codec).
		Msg("dispatcher starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus, err := xdispatch.NewBusBuilder().
		WithLogger(logger).
		WithClock(xclock.Default()).
		WithTransport(cfg.Transport, cfg.TransportConfig()).
		WithCodec(cfg.Codec).
		WithAckTimeout(cfg.Dispatch.AckTimeout).
		WithRedeliveryPolicy(cfg.RedeliveryPolicy()).
		WithMiddleware(
			xdispatch.TimeoutMiddleware(cfg.Dispatch.HandlerTimeout),
			xdispatch.LoggingMiddleware(logger),
		).
		WithObserver(xdispatch.NewPrometheusObserver(reg, cfg.Metrics.Namespace)).
		Build()
	if err != nil {
		return errors.Wrap(err, "build bus")
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := bus.Close(cctx); err != nil {
			logger.Warn().Err(err).Msg("bus close")
		}
	}()

	stockClient, err := stock.NewClient(stock.ClientConfig{
		Endpoint: cfg.Stock.Endpoint,
		Timeout:  cfg.Stock.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	pipeline, err := dispatch.NewPipeline(dispatch.PipelineConfig{
		Stock:          stockClient,
		Publisher:      bus,
		ProcessID:      processID,
		PublishTimeout: cfg.Dispatch.PublishTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	consumer, err := dispatch.NewConsumer(pipeline, logger)
	if err != nil {
		return err
	}

	sub, err := consumer.Register(ctx, bus)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           opsMux(reg, bus),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("ops server stopped")
			stop()
		}
	}()

	logger.Info().
		Str("topic", "order.created").
		Str("metrics_addr", cfg.Metrics.Addr).
		Msg("dispatcher running")

	<-ctx.Done()
	logger.Info().Msg("dispatcher shutting down")

	if err := sub.Close(); err != nil {
		logger.Warn().Err(err).Msg("subscription close")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("ops server shutdown")
	}
	return nil
}

// opsMux serves /metrics and /healthz.
func opsMux(reg *prometheus.Registry, hc xdispatch.HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := hc.Health(r.Context())
		body, err := sonic.Marshal(status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if status.Status == xdispatch.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})
	return mux
}

func logLevel(s string) xlog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return xlog.LevelDebug
	case "warn", "warning":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}
