package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orderfeed",
		Short:         "Feed order.created and watch the dispatch topics",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(newPublishCmd(), newWatchCmd())
	return cmd
}

// openBus builds a bus on the transport selected by the environment.
func openBus(_ context.Context) (*xdispatch.Bus, *xlog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           true,
		ConsoleTimeFormat: time.RFC3339Nano,
	}).With(xlog.Str("app", "orderfeed"))

	bus, err := xdispatch.NewBusBuilder().
		WithLogger(logger).
		WithClock(xclock.Default()).
		WithTransport(cfg.Transport, cfg.TransportConfig()).
		WithCodec(cfg.Codec).
		WithAckTimeout(cfg.Dispatch.AckTimeout).
		Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build bus")
	}
	return bus, logger, nil
}
