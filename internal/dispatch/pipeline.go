// Package dispatch turns OrderCreated events into tracking and dispatch events.
package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/internal/message"
	"github.com/trickstertwo/xdispatch/internal/stock"
)

const DefaultPublishTimeout = 10 * time.Second

// Processor runs the dispatch flow for one order.
type Processor interface {
	Process(ctx context.Context, key string, order message.OrderCreated) error
}

type PipelineConfig struct {
	Stock     stock.Checker
	Publisher xdispatch.Publisher
	ProcessID ProcessID
	// PublishTimeout bounds each acknowledged publish (default 10s).
	PublishTimeout time.Duration
	Logger         *xlog.Logger
}

// Pipeline checks stock and, when the item is available, publishes
// DispatchPreparing and then OrderDispatched under the inbound key.
type Pipeline struct {
	stock          stock.Checker
	pub            xdispatch.Publisher
	processID      ProcessID
	publishTimeout time.Duration
	logger         *xlog.Logger
}

var _ Processor = (*Pipeline)(nil)

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Stock == nil {
		return nil, errors.New("dispatch: stock checker required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("dispatch: publisher required")
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = xlog.Default()
	}

	return &Pipeline{
		stock:          cfg.Stock,
		pub:            cfg.Publisher,
		processID:      cfg.ProcessID,
		publishTimeout: timeout,
		logger:         logger,
	}, nil
}

// Process runs the flow. Stock check errors come back with their
// classification intact; publish failures are never retryable, and a failed
// tracking publish means OrderDispatched is not attempted.
func (p *Pipeline) Process(ctx context.Context, key string, order message.OrderCreated) error {
	available, err := p.stock.CheckAvailability(ctx, order.Item)
	if err != nil {
		return err
	}
	if !available {
		p.logger.Info().
			Str("key", key).
			Str("order_id", order.OrderID.String()).
			Str("item", order.Item).
			Msg("dispatch: item out of stock, skipping")
		return nil
	}

	tracking := message.DispatchPreparing{OrderID: order.OrderID}
	if err := p.publish(ctx, message.TopicDispatchTracking, key, message.NameDispatchPreparing, tracking); err != nil {
		return err
	}

	dispatched := message.NewOrderDispatched(order, p.processID.UUID())
	if err := p.publish(ctx, message.TopicOrderDispatched, key, message.NameOrderDispatched, dispatched); err != nil {
		return err
	}

	p.logger.Info().
		Str("key", key).
		Str("order_id", order.OrderID.String()).
		Str("process_id", p.processID.String()).
		Msg("dispatch: order dispatched")
	return nil
}

func (p *Pipeline) publish(ctx context.Context, topic, key, name string, payload any) error {
	pctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	if err := p.pub.Publish(pctx, topic, key, name, payload, nil); err != nil {
		return xdispatch.NotRetryable(errors.Wrapf(err, "publish %s to %s", name, topic))
	}
	return nil
}
