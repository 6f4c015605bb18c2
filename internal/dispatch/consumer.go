package dispatch

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/internal/message"
)

// Subscriber is the part of the bus the consumer registers with.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler xdispatch.Handler) (xdispatch.Subscription, error)
}

// Consumer receives OrderCreated events and maps pipeline results onto
// delivery outcomes.
type Consumer struct {
	pipeline Processor
	logger   *xlog.Logger
}

func NewConsumer(pipeline Processor, logger *xlog.Logger) (*Consumer, error) {
	if pipeline == nil {
		return nil, errors.New("dispatch: pipeline required")
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Consumer{pipeline: pipeline, logger: logger}, nil
}

// OnMessage handles one OrderCreated. Success acknowledges, retryable
// failures ask for redelivery and everything else goes to the dead-letter topic.
func (c *Consumer) OnMessage(ctx context.Context, partition int, key string, order message.OrderCreated) xdispatch.Outcome {
	c.logger.Info().
		Str("partition", strconv.Itoa(partition)).
		Str("key", key).
		Str("order_id", order.OrderID.String()).
		Str("item", order.Item).
		Str("attempt", strconv.Itoa(xdispatch.AttemptFromContext(ctx))).
		Msg("dispatch: order received")

	out := xdispatch.OutcomeOf(c.pipeline.Process(ctx, key, order))
	if out.Kind != xdispatch.OutcomeAck {
		c.logger.Warn().
			Str("key", key).
			Str("outcome", out.Kind.String()).
			Err(out.Err).
			Msg("dispatch: order not processed")
	}
	return out
}

// Handler returns the typed bus handler for order.created.
func (c *Consumer) Handler() xdispatch.Handler {
	return xdispatch.Handle(func(ctx context.Context, msg *xdispatch.Message, order message.OrderCreated) error {
		return c.OnMessage(ctx, msg.Partition, msg.Key, order).Error()
	})
}

// Register subscribes the consumer to order.created under its consumer group.
func (c *Consumer) Register(ctx context.Context, bus Subscriber) (xdispatch.Subscription, error) {
	sub, err := bus.Subscribe(ctx, message.TopicOrderCreated, message.ConsumerGroup, c.Handler())
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", message.TopicOrderCreated)
	}
	return sub, nil
}
