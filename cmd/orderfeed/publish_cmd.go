package main

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trickstertwo/xdispatch/internal/message"
)

func newPublishCmd() *cobra.Command {
	var (
		count    int
		item     string
		key      string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish OrderCreated events to order.created",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bus, logger, err := openBus(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close(ctx) }()

			for i := 0; i < count; i++ {
				order := message.OrderCreated{OrderID: uuid.New(), Item: item}
				k := key
				if k == "" {
					k = uuid.NewString()
				}

				if err := bus.Publish(ctx, message.TopicOrderCreated, k, message.NameOrderCreated, order, map[string]string{
					"source": "orderfeed",
					"seq":    strconv.Itoa(i + 1),
				}); err != nil {
					return err
				}
				logger.Info().
					Str("key", k).
					Str("order_id", order.OrderID.String()).
					Str("item", item).
					Msg("order published")

				if interval > 0 && i+1 < count {
					select {
					case <-time.After(interval):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "Number of orders to publish")
	cmd.Flags().StringVar(&item, "item", "my-item", "Item to order")
	cmd.Flags().StringVar(&key, "key", "", "Partition key (default: random per order)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between orders")
	return cmd
}
