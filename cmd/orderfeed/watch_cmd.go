package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/internal/message"
)

type watchedMessage struct {
	Topic      string            `json:"topic"`
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Partition  int               `json:"partition"`
	Name       string            `json:"name"`
	Payload    any               `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ProducedAt time.Time         `json:"producedAt"`
}

func newWatchCmd() *cobra.Command {
	var (
		topic string
		group string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print messages from a topic as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus, _, err := openBus(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close(context.Background()) }()

			if group == "" {
				group = "orderfeed-" + uuid.NewString()
			}

			sub, err := bus.Subscribe(ctx, topic, group, func(ctx context.Context, msg *xdispatch.Message) error {
				payload, err := xdispatch.Decode[any](ctx, msg)
				if err != nil {
					payload = string(msg.Payload)
				}
				_ = writeJSON(os.Stdout, watchedMessage{
					Topic:      topic,
					ID:         msg.ID,
					Key:        msg.Key,
					Partition:  msg.Partition,
					Name:       msg.Name,
					Payload:    payload,
					Metadata:   msg.Metadata,
					ProducedAt: msg.ProducedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Close() }()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", message.TopicOrderDispatched, "Topic to watch")
	cmd.Flags().StringVar(&group, "group", "", "Consumer group (default: a fresh group)")
	return cmd
}
