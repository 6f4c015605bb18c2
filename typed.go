package xdispatch

import (
	"context"

	"github.com/cockroachdb/errors"
)

// TypedHandler handles a message whose payload has already been decoded into T.
type TypedHandler[T any] func(ctx context.Context, msg *Message, payload T) error

// Handle adapts a TypedHandler into a Handler. Payloads that fail to decode are
// never retried.
func Handle[T any](h TypedHandler[T]) Handler {
	return func(ctx context.Context, msg *Message) error {
		payload, err := Decode[T](ctx, msg)
		if err != nil {
			return NotRetryable(errors.Wrapf(err, "decode %q payload", msg.Name))
		}
		return h(ctx, msg, payload)
	}
}
