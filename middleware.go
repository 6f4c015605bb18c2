package xdispatch

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// TimeoutMiddleware bounds a single handler attempt to d through its
// context. The handler always runs to completion before the middleware
// returns, so attempts of one message never overlap. Its error keeps its own
// classification; only an unmarked deadline error becomes Retryable.
// d <= 0 disables the bound.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			err := next(tctx, msg)
			if err == nil || ctx.Err() != nil || tctx.Err() == nil {
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) && !marked(err) {
				return Retryable(errors.Wrapf(err, "handler exceeded %s", d))
			}
			return err
		}
	}
}

// RecoveryMiddleware turns a handler panic into a Fatal error.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = panicError(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

func panicError(r any) error {
	return NotRetryable(errors.Wrapf(ErrHandlerPanic, "%v", r))
}

// LoggingMiddleware writes one debug line per attempt with its
// classification. A nil logger uses the one the bus put in ctx.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			lg := l
			if lg == nil {
				if fromCtx, ok := LoggerFromContext(ctx); ok {
					lg = fromCtx
				} else {
					lg = xlog.Default()
				}
			}
			clk, ok := ClockFromContext(ctx)
			if !ok {
				clk = xclock.Default()
			}

			start := clk.Now()
			err := next(ctx, msg)

			lg.Debug().
				Str("name", msg.Name).
				Str("id", msg.ID).
				Str("key", msg.Key).
				Str("attempt", strconv.Itoa(AttemptFromContext(ctx))).
				Str("class", Classify(err).String()).
				Dur("dur", clk.Since(start)).
				Err(err).
				Msg("handler done")
			return err
		}
	}
}

// Chain wraps h so that mws[0] runs first. Nil entries are skipped.
func Chain(h Handler, mws ...Middleware) Handler {
	for _, mw := range slices.Backward(mws) {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}
