package xdispatch

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type scopeKey struct{}

// scope is what the bus hands every handler attempt through its context.
type scope struct {
	codec   Codec
	logger  *xlog.Logger
	clock   xclock.Clock
	attempt int
}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// InjectAll attaches codec, logger and clock to ctx. Nil values are left
// unset so the *FromContext helpers report them missing.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	s := scopeOf(ctx)
	if codec != nil {
		s.codec = codec
	}
	if logger != nil {
		s.logger = logger
	}
	if clock != nil {
		s.clock = clock
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

func injectAttempt(ctx context.Context, n int) context.Context {
	s := scopeOf(ctx)
	s.attempt = n
	return context.WithValue(ctx, scopeKey{}, s)
}

func CodecFromContext(ctx context.Context) (Codec, bool) {
	c := scopeOf(ctx).codec
	return c, c != nil
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l := scopeOf(ctx).logger
	return l, l != nil
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c := scopeOf(ctx).clock
	return c, c != nil
}

// AttemptFromContext returns how many times the current message was
// redelivered before this attempt (0 on first delivery).
func AttemptFromContext(ctx context.Context) int {
	return scopeOf(ctx).attempt
}
