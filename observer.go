package xdispatch

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes bus events to xlog. Retries and nacks are warnings,
// dead letters are errors and everything else is debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(
		xlog.Str("event", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("key", e.Key),
		xlog.Str("name", e.EventName),
	)
	if e.Group != "" {
		l = l.With(xlog.Str("group", e.Group), xlog.Str("attempt", strconv.Itoa(e.Attempt)))
	}
	if e.MessageID != "" {
		l = l.With(xlog.Str("message_id", e.MessageID))
	}

	switch e.Type {
	case Retry:
		l.Warn().Err(e.Err).Dur("backoff", e.Duration).Msg("xdispatch: redelivering")
	case Nack:
		l.Warn().Err(e.Err).Msg("xdispatch: handed back to transport")
	case DeadLetter:
		l.Error().Err(e.Err).Msg("xdispatch: dead-lettered")
	case Error:
		l.Error().Err(e.Err).Msg("xdispatch: bus error")
	default:
		if e.Duration > 0 {
			l = l.With(xlog.Dur("duration", e.Duration))
		}
		l.Debug().Err(e.Err).Msg("xdispatch event")
	}
}
