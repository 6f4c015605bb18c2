package xdispatch

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBusClosed                   = errors.New("xdispatch: bus is closed")
	ErrInvalidTopic                = errors.New("xdispatch: topic must not be empty")
	ErrInvalidEventName            = errors.New("xdispatch: event name must not be empty")
	ErrInvalidPayload              = errors.New("xdispatch: payload must not be nil")
	ErrInvalidSubscription         = errors.New("xdispatch: topic, group and handler are required")
	ErrNoTransportConfigured       = errors.New("xdispatch: no transport configured")
	ErrHandlerPanic                = errors.New("xdispatch: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xdispatch: observer pool shutdown timeout")
	ErrAttemptFinished             = errors.New("xdispatch: delivery attempt already finished")
)
