package xdispatch

import (
	"github.com/cockroachdb/errors"
)

// Classification is the retry class of a processing result.
type Classification int

const (
	ClassSuccess Classification = iota
	ClassRetryable
	ClassFatal
)

func (c Classification) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

var (
	errRetryable    = errors.New("retryable")
	errNotRetryable = errors.New("not retryable")
)

// Retryable marks err as a transient failure eligible for redelivery.
// The original cause chain is preserved.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errRetryable)
}

// NotRetryable marks err as a permanent failure. It takes precedence over
// any Retryable mark further down the chain.
func NotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errNotRetryable)
}

// marked reports whether err already carries a retry class.
func marked(err error) bool {
	return errors.Is(err, errRetryable) || errors.Is(err, errNotRetryable)
}

// IsRetryable reports whether err classifies as ClassRetryable.
func IsRetryable(err error) bool { return Classify(err) == ClassRetryable }

// Classify maps an error onto its retry class. Unmarked errors are fatal.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, errNotRetryable):
		return ClassFatal
	case errors.Is(err, errRetryable):
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// OutcomeKind is the consumer-level verdict for one delivery.
type OutcomeKind int

const (
	OutcomeAck OutcomeKind = iota
	OutcomeRetry
	OutcomeDeadLetter
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	default:
		return "dead_letter"
	}
}

// Outcome is the typed result of handling a message.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// OutcomeOf derives the Outcome for a processing error.
func OutcomeOf(err error) Outcome {
	switch Classify(err) {
	case ClassSuccess:
		return Outcome{Kind: OutcomeAck}
	case ClassRetryable:
		return Outcome{Kind: OutcomeRetry, Err: err}
	default:
		return Outcome{Kind: OutcomeDeadLetter, Err: NotRetryable(err)}
	}
}

// Error returns the classified error carried by the outcome, nil for OutcomeAck.
func (o Outcome) Error() error {
	switch o.Kind {
	case OutcomeAck:
		return nil
	case OutcomeRetry:
		if o.Err == nil {
			return Retryable(errors.New("retry requested"))
		}
		return Retryable(o.Err)
	default:
		if o.Err == nil {
			return NotRetryable(errors.New("dead letter requested"))
		}
		return NotRetryable(o.Err)
	}
}
