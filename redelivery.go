package xdispatch

import (
	"time"
)

const (
	DefaultMaxRetries       = 3
	DefaultBackoff          = 100 * time.Millisecond
	DefaultDeadLetterSuffix = ".DLT"
)

// Dead-letter metadata keys added next to the untouched original headers.
const (
	MetaDLTOriginalTopic     = "dlt-original-topic"
	MetaDLTOriginalPartition = "dlt-original-partition"
	MetaDLTExceptionMessage  = "dlt-exception-message"
	MetaDLTExceptionClass    = "dlt-exception-class"
)

// RedeliveryPolicy is a fixed-backoff-then-dead-letter policy applied per failed message.
type RedeliveryPolicy struct {
	// MaxRetries is the number of redeliveries after the first attempt.
	MaxRetries int
	// Backoff is the fixed delay before every redelivery.
	Backoff time.Duration
	// DeadLetterSuffix is appended to the inbound topic to name the dead-letter topic.
	DeadLetterSuffix string
}

// DefaultRedeliveryPolicy returns 3 retries, 100ms apart, dead-lettering to "<topic>.DLT".
func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return RedeliveryPolicy{
		MaxRetries:       DefaultMaxRetries,
		Backoff:          DefaultBackoff,
		DeadLetterSuffix: DefaultDeadLetterSuffix,
	}
}

func (p RedeliveryPolicy) normalized() RedeliveryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.DeadLetterSuffix == "" {
		p.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	return p
}

// DeadLetterTopic derives the dead-letter topic for an inbound topic.
func (p RedeliveryPolicy) DeadLetterTopic(topic string) string {
	return topic + p.normalized().DeadLetterSuffix
}

// Begin starts tracking a freshly received message.
func (p RedeliveryPolicy) Begin(key string) *DeliveryAttempt {
	return &DeliveryAttempt{policy: p.normalized(), Key: key, State: StateActive}
}

// AttemptState is the lifecycle state of a DeliveryAttempt.
type AttemptState int

const (
	StateActive AttemptState = iota
	StateAcknowledged
	StateDeadLettered
)

func (s AttemptState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAcknowledged:
		return "acknowledged"
	default:
		return "dead_lettered"
	}
}

// Action tells the driver what to do next with a message.
type Action int

const (
	ActionAcknowledge Action = iota
	ActionRedeliver
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAcknowledge:
		return "acknowledge"
	case ActionRedeliver:
		return "redeliver"
	default:
		return "dead_letter"
	}
}

// Decision is the result of recording one processing result.
type Decision struct {
	Action Action
	// Delay is the wait before redelivery (ActionRedeliver only).
	Delay time.Duration
	// Class is the classification that produced the decision.
	Class Classification
}

// DeliveryAttempt is the per-message retry state. It is not safe for
// concurrent use and must not be shared across messages.
type DeliveryAttempt struct {
	policy RedeliveryPolicy

	Key string
	// Attempt counts redeliveries performed so far (0 on first delivery).
	Attempt int
	State   AttemptState
	// LastClass is the classification of the most recent result.
	LastClass Classification
}

// Done reports whether the attempt reached a terminal state.
func (a *DeliveryAttempt) Done() bool { return a.State != StateActive }

// Record feeds the result of one processing run into the state machine.
func (a *DeliveryAttempt) Record(err error) (Decision, error) {
	if a.Done() {
		return Decision{}, ErrAttemptFinished
	}

	class := Classify(err)
	a.LastClass = class

	switch class {
	case ClassSuccess:
		a.State = StateAcknowledged
		return Decision{Action: ActionAcknowledge, Class: class}, nil
	case ClassRetryable:
		a.Attempt++
		if a.Attempt > a.policy.MaxRetries {
			a.State = StateDeadLettered
			return Decision{Action: ActionDeadLetter, Class: class}, nil
		}
		return Decision{Action: ActionRedeliver, Delay: a.policy.Backoff, Class: class}, nil
	default:
		a.State = StateDeadLettered
		return Decision{Action: ActionDeadLetter, Class: class}, nil
	}
}
