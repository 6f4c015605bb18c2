package xdispatch

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder collects Bus options. Either a transport name or a transport
// instance is required.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration
	policy      RedeliveryPolicy

	poolLanes  int
	poolBuffer int
}

// NewBusBuilder defaults to the json codec, a 5s ack timeout and the
// 3 x 100ms redelivery policy.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:  "json",
		ackTimeout: 5 * time.Second,
		policy:     DefaultRedeliveryPolicy(),
		poolLanes:  4,
		poolBuffer: 1024,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance.
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	if name != "" {
		bb.codecName = name
	}
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithRedeliveryPolicy replaces the default 3 x 100ms policy.
func (bb *BusBuilder) WithRedeliveryPolicy(p RedeliveryPolicy) *BusBuilder {
	bb.policy = p.normalized()
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *BusBuilder) WithObserverPool(lanes, bufferSize int) *BusBuilder {
	bb.poolLanes = lanes
	bb.poolBuffer = bufferSize
	return bb
}

// Build resolves the transport and codec and starts the observer pool. A
// LoggingObserver on the bus logger is added unless one was supplied.
func (bb *BusBuilder) Build() (*Bus, error) {
	tr, err := bb.transport()
	if err != nil {
		return nil, err
	}
	cd := bb.codecInst
	if cd == nil {
		if cd, err = NewCodec(bb.codecName); err != nil {
			return nil, err
		}
	}

	b := &Bus{
		transport:    tr,
		codec:        cd,
		clock:        cmp.Or[xclock.Clock](bb.clock, xclock.Default()),
		logger:       cmp.Or(bb.logger, xlog.Default()),
		middlewares:  bb.middlewares,
		ackTimeout:   bb.ackTimeout,
		policy:       bb.policy.normalized(),
		observerPool: NewObserverPool(bb.poolLanes, bb.poolBuffer),
		metrics:      &busMetrics{},
	}

	if !slices.ContainsFunc(bb.observers, isLoggingObserver) {
		b.AddObserver(LoggingObserver{Logger: b.logger})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}
	return b, nil
}

func (bb *BusBuilder) transport() (Transport, error) {
	switch {
	case bb.transportInst != nil:
		return bb.transportInst, nil
	case bb.transportName != "":
		return NewTransport(bb.transportName, bb.transportCfg)
	default:
		return nil, ErrNoTransportConfigured
	}
}

func isLoggingObserver(o Observer) bool {
	_, ok := o.(LoggingObserver)
	return ok
}

// New builds a Bus configured by init and returns it with a close func.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	return bus, func() error { return bus.Close(context.Background()) }, nil
}
