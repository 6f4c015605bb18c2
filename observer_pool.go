package xdispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ObserverPool fans bus events out to observers off the hot path.
//
// Events are routed to lanes by message key, so the events of one message
// (consume, retry, dead letter, ack) reach observers in the order the bus
// emitted them. A full lane drops the event instead of blocking the caller.
type ObserverPool struct {
	lanes []chan notification
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64
}

type notification struct {
	event     Event
	observers []Observer
}

// NewObserverPool starts lanes goroutines, each with a queue of bufferSize.
func NewObserverPool(lanes, bufferSize int) *ObserverPool {
	if lanes < 1 {
		lanes = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}

	op := &ObserverPool{lanes: make([]chan notification, lanes)}
	for i := range op.lanes {
		ch := make(chan notification, bufferSize)
		op.lanes[i] = ch
		op.wg.Add(1)
		go op.run(ch)
	}
	return op
}

// Notify queues e for observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}

	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}

	select {
	case op.lanes[op.laneFor(e)] <- notification{event: e, observers: observers}:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) laneFor(e Event) int {
	route := e.Key
	if route == "" {
		route = e.MessageID
	}
	if route == "" {
		route = e.Topic
	}
	return int(xxhash.Sum64String(route) % uint64(len(op.lanes)))
}

func (op *ObserverPool) run(ch <-chan notification) {
	defer op.wg.Done()
	for n := range ch {
		for _, obs := range n.observers {
			op.call(obs, n.event)
		}
		op.delivered.Add(1)
	}
}

// call isolates the lane from a panicking observer.
func (op *ObserverPool) call(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panics.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits up to timeout for queued ones.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.mu.Lock()
	if op.closed {
		op.mu.Unlock()
		return nil
	}
	op.closed = true
	for _, ch := range op.lanes {
		close(ch)
	}
	op.mu.Unlock()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats reports pool counters.
func (op *ObserverPool) Stats() PoolStats {
	queued := 0
	for _, ch := range op.lanes {
		queued += len(ch)
	}
	return PoolStats{
		Dropped:   op.dropped.Load(),
		Delivered: op.delivered.Load(),
		Panics:    op.panics.Load(),
		Queued:    queued,
		Lanes:     len(op.lanes),
	}
}
