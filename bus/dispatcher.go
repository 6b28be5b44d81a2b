package bus

import (
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-carvera/internal/queue"
)

type dispatchItem struct {
	ev Event
	fn func()
}

// Dispatcher delivers events to a Bus on its own goroutine, in posting order.
//
// Functions posted with Go run on the same goroutine, interleaved with events in
// posting order. The link uses this for completion callbacks so a callback never
// observes an event that was published after it.
type Dispatcher struct {
	bus     *Bus
	items   queue.Queue[dispatchItem]
	wakeup  chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

var _ Publisher = (*Dispatcher)(nil)

// NewDispatcher starts a dispatcher that publishes to b.
func NewDispatcher(b *Bus) *Dispatcher {
	d := &Dispatcher{
		bus:     b,
		items:   queue.NewLockFreeQueue[dispatchItem](),
		wakeup:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()

	return d
}

// Bus returns the underlying bus.
func (d *Dispatcher) Bus() *Bus {
	return d.bus
}

// Publish queues ev for delivery. Events posted after Close are dropped.
func (d *Dispatcher) Publish(ev Event) {
	if ev == nil {
		return
	}
	d.post(dispatchItem{ev: ev})
}

// Go queues fn to run on the delivery goroutine. Functions posted after Close are dropped.
func (d *Dispatcher) Go(fn func()) {
	if fn == nil {
		return
	}
	d.post(dispatchItem{fn: fn})
}

// Sync blocks until everything posted before the call has been delivered.
// It returns immediately after Close.
func (d *Dispatcher) Sync() {
	done := make(chan struct{})
	if !d.post(dispatchItem{fn: func() { close(done) }}) {
		return
	}
	select {
	case <-done:
	case <-d.stopped:
	}
}

// Close delivers what is already queued, then stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.quit)
	})
	<-d.stopped
}

func (d *Dispatcher) post(it dispatchItem) bool {
	if d.closed.Load() {
		return false
	}
	d.items.Enqueue(it)
	select {
	case d.wakeup <- struct{}{}:
	default:
	}

	return true
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	for {
		select {
		case <-d.wakeup:
			d.drain()
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		it, ok := d.items.Dequeue()
		if !ok {
			return
		}
		if it.ev != nil {
			d.bus.Publish(it.ev)
			continue
		}
		d.callFunc(it.fn)
	}
}

func (d *Dispatcher) callFunc(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.bus.logger.Error("dispatcher func panic", "panic", r)
		}
	}()

	fn()
}
