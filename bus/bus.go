package bus

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-carvera/logger"
)

// Listener receives events.
type Listener func(Event)

// Publisher is implemented by Bus and Dispatcher.
type Publisher interface {
	Publish(ev Event)
}

// Bus maps event kinds to ordered listener lists.
//
// Registration copies the listener list, so Publish never holds a lock while
// listeners run and listeners may subscribe or publish re-entrantly.
type Bus struct {
	listeners *xsync.MapOf[Kind, []Listener]
	logger    logger.Logger
}

var _ Publisher = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report listener panics.
func WithLogger(l logger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		listeners: xsync.NewMapOf[Kind, []Listener](),
		logger:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// SubscribeKind registers fn for events of kind k.
func (b *Bus) SubscribeKind(k Kind, fn Listener) {
	if fn == nil {
		return
	}
	b.listeners.Compute(k, func(old []Listener, _ bool) ([]Listener, bool) {
		next := make([]Listener, len(old), len(old)+1)
		copy(next, old)

		return append(next, fn), false
	})
}

// SubscribeAll registers fn for every kind. All-kind listeners run after the
// kind specific listeners of each event.
func (b *Bus) SubscribeAll(fn Listener) {
	b.SubscribeKind(kindAll, fn)
}

// Subscribe registers a typed listener for the kind of E.
//
//	bus.Subscribe(b, func(ev bus.StatusEvent) { ... })
func Subscribe[E Event](b *Bus, fn func(E)) {
	var zero E
	b.SubscribeKind(zero.Kind(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Publish calls every listener registered for ev's kind, then every all-kind listener.
// A panicking listener is logged and does not stop delivery to the rest.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	kind := ev.Kind()
	if list, ok := b.listeners.Load(kind); ok {
		b.deliver(kind, list, ev)
	}
	if list, ok := b.listeners.Load(kindAll); ok {
		b.deliver(kind, list, ev)
	}
}

// ListenerCount returns the number of listeners registered for k.
func (b *Bus) ListenerCount(k Kind) int {
	list, _ := b.listeners.Load(k)
	return len(list)
}

func (b *Bus) deliver(kind Kind, list []Listener, ev Event) {
	for _, fn := range list {
		b.call(kind, fn, ev)
	}
}

func (b *Bus) call(kind Kind, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panic", "kind", kind.String(), "panic", r)
		}
	}()

	fn(ev)
}
