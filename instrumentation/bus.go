package instrumentation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Emitter is the sink request trackers publish to. Emit must not block and
// must not fail the caller.
type Emitter interface {
	Emit(typ EventType, payload interface{})
}

type Listener interface {
	HandleEvent(e Event)
}

type ListenerFunc func(e Event)

func (fn ListenerFunc) HandleEvent(e Event) { fn(e) }

var _ Emitter = (*Bus)(nil)

type subscription struct {
	l Listener
}

// Bus broadcasts events to the listeners registered for their type. Listeners
// run synchronously on the emitting goroutine, so they must be quick.
type Bus struct {
	log zerolog.Logger
	seq uint64

	mu        sync.RWMutex
	listeners map[EventType][]*subscription
}

func NewBus(logger *zerolog.Logger) *Bus {
	b := &Bus{
		log:       zerolog.Nop(),
		listeners: make(map[EventType][]*subscription),
	}
	if logger != nil {
		b.log = *logger
	}
	return b
}

// On registers l for events of type typ. The returned function removes it.
func (b *Bus) On(typ EventType, l Listener) (remove func()) {
	sub := &subscription{l: l}

	b.mu.Lock()
	b.listeners[typ] = append(b.listeners[typ], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.listeners[typ]
			for i, s := range subs {
				if s == sub {
					b.listeners[typ] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.listeners[typ]) == 0 {
				delete(b.listeners, typ)
			}
		})
	}
}

func (b *Bus) Emit(typ EventType, payload interface{}) {
	e := Event{
		ID:        atomic.AddUint64(&b.seq, 1),
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	subs := b.listeners[typ]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub.l, e)
	}
}

func (b *Bus) dispatch(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event", string(e.Type)).
				Uint64("event_id", e.ID).
				Msg("instrumentation listener panicked")
		}
	}()
	l.HandleEvent(e)
}
