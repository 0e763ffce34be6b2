package k8090

import (
	"maps"
	"slices"
	"sync"
)

// Subscriber is notified of card events. Methods are called from the
// engine goroutine: they must not block, and must not wait on requests,
// which would deadlock the engine.
type Subscriber interface {
	// RelayStatusChanged is called when the relay outputs changed, either
	// as the result of a command or on the card's own initiative.
	RelayStatusChanged(prev, curr Mask, by Trigger)
	// ButtonEvent is called for every press or release of a zero-indexed
	// button of the card.
	ButtonEvent(button int, pressed bool)
	// ConnectionChanged is called when the engine is opened, faulted or
	// closed.
	ConnectionChanged(state State)
}

// FramingErrorSubscriber may be implemented by a Subscriber to be told
// about rejected frames.
type FramingErrorSubscriber interface {
	FramingError(err error)
}

// Funcs adapts optional functions to a Subscriber.
type Funcs struct {
	OnRelayStatusChanged func(prev, curr Mask, by Trigger)
	OnButtonEvent        func(button int, pressed bool)
	OnConnectionChanged  func(state State)
	OnFramingError       func(err error)
}

func (f Funcs) RelayStatusChanged(prev, curr Mask, by Trigger) {
	if f.OnRelayStatusChanged != nil {
		f.OnRelayStatusChanged(prev, curr, by)
	}
}

func (f Funcs) ButtonEvent(button int, pressed bool) {
	if f.OnButtonEvent != nil {
		f.OnButtonEvent(button, pressed)
	}
}

func (f Funcs) ConnectionChanged(state State) {
	if f.OnConnectionChanged != nil {
		f.OnConnectionChanged(state)
	}
}

func (f Funcs) FramingError(err error) {
	if f.OnFramingError != nil {
		f.OnFramingError(err)
	}
}

type dispatcher struct {
	mu   sync.RWMutex
	next int
	subs map[int]Subscriber
}

func (d *dispatcher) subscribe(s Subscriber) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs == nil {
		d.subs = make(map[int]Subscriber)
	}
	id := d.next
	d.next++
	d.subs[id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// each calls f on every subscriber in subscription order. Subscribers are
// collected first so f may unsubscribe.
func (d *dispatcher) each(f func(Subscriber)) {
	d.mu.RLock()
	ids := slices.Sorted(maps.Keys(d.subs))
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, d.subs[id])
	}
	d.mu.RUnlock()

	for _, s := range subs {
		f(s)
	}
}

func (d *dispatcher) relayStatusChanged(prev, curr Mask, by Trigger) {
	d.each(func(s Subscriber) { s.RelayStatusChanged(prev, curr, by) })
}

func (d *dispatcher) buttonEvent(button int, pressed bool) {
	d.each(func(s Subscriber) { s.ButtonEvent(button, pressed) })
}

func (d *dispatcher) connectionChanged(state State) {
	d.each(func(s Subscriber) { s.ConnectionChanged(state) })
}

func (d *dispatcher) framingError(err error) {
	d.each(func(s Subscriber) {
		if fs, ok := s.(FramingErrorSubscriber); ok {
			fs.FramingError(err)
		}
	})
}
