// Package events dispatches typed connection events to registered handlers.
package events

import (
	"sync"

	"streamrtc/internal/core/domain"
)

type handler struct {
	id uint64
	fn func(domain.Event)
}

// Emitter keeps the listeners of one connection. Every listener registered
// for an event type is invoked, in registration order, on the emitting goroutine.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[domain.EventType][]handler
	any      []handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[domain.EventType][]handler)}
}

// Subscription releases one registration. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// On registers fn for events of type T.
func On[T domain.Event](e *Emitter, fn func(T)) *Subscription {
	var zero T
	return e.Subscribe(zero.Type(), func(ev domain.Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}

// Subscribe registers an untyped handler for one event type.
func (e *Emitter) Subscribe(t domain.EventType, fn func(domain.Event)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[t] = append(e.handlers[t], handler{id: id, fn: fn})
	return &Subscription{cancel: func() { e.remove(t, id) }}
}

// SubscribeAll registers fn for every event.
func (e *Emitter) SubscribeAll(fn func(domain.Event)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.any = append(e.any, handler{id: id, fn: fn})
	return &Subscription{cancel: func() { e.removeAny(id) }}
}

// Emit delivers ev to its typed listeners, then to the catch-all ones.
func (e *Emitter) Emit(ev domain.Event) {
	e.mu.RLock()
	typed := append([]handler(nil), e.handlers[ev.Type()]...)
	all := append([]handler(nil), e.any...)
	e.mu.RUnlock()

	for _, h := range typed {
		h.fn(ev)
	}
	for _, h := range all {
		h.fn(ev)
	}
}

// Count returns the number of listeners for t.
func (e *Emitter) Count(t domain.EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[t])
}

func (e *Emitter) remove(t domain.EventType, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs := e.handlers[t]
	for i, h := range hs {
		if h.id == id {
			e.handlers[t] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(e.handlers[t]) == 0 {
		delete(e.handlers, t)
	}
}

func (e *Emitter) removeAny(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.any {
		if h.id == id {
			e.any = append(e.any[:i:i], e.any[i+1:]...)
			return
		}
	}
}
