package channel

import (
	"encoding/json"
	"sync"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
)

// Subscription is the handle returned by every registration. Close
// releases it and is safe to call more than once, or on nil.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps release in a Subscription.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// Group collects subscriptions owned by one component so they can be
// released together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Close()
	}
}

// Listeners is an ordered list of callbacks. Emit calls them in
// registration order on the caller's goroutine; a panicking callback is
// logged and does not stop the others.
type Listeners[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func (l *Listeners[T]) Add(fn func(T)) *Subscription {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	return NewSubscription(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	})
}

func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	entries := make([]listener[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		call(e.fn, v)
	}
}

func call[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "listener panicked")
		}
	}()
	fn(v)
}

// Handler receives the raw params of one inbound event.
type Handler func(params json.RawMessage)

// Bus fans inbound events out to per-event subscribers and state changes
// to state listeners.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]*Listeners[json.RawMessage]
	states   Listeners[State]
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]*Listeners[json.RawMessage])}
}

func (b *Bus) Subscribe(event string, h Handler) *Subscription {
	b.mu.Lock()
	l, ok := b.handlers[event]
	if !ok {
		l = &Listeners[json.RawMessage]{}
		b.handlers[event] = l
	}
	b.mu.Unlock()
	return l.Add(h)
}

func (b *Bus) OnState(fn func(State)) *Subscription {
	return b.states.Add(fn)
}

// Publish delivers params to the subscribers of event. It reports whether
// anyone was listening.
func (b *Bus) Publish(event string, params json.RawMessage) bool {
	b.mu.Lock()
	l, ok := b.handlers[event]
	b.mu.Unlock()
	if !ok || l.Len() == 0 {
		return false
	}
	l.Emit(params)
	return true
}

func (b *Bus) PublishState(s State) {
	b.states.Emit(s)
}
