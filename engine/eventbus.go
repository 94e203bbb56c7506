package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType int

type SubscriberID int

// Event is one lab lifecycle notification. Seq increases by one per Emit.
type Event struct {
	Type      EventType
	Seq       uint64
	Timestamp time.Time
	Payload   any
}

// Handler receives events on the emitting goroutine.
type Handler func(Event)

type subscription struct {
	id SubscriberID
	fn Handler
}

// EventBus fans lab events out to subscribers. Handlers for a type run in
// subscription order, followed by the handlers subscribed to every type. A
// panicking handler is logged and does not stop delivery to the others.
type EventBus struct {
	mu     sync.RWMutex
	byType map[EventType][]subscription
	all    []subscription
	nextID SubscriberID
	seq    atomic.Uint64
	logFn  LogFunc
}

func NewEventBus(logFn LogFunc) *EventBus {
	return &EventBus{byType: make(map[EventType][]subscription), logFn: logFn}
}

// Subscribe registers fn for the given types, or for every type when none
// are given.
func (eb *EventBus) Subscribe(fn Handler, types ...EventType) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	sub := subscription{id: eb.nextID, fn: fn}
	if len(types) == 0 {
		eb.all = append(eb.all, sub)
		return sub.id
	}
	for _, t := range types {
		eb.byType[t] = append(eb.byType[t], sub)
	}
	return sub.id
}

func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.all = without(eb.all, id)
	for t, subs := range eb.byType {
		eb.byType[t] = without(subs, id)
	}
}

func without(subs []subscription, id SubscriberID) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit stamps evt and delivers it.
func (eb *EventBus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Seq = eb.seq.Add(1)

	eb.mu.RLock()
	typed := eb.byType[evt.Type]
	subs := make([]subscription, 0, len(typed)+len(eb.all))
	subs = append(subs, typed...)
	subs = append(subs, eb.all...)
	eb.mu.RUnlock()

	for _, s := range subs {
		eb.deliver(s, evt)
	}
}

func (eb *EventBus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil && eb.logFn != nil {
			eb.logFn("engine: event %d handler %d panicked: %v", evt.Type, s.id, r)
		}
	}()
	s.fn(evt)
}
