package model

import (
	"slices"
	"sync"
)

// Subscription is returned by every listener registration.
type Subscription interface {
	// Unsubscribe detaches the listener. It is safe to call more than once.
	Unsubscribe()
}

// UnsubscribeFunc adapts a function to Subscription. The function runs at most once.
func UnsubscribeFunc(f func()) Subscription {
	return &funcSubscription{f: f}
}

type funcSubscription struct {
	once sync.Once
	f    func()
}

func (s *funcSubscription) Unsubscribe() {
	s.once.Do(s.f)
}

// Listeners is a registry of typed callbacks.
// The zero value is ready to use.
type Listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

// Add registers fn and returns its subscription.
func (l *Listeners[T]) Add(fn func(T)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	return UnsubscribeFunc(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	})
}

// Emit calls every registered listener in registration order.
// Listeners run on the caller's goroutine, outside the registry lock.
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
