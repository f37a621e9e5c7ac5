package projector

import (
	"sync"
)

// SharedStream is a hot, conflated multicast of V. Subscribers receive the
// latest value on attach and then every later value unless a newer one
// replaces it before they read.
type SharedStream[V any] struct {
	mu     sync.Mutex
	value  V
	has    bool
	closed bool
	err    error
	subs   map[*Subscription[V]]struct{}
}

func NewSharedStream[V any]() *SharedStream[V] {
	return &SharedStream[V]{subs: map[*Subscription[V]]struct{}{}}
}

// Emit publishes v as the latest value.
func (s *SharedStream[V]) Emit(v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	s.has = true
	for sub := range s.subs {
		sub.offer(v)
	}
}

// Value returns the latest value, if any was emitted.
func (s *SharedStream[V]) Value() (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Close ends the stream; subscriber channels are closed and Err reports err.
func (s *SharedStream[V]) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = map[*Subscription[V]]struct{}{}
}

func (s *SharedStream[V]) subscribe(release func()) *Subscription[V] {
	sub := &Subscription[V]{ch: make(chan V, 1), stream: s, release: release}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	if s.has {
		sub.offer(s.value)
	}
	return sub
}

func (s *SharedStream[V]) unsubscribe(sub *Subscription[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Subscription is one consumer's view of a SharedStream.
type Subscription[V any] struct {
	ch      chan V
	stream  *SharedStream[V]
	release func()
	once    sync.Once
}

// offer replaces any unread value with v. Callers hold the stream lock.
func (sub *Subscription[V]) offer(v V) {
	for {
		select {
		case sub.ch <- v:
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}

// C delivers values; it is closed after Close or when the stream ends.
func (sub *Subscription[V]) C() <-chan V {
	return sub.ch
}

// Err reports why the underlying stream ended, if it did.
func (sub *Subscription[V]) Err() error {
	sub.stream.mu.Lock()
	defer sub.stream.mu.Unlock()
	return sub.stream.err
}

// Close detaches the subscriber. It is safe to call more than once.
func (sub *Subscription[V]) Close() {
	sub.once.Do(func() {
		sub.stream.unsubscribe(sub)
		if sub.release != nil {
			sub.release()
		}
	})
}
