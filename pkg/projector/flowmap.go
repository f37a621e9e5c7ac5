package projector

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/metrics"
)

var ErrClosed = errors.New("projector: closed")

// Status is the lifecycle state of a FlowMap entry.
type Status int

const (
	StatusCreating Status = iota
	StatusCreated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreating:
		return "creating"
	case StatusCreated:
		return "created"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Factory starts the flow for key. It must emit the initial value on stream
// before returning nil, and keep folding updates into stream until ctx is
// cancelled. A returned error fails every subscriber waiting on the key.
type Factory[K comparable, V any] func(ctx context.Context, key K, stream *SharedStream[V]) error

type flowEntry[V any] struct {
	status Status
	stream *SharedStream[V]
	refs   int
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
	timer  *time.Timer
}

// FlowMap keeps at most one live flow per key. Concurrent first subscribers
// share one factory call; later subscribers attach to the running stream
// and get its latest value. A flow is torn down grace after its last
// subscriber leaves, or immediately if it is still being created.
type FlowMap[K comparable, V any] struct {
	factory Factory[K, V]
	grace   time.Duration
	metrics *metrics.Metrics

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	closed  bool
	entries map[K]*flowEntry[V]
}

func NewFlowMap[K comparable, V any](factory Factory[K, V], grace time.Duration, m *metrics.Metrics) *FlowMap[K, V] {
	base, cancel := context.WithCancel(context.Background())
	return &FlowMap[K, V]{
		factory:    factory,
		grace:      grace,
		metrics:    m,
		base:       base,
		cancelBase: cancel,
		entries:    map[K]*flowEntry[V]{},
	}
}

// Subscribe attaches to the flow for key, creating it if needed. It blocks
// until the flow has its initial value, the factory fails, or ctx ends.
func (m *FlowMap[K, V]) Subscribe(ctx context.Context, key K) (*Subscription[V], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		flowCtx, cancel := context.WithCancel(m.base)
		e = &flowEntry[V]{
			status: StatusCreating,
			stream: NewSharedStream[V](),
			cancel: cancel,
			ready:  make(chan struct{}),
		}
		m.entries[key] = e
		go m.create(flowCtx, key, e)
	}
	e.refs++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	m.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
	if e.err != nil {
		m.release(key, e)
		return nil, e.err
	}
	return e.stream.subscribe(func() { m.release(key, e) }), nil
}

func (m *FlowMap[K, V]) create(ctx context.Context, key K, e *flowEntry[V]) {
	err := m.factory(ctx, key, e.stream)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		e.status = StatusFailed
		e.err = err
		e.cancel()
		e.stream.Close(err)
		if m.entries[key] == e {
			delete(m.entries, key)
		}
	} else {
		e.status = StatusCreated
		m.metrics.FlowStarted()
	}
	close(e.ready)
}

func (m *FlowMap[K, V]) release(key K, e *flowEntry[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs > 0 || m.entries[key] != e {
		return
	}
	switch e.status {
	case StatusCreating:
		delete(m.entries, key)
		e.cancel()
	case StatusCreated:
		if m.grace <= 0 {
			m.teardownLocked(key, e)
			return
		}
		e.timer = time.AfterFunc(m.grace, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e.refs == 0 && m.entries[key] == e {
				m.teardownLocked(key, e)
			}
		})
	}
}

func (m *FlowMap[K, V]) teardownLocked(key K, e *flowEntry[V]) {
	delete(m.entries, key)
	e.cancel()
	e.stream.Close(nil)
	m.metrics.FlowStopped()
}

// Status reports the state of the live entry for key.
func (m *FlowMap[K, V]) Status(key K) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Len is the number of live entries.
func (m *FlowMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close tears down every flow. Subscribe fails afterwards.
func (m *FlowMap[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancelBase()
	for key, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.status == StatusCreated {
			m.metrics.FlowStopped()
		}
		e.stream.Close(ErrClosed)
		delete(m.entries, key)
	}
}
