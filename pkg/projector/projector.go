package projector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/metrics"
	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/transport"
)

var ErrNotStarted = errors.New("projector: not started")

// Bus is the broadcast stream the projector follows and republishes
// lazily loaded members on. *bus.Bus implements it.
type Bus interface {
	Subscribe(ctx context.Context) (<-chan bus.Update, error)
	Publish(ctx context.Context, u bus.Update) error
}

// Projector serves live, shared views of stored room data. Each view is a
// snapshot read followed by the deltas observed on the bus.
type Projector struct {
	store       *roomstore.Store
	bus         Bus
	transport   transport.Transport
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	origin      string
	grace       time.Duration
	lazyMembers bool

	// gate pauses delta dispatch while a lazy member load commits and
	// delivers older events.
	gate sync.RWMutex

	lmu       sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64

	loads     singleflight.Group
	loadingMu sync.Mutex
	loading   map[MembersKey]bool

	state       *FlowMap[StateKey, Document]
	accountData *FlowMap[AccountDataKey, Document]
	members     *FlowMap[MembersKey, MemberSet]
	roomNames   *FlowMap[RoomNameKey, string]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures optional dependencies for a Projector.
type Option func(*Projector) error

// WithTransport enables lazy member loading through t.
func WithTransport(t transport.Transport) Option {
	return func(p *Projector) error {
		if t == nil {
			return errors.New("transport is nil")
		}
		p.transport = t
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Projector) error {
		if m == nil {
			return errors.New("metrics is nil")
		}
		p.metrics = m
		return nil
	}
}

// WithGrace sets how long a view outlives its last subscriber.
func WithGrace(d time.Duration) Option {
	return func(p *Projector) error {
		if d < 0 {
			return errors.New("grace is negative")
		}
		p.grace = d
		return nil
	}
}

func WithLazyMembers(enabled bool) Option {
	return func(p *Projector) error {
		p.lazyMembers = enabled
		return nil
	}
}

func New(store *roomstore.Store, b Bus, opts ...Option) (*Projector, error) {
	if store == nil {
		return nil, errors.New("projector: store is nil")
	}
	if b == nil {
		return nil, errors.New("projector: bus is nil")
	}
	p := &Projector{
		store:       store,
		bus:         b,
		origin:      uuid.NewString(),
		grace:       5 * time.Second,
		lazyMembers: true,
		listeners:   map[uint64]*listener{},
		loading:     map[MembersKey]bool{},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, errors.Wrap(err, "projector: option")
		}
	}
	p.logger = log.With().Str("component", "projector").Str("origin", p.origin).Logger()
	p.state = NewFlowMap[StateKey, Document](p.stateFlow, p.grace, p.metrics)
	p.accountData = NewFlowMap[AccountDataKey, Document](p.accountDataFlow, p.grace, p.metrics)
	p.members = NewFlowMap[MembersKey, MemberSet](p.membersFlow, p.grace, p.metrics)
	p.roomNames = NewFlowMap[RoomNameKey, string](p.roomNameFlow, p.grace, p.metrics)
	return p, nil
}

// Origin tags the updates this projector republishes.
func (p *Projector) Origin() string {
	return p.origin
}

// Start subscribes to the bus and begins dispatching deltas. Only updates
// published after Start returns are observed.
func (p *Projector) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := p.bus.Subscribe(runCtx)
	if err != nil {
		cancel()
		return errors.Wrap(err, "projector: subscribe")
	}
	p.cancel = cancel
	p.running = true
	p.done = make(chan struct{})
	go p.dispatch(ch, p.done)
	p.logger.Info().Msg("projector started")
	return nil
}

func (p *Projector) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Close stops dispatching and tears down every view.
func (p *Projector) Close() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	p.roomNames.Close()
	p.members.Close()
	p.accountData.Close()
	p.state.Close()
}

func (p *Projector) dispatch(ch <-chan bus.Update, done chan struct{}) {
	defer close(done)
	for u := range ch {
		if u.Kind == bus.KindMembers && u.Origin == p.origin {
			continue
		}
		p.gate.RLock()
		p.fanout(u)
		p.gate.RUnlock()
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.logger.Info().Msg("projector stopped")
}

func (p *Projector) fanout(u bus.Update) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	for _, l := range p.listeners {
		l.push(u)
	}
}

func (p *Projector) addListener() *listener {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	p.nextID++
	l := newListener(p.nextID)
	p.listeners[l.id] = l
	return l
}

func (p *Projector) removeListener(l *listener) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	delete(p.listeners, l.id)
}

// follow runs the snapshot-then-deltas loop shared by every view. The
// listener is registered before the snapshot read so no delta committed
// after the read can be missed. A sync committed before the read but
// dispatched after registration is folded on top of the snapshot anyway, so
// the view can briefly step back to that older value; the deltas committed
// after it are queued behind it and bring the view forward again.
func follow[V any](
	ctx context.Context,
	p *Projector,
	stream *SharedStream[V],
	snapshot func(ctx context.Context) (V, error),
	fold func(cur V, u bus.Update) (V, bool),
) error {
	if !p.IsRunning() {
		return ErrNotStarted
	}
	l := p.addListener()
	v, err := snapshot(ctx)
	if err != nil {
		p.removeListener(l)
		return err
	}
	stream.Emit(v)
	go func() {
		defer p.removeListener(l)
		cur := v
		for {
			u, ok := l.next(ctx)
			if !ok {
				return
			}
			next, changed := fold(cur, u)
			if changed {
				cur = next
				stream.Emit(cur)
			}
		}
	}()
	return nil
}
