package projector

import (
	"context"
	"sync"

	"github.com/go-go-golems/roomsync/pkg/bus"
)

// listener is one flow's inbox. The dispatcher never blocks on it: the queue
// grows instead, so a slow flow cannot stall the others.
type listener struct {
	id     uint64
	mu     sync.Mutex
	queue  []bus.Update
	notify chan struct{}
}

func newListener(id uint64) *listener {
	return &listener{id: id, notify: make(chan struct{}, 1)}
}

func (l *listener) push(u bus.Update) {
	l.mu.Lock()
	l.queue = append(l.queue, u)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// next blocks until an update is queued or ctx ends.
func (l *listener) next(ctx context.Context) (bus.Update, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			u := l.queue[0]
			l.queue[0] = bus.Update{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return u, true
		}
		l.mu.Unlock()
		select {
		case <-l.notify:
		case <-ctx.Done():
			return bus.Update{}, false
		}
	}
}
