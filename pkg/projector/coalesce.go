package projector

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrSourceClosed = errors.New("projector: coalesce source closed")

// Coalesce emits the first present value among sources, in priority order,
// falling back to fallback when none is present. A choice is made once every
// source ranked above the chosen one has reported, and re-evaluated on every
// later value; emit only sees changes. It returns nil when ctx ends and
// ErrSourceClosed when a source closes first.
func Coalesce[V comparable](ctx context.Context, sources []<-chan V, present func(V) bool, fallback V, emit func(V)) error {
	var (
		mu      sync.Mutex
		latest  = make([]V, len(sources))
		seen    = make([]bool, len(sources))
		last    V
		emitted bool
	)
	evaluate := func() {
		out := fallback
		for i := range sources {
			if !seen[i] {
				return
			}
			if present(latest[i]) {
				out = latest[i]
				break
			}
		}
		if emitted && out == last {
			return
		}
		last, emitted = out, true
		emit(out)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			for {
				select {
				case v, ok := <-src:
					if !ok {
						if gctx.Err() != nil {
							return nil
						}
						return ErrSourceClosed
					}
					mu.Lock()
					latest[i], seen[i] = v, true
					evaluate()
					mu.Unlock()
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// mapChan converts values from in until it closes or ctx ends.
func mapChan[A, B any](ctx context.Context, in <-chan A, f func(A) B) <-chan B {
	out := make(chan B)
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- f(v):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
