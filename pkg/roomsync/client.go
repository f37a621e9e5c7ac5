// Package roomsync wires the local timeline store, the update bus, the sync
// ingestor, the backward stitcher and the reactive projector into one client.
package roomsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/config"
	"github.com/go-go-golems/roomsync/pkg/ingest"
	"github.com/go-go-golems/roomsync/pkg/metrics"
	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/projector"
	"github.com/go-go-golems/roomsync/pkg/protocol"
	"github.com/go-go-golems/roomsync/pkg/stitch"
	"github.com/go-go-golems/roomsync/pkg/transport"
)

var ErrNoTransport = errors.New("roomsync: no transport configured")

type Client struct {
	settings  config.Settings
	store     *roomstore.Store
	bus       *bus.Bus
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	ingestor  *ingest.Ingestor
	stitcher  *stitch.Stitcher
	projector *projector.Projector
	logger    zerolog.Logger
}

type options struct {
	transport transport.Transport
	registry  *prometheus.Registry
}

type Option func(*options) error

// WithTransport enables backward pagination and lazy member loading.
func WithTransport(t transport.Transport) Option {
	return func(o *options) error {
		if t == nil {
			return errors.New("transport is nil")
		}
		o.transport = t
		return nil
	}
}

// WithRegistry registers the client's collectors on reg instead of a
// private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) error {
		if reg == nil {
			return errors.New("registry is nil")
		}
		o.registry = reg
		return nil
	}
}

// New opens the store at s.DBPath and starts the projector. Close releases
// everything New acquired.
func New(ctx context.Context, s config.Settings, opts ...Option) (*Client, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.Wrap(err, "roomsync: option")
		}
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	c := &Client{
		settings: s,
		registry: o.registry,
		metrics:  metrics.New(o.registry),
		logger:   log.With().Str("component", "roomsync").Logger(),
	}
	dsn, err := roomstore.SQLiteDSNForFile(s.DBPath)
	if err != nil {
		return nil, err
	}
	if c.store, err = roomstore.NewSQLiteStore(dsn); err != nil {
		return nil, err
	}
	if c.bus, err = bus.New(s.Bus); err != nil {
		_ = c.store.Close()
		return nil, err
	}

	if err := c.build(ctx, o.transport); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info().Str("db", s.DBPath).Str("topic", c.bus.Topic()).Bool("transport", o.transport != nil).Msg("client ready")
	return c, nil
}

func (c *Client) build(ctx context.Context, t transport.Transport) error {
	var err error
	c.ingestor, err = ingest.New(c.store, ingest.WithPublisher(c.bus), ingest.WithMetrics(c.metrics))
	if err != nil {
		return err
	}
	popts := []projector.Option{
		projector.WithMetrics(c.metrics),
		projector.WithGrace(c.settings.Grace),
		projector.WithLazyMembers(c.settings.LazyMembers),
	}
	if t != nil {
		c.stitcher, err = stitch.New(c.store, t, stitch.WithPublisher(c.bus), stitch.WithMetrics(c.metrics))
		if err != nil {
			return err
		}
		popts = append(popts, projector.WithTransport(t))
	}
	c.projector, err = projector.New(c.store, c.bus, popts...)
	if err != nil {
		return err
	}
	return c.projector.Start(ctx)
}

func (c *Client) Store() *roomstore.Store { return c.store }

func (c *Client) Projector() *projector.Projector { return c.projector }

func (c *Client) Registry() *prometheus.Registry { return c.registry }

func (c *Client) Settings() config.Settings { return c.settings }

// ApplySync commits one sync payload if the stored cursor still equals prior.
func (c *Client) ApplySync(ctx context.Context, payload *protocol.SyncPayload, prior string) (ingest.Result, error) {
	return c.ingestor.Apply(ctx, payload, prior)
}

// ExtendBackward loads one page of older history above anchorEventID, using
// the configured page limit when limit is not positive.
func (c *Client) ExtendBackward(ctx context.Context, roomID, anchorEventID string, limit int) (stitch.Result, error) {
	if c.stitcher == nil {
		return stitch.Result{}, ErrNoTransport
	}
	if limit <= 0 {
		limit = c.settings.PageLimit
	}
	return c.stitcher.ExtendBackward(ctx, roomID, anchorEventID, limit)
}

// Run long-polls src and applies every payload until ctx ends. Fetch errors
// are retried with exponential backoff; a failing commit stops the loop.
// A raced apply simply re-reads the cursor on the next round.
func (c *Client) Run(ctx context.Context, src transport.Syncer) error {
	if src == nil {
		return ErrNoTransport
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		cursor, err := c.store.Cursor(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "roomsync: read cursor")
		}
		payload, err := src.Sync(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Str("since", cursor).Dur("retry_in", wait).Msg("sync request failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		bo.Reset()

		res, err := c.ingestor.Apply(ctx, payload, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if res.Status == ingest.Raced {
			c.logger.Debug().Str("since", cursor).Str("stored", res.Cursor).Msg("sync raced, refetching")
		}
	}
}

// Close stops the projector and releases the bus and the store.
func (c *Client) Close() error {
	if c.projector != nil {
		c.projector.Close()
	}
	var errs []error
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close bus"))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close store"))
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "roomsync: close (%d errors)", len(errs))
	}
	return nil
}
