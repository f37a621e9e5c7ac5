package ingest

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/metrics"
)

// Option configures optional dependencies for an Ingestor.
type Option func(*Ingestor) error

func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Ingestor) error {
		if m == nil {
			return errors.New("metrics is nil")
		}
		in.metrics = m
		return nil
	}
}

// WithPublisher sets where committed payloads are broadcast. Without one,
// Apply only commits.
func WithPublisher(p Publisher) Option {
	return func(in *Ingestor) error {
		if p == nil {
			return errors.New("publisher is nil")
		}
		in.publisher = p
		return nil
	}
}
