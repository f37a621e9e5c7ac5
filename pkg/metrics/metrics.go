// Package metrics holds the Prometheus collectors of the sync engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roomsync"

type Metrics struct {
	syncApplied     prometheus.Counter
	syncRaced       prometheus.Counter
	ingestDuration  prometheus.Histogram
	ingestEvents    *prometheus.CounterVec
	skippedContent  *prometheus.CounterVec
	stitchPages     *prometheus.CounterVec
	stitches        prometheus.Counter
	stitchOverlaps  prometheus.Counter
	projectorFlows  prometheus.Gauge
	memberLoads     *prometheus.CounterVec
	busPublishFails prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		syncApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "applied_total",
			Help: "Sync payloads committed.",
		}),
		syncRaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "raced_total",
			Help: "Sync payloads rejected because the cursor moved.",
		}),
		ingestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "duration_seconds",
			Help:    "Time spent applying one sync payload, permit wait included.",
			Buckets: prometheus.DefBuckets,
		}),
		ingestEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_total",
			Help: "Events written by sync, by section.",
		}, []string{"section"}),
		skippedContent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "skipped_content_total",
			Help: "Malformed documents tolerated and skipped, by kind.",
		}, []string{"kind"}),
		stitchPages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stitch", Name: "pages_total",
			Help: "Backward pagination attempts, by outcome.",
		}, []string{"outcome"}),
		stitches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stitch", Name: "merged_segments_total",
			Help: "Segments merged into a newer neighbour.",
		}),
		stitchOverlaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stitch", Name: "overlap_events_total",
			Help: "Page events skipped because they were already positioned in the same segment.",
		}),
		projectorFlows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "projector", Name: "live_flows",
			Help: "Shared projection flows currently alive.",
		}),
		memberLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "projector", Name: "member_loads_total",
			Help: "Lazy member list fetches, by outcome.",
		}, []string{"outcome"}),
		busPublishFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "publish_failures_total",
			Help: "Updates committed but not published.",
		}),
	}
}

func (m *Metrics) SyncApplied(d time.Duration) {
	if m == nil {
		return
	}
	m.syncApplied.Inc()
	m.ingestDuration.Observe(d.Seconds())
}

func (m *Metrics) SyncRaced(d time.Duration) {
	if m == nil {
		return
	}
	m.syncRaced.Inc()
	m.ingestDuration.Observe(d.Seconds())
}

func (m *Metrics) IngestedEvents(section string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ingestEvents.WithLabelValues(section).Add(float64(n))
}

func (m *Metrics) SkippedContent(kind string) {
	if m == nil {
		return
	}
	m.skippedContent.WithLabelValues(kind).Inc()
}

// StitchPage records a pagination attempt; outcome is one of
// "applied", "stitched", "no_token", "raced" or "error".
func (m *Metrics) StitchPage(outcome string) {
	if m == nil {
		return
	}
	m.stitchPages.WithLabelValues(outcome).Inc()
	if outcome == "stitched" {
		m.stitches.Inc()
	}
}

func (m *Metrics) StitchOverlap(n int) {
	if m == nil || n == 0 {
		return
	}
	m.stitchOverlaps.Add(float64(n))
}

func (m *Metrics) FlowStarted() {
	if m == nil {
		return
	}
	m.projectorFlows.Inc()
}

func (m *Metrics) FlowStopped() {
	if m == nil {
		return
	}
	m.projectorFlows.Dec()
}

func (m *Metrics) MemberLoad(outcome string) {
	if m == nil {
		return
	}
	m.memberLoads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.busPublishFails.Inc()
}
