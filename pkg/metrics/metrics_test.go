package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.SyncApplied(time.Millisecond)
	m.SyncRaced(time.Millisecond)
	m.StitchPage("stitched")
	m.FlowStarted()
	m.MemberLoad("loaded")
	m.PublishFailed()
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SyncApplied(time.Millisecond)
	m.SyncApplied(time.Millisecond)
	m.SyncRaced(time.Millisecond)
	m.StitchPage("applied")
	m.StitchPage("stitched")
	m.IngestedEvents("timeline", 3)
	m.FlowStarted()
	m.FlowStarted()
	m.FlowStopped()

	require.Equal(t, 2.0, testutil.ToFloat64(m.syncApplied))
	require.Equal(t, 1.0, testutil.ToFloat64(m.syncRaced))
	require.Equal(t, 1.0, testutil.ToFloat64(m.stitches))
	require.Equal(t, 1.0, testutil.ToFloat64(m.stitchPages.WithLabelValues("stitched")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ingestEvents.WithLabelValues("timeline")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.projectorFlows))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Greater(t, n, 0)
}
