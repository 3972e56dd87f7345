package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordDrop(ReasonQueueFull)
	m.RecordDrop(ReasonQueueFull)
	m.RecordDrop(ReasonDecode)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NetDropped.WithLabelValues(ReasonQueueFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NetDropped.WithLabelValues(ReasonDecode)))

	m.RecordRoute("broadcast", 3, time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RelayRouted.WithLabelValues("broadcast")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RelayRouteLatency))

	m.RecordHandshake("accepted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayHandshakes.WithLabelValues("accepted")))
}

func TestNewMetrics_Unregistered(t *testing.T) {
	m := NewMetrics("scratch", nil)
	m.EventsPublished.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished))
}

func TestOr(t *testing.T) {
	assert.Same(t, DefaultMetrics, Or(nil))
	m := NewMetrics("other", prometheus.NewRegistry())
	assert.Same(t, m, Or(m))
}
