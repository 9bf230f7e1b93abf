package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.GateRejected("os.execute")
		m.Resolved("own")
		m.Decided("request", "granted")
		m.Restarted()
		m.Failed("load", "manifest")
		m.SetEnabled(3)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.GateRejected("os.execute")
	m.GateRejected("os.execute")
	m.Resolved("own")
	m.Decided("check", "denied")
	m.Restarted()
	m.Failed("enable", "runtime")
	m.SetEnabled(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateRejections.WithLabelValues("os.execute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolves.WithLabelValues("own")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerDecisions.WithLabelValues("check", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerRestarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleFailures.WithLabelValues("enable", "runtime")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PluginsEnabled))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Restarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "warden_broker_restarts_total 1"))
}
