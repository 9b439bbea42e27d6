package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.Rejected()
		m.Relayed("text", 3)
		m.IdentityIssued()
		m.Violation()
		m.SetLogBytes(42)
	})
}

func TestCollectors(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Relayed("text", 2)
	m.Relayed("presence", 0)
	m.IdentityIssued()
	m.SetLogBytes(128)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("text")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesRelayed.WithLabelValues("presence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdentitiesIssued))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.LogBytes))
}

func TestHandlerServesCollectors(t *testing.T) {
	m := New()
	m.Rejected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatty_connections_rejected_total 1")
}
