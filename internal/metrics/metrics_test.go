package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry())

	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
	m.SessionExits.WithLabelValues("exit").Inc()
	m.HardClears.Inc()
	m.OutputBytes.Add(42)
	m.HistoryFailed("append")
	m.HistoryFailed("append")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.OutputBytes))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HistoryFailures.WithLabelValues("append")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ConnectionsActive.Set(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "termhub_connections_active 3")
	assert.Contains(t, string(body), "termhub_sessions_active")
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Each instance owns its registry, so creating two must not panic on
	// duplicate registration.
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
