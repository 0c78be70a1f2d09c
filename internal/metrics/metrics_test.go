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

func TestCountersByGroup(t *testing.T) {
	m := NewInstance()
	m.IncSendAttempt("alpha")
	m.IncSendAttempt("alpha")
	m.IncSendSucceeded("alpha")
	m.IncSendFailed("beta", "terminal_recipient")
	m.IncThrottled("beta")
	m.IncRetry("alpha")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendAttempts.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendSucceeded.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailed.WithLabelValues("beta", "terminal_recipient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.throttledSkips.WithLabelValues("beta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendRetries.WithLabelValues("alpha")))
}

func TestInflightGauge(t *testing.T) {
	m := NewInstance()
	m.SendStarted()
	m.SendStarted()
	m.SendFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflightSends))
}

func TestRegistryExposesMetrics(t *testing.T) {
	m := NewInstance()
	m.IncSendSucceeded("alpha")
	m.ObserveDispatch("pool", 2)

	srv := newMetricsServer(":0", initPrometheus(m))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mailfleet_dispatch_sent_total{identity_group="alpha"} 1`)
	assert.Contains(t, string(body), `mailfleet_dispatch_duration_seconds_count{strategy="pool"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
