package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Collectors(t *testing.T) {
	m := New()

	m.SetChannelClients("demo", 2)
	m.SourceStarted("demo", "engine")
	m.SourceStarted("other", "producer")
	m.SourceStopped()
	m.IncLaunchFailures("demo", ReasonNoItem)
	m.IncRespawns("other")
	m.AddRelayBytes("demo", 188*64)
	m.AddRelayBytes("demo", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.channelClients.WithLabelValues("demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourcesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchesTotal.WithLabelValues("demo", "engine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchFailures.WithLabelValues("demo", ReasonNoItem)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.respawnsTotal.WithLabelValues("other")))
	assert.Equal(t, float64(188*64), testutil.ToFloat64(m.relayBytesTotal.WithLabelValues("demo")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetChannelClients("demo", 1)
		m.SourceStarted("demo", "engine")
		m.SourceStopped()
		m.IncLaunchFailures("demo", ReasonLaunch)
		m.IncRespawns("demo")
		m.AddRelayBytes("demo", 10)
		m.IncHorizonWarnings("demo")
		m.IncRequests(200)
	})
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := New()

	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	for _, path := range []string{"/", "/", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("404")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "retrovue_http_requests_total"))
}
