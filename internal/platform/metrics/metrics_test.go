package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMiddleware_countsErrorsAndSkipsScrapes(t *testing.T) {
	m := New()
	mw := RequestMiddleware(m, "/metrics")

	ok := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	bad := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/getStreams", nil))
	bad.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/addStream", nil))
	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal))
}

func TestHandler_refreshesGauges(t *testing.T) {
	m := New()
	m.IncSessionsAdded("HLS")
	m.IncSessionsStopped("normal_end")
	m.IncSkippedStreams("audio/x-opus")

	calls := 0
	h := m.Handler(func() {
		calls++
		m.SetActiveSessions(3)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "stream_active_sessions 3"), body)
	assert.True(t, strings.Contains(body, `stream_sessions_added_total{kind="HLS"} 1`), body)
	assert.True(t, strings.Contains(body, `stream_sessions_stopped_total{reason="normal_end"} 1`), body)
}
