package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRemoteRequest(t *testing.T) {
	before := testutil.ToFloat64(remoteRequestsTotal.WithLabelValues("get document", "error"))
	RecordRemoteRequest("get document", time.Second, errors.New("boom"))
	assert.Equal(t, before+1,
		testutil.ToFloat64(remoteRequestsTotal.WithLabelValues("get document", "error")))
}

func TestSessions(t *testing.T) {
	before := testutil.ToFloat64(activeSessions)
	SessionStarted()
	SessionStarted()
	SessionStopped()
	assert.Equal(t, before+1, testutil.ToFloat64(activeSessions))
}

func TestHandler(t *testing.T) {
	RecordRemoteUpdate(UpdateGap)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(),
		`olsync_remote_updates_total{outcome="gap"}`))
}
