package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordHTTPRequest(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordHTTPRequest("POST", "/run", 200, 10*time.Millisecond)
	c.RecordHTTPRequest("POST", "/run", 201, 10*time.Millisecond)
	c.RecordHTTPRequest("POST", "/run", 500, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/run", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/run", "5xx")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestObserveRunAndUpload(t *testing.T) {
	c := NewCollector("test", nil)

	c.ObserveRun("ok", time.Millisecond)
	c.ObserveRun("trap", time.Millisecond)
	c.ObserveRun("ok", time.Millisecond)
	c.ObserveUpload("ok", 4096)
	c.ObserveUpload("io", 0)
	c.SetQueueDepth(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("trap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.uploadsTotal.WithLabelValues("io")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("iota", nil)
	b := NewCollector("iota", nil)

	a.ObserveRun("ok", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.runsTotal.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.runsTotal.WithLabelValues("ok")))
}

func TestHandler(t *testing.T) {
	c := NewCollector("iota", nil)
	c.ObserveRun("ok", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `iota_runs_total{kind="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "101", statusCode(101))
}
