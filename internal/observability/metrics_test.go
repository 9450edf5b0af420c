package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordSessionMessage("hello")
	RecordRolloutTransition("assign")
}

func TestRecordDeliveryLabels(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(fanoutDeliveries.WithLabelValues("telemetry", "failed"))
	RecordDelivery("telemetry", false)
	RecordDelivery("telemetry", true)
	if got := testutil.ToFloat64(fanoutDeliveries.WithLabelValues("telemetry", "failed")); got != before+1 {
		t.Fatalf("expected failed deliveries %v, got %v", before+1, got)
	}
}

func TestSessionGauge(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(sessionsOpen)
	SessionOpened()
	SessionOpened()
	SessionClosed()
	if got := testutil.ToFloat64(sessionsOpen); got != before+1 {
		t.Fatalf("expected open sessions %v, got %v", before+1, got)
	}
}

func TestRequestMetricsMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/health", "204"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/health", "204")); got != before+1 {
		t.Fatalf("expected request counter %v, got %v", before+1, got)
	}
}

func TestRequestLoggerQuietRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	r := gin.New()
	r.Use(RequestLogger(logger, "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/devices/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if buf.Len() != 0 {
		t.Fatalf("quiet route logged at info: %s", buf.String())
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/devices/dev-1", nil))
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"route":"/api/devices/:id"`) {
		t.Fatalf("unexpected request line: %s", out)
	}
}
