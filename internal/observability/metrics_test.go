package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("upend-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordSessionTransition("upend-a", "created")
	RecordSignon("upend-a", "primary", "ok")
	AddUpendLinks("upend-a", "tcp", 1)
	AddUpendLinks("upend-a", "tcp", -1)
	RecordKeepAliveTimeout("downend-a", "downend")
	RecordDownendState("downend-a", "CONNECTED")
	RecordReconnectDelay("downend-a", 400*time.Millisecond)
	SetInFlightCalls("downend-a", 2)
}

func TestSessionEntriesGaugeTracksLatestValue(t *testing.T) {
	testlog.Start(t)
	SetSessionEntries("upend-gauge", "active", 3)
	SetSessionEntries("upend-gauge", "active", 1)
	if got := testutil.ToFloat64(sessionEntries.WithLabelValues("upend-gauge", "active")); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}
}

func TestRequestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestMetricsMiddleware("upend-mw"))
	r.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", w.Code)
	}
	got := testutil.ToFloat64(httpRequests.WithLabelValues("upend-mw", "GET", "/sessions/:id", "204"))
	if got != 1 {
		t.Fatalf("expected one request on the route template, got %v", got)
	}
}
