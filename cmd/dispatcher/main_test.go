package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
)

type fixedHealth xdispatch.HealthStatus

func (f fixedHealth) Health(context.Context) xdispatch.HealthStatus { return xdispatch.HealthStatus(f) }

func TestOpsMux_Healthz(t *testing.T) {
	reg := prometheus.NewRegistry()

	rec := httptest.NewRecorder()
	opsMux(reg, fixedHealth{Status: "healthy", Timestamp: time.Unix(0, 0)}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = httptest.NewRecorder()
	opsMux(reg, fixedHealth{Status: "unhealthy", Message: "bus is closed"}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpsMux_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := xdispatch.NewPrometheusObserver(reg, "dispatch")
	obs.OnEvent(xdispatch.Event{Type: xdispatch.DeadLetter, Topic: "order.created", Group: "g"})

	rec := httptest.NewRecorder()
	opsMux(reg, fixedHealth{Status: "healthy"}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dispatch_dead_lettered_total{group="g",topic="order.created"} 1`)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, xlog.LevelDebug, logLevel("DEBUG"))
	assert.Equal(t, xlog.LevelWarn, logLevel("warning"))
	assert.Equal(t, xlog.LevelError, logLevel("error"))
	assert.Equal(t, xlog.LevelInfo, logLevel(""))
}
