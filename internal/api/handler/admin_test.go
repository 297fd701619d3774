package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type depthFunc func() (int64, error)

func (f depthFunc) Depth(context.Context) (int64, error) { return f() }

func TestQueueStatsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewQueueStatsHandler(depthFunc(func() (int64, error) { return 12, nil })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil))

	data := parseData(t, rec, http.StatusOK)
	assert.Equal(t, float64(12), data["pending"])
}

func TestQueueStatsHandler_BrokerDown(t *testing.T) {
	rec := httptest.NewRecorder()
	NewQueueStatsHandler(depthFunc(func() (int64, error) { return 0, errors.New("conn refused") })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil))

	code, env := parseErr(t, rec)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "BROKER_UNAVAILABLE", env.Error.Code)
}

func TestMetricsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsHandler(func(context.Context) (map[string]float64, error) {
		return map[string]float64{"riskbatch.jobs.submitted": 3}, nil
	}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics", nil))

	data := parseData(t, rec, http.StatusOK)
	assert.Equal(t, float64(3), data["riskbatch.jobs.submitted"])
}
