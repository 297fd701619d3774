package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/riskbatch/internal/api/response"
)

// QueueDepth reports how many job messages are waiting for a worker.
type QueueDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// NewQueueStatsHandler returns an http.HandlerFunc for GET /api/v1/admin/queue.
func NewQueueStatsHandler(q QueueDepth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := q.Depth(r.Context())
		if err != nil {
			slog.Error("reading queue depth failed", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE", "Queue depth unavailable", nil)
			return
		}
		response.JSON(w, map[string]int64{"pending": depth})
	}
}

// MetricsSnapshot returns the current instrument values.
type MetricsSnapshot func(ctx context.Context) (map[string]float64, error)

// NewMetricsHandler returns an http.HandlerFunc for GET /api/v1/admin/metrics.
func NewMetricsHandler(snapshot MetricsSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := snapshot(r.Context())
		if err != nil {
			slog.Error("collecting metrics failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Metrics unavailable", nil)
			return
		}
		response.JSON(w, snap)
	}
}
