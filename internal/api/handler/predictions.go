package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/api/response"
	"github.com/kiranshivaraju/riskbatch/internal/predictions"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// PredictionService defines the prediction operations the handlers depend on.
type PredictionService interface {
	List(ctx context.Context, actor models.Actor, p predictions.ListParams) ([]*models.Prediction, int, error)
	ListSystem(ctx context.Context, p predictions.ListParams) ([]*models.Prediction, int, error)
	Delete(ctx context.Context, actor models.Actor, id uuid.UUID) error
}

func listParams(w http.ResponseWriter, r *http.Request) (predictions.ListParams, bool) {
	page, limit, ok := pagination(w, r)
	if !ok {
		return predictions.ListParams{}, false
	}
	q := r.URL.Query()
	p := predictions.ListParams{
		Kind:   q.Get("kind"),
		Symbol: q.Get("symbol"),
		Page:   page,
		Limit:  limit,
	}
	if raw := q.Get("job_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id must be a UUID", nil)
			return predictions.ListParams{}, false
		}
		p.JobID = &id
	}
	return p, true
}

// NewListPredictionsHandler returns an http.HandlerFunc for GET /api/v1/predictions.
func NewListPredictionsHandler(svc PredictionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}
		p, ok := listParams(w, r)
		if !ok {
			return
		}
		list, total, err := svc.List(r.Context(), actor, p)
		if err != nil {
			writePredictionError(w, err)
			return
		}
		response.Collection(w, list, response.NewPaginationMeta(p.Page, p.Limit, total))
	}
}

// NewListSystemPredictionsHandler returns an http.HandlerFunc for GET /api/v1/predictions/system.
func NewListSystemPredictionsHandler(svc PredictionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := actorOrReject(w, r); !ok {
			return
		}
		p, ok := listParams(w, r)
		if !ok {
			return
		}
		list, total, err := svc.ListSystem(r.Context(), p)
		if err != nil {
			writePredictionError(w, err)
			return
		}
		response.Collection(w, list, response.NewPaginationMeta(p.Page, p.Limit, total))
	}
}

// NewDeletePredictionHandler returns an http.HandlerFunc for DELETE /api/v1/predictions/{predictionID}.
func NewDeletePredictionHandler(svc PredictionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}
		id, ok := uuidParam(w, r, "predictionID")
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), actor, id); err != nil {
			writePredictionError(w, err)
			return
		}
		response.NoContent(w)
	}
}

func writePredictionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, predictions.ErrNotFound):
		response.Error(w, http.StatusNotFound, "PREDICTION_NOT_FOUND", "Prediction not found", nil)
	case errors.Is(err, predictions.ErrForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Not allowed to modify this prediction", nil)
	case errors.Is(err, predictions.ErrInvalidKind):
		response.Error(w, http.StatusBadRequest, "INVALID_KIND", err.Error(), nil)
	default:
		slog.Error("prediction request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
