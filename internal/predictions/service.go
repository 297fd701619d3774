// Package predictions serves the scored records produced by jobs, filtered by
// what the calling actor may see.
package predictions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

var (
	ErrNotFound    = errors.New("prediction not found")
	ErrForbidden   = errors.New("not allowed to modify this prediction")
	ErrInvalidKind = errors.New("invalid prediction kind")
)

// Repository is the prediction half of the store.
type Repository interface {
	ListPredictions(ctx context.Context, filter store.PredictionFilter) ([]*models.Prediction, int, error)
	GetPrediction(ctx context.Context, id uuid.UUID, scope access.Scope) (*models.Prediction, error)
	DeletePrediction(ctx context.Context, id uuid.UUID) error
}

// ListParams are the optional filters of a listing.
type ListParams struct {
	Kind   string
	Symbol string
	JobID  *uuid.UUID
	Page   int
	Limit  int
}

// Service reads and deletes predictions on behalf of an actor.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns the predictions visible to the actor: their own tier plus
// system records.
func (s *Service) List(ctx context.Context, actor models.Actor, p ListParams) ([]*models.Prediction, int, error) {
	return s.list(ctx, access.VisibleScope(actor), p)
}

// ListSystem returns only system records. Every actor class gets the same result.
func (s *Service) ListSystem(ctx context.Context, p ListParams) ([]*models.Prediction, int, error) {
	return s.list(ctx, access.SystemScope(), p)
}

func (s *Service) list(ctx context.Context, scope access.Scope, p ListParams) ([]*models.Prediction, int, error) {
	if p.Kind != "" && !models.ValidJobKind(p.Kind) {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidKind, p.Kind)
	}
	preds, total, err := s.repo.ListPredictions(ctx, store.PredictionFilter{
		Scope:  scope,
		Kind:   p.Kind,
		Symbol: p.Symbol,
		JobID:  p.JobID,
		Page:   p.Page,
		Limit:  p.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("listing predictions: %w", err)
	}
	if preds == nil {
		preds = []*models.Prediction{}
	}
	return preds, total, nil
}

// Get returns one prediction if the actor can see it.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Prediction, error) {
	pred, err := s.repo.GetPrediction(ctx, id, access.VisibleScope(actor))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting prediction: %w", err)
	}
	return pred, nil
}

// Delete removes a prediction. Invisible records are reported as not found;
// visible ones the actor may not change as forbidden.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	pred, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	if !access.CanMutate(actor, Ref(pred)) {
		return ErrForbidden
	}

	err = s.repo.DeletePrediction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting prediction: %w", err)
	}

	slog.Info("prediction deleted", "prediction_id", id, "user_id", actor.UserID, "access_level", pred.AccessLevel)
	return nil
}

// Ref is the ownership view of a prediction.
func Ref(p *models.Prediction) access.Ref {
	return access.Ref{
		AccessLevel:    p.AccessLevel,
		OrganizationID: p.OrganizationID,
		TenantID:       p.TenantID,
		CreatedBy:      p.CreatedBy,
	}
}
