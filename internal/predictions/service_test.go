package predictions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu      sync.Mutex
	preds   []*models.Prediction
	listErr error
}

func (r *memRepo) ListPredictions(_ context.Context, f store.PredictionFilter) ([]*models.Prediction, int, error) {
	if r.listErr != nil {
		return nil, 0, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Prediction
	for _, p := range r.preds {
		if f.Scope.Matches(Ref(p)) && (f.Kind == "" || p.Kind == f.Kind) {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (r *memRepo) GetPrediction(_ context.Context, id uuid.UUID, scope access.Scope) (*models.Prediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.preds {
		if p.ID == id && scope.Matches(Ref(p)) {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) DeletePrediction(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.preds {
		if p.ID == id {
			r.preds = append(r.preds[:i], r.preds[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type world struct {
	tenant, orgA, orgB uuid.UUID
	repo               *memRepo
}

func newWorld() *world {
	return &world{tenant: uuid.New(), orgA: uuid.New(), orgB: uuid.New(), repo: &memRepo{}}
}

func (w *world) actor(role models.Role, org *uuid.UUID) models.Actor {
	a := models.Actor{UserID: uuid.New(), Role: role}
	if org != nil {
		o, t := *org, w.tenant
		a.OrganizationID, a.TenantID = &o, &t
	}
	return a
}

// create stores a prediction stamped the way the row processor would.
func (w *world) create(t *testing.T, a models.Actor, requested models.AccessLevel) *models.Prediction {
	t.Helper()
	level, org, err := access.WriteStamp(a, requested)
	require.NoError(t, err)
	p := &models.Prediction{
		ID:          uuid.New(),
		Kind:        models.JobKindAnnual,
		AccessLevel: level,
		CreatedBy:   a.UserID,
	}
	if org != nil {
		p.OrganizationID = org
		p.TenantID = a.TenantID
	}
	w.repo.preds = append(w.repo.preds, p)
	return p
}

func ids(preds []*models.Prediction) []uuid.UUID {
	out := make([]uuid.UUID, len(preds))
	for i, p := range preds {
		out[i] = p.ID
	}
	return out
}

func TestList_Visibility(t *testing.T) {
	w := newWorld()
	svc := NewService(w.repo)
	ctx := context.Background()

	super := w.actor(models.RoleSuperAdmin, nil)
	memberA := w.actor(models.RoleOrgMember, &w.orgA)
	memberB := w.actor(models.RoleOrgMember, &w.orgB)
	loner := w.actor(models.RoleUser, nil)
	tenantAdmin := w.actor(models.RoleTenantAdmin, &w.orgB)

	system := w.create(t, super, "")
	orgA := w.create(t, memberA, "")
	superPersonal := w.create(t, super, models.AccessPersonal)
	orgB := w.create(t, memberB, "")
	lonerRec := w.create(t, loner, "")

	tests := []struct {
		name  string
		actor models.Actor
		want  []uuid.UUID
	}{
		{"super admin sees everything", super, []uuid.UUID{system.ID, orgA.ID, superPersonal.ID, orgB.ID, lonerRec.ID}},
		{"member sees own org and system", memberA, []uuid.UUID{system.ID, orgA.ID}},
		{"other org member", memberB, []uuid.UUID{system.ID, orgB.ID}},
		{"loner sees own and system", loner, []uuid.UUID{system.ID, lonerRec.ID}},
		{"tenant admin sees tenant orgs", tenantAdmin, []uuid.UUID{system.ID, orgA.ID, orgB.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := svc.List(ctx, tt.actor, ListParams{})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(got))
			assert.Equal(t, len(tt.want), total)
		})
	}
}

func TestListSystem_SameForEveryActor(t *testing.T) {
	w := newWorld()
	svc := NewService(w.repo)
	super := w.actor(models.RoleSuperAdmin, nil)
	member := w.actor(models.RoleOrgMember, &w.orgA)

	system := w.create(t, super, "")
	w.create(t, member, "")
	w.create(t, super, models.AccessPersonal)

	got, total, err := svc.ListSystem(context.Background(), ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []uuid.UUID{system.ID}, ids(got))
}

func TestList_Errors(t *testing.T) {
	w := newWorld()
	svc := NewService(w.repo)
	actor := w.actor(models.RoleUser, nil)

	_, _, err := svc.List(context.Background(), actor, ListParams{Kind: "weekly"})
	assert.ErrorIs(t, err, ErrInvalidKind)

	got, _, err := svc.List(context.Background(), actor, ListParams{})
	require.NoError(t, err)
	assert.NotNil(t, got, "empty listing is an empty slice")

	w.repo.listErr = errors.New("db down")
	_, _, err = svc.List(context.Background(), actor, ListParams{})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	w := newWorld()
	svc := NewService(w.repo)
	ctx := context.Background()

	super := w.actor(models.RoleSuperAdmin, nil)
	author := w.actor(models.RoleOrgMember, &w.orgA)
	colleague := w.actor(models.RoleOrgMember, &w.orgA)
	admin := w.actor(models.RoleOrgAdmin, &w.orgA)
	outsider := w.actor(models.RoleOrgMember, &w.orgB)

	t.Run("colleague is forbidden", func(t *testing.T) {
		p := w.create(t, author, "")
		assert.ErrorIs(t, svc.Delete(ctx, colleague, p.ID), ErrForbidden)
	})
	t.Run("outsider gets not found", func(t *testing.T) {
		p := w.create(t, author, "")
		assert.ErrorIs(t, svc.Delete(ctx, outsider, p.ID), ErrNotFound)
	})
	t.Run("author deletes", func(t *testing.T) {
		p := w.create(t, author, "")
		require.NoError(t, svc.Delete(ctx, author, p.ID))
		_, err := svc.Get(ctx, author, p.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("org admin deletes", func(t *testing.T) {
		p := w.create(t, author, "")
		assert.NoError(t, svc.Delete(ctx, admin, p.ID))
	})
	t.Run("system record needs super admin", func(t *testing.T) {
		p := w.create(t, super, "")
		assert.ErrorIs(t, svc.Delete(ctx, admin, p.ID), ErrForbidden)
		assert.NoError(t, svc.Delete(ctx, super, p.ID))
	})
}
