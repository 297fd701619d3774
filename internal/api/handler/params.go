package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/riskbatch/internal/api/middleware"
	"github.com/kiranshivaraju/riskbatch/internal/api/response"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// actorOrReject returns the authenticated caller, writing a 401 when there is none.
func actorOrReject(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := mw.GetActor(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller", nil)
	}
	return actor, ok
}

// uuidParam parses a UUID path parameter, writing a 400 when it is malformed.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// pagination reads page and limit, clamped to the store's bounds.
func pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page}, {"limit", &limit}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", p.name+" must be a positive integer", nil)
			return 0, 0, false
		}
		if p.name == "page" && n > store.MaxPage {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				fmt.Sprintf("page must be at most %d", store.MaxPage), nil)
			return 0, 0, false
		}
		*p.dst = n
	}
	page, limit, _ = store.Paginate(page, limit)
	return page, limit, true
}
