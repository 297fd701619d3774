package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

type contextKey string

const (
	actorKey     contextKey = "actor"
	keyPrefixKey contextKey = "key_prefix"
)

func SetActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// GetActor returns the authenticated caller set by Authenticate.
func GetActor(r *http.Request) (models.Actor, bool) {
	a, ok := r.Context().Value(actorKey).(models.Actor)
	return a, ok
}

func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}
