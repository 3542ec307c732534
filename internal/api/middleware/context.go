package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

type contextKey string

const (
	keyNameKey      contextKey = "key_name"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// WithKey stores the authenticated key's identity in ctx.
func WithKey(ctx context.Context, k *models.APIKey) context.Context {
	ctx = context.WithValue(ctx, keyNameKey, k.Name)
	ctx = context.WithValue(ctx, keyPrefixKey, k.KeyPrefix)
	return context.WithValue(ctx, apiKeyScopesKey, k.Scopes)
}

// KeyName is the name of the key that authenticated r. Handlers use it as
// the reviewer when a request does not name one.
func KeyName(r *http.Request) string {
	name, _ := r.Context().Value(keyNameKey).(string)
	return name
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// HasScope reports whether the key behind r carries scope. Admin keys carry every scope.
func HasScope(r *http.Request, scope string) bool {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return slices.Contains(scopes, scope) || slices.Contains(scopes, models.ScopeAdmin)
}
