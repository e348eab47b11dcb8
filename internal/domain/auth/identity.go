package auth

import "context"

type (
	userKey   struct{}
	apiKeyKey struct{}
)

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the authenticated user id, if any.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// WithAPIKey returns a context carrying the validated admin key.
func WithAPIKey(ctx context.Context, info *APIKeyInfo) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, info)
}

// APIKeyFrom returns the validated admin key, if any.
func APIKeyFrom(ctx context.Context) (*APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyKey{}).(*APIKeyInfo)
	return info, ok && info != nil
}
