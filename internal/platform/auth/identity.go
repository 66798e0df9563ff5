package auth

import (
	"context"
	"strings"
)

// Identity captures the authenticated customer details extracted from a
// session token.
type Identity struct {
	UID   string
	Email string
	Phone string
}

// Matches reports whether the identity owns the provided email address.
func (i *Identity) Matches(email string) bool {
	if i == nil {
		return false
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	return strings.EqualFold(i.Email, email)
}

type contextKey string

const identityContextKey contextKey = "github.com/stitchfield/orders-api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
