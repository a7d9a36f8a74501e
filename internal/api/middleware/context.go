package middleware

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Caller is the API key a request was authenticated with.
type Caller struct {
	KeyID  uuid.UUID
	Prefix string
	Scopes []string
}

// Can reports whether the key was granted scope.
func (c Caller) Can(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

type callerKey struct{}

// WithCaller attaches c to ctx. Authenticate does this for every accepted key.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by Authenticate, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
