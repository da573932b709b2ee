package shared

import "context"

// TenantID identifies the tenant owning a row. Every repository and service
// call takes it as an explicit argument; it is never read from ambient state
// below the HTTP boundary.
type TenantID int64

// Valid reports whether the tenant identifier has been resolved.
func (t TenantID) Valid() bool {
	return t > 0
}

// Identity carries the resolved caller of an operation.
type Identity struct {
	TenantID TenantID
	ActorID  int64
}

type identityContextKey struct{}

// ContextWithIdentity stores the resolved identity in context. The tenant
// resolution middleware calls this once per request.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context. The zero value is
// returned when no identity was resolved.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey{}).(Identity)
	return id
}
