// ABOUTME: Caller identity carried through request contexts
// ABOUTME: Provides WithIdentity/FromContext shared by HTTP middleware and gRPC interceptors

package auth

import (
	"context"
	"slices"
)

// RoleOperator may decide plans and cancel any task.
const RoleOperator = "operator"

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

// Anonymous is attached when auth is disabled.
var Anonymous = &Identity{Subject: "anonymous", Roles: []string{RoleOperator}}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity on ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// SubjectFromContext returns the caller's subject, or "anonymous".
func SubjectFromContext(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.Subject
	}
	return Anonymous.Subject
}
