// Package tenant carries the organization scope through request contexts.
// Every tenant-scoped storage call reads the organization from here.
package tenant

import "context"

type orgCtxKey struct{}

// WithOrganization returns a context scoped to the given organization code.
func WithOrganization(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, orgCtxKey{}, code)
}

// FromContext returns the organization code stored in ctx, or "" if absent.
// An empty organization matches no rows; there is no default tenant.
func FromContext(ctx context.Context) string {
	if code, ok := ctx.Value(orgCtxKey{}).(string); ok {
		return code
	}
	return ""
}
