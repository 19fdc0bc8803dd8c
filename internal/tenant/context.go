package tenant

import (
	"context"
	"strings"
)

// TenantContext carries tenant and user identity through a request. It is filled once
// at the HTTP boundary (or by a job that acts on behalf of a tenant) and read by the
// audit recorder and the query services.
type TenantContext struct {
	TenantID      string
	UserID        string
	Roles         []string
	IsSystemAdmin bool
}

type tenantContextKey struct{}

// WithTenantContext attaches tc to ctx.
func WithTenantContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// FromContext returns the TenantContext stored in ctx, if any.
func FromContext(ctx context.Context) (TenantContext, bool) {
	if ctx == nil {
		return TenantContext{}, false
	}
	tc, ok := ctx.Value(tenantContextKey{}).(TenantContext)
	return tc, ok
}

// TenantIDFrom returns the tenant id from ctx or "".
func TenantIDFrom(ctx context.Context) string {
	tc, _ := FromContext(ctx)
	return tc.TenantID
}

// HasRole reports whether the context carries role (case-insensitive).
func (tc TenantContext) HasRole(role string) bool {
	for _, r := range tc.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller may administer tenant-wide settings such as
// retention policies and the full audit trail.
func (tc TenantContext) IsAdmin() bool {
	return tc.IsSystemAdmin || tc.HasRole("admin") || tc.HasRole("owner")
}
