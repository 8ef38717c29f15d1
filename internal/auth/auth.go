// Package auth carries the caller identity resolved by the gateway. The
// service trusts these values; it does not authenticate users itself.
package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderRoles    = "X-User-Roles"

	MetadataTenantID = "x-tenant-id"
	MetadataUserID   = "x-user-id"
	MetadataRoles    = "x-user-roles"
)

// UserContext is the authenticated, tenant-scoped caller.
type UserContext struct {
	TenantID string
	UserID   string
	Roles    []string
}

type contextKey struct{}

// ErrNoUserContext is returned when no caller identity is attached.
var ErrNoUserContext = errors.New(errors.ErrCodeUnauthorized, "no authenticated user in context")

// WithUserContext attaches uc to ctx.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// GetUserContext returns the caller attached to ctx.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(contextKey{}).(*UserContext)
	if !ok || uc == nil {
		return nil, ErrNoUserContext
	}
	return uc, nil
}

// Validate requires a tenant and a user.
func (u *UserContext) Validate() error {
	if u == nil {
		return ErrNoUserContext
	}
	if u.TenantID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "missing tenant")
	}
	if u.UserID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "missing user")
	}
	return nil
}

// HasRole reports an exact role match.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ParseRoles splits a comma separated role list, dropping blanks.
func ParseRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// FromHeader reads the gateway identity headers.
func FromHeader(h http.Header) *UserContext {
	return &UserContext{
		TenantID: strings.TrimSpace(h.Get(HeaderTenantID)),
		UserID:   strings.TrimSpace(h.Get(HeaderUserID)),
		Roles:    ParseRoles(h.Get(HeaderRoles)),
	}
}

// FromMetadata reads identity from incoming gRPC metadata.
func FromMetadata(md metadata.MD) *UserContext {
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	var roles []string
	for _, v := range md.Get(MetadataRoles) {
		roles = append(roles, ParseRoles(v)...)
	}
	return &UserContext{
		TenantID: first(MetadataTenantID),
		UserID:   first(MetadataUserID),
		Roles:    roles,
	}
}

// Metadata renders uc as outgoing gRPC metadata key/value pairs.
func (u *UserContext) Metadata() []string {
	return []string{
		MetadataTenantID, u.TenantID,
		MetadataUserID, u.UserID,
		MetadataRoles, strings.Join(u.Roles, ","),
	}
}
