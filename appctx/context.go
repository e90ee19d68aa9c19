// Package appctx holds the request-scoped context keys shared by config, utils and
// middlewares. It imports nothing from the module so every layer can depend on it.
package appctx

import "context"

type ContextKey string

func (c ContextKey) String() string { return "appctx." + string(c) }

const (
	ContextKeyToken          ContextKey = "Token"
	ContextKeyOrganizationId ContextKey = "OrganizationId"
	ContextKeyUserId         ContextKey = "UserId"
	ContextKeyUserName       ContextKey = "UserName"
	ContextKeyRole           ContextKey = "Role"
	ContextKeyCorrelationId  ContextKey = "CorrelationId"

	// admin requests see every organization
	ContextKeyIsAdmin ContextKey = "IsAdmin"
	// internal jobs (outbox workers, CLI) that must read across organizations
	ContextKeySkipTenantScope ContextKey = "SkipTenantScope"
)

// Value returns the typed value under key; ok is false when absent or of another type.
func Value[T any](ctx context.Context, key ContextKey) (v T, ok bool) {
	if ctx == nil {
		return v, false
	}
	v, ok = ctx.Value(key).(T)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
