package utils

import (
	"context"

	"github.com/mmdatafocus/erp_backend/appctx"
)

func GetOrganizationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.ContextKeyOrganizationId)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.Value[int](ctx, appctx.ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.ContextKeyUserName)
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.ContextKeyRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyToken, token)
}

func SetOrganizationIdInContext(ctx context.Context, organizationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyOrganizationId, organizationId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyUserName, userName)
}

func SetRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.Value[bool](ctx, appctx.ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyIsAdmin, isAdmin)
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, appctx.ContextKeySkipTenantScope, skip)
}

// SystemContext is what background workers run under: the tenant of the message,
// user 0, and the message's correlation id.
func SystemContext(ctx context.Context, organizationId string, correlationId string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = SetOrganizationIdInContext(ctx, organizationId)
	ctx = SetUserIdInContext(ctx, 0)
	ctx = SetUserNameInContext(ctx, "System")
	if correlationId != "" {
		ctx = SetCorrelationIdInContext(ctx, correlationId)
	}
	return ctx
}
