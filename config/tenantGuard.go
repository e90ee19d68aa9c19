package config

import (
	"context"
	"reflect"
	"strings"

	"github.com/mmdatafocus/erp_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tenantColumn = "organization_id"

// TenantGuardPlugin keeps every production table inside the caller's organization.
// Reads, updates and deletes on a model with organization_id get a WHERE on it;
// creates get it stamped when the row left it empty.
//
// Raw SQL is not rewritten and must filter organization_id itself. Admin requests
// and internal jobs opt out through appctx.ContextKeyIsAdmin / ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", scopeToTenant); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", scopeToTenant); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", scopeToTenant); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", scopeToTenant); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", stampTenant)
}

// guardedTenant returns the organization a statement must be confined to, if any.
func guardedTenant(db *gorm.DB) (string, bool) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", false
	}
	ctx := db.Statement.Context
	if tenantScopeBypassed(ctx) {
		return "", false
	}
	orgID, _ := appctx.Value[string](ctx, appctx.ContextKeyOrganizationId)
	if orgID == "" {
		return "", false
	}
	if _, ok := db.Statement.Schema.FieldsByDBName[tenantColumn]; !ok {
		return "", false
	}
	return orgID, true
}

func tenantScopeBypassed(ctx context.Context) bool {
	if skip, _ := appctx.Value[bool](ctx, appctx.ContextKeySkipTenantScope); skip {
		return true
	}
	admin, _ := appctx.Value[bool](ctx, appctx.ContextKeyIsAdmin)
	return admin
}

func scopeToTenant(db *gorm.DB) {
	orgID, ok := guardedTenant(db)
	if !ok || filtersTenant(db.Statement.Clauses["WHERE"].Expression) {
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn}, Value: orgID},
	}})
}

func stampTenant(db *gorm.DB) {
	orgID, ok := guardedTenant(db)
	if !ok {
		return
	}
	ctx := db.Statement.Context
	field := db.Statement.Schema.FieldsByDBName[tenantColumn]
	stamp := func(rv reflect.Value) {
		if _, zero := field.ValueOf(ctx, rv); zero {
			_ = field.Set(ctx, rv, orgID)
		}
	}
	rv := reflect.Indirect(db.Statement.ReflectValue)
	switch rv.Kind() {
	case reflect.Struct:
		stamp(rv)
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if elem := reflect.Indirect(rv.Index(i)); elem.Kind() == reflect.Struct {
				stamp(elem)
			}
		}
	}
}

// filtersTenant reports whether a WHERE already names organization_id, so the guard
// doesn't add a second (possibly different) filter.
func filtersTenant(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Where:
		return anyFiltersTenant(v.Exprs)
	case clause.AndConditions:
		return anyFiltersTenant(v.Exprs)
	case clause.OrConditions:
		return anyFiltersTenant(v.Exprs)
	case clause.Eq:
		return isTenantColumn(v.Column)
	case clause.Neq:
		return isTenantColumn(v.Column)
	case clause.IN:
		return isTenantColumn(v.Column)
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	}
	return false
}

func anyFiltersTenant(exprs []clause.Expression) bool {
	for _, e := range exprs {
		if filtersTenant(e) {
			return true
		}
	}
	return false
}

func isTenantColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	}
	return false
}
