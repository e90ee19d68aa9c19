package utils

import (
	"context"
	"errors"

	"github.com/mmdatafocus/erp_backend/config"
	"gorm.io/gorm"
)

// ErrNotFoundInOrganization means the id does not exist or belongs to another organization.
// Callers cannot tell the two apart.
var ErrNotFoundInOrganization = errors.New("record not found")

// fetch model from db
// (organization_id is used in query's WHERE, returns ErrNotFoundInOrganization when missing)
func FetchModel[T any](ctx context.Context, organizationId string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](config.GetDB().WithContext(ctx), organizationId, id, associations...)
}

// FetchModelTx is FetchModel on an explicit handle (usually an open transaction).
// Store failures other than not-found are returned as-is.
func FetchModelTx[T any](tx *gorm.DB, organizationId string, id int, associations ...string) (*T, error) {
	dbCtx := tx.Where("organization_id = ?", organizationId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	if err := dbCtx.First(&result, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFoundInOrganization
		}
		return nil, err
	}
	return &result, nil
}
