package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
)

// Product carries only what settlement needs. Stock is the authoritative balance;
// InventoryMovement rows are its derivation log.
type Product struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;index;not null" json:"organization_id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Sku            string    `gorm:"size:100;index" json:"sku"`
	Stock          int64     `gorm:"not null;default:0" json:"stock"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name         string `json:"name" validate:"required,max=255"`
	Sku          string `json:"sku" validate:"max=100"`
	OpeningStock int64  `json:"opening_stock" validate:"gte=0"`
}

// CreateProduct stores the product with zero stock and, if any, posts the opening
// balance through the ledger so stock stays derivable from movements.
func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	product := Product{
		OrganizationId: organizationId,
		Name:           input.Name,
		Sku:            input.Sku,
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	if err := tx.Create(&product).Error; err != nil {
		tx.Rollback()
		return nil, storeError("create product", err)
	}
	if input.OpeningStock > 0 {
		if err := creditStock(tx, organizationId, product.ID, input.OpeningStock); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := recordMovement(ctx, tx, organizationId, product.ID, input.OpeningStock, MovementTypeOpeningStock, 0, "opening stock"); err != nil {
			tx.Rollback()
			return nil, err
		}
		product.Stock = input.OpeningStock
	}
	if err := tx.Commit().Error; err != nil {
		return nil, storeError("create product", err)
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	product, err := utils.FetchModel[Product](ctx, organizationId, id)
	if err != nil {
		return nil, notFoundAs(err, "product", id, "get product")
	}
	return product, nil
}
