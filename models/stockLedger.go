package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// deductStock removes quantity from a product in one conditional statement, so two
// settlements racing for the same stock cannot both pass the check.
// On zero affected rows the product is re-read only to explain the rejection.
func deductStock(tx *gorm.DB, organizationId string, productId int, quantity int64) error {
	if quantity <= 0 {
		return nil
	}
	res := tx.Model(&Product{}).
		Where("id = ? AND organization_id = ? AND stock >= ?", productId, organizationId, quantity).
		UpdateColumns(map[string]interface{}{
			"stock":      gorm.Expr("stock - ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return storeError("deduct stock", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var product Product
	if err := tx.Where("organization_id = ?", organizationId).First(&product, productId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ConfigurationError{Resource: "product", Id: productId, Reason: "input product not found"}
		}
		return storeError("load product", err)
	}
	return &InsufficientStockError{
		ProductId:   product.ID,
		ProductName: product.Name,
		Available:   product.Stock,
		Required:    quantity,
	}
}

func creditStock(tx *gorm.DB, organizationId string, productId int, quantity int64) error {
	if quantity <= 0 {
		return nil
	}
	res := tx.Model(&Product{}).
		Where("id = ? AND organization_id = ?", productId, organizationId).
		UpdateColumns(map[string]interface{}{
			"stock":      gorm.Expr("stock + ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return storeError("credit stock", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ConfigurationError{Resource: "product", Id: productId, Reason: "output product not found"}
	}
	return nil
}
