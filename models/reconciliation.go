package models

import (
	"context"

	"github.com/mmdatafocus/erp_backend/config"
	"gorm.io/gorm"
)

// StockDrift is a product whose stock disagrees with the sum of its movements.
type StockDrift struct {
	ProductId   int    `json:"product_id"`
	ProductName string `json:"product_name"`
	Stock       int64  `json:"stock"`
	LedgerStock int64  `json:"ledger_stock"`
	Difference  int64  `json:"difference"`
	Fixed       bool   `json:"fixed"`
}

// ReconcileStock compares every product's stock with its movement log. With fix,
// stock is rewritten from the log, which makes the movements the source of truth.
func ReconcileStock(ctx context.Context, fix bool) ([]StockDrift, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}

	var rows []StockDrift
	err = config.GetDB().WithContext(ctx).Raw(`
SELECT p.id AS product_id, p.name AS product_name, p.stock AS stock,
       COALESCE(m.total, 0) AS ledger_stock
FROM products p
LEFT JOIN (
    SELECT product_id, SUM(quantity) AS total
    FROM inventory_movements
    WHERE organization_id = ?
    GROUP BY product_id
) m ON m.product_id = p.id
WHERE p.organization_id = ? AND p.stock <> COALESCE(m.total, 0)
ORDER BY p.id`, organizationId, organizationId).Scan(&rows).Error
	if err != nil {
		return nil, storeError("reconcile stock", err)
	}
	for i := range rows {
		rows[i].Difference = rows[i].Stock - rows[i].LedgerStock
	}
	if !fix || len(rows) == 0 {
		return rows, nil
	}

	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			// guard on the observed value so a concurrent settlement isn't overwritten
			res := tx.Model(&Product{}).
				Where("id = ? AND organization_id = ? AND stock = ?", rows[i].ProductId, organizationId, rows[i].Stock).
				UpdateColumn("stock", rows[i].LedgerStock)
			if res.Error != nil {
				return res.Error
			}
			rows[i].Fixed = res.RowsAffected == 1
		}
		return nil
	})
	if err != nil {
		return nil, storeError("fix stock", err)
	}
	InvalidateSummary(ctx, organizationId)
	return rows, nil
}
