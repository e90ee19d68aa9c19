package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"gorm.io/gorm"
)

// InventoryMovement is the append-only audit row for every stock mutation.
// Quantity is signed: negative consumes, positive produces.
type InventoryMovement struct {
	ID             int          `gorm:"primary_key" json:"id"`
	OrganizationId string       `gorm:"size:64;not null;index:idx_inv_move_org_product,priority:1;index:idx_inv_move_org_ref,priority:1" json:"organization_id"`
	ProductId      int          `gorm:"not null;index:idx_inv_move_org_product,priority:2" json:"product_id"`
	Quantity       int64        `gorm:"not null" json:"quantity"`
	Type           MovementType `gorm:"size:32;not null;index" json:"type"`
	ReferenceId    int          `gorm:"not null;default:0;index:idx_inv_move_org_ref,priority:2" json:"reference_id"`
	Notes          string       `gorm:"type:text" json:"notes"`
	Date           time.Time    `gorm:"not null" json:"date"`
	CorrelationId  string       `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// ListBatchMovements returns the movements a batch caused, oldest first.
func ListBatchMovements(ctx context.Context, batchId int) ([]*InventoryMovement, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	var movements []*InventoryMovement
	err = config.GetDB().WithContext(ctx).
		Where("organization_id = ? AND reference_id = ? AND type <> ?", organizationId, batchId, MovementTypeOpeningStock).
		Order("date, id").
		Find(&movements).Error
	if err != nil {
		return nil, storeError("list movements", err)
	}
	return movements, nil
}

func recordMovement(ctx context.Context, tx *gorm.DB, organizationId string, productId int, quantity int64, movementType MovementType, referenceId int, notes string) error {
	movement := InventoryMovement{
		OrganizationId: organizationId,
		ProductId:      productId,
		Quantity:       quantity,
		Type:           movementType,
		ReferenceId:    referenceId,
		Notes:          notes,
		Date:           time.Now().UTC(),
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&movement).Error; err != nil {
		return storeError("record movement", err)
	}
	return nil
}
