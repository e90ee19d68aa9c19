package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/gorm"
)

// PieceworkTicket records one worker report. TotalAmount is fixed at creation.
type PieceworkTicket struct {
	ID             int                   `gorm:"primary_key" json:"id"`
	OrganizationId string                `gorm:"size:64;not null;index:idx_ticket_org_batch,priority:1" json:"organization_id"`
	BatchId        int                   `gorm:"not null;index:idx_ticket_org_batch,priority:2" json:"batch_id"`
	EmployeeId     int                   `gorm:"not null;index" json:"employee_id"`
	CreatorId      int                   `gorm:"not null;default:0" json:"creator_id"`
	TaskName       string                `gorm:"size:100;not null" json:"task_name"`
	Quantity       int64                 `gorm:"not null" json:"quantity"`
	UnitPrice      int64                 `gorm:"not null" json:"unit_price"`
	TotalAmount    int64                 `gorm:"not null" json:"total_amount"`
	Status         PieceworkTicketStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	CreatedAt      time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

// effectiveUnitPrice prefers the recipe's piece rate (after the rate-correction
// rule) over the caller-supplied price.
func effectiveUnitPrice(recipe Recipe, unitPrice int64, policy config.ProductionPolicy) int64 {
	if rate, ok := recipe.PieceRate(); ok {
		return policy.EffectivePieceRate(rate)
	}
	return unitPrice
}

func ListPieceworkTickets(ctx context.Context, batchId int) ([]*PieceworkTicket, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	var tickets []*PieceworkTicket
	err = config.GetDB().WithContext(ctx).
		Where("organization_id = ? AND batch_id = ?", organizationId, batchId).
		Order("created_at, id").
		Find(&tickets).Error
	if err != nil {
		return nil, storeError("list tickets", err)
	}
	return tickets, nil
}

func ApprovePieceworkTicket(ctx context.Context, id int) (*PieceworkTicket, error) {
	return transitionPieceworkTicket(ctx, id, PieceworkTicketStatusPending, PieceworkTicketStatusApproved)
}

func MarkPieceworkTicketPaid(ctx context.Context, id int) (*PieceworkTicket, error) {
	return transitionPieceworkTicket(ctx, id, PieceworkTicketStatusApproved, PieceworkTicketStatusPaid)
}

func transitionPieceworkTicket(ctx context.Context, id int, from, to PieceworkTicketStatus) (*PieceworkTicket, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx)
	res := db.Model(&PieceworkTicket{}).
		Where("id = ? AND organization_id = ? AND status = ?", id, organizationId, from).
		Update("status", to)
	if res.Error != nil {
		return nil, storeError("update ticket", res.Error)
	}
	ticket, err := utils.FetchModel[PieceworkTicket](ctx, organizationId, id)
	if err != nil {
		return nil, notFoundAs(err, "piecework ticket", id, "update ticket")
	}
	if res.RowsAffected == 0 {
		return nil, validationError("ticket %d is %s, expected %s", id, ticket.Status, from)
	}
	InvalidateSummary(ctx, organizationId)
	return ticket, nil
}

func loadBatchTicketsTx(tx *gorm.DB, organizationId string, batchId int) ([]PieceworkTicket, error) {
	var tickets []PieceworkTicket
	err := tx.Where("organization_id = ? AND batch_id = ?", organizationId, batchId).Find(&tickets).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeError("load tickets", err)
	}
	return tickets, nil
}
