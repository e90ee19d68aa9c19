package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/gorm"
)

// BatchEvent is an append-only entry in a batch's log. Nothing updates or deletes it.
type BatchEvent struct {
	ID             int       `gorm:"primary_key;index:idx_batch_event_order,priority:4" json:"id"`
	OrganizationId string    `gorm:"size:64;not null;index:idx_batch_event_order,priority:1" json:"organization_id"`
	BatchId        int       `gorm:"not null;index:idx_batch_event_order,priority:2" json:"batch_id"`
	StepId         *string   `gorm:"size:100" json:"step_id"`
	EventType      string    `gorm:"size:50;not null;index" json:"event_type"`
	Data           JSONMap   `gorm:"type:text" json:"data"`
	Timestamp      time.Time `gorm:"not null;index:idx_batch_event_order,priority:3" json:"timestamp"`
	UserId         *int      `json:"user_id"`
}

type NewBatchEvent struct {
	StepId    *string        `json:"step_id"`
	EventType string         `json:"event_type" validate:"required,max=50"`
	Data      map[string]any `json:"data"`
	UserId    *int           `json:"user_id"`
}

// LogEvent appends an event to the batch log.
// An "anomaly" that names a waste marker, product and quantity is a stock mutation too,
// so it is handed to ReportAnomaly and logged in the same transaction as its movement.
func LogEvent(ctx context.Context, batchId int, input *NewBatchEvent) (*BatchEvent, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if batchId <= 0 {
		return nil, validationError("batch id is required")
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	anomaly, ok, err := anomalyFromEvent(input)
	if err != nil {
		return nil, err
	}
	if ok {
		event, _, err := ReportAnomaly(ctx, batchId, anomaly)
		return event, err
	}

	if err := utils.ValidateResourceId[Batch](ctx, organizationId, batchId); err != nil {
		return nil, notFoundAs(err, "batch", batchId, "log event")
	}
	userId := input.UserId
	if userId == nil {
		userId = userIdFromContext(ctx)
	}
	return insertBatchEvent(config.GetDB().WithContext(ctx), organizationId, batchId, input.StepId, input.EventType, input.Data, userId)
}

// ListBatchEvents returns the batch log ordered by timestamp, ties broken by id.
func ListBatchEvents(ctx context.Context, batchId int) ([]*BatchEvent, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	var events []*BatchEvent
	err = config.GetDB().WithContext(ctx).
		Where("organization_id = ? AND batch_id = ?", organizationId, batchId).
		Order("timestamp, id").
		Find(&events).Error
	if err != nil {
		return nil, storeError("list events", err)
	}
	return events, nil
}

func insertBatchEvent(tx *gorm.DB, organizationId string, batchId int, stepId *string, eventType string, data map[string]any, userId *int) (*BatchEvent, error) {
	event := BatchEvent{
		OrganizationId: organizationId,
		BatchId:        batchId,
		StepId:         stepId,
		EventType:      eventType,
		Data:           JSONMap(data),
		Timestamp:      time.Now().UTC(),
		UserId:         userId,
	}
	if event.Data == nil {
		event.Data = JSONMap{}
	}
	if err := tx.Create(&event).Error; err != nil {
		return nil, storeError("log event", err)
	}
	return &event, nil
}

// anomalyFromEvent reads a waste report out of an anomaly payload. A payload without
// a waste marker is a plain note; one with a marker must carry a whole positive
// productId and quantity.
func anomalyFromEvent(input *NewBatchEvent) (*NewAnomaly, bool, error) {
	if input.EventType != BatchEventTypeAnomaly || input.Data == nil {
		return nil, false, nil
	}
	data := JSONMap(input.Data)
	mermaType, _ := data.String("mermaType")
	if strings.TrimSpace(mermaType) == "" {
		return nil, false, nil
	}
	_, hasProduct := data["productId"]
	_, hasQuantity := data["quantity"]
	if !hasProduct && !hasQuantity {
		return nil, false, nil
	}
	productId, ok := data.Int64("productId")
	if !ok || productId <= 0 {
		return nil, false, validationError("anomaly productId must be a positive whole number")
	}
	quantity, ok := data.Int64("quantity")
	if !ok || quantity <= 0 {
		return nil, false, validationError("anomaly quantity must be a positive whole number")
	}
	reason, _ := data.String("reason")
	extra := map[string]any{}
	for k, v := range input.Data {
		switch k {
		case "mermaType", "productId", "quantity", "reason":
		default:
			extra[k] = v
		}
	}
	return &NewAnomaly{
		ProductId: int(productId),
		Quantity:  quantity,
		Reason:    reason,
		MermaType: mermaType,
		StepId:    input.StepId,
		UserId:    input.UserId,
		Extra:     extra,
	}, true, nil
}

func userIdFromContext(ctx context.Context) *int {
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId > 0 {
		return &userId
	}
	return nil
}
