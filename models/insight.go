package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/gorm"
)

// AIInsight is an advisory record written only by the insight engine.
type AIInsight struct {
	ID             int           `gorm:"primary_key" json:"id"`
	OrganizationId string        `gorm:"size:64;not null;index:idx_insight_org_ack,priority:1" json:"organization_id"`
	Type           InsightType   `gorm:"size:50;not null;index" json:"type"`
	Title          string        `gorm:"size:255;not null" json:"title"`
	Description    string        `gorm:"type:text" json:"description"`
	Impact         InsightImpact `gorm:"size:20;not null" json:"impact"`
	Confidence     int           `gorm:"not null" json:"confidence"` // 0-100
	Metadata       JSONMap       `gorm:"type:text" json:"metadata"`
	SourceEvent    string        `gorm:"size:50;index" json:"source_event"`
	ReferenceId    int           `gorm:"index" json:"reference_id"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	Acknowledged   bool          `gorm:"not null;default:false;index:idx_insight_org_ack,priority:2" json:"acknowledged"`
}

// SaveInsight stores an insight on the given handle (the idempotency transaction
// when called from the insight workflow).
func SaveInsight(tx *gorm.DB, insight *AIInsight) error {
	if insight.Metadata == nil {
		insight.Metadata = JSONMap{}
	}
	if insight.Confidence < 0 {
		insight.Confidence = 0
	}
	if insight.Confidence > 100 {
		insight.Confidence = 100
	}
	if err := tx.Create(insight).Error; err != nil {
		return storeError("save insight", err)
	}
	return nil
}

// ListInsights returns newest first. acknowledged nil lists both.
func ListInsights(ctx context.Context, acknowledged *bool, limit int) ([]*AIInsight, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	dbCtx := config.GetDB().WithContext(ctx).Where("organization_id = ?", organizationId)
	if acknowledged != nil {
		dbCtx = dbCtx.Where("acknowledged = ?", *acknowledged)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var insights []*AIInsight
	if err := dbCtx.Order("created_at DESC, id DESC").Limit(limit).Find(&insights).Error; err != nil {
		return nil, storeError("list insights", err)
	}
	return insights, nil
}

func AcknowledgeInsight(ctx context.Context, id int) (*AIInsight, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	insight, err := utils.FetchModel[AIInsight](ctx, organizationId, id)
	if err != nil {
		return nil, notFoundAs(err, "insight", id, "acknowledge insight")
	}
	if insight.Acknowledged {
		return insight, nil
	}
	err = config.GetDB().WithContext(ctx).Model(&AIInsight{}).
		Where("id = ? AND organization_id = ?", id, organizationId).
		Update("acknowledged", true).Error
	if err != nil {
		return nil, storeError("acknowledge insight", err)
	}
	insight.Acknowledged = true
	InvalidateSummary(ctx, organizationId)
	return insight, nil
}

// NewInsightEvent is an event emitted by a collaborator outside settlement
// (sales, presence tracking).
type NewInsightEvent struct {
	EventType   string         `json:"event_type" validate:"required,oneof=sale_created employee_action production_finish anomaly_detected"`
	ReferenceId int            `json:"reference_id"`
	Payload     map[string]any `json:"payload"`
}

// PublishInsightEvent queues an external event through the same outbox settlement uses.
func PublishInsightEvent(ctx context.Context, input *NewInsightEvent) error {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return err
	}
	if err := validateInput(input); err != nil {
		return err
	}
	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := PublishToInsights(ctx, config.GetDB().WithContext(ctx), organizationId, input.EventType, input.ReferenceId, payload); err != nil {
		return storeError("enqueue insight", err)
	}
	config.NotifyOutbox()
	return nil
}
