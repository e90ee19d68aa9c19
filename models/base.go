package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/gorm"
)

// PublishToInsights is the transactional outbox write: the row commits or rolls back
// with the caller's transaction. Delivery to the insight engine happens after commit.
func PublishToInsights(ctx context.Context, tx *gorm.DB, organizationId string, eventType string, referenceId int, payload any) error {
	payloadInByte, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	publishStatus := OutboxPublishStatusPending
	if !config.PubSubEnabled() {
		publishStatus = OutboxPublishStatusSkipped
	}
	record := OutboxRecord{
		OrganizationId:   organizationId,
		EventType:        eventType,
		ReferenceId:      referenceId,
		Payload:          payloadInByte,
		OccurredAt:       time.Now().UTC(),
		PublishStatus:    publishStatus,
		ProcessingStatus: OutboxProcessStatusPending,
		CorrelationId:    correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func organizationIdFrom(ctx context.Context) (string, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return "", &ConfigurationError{Resource: "organization", Reason: "organization id is required"}
	}
	return organizationId, nil
}

// afterSettlementCommit runs the post-commit side effects shared by every settlement
// path. None of them can fail the caller.
func afterSettlementCommit(ctx context.Context, organizationId string) {
	config.NotifyOutbox()
	InvalidateSummary(ctx, organizationId)
}
