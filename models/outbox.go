package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outbox publish statuses (OutboxRecord.PublishStatus).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
	// Pub/Sub not configured; the in-process processor owns the row.
	OutboxPublishStatusSkipped = "SKIPPED"
)

// Outbox processing statuses (OutboxRecord.ProcessingStatus), i.e. insight evaluation.
const (
	OutboxProcessStatusPending    = "PENDING"
	OutboxProcessStatusProcessing = "PROCESSING"
	OutboxProcessStatusSucceeded  = "SUCCEEDED"
	OutboxProcessStatusFailed     = "FAILED"
	OutboxProcessStatusDead       = "DEAD"
)

// OutboxRecord carries one insight event from a committed settlement to the insight
// engine. Publish and processing are tracked separately.
type OutboxRecord struct {
	ID             int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3;index:idx_outbox_process,priority:3" json:"id"`
	OrganizationId string    `gorm:"size:64;not null;index" json:"organization_id"`
	EventType      string    `gorm:"size:50;not null;index" json:"event_type"`
	ReferenceId    int       `gorm:"index" json:"reference_id"`
	Payload        []byte    `gorm:"type:blob" json:"payload"`
	OccurredAt     time.Time `gorm:"not null" json:"occurred_at"`
	CorrelationId  string    `gorm:"size:64;index" json:"correlation_id"`

	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	ProcessingStatus     string     `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_process,priority:1" json:"processing_status"`
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index:idx_outbox_process,priority:2" json:"next_process_attempt_at"`
	ProcessedAt          *time.Time `json:"processed_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`

	LockedAt  *time.Time `gorm:"index" json:"locked_at"`
	LockedBy  *string    `gorm:"size:100" json:"locked_by"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToInsightMessage(record OutboxRecord) config.InsightMessage {
	return config.InsightMessage{
		ID:             record.ID,
		OrganizationId: record.OrganizationId,
		EventType:      record.EventType,
		ReferenceId:    record.ReferenceId,
		Payload:        record.Payload,
		OccurredAt:     record.OccurredAt,
		CorrelationId:  record.CorrelationId,
	}
}

// RequeueDeadOutbox resets DEAD/FAILED rows so the processor and dispatcher pick
// them up again. Empty organizationId requeues across tenants (admin tooling).
func RequeueDeadOutbox(ctx context.Context, organizationId string) (int64, error) {
	db := config.GetDB().WithContext(ctx).Model(&OutboxRecord{}).
		Where("processing_status IN ? OR publish_status IN ?",
			[]string{OutboxProcessStatusDead, OutboxProcessStatusFailed},
			[]string{OutboxPublishStatusDead, OutboxPublishStatusFailed})
	if organizationId != "" {
		db = db.Where("organization_id = ?", organizationId)
	}
	res := db.Updates(map[string]interface{}{
		"processing_status":       keepOrReset("processing_status", OutboxProcessStatusPending, OutboxProcessStatusSucceeded),
		"process_attempts":        0,
		"next_process_attempt_at": nil,
		"publish_status":          keepOrReset("publish_status", OutboxPublishStatusPending, OutboxPublishStatusSent, OutboxPublishStatusSkipped),
		"publish_attempts":        0,
		"next_attempt_at":         nil,
		"locked_at":               nil,
		"locked_by":               nil,
	})
	if res.Error != nil {
		return 0, storeError("requeue outbox", res.Error)
	}
	config.NotifyOutbox()
	return res.RowsAffected, nil
}

// keepOrReset leaves column untouched when it already holds one of keep, else sets reset.
func keepOrReset(column string, reset string, keep ...string) clause.Expr {
	return gorm.Expr("CASE WHEN "+column+" IN ? THEN "+column+" ELSE ? END", keep, reset)
}
