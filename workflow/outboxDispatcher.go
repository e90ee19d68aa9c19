package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/metrics"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PublishFunc sends one message and returns the broker-assigned id.
type PublishFunc func(ctx context.Context, msg config.InsightMessage) (string, error)

// OutboxDispatcher relays outbox rows to the Pub/Sub insight topic. It only touches
// the publish columns; evaluation is tracked by the processing columns.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publish      PublishFunc
	Retry        RetryPolicy
	BatchSize    int
	PollInterval time.Duration
	// a PROCESSING publish untouched this long belongs to a crashed dispatcher
	StaleAfter time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:           db,
		Logger:       logger,
		Publish:      config.PublishInsightMessageWithResult,
		Retry:        retryPolicyFromEnv("OUTBOX_PUBLISH", defaultPublishRetry),
		BatchSize:    50,
		PollInterval: 500 * time.Millisecond,
		StaleAfter:   30 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims and publishes one batch. Returns how many rows were published.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publish == nil {
		return 0
	}
	claimed, dead, err := models.ClaimOutboxForPublish(ctx, d.DB, d.BatchSize, d.StaleAfter, d.Retry.MaxAttempts)
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "claim outbox rows", nil, err)
		return 0
	}
	metrics.OutboxDeadCounter.Add(float64(len(dead)))

	sent := 0
	for i := range claimed {
		rec := &claimed[i]
		pubID, pubErr := d.Publish(ctx, models.ConvertToInsightMessage(*rec))
		if pubErr != nil {
			d.publishFailed(ctx, rec, pubErr)
			continue
		}
		if err := models.MarkOutboxPublished(ctx, d.DB, rec.ID, pubID); err != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "mark outbox row sent", rec.ID, err)
		}
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) publishFailed(ctx context.Context, rec *models.OutboxRecord, cause error) {
	metrics.OutboxFailureCounter.WithLabelValues("publish").Inc()
	if err := models.MarkOutboxPublishFailed(ctx, d.DB, rec, cause, d.Retry.Schedule); err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "publishFailed", "update outbox row", rec.ID, err)
		return
	}
	if rec.PublishStatus == models.OutboxPublishStatusDead {
		metrics.OutboxDeadCounter.Inc()
	}
	if d.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":           "OutboxDispatcher",
		"organization_id": rec.OrganizationId,
		"record_id":       rec.ID,
		"attempt":         rec.PublishAttempts,
		"publish_status":  rec.PublishStatus,
	}
	if rec.NextAttemptAt != nil {
		fields["next_attempt_at"] = rec.NextAttemptAt.Format(time.RFC3339)
	}
	d.Logger.WithFields(fields).WithError(cause).Error("outbox publish failed")
}
