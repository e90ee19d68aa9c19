package workflow

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/metrics"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var errInsightNotHandled = errors.New("insight engine did not handle the message")

// OutboxProcessor drains outbox rows into the insight engine in-process. It wakes on
// config.NotifyOutbox after each settlement commit and polls as a fallback.
type OutboxProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Engine    *InsightEngine
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
	// wait before reclaiming a row whose message another delivery is handling
	BusyRetryAfter time.Duration
}

func NewOutboxProcessor(db *gorm.DB, logger *logrus.Logger, engine *InsightEngine) *OutboxProcessor {
	return &OutboxProcessor{
		DB:             db,
		Logger:         logger,
		Engine:         engine,
		WorkerID:       "processor-" + uuid.NewString()[:8],
		BatchSize:      50,
		Interval:       2 * time.Second,
		LockTTL:        30 * time.Second,
		BusyRetryAfter: 30 * time.Second,
	}
}

// ShouldRunOutboxProcessor is on unless OUTBOX_DIRECT_PROCESSING=false. With Pub/Sub
// configured it still runs as a backup worker; the idempotency key makes the double
// delivery harmless.
func ShouldRunOutboxProcessor() bool {
	return !strings.EqualFold(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING")), "false")
}

func (p *OutboxProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil || p.Engine == nil {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		p.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-config.OutboxSignal():
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch of due rows and hands each to the engine under the row's
// organization. Returns the number of rows claimed.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) int {
	claimed, err := models.ClaimOutboxForProcessing(ctx, p.DB, p.WorkerID, p.BatchSize, p.LockTTL)
	if err != nil {
		config.LogError(p.Logger, "OutboxProcessor", "ProcessOnce", "claim outbox rows", nil, err)
		return 0
	}
	for _, rec := range claimed {
		msg := models.ConvertToInsightMessage(rec)
		switch p.Engine.Handle(utils.SystemContext(ctx, rec.OrganizationId, rec.CorrelationId), msg) {
		case HandleDone:
			MarkOutboxProcessed(ctx, p.DB, p.Logger, msg)
		case HandleBusy:
			p.deferBusy(ctx, msg)
		default:
			MarkOutboxProcessFailure(ctx, p.DB, p.Logger, msg, errInsightNotHandled)
		}
	}
	return len(claimed)
}

func (p *OutboxProcessor) deferBusy(ctx context.Context, m config.InsightMessage) {
	until := time.Now().Add(p.BusyRetryAfter)
	if err := models.DeferOutboxProcessing(ctx, p.DB, m.ID, p.WorkerID, until); err != nil {
		config.LogError(p.Logger, "OutboxProcessor", "deferBusy", "release outbox row", m.ID, err)
		return
	}
	if p.Logger != nil {
		fields := processingFields(m)
		fields["next_process_attempt_at"] = until.UTC().Format(time.RFC3339)
		p.Logger.WithFields(fields).Info("outbox row held by another delivery; deferred")
	}
}

// MarkOutboxProcessed records a handled message. Every delivery path calls it.
func MarkOutboxProcessed(ctx context.Context, db *gorm.DB, logger *logrus.Logger, m config.InsightMessage) {
	if db == nil || m.ID <= 0 {
		return
	}
	if err := models.MarkOutboxProcessed(ctx, db, m.ID); err != nil {
		config.LogError(logger, "OutboxProcessor", "MarkOutboxProcessed", "update outbox row", m.ID, err)
		return
	}
	if logger != nil {
		logger.WithFields(processingFields(m)).Debug("outbox row processed")
	}
}

// MarkOutboxProcessFailure counts a failed delivery and schedules the retry under
// OUTBOX_PROCESS_* overrides. Returns true when the row is now DEAD, so a broker
// delivery can be acknowledged instead of redelivered forever.
func MarkOutboxProcessFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, m config.InsightMessage, cause error) bool {
	if db == nil || m.ID <= 0 {
		return false
	}
	metrics.OutboxFailureCounter.WithLabelValues("process").Inc()
	policy := retryPolicyFromEnv("OUTBOX_PROCESS", defaultProcessRetry)
	rec, err := models.MarkOutboxProcessFailed(ctx, db, m.ID, cause, policy.Schedule)
	if err != nil {
		config.LogError(logger, "OutboxProcessor", "MarkOutboxProcessFailure", "update outbox row", m.ID, err)
		return false
	}
	dead := rec.ProcessingStatus == models.OutboxProcessStatusDead
	if dead {
		metrics.OutboxDeadCounter.Inc()
	}
	if logger != nil {
		fields := processingFields(m)
		fields["processing_status"] = rec.ProcessingStatus
		fields["process_attempts"] = rec.ProcessAttempts
		logger.WithFields(fields).WithError(cause).Error("outbox processing failed")
	}
	return dead
}

func processingFields(m config.InsightMessage) logrus.Fields {
	return logrus.Fields{
		"field":           "OutboxProcessing",
		"organization_id": m.OrganizationId,
		"event_type":      m.EventType,
		"reference_id":    m.ReferenceId,
		"record_id":       m.ID,
		"correlation_id":  m.CorrelationId,
	}
}
