package workflow

import (
	"context"
	"errors"
	"strconv"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/metrics"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const insightHandlerName = "insight_engine"

// InsightEngine evaluates insight events delivered from the outbox and stores the
// resulting insights. Delivery is at-least-once; the idempotency key on the outbox
// id keeps redeliveries from writing duplicates.
type InsightEngine struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Policy config.ProductionPolicy
}

func NewInsightEngine(db *gorm.DB, logger *logrus.Logger) *InsightEngine {
	return &InsightEngine{
		DB:     db,
		Logger: logger,
		Policy: config.GetProductionPolicy(),
	}
}

// Store is the engine's database, falling back to the global handle so an engine
// built before the connection is up still works once it is.
func (e *InsightEngine) Store() *gorm.DB {
	if e.DB != nil {
		return e.DB
	}
	return config.GetDB()
}

// HandleResult tells a delivery path what to do with a message after Handle.
type HandleResult int

const (
	HandleDone HandleResult = iota
	HandleFailed
	// HandleBusy: another delivery holds the message's claim. Retry later without
	// counting an attempt.
	HandleBusy
)

// Handle processes one message. It never returns an error and never panics on bad
// input: failures are logged, counted, and left to the delivery layer's retry.
func (e *InsightEngine) Handle(ctx context.Context, msg config.InsightMessage) (result HandleResult) {
	defer func() {
		if r := recover(); r != nil {
			metrics.InsightFailureCounter.WithLabelValues(msg.EventType, "panic").Inc()
			if e.Logger != nil {
				e.Logger.WithFields(logrus.Fields{
					"field":           "InsightEngine",
					"organization_id": msg.OrganizationId,
					"event_type":      msg.EventType,
					"record_id":       msg.ID,
				}).Errorf("insight handler panic: %v", r)
			}
			result = HandleFailed
		}
	}()

	if err := e.Process(ctx, msg); err != nil {
		if errors.Is(err, models.ErrClaimInProgress) {
			return HandleBusy
		}
		metrics.InsightFailureCounter.WithLabelValues(msg.EventType, "store").Inc()
		config.LogError(e.Logger, "InsightEngine", "Handle", "process insight message", msg, err)
		return HandleFailed
	}
	return HandleDone
}

// Process is Handle with the error surfaced. Evaluation errors (bad payloads, unknown
// event types) are logged and the message is still marked done: retrying a message
// that cannot be decoded never helps.
func (e *InsightEngine) Process(ctx context.Context, msg config.InsightMessage) error {
	db := e.Store()
	if db == nil {
		return errors.New("insight engine has no database")
	}
	claim := models.IdempotencyClaim{
		OrganizationId: msg.OrganizationId,
		HandlerName:    insightHandlerName,
		MessageId:      strconv.Itoa(msg.ID),
	}

	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	committed := false
	// also runs when a rule panics, so the connection goes back to the pool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	done, err := claim.Begin(tx)
	if err != nil {
		return err
	}
	if done {
		committed = true
		return tx.Commit().Error
	}

	insight, evalErr := EvaluateInsight(msg, e.Policy)
	if evalErr != nil {
		metrics.InsightFailureCounter.WithLabelValues(msg.EventType, "evaluate").Inc()
		config.LogError(e.Logger, "InsightEngine", "Process", "evaluate insight rule", msg, evalErr)
	}
	if insight != nil {
		if err := models.SaveInsight(tx, insight); err != nil {
			return err
		}
	}
	if err := claim.Succeed(tx); err != nil {
		return err
	}
	committed = true
	if err := tx.Commit().Error; err != nil {
		return err
	}
	if insight != nil {
		models.InvalidateSummary(ctx, msg.OrganizationId)
		metrics.InsightsEmittedCounter.WithLabelValues(string(insight.Type)).Inc()
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":           "InsightEngine",
				"organization_id": msg.OrganizationId,
				"insight_id":      insight.ID,
				"insight_type":    insight.Type,
			}).Info("insight emitted")
		}
	}
	return nil
}
