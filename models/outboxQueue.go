package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RetrySchedule maps the attempt count after a failure to the next retry time,
// or dead=true when the row should stop being retried.
type RetrySchedule func(attempts int, now time.Time) (next *time.Time, dead bool)

func skipLocked() clause.Locking {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

// ClaimOutboxForProcessing locks up to limit due rows for worker. Due means PENDING or
// FAILED past its retry time and unlocked, or PROCESSING under a lock older than lockTTL.
func ClaimOutboxForProcessing(ctx context.Context, db *gorm.DB, worker string, limit int, lockTTL time.Duration) ([]OutboxRecord, error) {
	now := time.Now().UTC()
	stale := now.Add(-lockTTL)
	var claimed []OutboxRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		due := tx.Where("processing_status IN ?", []string{OutboxProcessStatusPending, OutboxProcessStatusFailed}).
			Where("next_process_attempt_at IS NULL OR next_process_attempt_at <= ?", now).
			Where("locked_at IS NULL OR locked_at <= ?", stale)
		abandoned := tx.Where("processing_status = ? AND locked_at IS NOT NULL AND locked_at <= ?", OutboxProcessStatusProcessing, stale)
		if err := tx.Where(due).Or(abandoned).
			Order("id ASC").Limit(limit).Clauses(skipLocked()).
			Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
			claimed[i].LockedAt, claimed[i].LockedBy = &now, &worker
		}
		return tx.Model(&OutboxRecord{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"processing_status": OutboxProcessStatusProcessing,
			"locked_at":         now,
			"locked_by":         worker,
		}).Error
	})
	return claimed, err
}

// MarkOutboxProcessed closes the processing side. A DEAD row stays DEAD until requeued.
func MarkOutboxProcessed(ctx context.Context, db *gorm.DB, id int) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ? AND processing_status <> ?", id, OutboxProcessStatusDead).
		Updates(map[string]interface{}{
			"processing_status":       OutboxProcessStatusSucceeded,
			"processed_at":            now,
			"next_process_attempt_at": nil,
			"last_process_error":      nil,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error
}

// DeferOutboxProcessing hands a claimed row back without counting an attempt, for when
// another delivery is still working on the same message. Only worker's own claim is released.
func DeferOutboxProcessing(ctx context.Context, db *gorm.DB, id int, worker string, until time.Time) error {
	return db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ? AND processing_status = ? AND locked_by = ?", id, OutboxProcessStatusProcessing, worker).
		Updates(map[string]interface{}{
			"processing_status": gorm.Expr("CASE WHEN process_attempts > 0 THEN ? ELSE ? END",
				OutboxProcessStatusFailed, OutboxProcessStatusPending),
			"next_process_attempt_at": until.UTC(),
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error
}

// MarkOutboxProcessFailed counts one failed evaluation and schedules the retry. It never
// overwrites SUCCEEDED, since another delivery path may have won in the meantime.
// The returned record carries the new status and attempt count.
func MarkOutboxProcessFailed(ctx context.Context, db *gorm.DB, id int, cause error, schedule RetrySchedule) (*OutboxRecord, error) {
	msg := errorText(cause)
	var rec OutboxRecord
	if err := db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, err
	}
	rec.ProcessAttempts++
	rec.NextProcessAttemptAt, rec.ProcessingStatus = nil, OutboxProcessStatusDead
	if next, dead := schedule(rec.ProcessAttempts, time.Now().UTC()); !dead {
		rec.NextProcessAttemptAt, rec.ProcessingStatus = next, OutboxProcessStatusFailed
	}
	rec.LastProcessError = &msg
	err := db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ? AND processing_status <> ?", id, OutboxProcessStatusSucceeded).
		Updates(map[string]interface{}{
			"processing_status":       rec.ProcessingStatus,
			"process_attempts":        rec.ProcessAttempts,
			"next_process_attempt_at": rec.NextProcessAttemptAt,
			"last_process_error":      msg,
			"locked_at":               nil,
			"locked_by":               nil,
		}).Error
	return &rec, err
}

// ClaimOutboxForPublish moves up to limit due rows to PROCESSING on the publish side and
// bumps their attempt count. Rows already at maxAttempts go straight to DEAD and come back
// in dead. The publish side keeps no lock columns (they belong to the processor), so a
// publish stuck in PROCESSING is reclaimed once updated_at is older than staleAfter.
func ClaimOutboxForPublish(ctx context.Context, db *gorm.DB, limit int, staleAfter time.Duration, maxAttempts int) (claimed, dead []OutboxRecord, err error) {
	now := time.Now().UTC()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		due := tx.Where("publish_status IN ?", []string{OutboxPublishStatusPending, OutboxPublishStatusFailed}).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now)
		abandoned := tx.Where("publish_status = ? AND updated_at <= ?", OutboxPublishStatusProcessing, now.Add(-staleAfter))
		var rows []OutboxRecord
		if err := tx.Where(due).Or(abandoned).
			Order("id ASC").Limit(limit).Clauses(skipLocked()).
			Find(&rows).Error; err != nil {
			return err
		}
		for _, rec := range rows {
			if maxAttempts > 0 && rec.PublishAttempts >= maxAttempts {
				rec.PublishStatus = OutboxPublishStatusDead
				if err := tx.Model(&OutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
					"publish_status":     OutboxPublishStatusDead,
					"last_publish_error": "max publish attempts exceeded",
					"next_attempt_at":    nil,
				}).Error; err != nil {
					return err
				}
				dead = append(dead, rec)
				continue
			}
			rec.PublishStatus = OutboxPublishStatusProcessing
			rec.PublishAttempts++
			if err := tx.Model(&OutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     OutboxPublishStatusProcessing,
				"publish_attempts":   rec.PublishAttempts,
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
			claimed = append(claimed, rec)
		}
		return nil
	})
	return claimed, dead, err
}

func MarkOutboxPublished(ctx context.Context, db *gorm.DB, id int, messageId string) error {
	return db.WithContext(ctx).Model(&OutboxRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"publish_status":     OutboxPublishStatusSent,
		"published_at":       time.Now().UTC(),
		"pub_sub_message_id": messageId,
		"next_attempt_at":    nil,
	}).Error
}

// MarkOutboxPublishFailed schedules the next publish attempt for a claimed row, or
// marks it DEAD. rec.PublishAttempts already counts the failed attempt.
func MarkOutboxPublishFailed(ctx context.Context, db *gorm.DB, rec *OutboxRecord, cause error, schedule RetrySchedule) error {
	msg := errorText(cause)
	next, dead := schedule(rec.PublishAttempts, time.Now().UTC())
	rec.PublishStatus, rec.NextAttemptAt, rec.LastPublishError = OutboxPublishStatusFailed, next, &msg
	if dead {
		rec.PublishStatus, rec.NextAttemptAt = OutboxPublishStatusDead, nil
	}
	return db.WithContext(ctx).Model(&OutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"publish_status":     rec.PublishStatus,
		"last_publish_error": msg,
		"next_attempt_at":    rec.NextAttemptAt,
	}).Error
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
