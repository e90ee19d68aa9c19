package models

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
)

// a STARTED claim older than this is assumed abandoned by a crashed worker
const staleClaimAfter = 5 * time.Minute

// ErrClaimInProgress means another worker holds a fresh claim on the same message;
// the delivery should be retried later, not acknowledged.
var ErrClaimInProgress = errors.New("idempotency claim in progress")

// IdempotencyKey makes at-least-once outbox delivery safe for insight handlers.
// Unique constraint: (organization_id, handler_name, message_id).
type IdempotencyKey struct {
	ID             int               `gorm:"primary_key" json:"id"`
	OrganizationId string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"organization_id"`
	HandlerName    string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId      string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status         IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IdempotencyClaim names one (organization, handler, message) delivery.
type IdempotencyClaim struct {
	OrganizationId string
	HandlerName    string
	MessageId      string
}

func (c IdempotencyClaim) scope(tx *gorm.DB) *gorm.DB {
	return tx.Model(&IdempotencyKey{}).
		Where("organization_id = ? AND handler_name = ? AND message_id = ?", c.OrganizationId, c.HandlerName, c.MessageId)
}

// Begin records the claim inside tx. done is true when the message already succeeded
// and must be skipped. A stale STARTED claim is taken over.
func (c IdempotencyClaim) Begin(tx *gorm.DB) (done bool, err error) {
	key := IdempotencyKey{
		OrganizationId: c.OrganizationId,
		HandlerName:    c.HandlerName,
		MessageId:      c.MessageId,
		Status:         IdempotencyStatusStarted,
	}
	err = tx.Create(&key).Error
	if err == nil {
		return false, nil
	}
	if !isDuplicateKey(err) {
		return false, err
	}

	var existing IdempotencyKey
	if err := c.scope(tx).First(&existing).Error; err != nil {
		return false, err
	}
	switch {
	case existing.Status == IdempotencyStatusSucceeded:
		return true, nil
	case time.Since(existing.UpdatedAt) < staleClaimAfter:
		return false, ErrClaimInProgress
	}
	return false, c.scope(tx).Update("status", IdempotencyStatusStarted).Error
}

// Succeed marks the claim done; later deliveries of the message are skipped.
func (c IdempotencyClaim) Succeed(tx *gorm.DB) error {
	return c.scope(tx).Update("status", IdempotencyStatusSucceeded).Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
