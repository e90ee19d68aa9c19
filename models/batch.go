package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Batch is one production run of a process definition.
// CompletedAt is set exactly when Status is completed; completed is terminal.
type Batch struct {
	ID             int         `gorm:"primary_key" json:"id"`
	OrganizationId string      `gorm:"size:64;not null;index:idx_batch_org_status,priority:1" json:"organization_id"`
	ProcessId      int         `gorm:"not null;index" json:"process_id"`
	Status         BatchStatus `gorm:"size:20;not null;default:'active';index:idx_batch_org_status,priority:2" json:"status"`
	StartedAt      time.Time   `gorm:"not null" json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at"`
	SourceBatchId  *int        `gorm:"index" json:"source_batch_id"`
	Context        JSONMap     `gorm:"type:text" json:"context"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	ProcessId     int            `json:"process_id" validate:"required,gt=0"`
	SourceBatchId *int           `json:"source_batch_id"`
	Metadata      map[string]any `json:"metadata"`
}

// StartBatch opens an active batch. The process must exist in the caller's
// organization; so must the source batch when chaining stages.
func StartBatch(ctx context.Context, input *NewBatch) (*Batch, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[ProcessDefinition](ctx, organizationId, input.ProcessId); err != nil {
		return nil, notFoundAs(err, "process", input.ProcessId, "start batch")
	}
	if input.SourceBatchId != nil {
		if err := utils.ValidateResourceId[Batch](ctx, organizationId, *input.SourceBatchId); err != nil {
			return nil, notFoundAs(err, "source batch", *input.SourceBatchId, "start batch")
		}
	}

	batchContext := JSONMap{}
	for k, v := range input.Metadata {
		batchContext[k] = v
	}
	batch := Batch{
		OrganizationId: organizationId,
		ProcessId:      input.ProcessId,
		Status:         BatchStatusActive,
		StartedAt:      time.Now().UTC(),
		SourceBatchId:  input.SourceBatchId,
		Context:        batchContext,
	}
	if err := config.GetDB().WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, storeError("start batch", err)
	}
	InvalidateSummary(ctx, organizationId)
	return &batch, nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := utils.FetchModel[Batch](ctx, organizationId, id)
	if err != nil {
		return nil, notFoundAs(err, "batch", id, "get batch")
	}
	return batch, nil
}

// ListBatches returns the organization's batches, newest first. Empty status lists all.
func ListBatches(ctx context.Context, status BatchStatus, limit int) ([]*Batch, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if status != "" && !status.IsValid() {
		return nil, validationError("invalid batch status %q", status)
	}
	dbCtx := config.GetDB().WithContext(ctx).Where("organization_id = ?", organizationId)
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	if limit > 0 {
		dbCtx = dbCtx.Limit(limit)
	}
	var batches []*Batch
	if err := dbCtx.Order("started_at DESC, id DESC").Find(&batches).Error; err != nil {
		return nil, storeError("list batches", err)
	}
	return batches, nil
}

// lockActiveBatch loads the batch FOR UPDATE inside tx and rejects completed ones.
func lockActiveBatch(tx *gorm.DB, organizationId string, batchId int) (*Batch, error) {
	var batch Batch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ?", organizationId).
		First(&batch, batchId).Error
	if err != nil {
		return nil, notFoundAs(err, "batch", batchId, "lock batch")
	}
	if batch.Status == BatchStatusCompleted {
		return nil, &AlreadyCompletedError{BatchId: batchId}
	}
	return &batch, nil
}

// completeBatch flips active -> completed. The status predicate makes a concurrent
// second finish lose even where row locks are unavailable.
func completeBatch(tx *gorm.DB, batch *Batch, batchContext JSONMap) error {
	now := time.Now().UTC()
	res := tx.Model(&Batch{}).
		Where("id = ? AND organization_id = ? AND status = ?", batch.ID, batch.OrganizationId, BatchStatusActive).
		Updates(map[string]interface{}{
			"status":       BatchStatusCompleted,
			"completed_at": now,
			"context":      batchContext,
		})
	if res.Error != nil {
		return storeError("complete batch", res.Error)
	}
	if res.RowsAffected == 0 {
		return &AlreadyCompletedError{BatchId: batch.ID}
	}
	batch.Status = BatchStatusCompleted
	batch.CompletedAt = &now
	batch.Context = batchContext
	return nil
}

func loadProcessTx(tx *gorm.DB, organizationId string, processId int) (*ProcessDefinition, error) {
	process, err := utils.FetchModelTx[ProcessDefinition](tx, organizationId, processId)
	if err != nil {
		return nil, notFoundAs(err, "process", processId, "load process")
	}
	return process, nil
}
