package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewAnomaly describes waste or defects found on a batch. MermaType is the waste marker.
type NewAnomaly struct {
	ProductId int            `json:"productId" validate:"required,gt=0"`
	Quantity  int64          `json:"quantity" validate:"gt=0"`
	Reason    string         `json:"reason"`
	MermaType string         `json:"mermaType" validate:"required,max=50"`
	StepId    *string        `json:"stepId"`
	UserId    *int           `json:"userId"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// AnomalyPayload is the anomaly_detected event body.
type AnomalyPayload struct {
	BatchId   int    `json:"batchId"`
	EventId   int    `json:"eventId"`
	ProductId int    `json:"productId"`
	Quantity  int64  `json:"quantity"`
	Reason    string `json:"reason"`
	MermaType string `json:"mermaType"`
}

// ReportAnomaly logs the anomaly event, removes the wasted quantity from stock and
// writes the matching negative production movement, all in one transaction.
// Completed batches accept anomalies too; waste is often found after the run.
func ReportAnomaly(ctx context.Context, batchId int, input *NewAnomaly) (event *BatchEvent, movement *InventoryMovement, err error) {
	ctx, span := tracer.Start(ctx, "ReportAnomaly", trace.WithAttributes(attribute.Int("batch.id", batchId)))
	start := time.Now()
	defer func() { endSettlement(span, "report_anomaly", start, err) }()

	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err = validateInput(input); err != nil {
		return nil, nil, err
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	if err = tx.Error; err != nil {
		return nil, nil, storeError("begin", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = utils.FetchModelTx[Batch](tx, organizationId, batchId); err != nil {
		err = notFoundAs(err, "batch", batchId, "report anomaly")
		return nil, nil, err
	}

	data := map[string]any{}
	for k, v := range input.Extra {
		data[k] = v
	}
	data["mermaType"] = input.MermaType
	data["productId"] = input.ProductId
	data["quantity"] = input.Quantity
	if input.Reason != "" {
		data["reason"] = input.Reason
	}
	userId := input.UserId
	if userId == nil {
		userId = userIdFromContext(ctx)
	}
	event, err = insertBatchEvent(tx, organizationId, batchId, input.StepId, BatchEventTypeAnomaly, data, userId)
	if err != nil {
		return nil, nil, err
	}

	if err = deductStock(tx, organizationId, input.ProductId, input.Quantity); err != nil {
		return nil, nil, err
	}
	notes := strings.TrimSpace(fmt.Sprintf("%s %s", input.MermaType, input.Reason))
	movement = &InventoryMovement{
		OrganizationId: organizationId,
		ProductId:      input.ProductId,
		Quantity:       -input.Quantity,
		Type:           MovementTypeProduction,
		ReferenceId:    batchId,
		Notes:          notes,
		Date:           time.Now().UTC(),
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err = tx.Create(movement).Error; err != nil {
		err = storeError("record movement", err)
		return nil, nil, err
	}

	payload := AnomalyPayload{
		BatchId:   batchId,
		EventId:   event.ID,
		ProductId: input.ProductId,
		Quantity:  input.Quantity,
		Reason:    input.Reason,
		MermaType: input.MermaType,
	}
	if err = PublishToInsights(ctx, tx, organizationId, InsightEventAnomalyDetected, batchId, payload); err != nil {
		err = storeError("enqueue insight", err)
		return nil, nil, err
	}

	if err = tx.Commit().Error; err != nil {
		err = storeError("commit", err)
		return nil, nil, err
	}
	afterSettlementCommit(ctx, organizationId)
	return event, movement, nil
}
