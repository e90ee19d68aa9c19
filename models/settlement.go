package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/metrics"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mmdatafocus/erp_backend/models")

type NewProductionReport struct {
	EmployeeId int    `json:"employee_id" validate:"required,gt=0"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
	TaskName   string `json:"task_name" validate:"required,max=100"`
	// cents; ignored when the recipe carries an enabled piece rate
	UnitPrice int64 `json:"unit_price" validate:"gte=0"`
}

type CoProduct struct {
	ProductId int    `json:"productId" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
	Notes     string `json:"notes"`
}

type FinishBatchInput struct {
	Yields         Yields      `json:"yields"`
	EstimatedInput int64       `json:"estimatedInput" validate:"gte=0"`
	Notes          string      `json:"notes"`
	CoProducts     []CoProduct `json:"coProducts" validate:"dive"`
}

// Yields is either a legacy single total (credited to the recipe's primary output)
// or a {productId: quantity} object.
type Yields struct {
	Total     *int64
	ByProduct map[int]int64
}

type YieldLine struct {
	ProductId int   `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

func (y Yields) MarshalJSON() ([]byte, error) {
	if y.ByProduct != nil {
		out := make(map[string]int64, len(y.ByProduct))
		for id, qty := range y.ByProduct {
			out[strconv.Itoa(id)] = qty
		}
		return json.Marshal(out)
	}
	if y.Total != nil {
		return json.Marshal(*y.Total)
	}
	return []byte("null"), nil
}

func (y *Yields) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*y = Yields{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '{' {
		raw := map[string]json.Number{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("yields: %w", err)
		}
		y.ByProduct = make(map[int]int64, len(raw))
		for key, num := range raw {
			id, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("yields: invalid product id %q", key)
			}
			qty, err := num.Int64()
			if err != nil {
				return fmt.Errorf("yields: quantity for product %d must be an integer", id)
			}
			y.ByProduct[id] = qty
		}
		return nil
	}
	var total json.Number
	if err := json.Unmarshal(data, &total); err != nil {
		return fmt.Errorf("yields: expected a number or an object")
	}
	n, err := total.Int64()
	if err != nil {
		return fmt.Errorf("yields: total must be an integer")
	}
	y.Total = &n
	return nil
}

// Lines resolves yields against the recipe, ordered by product id.
func (y Yields) Lines(recipe Recipe, processId int) ([]YieldLine, error) {
	if y.ByProduct != nil {
		lines := make([]YieldLine, 0, len(y.ByProduct))
		for id, qty := range y.ByProduct {
			if id <= 0 {
				return nil, validationError("yield product id must be positive")
			}
			if qty < 0 {
				return nil, validationError("yield for product %d cannot be negative", id)
			}
			if qty > 0 {
				lines = append(lines, YieldLine{ProductId: id, Quantity: qty})
			}
		}
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductId < lines[j].ProductId })
		return lines, nil
	}
	if y.Total == nil || *y.Total == 0 {
		return nil, nil
	}
	if *y.Total < 0 {
		return nil, validationError("yield total cannot be negative")
	}
	outputId := recipe.PrimaryOutputProductId()
	if outputId == 0 {
		return nil, &ConfigurationError{Resource: "process", Id: processId, Reason: "recipe has no output product for a single yield total"}
	}
	return []YieldLine{{ProductId: outputId, Quantity: *y.Total}}, nil
}

func totalYield(lines []YieldLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.Quantity
	}
	return total
}

// multiplyQuantity returns q*n for non-negative operands, false when the product
// does not fit in int64.
func multiplyQuantity(q, n int64) (int64, bool) {
	if q < 0 || n < 0 {
		return 0, false
	}
	if n != 0 && q > math.MaxInt64/n {
		return 0, false
	}
	return q * n, true
}

// ReportProduction records a worker's piecework ticket and consumes the recipe's
// input for it. Input deduction and ticket creation commit together or not at all.
func ReportProduction(ctx context.Context, batchId int, input *NewProductionReport) (ticket *PieceworkTicket, err error) {
	ctx, span := tracer.Start(ctx, "ReportProduction", trace.WithAttributes(attribute.Int("batch.id", batchId)))
	start := time.Now()
	defer func() { endSettlement(span, "report_production", start, err) }()

	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err = validateInput(input); err != nil {
		return nil, err
	}
	creatorId, _ := utils.GetUserIdFromContext(ctx)
	policy := config.GetProductionPolicy()

	tx := config.GetDB().WithContext(ctx).Begin()
	if err = tx.Error; err != nil {
		return nil, storeError("begin", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	batch, err := lockActiveBatch(tx, organizationId, batchId)
	if err != nil {
		return nil, err
	}
	process, err := loadProcessTx(tx, organizationId, batch.ProcessId)
	if err != nil {
		return nil, err
	}

	requiredInput, ok := multiplyQuantity(input.Quantity, policy.ConsumptionRatio)
	if !ok {
		err = validationError("quantity %d is too large for consumption ratio %d", input.Quantity, policy.ConsumptionRatio)
		return nil, err
	}
	unitPrice := effectiveUnitPrice(process.Recipe, input.UnitPrice, policy)
	totalAmount, ok := multiplyQuantity(input.Quantity, unitPrice)
	if !ok {
		err = validationError("quantity %d at unit price %d overflows the ticket amount", input.Quantity, unitPrice)
		return nil, err
	}
	if inputProductId, ok := process.Recipe.InputProduct(); ok && requiredInput > 0 {
		if err = deductStock(tx, organizationId, inputProductId, requiredInput); err != nil {
			return nil, err
		}
		notes := fmt.Sprintf("%s: %d reported by employee %d", input.TaskName, input.Quantity, input.EmployeeId)
		if err = recordMovement(ctx, tx, organizationId, inputProductId, -requiredInput, MovementTypeProductionUse, batch.ID, notes); err != nil {
			return nil, err
		}
	}

	ticket = &PieceworkTicket{
		OrganizationId: organizationId,
		BatchId:        batch.ID,
		EmployeeId:     input.EmployeeId,
		CreatorId:      creatorId,
		TaskName:       input.TaskName,
		Quantity:       input.Quantity,
		UnitPrice:      unitPrice,
		TotalAmount:    totalAmount,
		Status:         PieceworkTicketStatusPending,
	}
	if err = tx.Create(ticket).Error; err != nil {
		return nil, storeError("create ticket", err)
	}

	if err = tx.Commit().Error; err != nil {
		return nil, storeError("commit", err)
	}
	afterSettlementCommit(ctx, organizationId)
	return ticket, nil
}

// FinishBatch settles a batch: deducts the inferred input, credits yields and
// co-products, logs the completion event, flips the batch to completed and queues
// a production_finish insight event. Every step shares one transaction.
func FinishBatch(ctx context.Context, batchId int, input *FinishBatchInput) (batch *Batch, err error) {
	ctx, span := tracer.Start(ctx, "FinishBatch", trace.WithAttributes(attribute.Int("batch.id", batchId)))
	start := time.Now()
	defer func() { endSettlement(span, "finish_batch", start, err) }()

	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = &FinishBatchInput{}
	}
	if err = validateInput(input); err != nil {
		return nil, err
	}
	policy := config.GetProductionPolicy()

	lock := obtainBatchLock(ctx, batchId)
	if lock != nil {
		defer lock.Release(context.Background())
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	if err = tx.Error; err != nil {
		return nil, storeError("begin", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	batch, err = lockActiveBatch(tx, organizationId, batchId)
	if err != nil {
		return nil, err
	}
	process, err := loadProcessTx(tx, organizationId, batch.ProcessId)
	if err != nil {
		return nil, err
	}

	// 1. input quantity: caller estimate, else the busiest piecework task
	inferredInput := input.EstimatedInput
	if inferredInput <= 0 && policy.InferInputFromTickets {
		tickets, lerr := loadBatchTicketsTx(tx, organizationId, batch.ID)
		if lerr != nil {
			err = lerr
			return nil, err
		}
		inferredInput = InferInputQuantity(tickets)
	}

	// 2. yields
	lines, err := input.Yields.Lines(process.Recipe, process.ID)
	if err != nil {
		return nil, err
	}

	// 3. input deduction happens before any credit
	if inputProductId, ok := process.Recipe.InputProduct(); ok && inferredInput > 0 {
		if err = deductStock(tx, organizationId, inputProductId, inferredInput); err != nil {
			return nil, err
		}
		if err = recordMovement(ctx, tx, organizationId, inputProductId, -inferredInput, MovementTypeProductionUse, batch.ID, "batch input consumption"); err != nil {
			return nil, err
		}
	}

	// 4. primary outputs
	for _, line := range lines {
		if err = creditStock(tx, organizationId, line.ProductId, line.Quantity); err != nil {
			return nil, err
		}
		if err = recordMovement(ctx, tx, organizationId, line.ProductId, line.Quantity, MovementTypeProduction, batch.ID, input.Notes); err != nil {
			return nil, err
		}
	}

	// 5. co-products
	for _, co := range input.CoProducts {
		if err = creditStock(tx, organizationId, co.ProductId, co.Quantity); err != nil {
			return nil, err
		}
		if err = recordMovement(ctx, tx, organizationId, co.ProductId, co.Quantity, MovementTypeProductionCoproduct, batch.ID, co.Notes); err != nil {
			return nil, err
		}
	}

	// 6. completion event
	total := totalYield(lines)
	eventData := map[string]any{
		"yields":         lines,
		"totalYield":     total,
		"estimatedInput": inferredInput,
		"notes":          input.Notes,
		"coProducts":     input.CoProducts,
	}
	if _, err = insertBatchEvent(tx, organizationId, batch.ID, nil, BatchEventTypeComplete, eventData, userIdFromContext(ctx)); err != nil {
		return nil, err
	}

	// 7. status flip with the yields snapshot merged into the context
	batchContext := JSONMap{}
	for k, v := range batch.Context {
		batchContext[k] = v
	}
	batchContext["yields"] = map[string]any{
		"final":          input.Yields,
		"estimatedInput": inferredInput,
	}
	if err = completeBatch(tx, batch, batchContext); err != nil {
		return nil, err
	}

	// 8. insight notification, delivered after commit
	payload := ProductionFinishPayload{
		BatchId:        batch.ID,
		ProcessName:    process.Name,
		TotalYield:     total,
		EstimatedInput: inferredInput,
	}
	if err = PublishToInsights(ctx, tx, organizationId, InsightEventProductionFinish, batch.ID, payload); err != nil {
		err = storeError("enqueue insight", err)
		return nil, err
	}

	if err = tx.Commit().Error; err != nil {
		return nil, storeError("commit", err)
	}
	afterSettlementCommit(ctx, organizationId)
	return batch, nil
}

// ProductionFinishPayload is the production_finish event body.
type ProductionFinishPayload struct {
	BatchId        int    `json:"batchId"`
	ProcessName    string `json:"processName"`
	TotalYield     int64  `json:"totalYield"`
	EstimatedInput int64  `json:"estimatedInput"`
}

// obtainBatchLock is best effort: without Redis, or when another instance holds the
// lock past our wait, the conditional status flip still decides the winner.
func obtainBatchLock(ctx context.Context, batchId int) *redislock.Lock {
	lock, err := config.ObtainLock(ctx, fmt.Sprintf("lock:batch:%d", batchId), 30*time.Second)
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		config.GetLogger().WithFields(logrus.Fields{
			"field":    "FinishBatch",
			"batch_id": batchId,
		}).Warn("could not obtain batch lock; proceeding on database guard")
		return nil
	case err != nil:
		config.LogError(config.GetLogger(), "Settlement", "obtainBatchLock", "redis lock", batchId, err)
		return nil
	}
	return lock
}

func endSettlement(span trace.Span, operation string, start time.Time, err error) {
	metrics.SettlementCounter.WithLabelValues(operation, metrics.ResultLabel(err)).Inc()
	metrics.SettlementDurationHistogram.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		metrics.StockRejectionCounter.WithLabelValues(operation).Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
