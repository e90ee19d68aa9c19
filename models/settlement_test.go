package models

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/mmdatafocus/erp_backend/config"
)

type settlementFixture struct {
	rawMaterial *Product
	finished    *Product
	process     *ProcessDefinition
	batch       *Batch
}

// raw material (input) starts at 100, finished goods (output) at 0.
func setupSettlement(t *testing.T, piecework *PieceworkConfig) (context.Context, *settlementFixture) {
	t.Helper()
	ctx := setupTestDB(t)
	p1 := mustCreateProduct(t, ctx, "Raw Cotton", 100)
	p2 := mustCreateProduct(t, ctx, "Cotton Yarn", 0)
	process := mustCreateProcess(t, ctx, Recipe{
		InputProductId:  intPtr(p1.ID),
		OutputProductId: intPtr(p2.ID),
		Piecework:       piecework,
	})
	batch := mustStartBatch(t, ctx, process.ID)
	return ctx, &settlementFixture{rawMaterial: p1, finished: p2, process: process, batch: batch}
}

func TestFinishBatchSettlesInputAndYields(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	batch, err := FinishBatch(ctx, fx.batch.ID, &FinishBatchInput{
		Yields:         Yields{ByProduct: map[int]int64{fx.finished.ID: 50}},
		EstimatedInput: 30,
	})
	if err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	if batch.Status != BatchStatusCompleted || batch.CompletedAt == nil {
		t.Fatalf("expected completed batch with completedAt, got %s %v", batch.Status, batch.CompletedAt)
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 70 {
		t.Fatalf("raw material stock = %d, want 70", got)
	}
	if got := stockOf(t, ctx, fx.finished.ID); got != 50 {
		t.Fatalf("finished stock = %d, want 50", got)
	}

	movements := batchMovements(t, ctx, fx.batch.ID)
	if len(movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(movements))
	}
	want := map[MovementType]struct {
		productId int
		qty       int64
	}{
		MovementTypeProductionUse: {fx.rawMaterial.ID, -30},
		MovementTypeProduction:    {fx.finished.ID, 50},
	}
	for _, m := range movements {
		w, ok := want[m.Type]
		if !ok || w.productId != m.ProductId || w.qty != m.Quantity {
			t.Fatalf("unexpected movement %+v", m)
		}
	}

	stored, err := GetBatch(ctx, fx.batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	snapshot, ok := stored.Context["yields"].(map[string]any)
	if !ok {
		t.Fatalf("expected yields snapshot in context, got %v", stored.Context)
	}
	if v, _ := JSONMap(snapshot).Int64("estimatedInput"); v != 30 {
		t.Fatalf("snapshot estimatedInput = %d, want 30", v)
	}

	events, err := ListBatchEvents(ctx, fx.batch.ID)
	if err != nil {
		t.Fatalf("ListBatchEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != BatchEventTypeComplete {
		t.Fatalf("expected one complete event, got %+v", events)
	}

	rows := outboxRows(t, InsightEventProductionFinish)
	if len(rows) != 1 {
		t.Fatalf("expected one production_finish outbox row, got %d", len(rows))
	}
	var payload ProductionFinishPayload
	if err := json.Unmarshal(rows[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.BatchId != fx.batch.ID || payload.TotalYield != 50 || payload.EstimatedInput != 30 || payload.ProcessName != "Cutting" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestFinishBatchInsufficientStockLeavesNoTrace(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	_, err := FinishBatch(ctx, fx.batch.ID, &FinishBatchInput{
		Yields:         Yields{ByProduct: map[int]int64{fx.finished.ID: 50}},
		EstimatedInput: 200,
	})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ProductName != "Raw Cotton" || stockErr.Available != 100 || stockErr.Required != 200 {
		t.Fatalf("unexpected error detail %+v", stockErr)
	}

	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 100 {
		t.Fatalf("raw material stock = %d, want 100", got)
	}
	if got := stockOf(t, ctx, fx.finished.ID); got != 0 {
		t.Fatalf("finished stock = %d, want 0", got)
	}
	if got := batchMovements(t, ctx, fx.batch.ID); len(got) != 0 {
		t.Fatalf("expected no movements, got %d", len(got))
	}
	batch, _ := GetBatch(ctx, fx.batch.ID)
	if batch.Status != BatchStatusActive || batch.CompletedAt != nil {
		t.Fatalf("batch should remain active, got %s", batch.Status)
	}
	if rows := outboxRows(t, InsightEventProductionFinish); len(rows) != 0 {
		t.Fatalf("expected no outbox rows, got %d", len(rows))
	}
}

func TestFinishBatchRollsBackOnLateFailure(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	// input deduction succeeds, then crediting a missing co-product fails
	_, err := FinishBatch(ctx, fx.batch.ID, &FinishBatchInput{
		Yields:         Yields{ByProduct: map[int]int64{fx.finished.ID: 50}},
		EstimatedInput: 30,
		CoProducts:     []CoProduct{{ProductId: 9999, Quantity: 3, Notes: "husk"}},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 100 {
		t.Fatalf("raw material stock = %d, want 100 after rollback", got)
	}
	if got := stockOf(t, ctx, fx.finished.ID); got != 0 {
		t.Fatalf("finished stock = %d, want 0 after rollback", got)
	}
	if got := batchMovements(t, ctx, fx.batch.ID); len(got) != 0 {
		t.Fatalf("expected no movements after rollback, got %d", len(got))
	}
	events, _ := ListBatchEvents(ctx, fx.batch.ID)
	if len(events) != 0 {
		t.Fatalf("expected no events after rollback, got %d", len(events))
	}
	batch, _ := GetBatch(ctx, fx.batch.ID)
	if batch.Status != BatchStatusActive {
		t.Fatalf("batch should remain active, got %s", batch.Status)
	}
}

func TestFinishBatchTwiceIsRejected(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	input := &FinishBatchInput{
		Yields:         Yields{Total: int64Ptr(10)},
		EstimatedInput: 10,
	}
	if _, err := FinishBatch(ctx, fx.batch.ID, input); err != nil {
		t.Fatalf("first FinishBatch: %v", err)
	}
	_, err := FinishBatch(ctx, fx.batch.ID, input)
	var doneErr *AlreadyCompletedError
	if !errors.As(err, &doneErr) || doneErr.BatchId != fx.batch.ID {
		t.Fatalf("expected AlreadyCompletedError, got %v", err)
	}
	if got := batchMovements(t, ctx, fx.batch.ID); len(got) != 2 {
		t.Fatalf("expected 2 movements after rejected second finish, got %d", len(got))
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 90 {
		t.Fatalf("raw material stock = %d, want 90", got)
	}
	// legacy total credits the recipe's primary output
	if got := stockOf(t, ctx, fx.finished.ID); got != 10 {
		t.Fatalf("finished stock = %d, want 10", got)
	}

	_, err = ReportProduction(ctx, fx.batch.ID, &NewProductionReport{EmployeeId: 1, Quantity: 1, TaskName: "spin", UnitPrice: 10})
	if !errors.As(err, &doneErr) {
		t.Fatalf("expected AlreadyCompletedError on report after completion, got %v", err)
	}
}

func TestConcurrentFinishSettlesOnce(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = FinishBatch(ctx, fx.batch.ID, &FinishBatchInput{
				Yields:         Yields{ByProduct: map[int]int64{fx.finished.ID: 5}},
				EstimatedInput: 20,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		var doneErr *AlreadyCompletedError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &doneErr):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful finish, got %d", succeeded)
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 80 {
		t.Fatalf("raw material stock = %d, want 80", got)
	}
}

func TestFinishBatchInfersInputFromTickets(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)
	t.Setenv("PRODUCTION_CONSUMPTION_RATIO", "1")

	reports := []NewProductionReport{
		{EmployeeId: 1, Quantity: 4, TaskName: "cut", UnitPrice: 100},
		{EmployeeId: 2, Quantity: 6, TaskName: "cut", UnitPrice: 100},
		{EmployeeId: 3, Quantity: 3, TaskName: "pack", UnitPrice: 100},
	}
	for i := range reports {
		if _, err := ReportProduction(ctx, fx.batch.ID, &reports[i]); err != nil {
			t.Fatalf("ReportProduction: %v", err)
		}
	}
	// per-report consumption: 4 + 6 + 3
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 87 {
		t.Fatalf("raw material stock after reports = %d, want 87", got)
	}

	if _, err := FinishBatch(ctx, fx.batch.ID, &FinishBatchInput{Yields: Yields{Total: int64Ptr(9)}}); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	// busiest task "cut" totals 10
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 77 {
		t.Fatalf("raw material stock after finish = %d, want 77", got)
	}

	t.Run("disabled", func(t *testing.T) {
		t.Setenv("PRODUCTION_INFER_INPUT_FROM_TICKETS", "false")
		batch := mustStartBatch(t, ctx, fx.process.ID)
		if _, err := ReportProduction(ctx, batch.ID, &NewProductionReport{EmployeeId: 1, Quantity: 2, TaskName: "cut"}); err != nil {
			t.Fatalf("ReportProduction: %v", err)
		}
		if _, err := FinishBatch(ctx, batch.ID, &FinishBatchInput{}); err != nil {
			t.Fatalf("FinishBatch: %v", err)
		}
		if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 75 {
			t.Fatalf("raw material stock = %d, want 75", got)
		}
	})
}

func TestReportProductionAmounts(t *testing.T) {
	cases := []struct {
		name      string
		piecework *PieceworkConfig
		unitPrice int64
		wantPrice int64
		wantTotal int64
	}{
		{"recipe rate in cents", &PieceworkConfig{Enabled: true, Rate: 500}, 0, 500, 5000},
		{"recipe rate below threshold is corrected", &PieceworkConfig{Enabled: true, Rate: 2}, 0, 200, 2000},
		{"disabled rate uses caller price", &PieceworkConfig{Enabled: false, Rate: 2}, 30, 30, 300},
		{"no piecework config", nil, 7, 7, 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, fx := setupSettlement(t, tc.piecework)
			ticket, err := ReportProduction(ctx, fx.batch.ID, &NewProductionReport{
				EmployeeId: 5,
				Quantity:   10,
				TaskName:   "sew",
				UnitPrice:  tc.unitPrice,
			})
			if err != nil {
				t.Fatalf("ReportProduction: %v", err)
			}
			if ticket.UnitPrice != tc.wantPrice || ticket.TotalAmount != tc.wantTotal {
				t.Fatalf("got price %d total %d, want %d %d", ticket.UnitPrice, ticket.TotalAmount, tc.wantPrice, tc.wantTotal)
			}
			if ticket.TotalAmount != ticket.Quantity*ticket.UnitPrice {
				t.Fatalf("total amount is not quantity x unit price: %+v", ticket)
			}
			if ticket.Status != PieceworkTicketStatusPending || ticket.CreatorId != 1 {
				t.Fatalf("unexpected ticket %+v", ticket)
			}
			if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 90 {
				t.Fatalf("raw material stock = %d, want 90", got)
			}
		})
	}
}

func TestReportProductionRejectsOverflowingQuantity(t *testing.T) {
	cases := []struct {
		name      string
		piecework *PieceworkConfig
		ratio     string
		quantity  int64
	}{
		{"amount overflows at recipe rate", &PieceworkConfig{Enabled: true, Rate: 500}, "", math.MaxInt64/500 + 1},
		{"input overflows at consumption ratio", nil, "3", math.MaxInt64/3 + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.ratio != "" {
				t.Setenv("PRODUCTION_CONSUMPTION_RATIO", tc.ratio)
			}
			ctx, fx := setupSettlement(t, tc.piecework)
			_, err := ReportProduction(ctx, fx.batch.ID, &NewProductionReport{
				EmployeeId: 5,
				Quantity:   tc.quantity,
				TaskName:   "sew",
			})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			tickets, err := ListPieceworkTickets(ctx, fx.batch.ID)
			if err != nil {
				t.Fatalf("ListPieceworkTickets: %v", err)
			}
			if len(tickets) != 0 {
				t.Fatalf("no ticket expected, got %+v", tickets)
			}
			if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 100 {
				t.Fatalf("raw material stock = %d, want 100", got)
			}
		})
	}
}

func TestMultiplyQuantity(t *testing.T) {
	if got, ok := multiplyQuantity(10, 500); !ok || got != 5000 {
		t.Fatalf("multiplyQuantity(10, 500) = %d, %v", got, ok)
	}
	if got, ok := multiplyQuantity(math.MaxInt64, 0); !ok || got != 0 {
		t.Fatalf("multiplyQuantity(max, 0) = %d, %v", got, ok)
	}
	if _, ok := multiplyQuantity(math.MaxInt64/2+1, 2); ok {
		t.Fatalf("overflow not detected")
	}
}

func TestReportProductionInsufficientStock(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	_, err := ReportProduction(ctx, fx.batch.ID, &NewProductionReport{EmployeeId: 1, Quantity: 101, TaskName: "cut"})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.Required != 101 || stockErr.Available != 100 {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	tickets, _ := ListPieceworkTickets(ctx, fx.batch.ID)
	if len(tickets) != 0 {
		t.Fatalf("expected no ticket after rejection, got %d", len(tickets))
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 100 {
		t.Fatalf("raw material stock = %d, want 100", got)
	}
}

func TestReportProductionMissingInputProduct(t *testing.T) {
	ctx := setupTestDB(t)
	out := mustCreateProduct(t, ctx, "Yarn", 0)
	process := mustCreateProcess(t, ctx, Recipe{OutputProductId: intPtr(out.ID)})
	// input product points at a row that was never created
	dangling := Recipe{InputProductId: intPtr(4242), OutputProductId: intPtr(out.ID)}
	if err := config.GetDB().Model(&ProcessDefinition{}).Where("id = ?", process.ID).Update("recipe", dangling).Error; err != nil {
		t.Fatalf("update recipe: %v", err)
	}
	batch := mustStartBatch(t, ctx, process.ID)

	_, err := ReportProduction(ctx, batch.ID, &NewProductionReport{EmployeeId: 1, Quantity: 1, TaskName: "cut"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Resource != "product" || cfgErr.Id != 4242 {
		t.Fatalf("expected ConfigurationError for product 4242, got %v", err)
	}
}

func TestStartBatchValidatesReferences(t *testing.T) {
	ctx := setupTestDB(t)

	_, err := StartBatch(ctx, &NewBatch{ProcessId: 77})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Resource != "process" {
		t.Fatalf("expected ConfigurationError for missing process, got %v", err)
	}

	_, err = StartBatch(orgContext(""), &NewBatch{ProcessId: 1})
	if !errors.As(err, &cfgErr) || cfgErr.Resource != "organization" {
		t.Fatalf("expected ConfigurationError for missing organization, got %v", err)
	}

	process := mustCreateProcess(t, ctx, Recipe{})
	_, err = StartBatch(ctx, &NewBatch{ProcessId: process.ID, SourceBatchId: intPtr(555)})
	if !errors.As(err, &cfgErr) || cfgErr.Resource != "source batch" {
		t.Fatalf("expected ConfigurationError for missing source batch, got %v", err)
	}

	first := mustStartBatch(t, ctx, process.ID)
	second, err := StartBatch(ctx, &NewBatch{ProcessId: process.ID, SourceBatchId: &first.ID, Metadata: map[string]any{"shift": "night"}})
	if err != nil {
		t.Fatalf("chained StartBatch: %v", err)
	}
	if second.Status != BatchStatusActive || second.CompletedAt != nil || second.Context["shift"] != "night" {
		t.Fatalf("unexpected batch %+v", second)
	}

	// another tenant cannot see the process
	_, err = StartBatch(orgContext("org-other"), &NewBatch{ProcessId: process.ID})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError across tenants, got %v", err)
	}
}
