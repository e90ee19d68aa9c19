package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestLogEventAnomalyDeductsStockAtomically(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	event, err := LogEvent(ctx, fx.batch.ID, &NewBatchEvent{
		EventType: BatchEventTypeAnomaly,
		Data: map[string]any{
			"mermaType": "defect",
			"productId": float64(fx.rawMaterial.ID),
			"quantity":  float64(5),
			"reason":    "torn bales",
			"station":   "B2",
		},
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if event.EventType != BatchEventTypeAnomaly || event.Data["station"] != "B2" {
		t.Fatalf("unexpected event %+v", event)
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 95 {
		t.Fatalf("raw material stock = %d, want 95", got)
	}

	movements := batchMovements(t, ctx, fx.batch.ID)
	if len(movements) != 1 {
		t.Fatalf("expected one movement, got %d", len(movements))
	}
	if m := movements[0]; m.Type != MovementTypeProduction || m.Quantity != -5 || m.ProductId != fx.rawMaterial.ID {
		t.Fatalf("unexpected movement %+v", m)
	}

	rows := outboxRows(t, InsightEventAnomalyDetected)
	if len(rows) != 1 {
		t.Fatalf("expected one anomaly_detected outbox row, got %d", len(rows))
	}
	var payload AnomalyPayload
	if err := json.Unmarshal(rows[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Quantity != 5 || payload.Reason != "torn bales" || payload.EventId != event.ID {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReportAnomalyInsufficientStockRollsBackEvent(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	_, _, err := ReportAnomaly(ctx, fx.batch.ID, &NewAnomaly{
		ProductId: fx.rawMaterial.ID,
		Quantity:  500,
		MermaType: "spoilage",
	})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	events, _ := ListBatchEvents(ctx, fx.batch.ID)
	if len(events) != 0 {
		t.Fatalf("anomaly event should roll back with the deduction, got %d events", len(events))
	}
	if rows := outboxRows(t, InsightEventAnomalyDetected); len(rows) != 0 {
		t.Fatalf("expected no outbox rows, got %d", len(rows))
	}
}

func TestLogEventPlainInsert(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	step := "dyeing"
	// anomaly without a waste marker is just a note
	for _, input := range []*NewBatchEvent{
		{EventType: "note", Data: map[string]any{"text": "machine warmed up"}},
		{EventType: BatchEventTypeAnomaly, StepId: &step, Data: map[string]any{"reason": "color drift"}},
	} {
		if _, err := LogEvent(ctx, fx.batch.ID, input); err != nil {
			t.Fatalf("LogEvent(%s): %v", input.EventType, err)
		}
	}
	events, err := ListBatchEvents(ctx, fx.batch.ID)
	if err != nil {
		t.Fatalf("ListBatchEvents: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "note" || *events[1].StepId != "dyeing" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].UserId == nil || *events[0].UserId != 1 {
		t.Fatalf("expected user id from context, got %v", events[0].UserId)
	}
	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 100 {
		t.Fatalf("plain events must not touch stock, got %d", got)
	}

	if _, err := LogEvent(ctx, fx.batch.ID, &NewBatchEvent{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing event type, got %v", err)
	}
	var cfgErr *ConfigurationError
	if _, err := LogEvent(ctx, 9999, &NewBatchEvent{EventType: "note"}); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for unknown batch, got %v", err)
	}
}

func TestLogEventAnomalyRejectsFractionalQuantity(t *testing.T) {
	ctx, fx := setupSettlement(t, nil)

	for _, data := range []map[string]any{
		{"mermaType": "defect", "productId": float64(fx.rawMaterial.ID), "quantity": 5.9},
		{"mermaType": "defect", "productId": float64(fx.rawMaterial.ID), "quantity": "5.9"},
		{"mermaType": "defect", "productId": 1.5, "quantity": float64(5)},
		{"mermaType": "defect", "productId": float64(fx.rawMaterial.ID), "quantity": 1e300},
		{"mermaType": "defect", "productId": float64(fx.rawMaterial.ID)},
	} {
		_, err := LogEvent(ctx, fx.batch.ID, &NewBatchEvent{EventType: BatchEventTypeAnomaly, Data: data})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("LogEvent(%v): expected validation error, got %v", data, err)
		}
	}

	if got := stockOf(t, ctx, fx.rawMaterial.ID); got != 100 {
		t.Fatalf("raw material stock = %d, want 100", got)
	}
	if movements := batchMovements(t, ctx, fx.batch.ID); len(movements) != 0 {
		t.Fatalf("expected no movements, got %+v", movements)
	}
	events, err := ListBatchEvents(ctx, fx.batch.ID)
	if err != nil {
		t.Fatalf("ListBatchEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected anomalies must not be logged, got %+v", events)
	}
}

func TestJSONMapInt64WholeNumbersOnly(t *testing.T) {
	m := JSONMap{"f": 12.0, "frac": 12.5, "s": " 42 ", "bad": "4x", "n": json.Number("7")}
	cases := []struct {
		key  string
		want int64
		ok   bool
	}{
		{"f", 12, true},
		{"frac", 0, false},
		{"s", 42, true},
		{"bad", 0, false},
		{"n", 7, true},
		{"missing", 0, false},
	}
	for _, tc := range cases {
		got, ok := m.Int64(tc.key)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Int64(%q) = %d, %v; want %d, %v", tc.key, got, ok, tc.want, tc.ok)
		}
	}
}
