package workflow

import (
	"encoding/json"
	"testing"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/models"
)

func message(t *testing.T, eventType string, payload any) config.InsightMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return config.InsightMessage{ID: 7, OrganizationId: testOrg, EventType: eventType, ReferenceId: 3, Payload: data}
}

func TestProductionFinishRule(t *testing.T) {
	policy := config.DefaultProductionPolicy()
	tests := []struct {
		name      string
		payload   models.ProductionFinishPayload
		wantAlert bool
	}{
		{"low efficiency", models.ProductionFinishPayload{BatchId: 3, ProcessName: "Spinning", TotalYield: 50, EstimatedInput: 100}, true},
		{"at threshold", models.ProductionFinishPayload{BatchId: 3, TotalYield: 85, EstimatedInput: 100}, false},
		{"healthy", models.ProductionFinishPayload{BatchId: 3, TotalYield: 95, EstimatedInput: 100}, false},
		{"no estimate", models.ProductionFinishPayload{BatchId: 3, TotalYield: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insight, err := EvaluateInsight(message(t, models.InsightEventProductionFinish, tt.payload), policy)
			if err != nil {
				t.Fatalf("EvaluateInsight: %v", err)
			}
			if !tt.wantAlert {
				if insight != nil {
					t.Fatalf("expected no insight, got %+v", insight)
				}
				return
			}
			if insight == nil {
				t.Fatalf("expected efficiency alert")
			}
			if insight.Type != models.InsightTypeEfficiencyAlert || insight.Impact != models.InsightImpactHigh {
				t.Fatalf("unexpected insight %s/%s", insight.Type, insight.Impact)
			}
			if insight.Confidence != 90 {
				t.Fatalf("confidence = %d, want 90", insight.Confidence)
			}
			if insight.SourceEvent != models.InsightEventProductionFinish || insight.ReferenceId != 3 || insight.OrganizationId != testOrg {
				t.Fatalf("unexpected provenance %+v", insight)
			}
			if insight.Metadata["efficiency"] != "50" {
				t.Fatalf("efficiency metadata = %v, want 50", insight.Metadata["efficiency"])
			}
		})
	}
}

func TestSaleCreatedRule(t *testing.T) {
	policy := config.DefaultProductionPolicy()

	insight, err := EvaluateInsight(message(t, models.InsightEventSaleCreated, SaleCreatedPayload{SaleId: 9, CustomerId: 4, Amount: 1500000}), policy)
	if err != nil {
		t.Fatalf("EvaluateInsight: %v", err)
	}
	if insight == nil || insight.Type != models.InsightTypeSalesOpportunity {
		t.Fatalf("expected sales opportunity, got %+v", insight)
	}
	if insight.Confidence != 85 || insight.Impact != models.InsightImpactPositive {
		t.Fatalf("unexpected confidence/impact %d/%s", insight.Confidence, insight.Impact)
	}

	insight, err = EvaluateInsight(message(t, models.InsightEventSaleCreated, SaleCreatedPayload{SaleId: 10, Amount: policy.LargeSaleThresholdCents}), policy)
	if err != nil {
		t.Fatalf("EvaluateInsight: %v", err)
	}
	if insight != nil {
		t.Fatalf("sale at the threshold should not emit, got %+v", insight)
	}
}

func TestAnomalyDetectedRule(t *testing.T) {
	insight, err := EvaluateInsight(message(t, models.InsightEventAnomalyDetected, models.AnomalyPayload{
		BatchId: 3, EventId: 1, ProductId: 2, Quantity: 5, MermaType: "scrap",
	}), config.DefaultProductionPolicy())
	if err != nil {
		t.Fatalf("EvaluateInsight: %v", err)
	}
	if insight == nil || insight.Type != models.InsightTypeQualityRisk {
		t.Fatalf("expected quality risk, got %+v", insight)
	}
	if insight.Confidence != 95 || insight.Impact != models.InsightImpactHigh {
		t.Fatalf("unexpected confidence/impact %d/%s", insight.Confidence, insight.Impact)
	}
}

func TestEmployeeActionAndUnknownEvents(t *testing.T) {
	policy := config.DefaultProductionPolicy()
	insight, err := EvaluateInsight(message(t, models.InsightEventEmployeeAction, map[string]any{"employeeId": 1}), policy)
	if err != nil || insight != nil {
		t.Fatalf("employee_action should be a no-op, got %+v, %v", insight, err)
	}
	if _, err := EvaluateInsight(message(t, "inventory_counted", map[string]any{}), policy); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
	if _, err := EvaluateInsight(config.InsightMessage{EventType: models.InsightEventAnomalyDetected, Payload: []byte("{")}, policy); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
