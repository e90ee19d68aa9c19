package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/shopspring/decimal"
)

// InsightRule turns one event payload into at most one insight. Rules are pure:
// they read the payload and the policy, nothing else.
type InsightRule func(msg config.InsightMessage, policy config.ProductionPolicy) (*models.AIInsight, error)

var insightRules = map[string]InsightRule{
	models.InsightEventProductionFinish: productionFinishRule,
	models.InsightEventSaleCreated:      saleCreatedRule,
	models.InsightEventAnomalyDetected:  anomalyDetectedRule,
	// reserved for presence analytics
	models.InsightEventEmployeeAction: func(config.InsightMessage, config.ProductionPolicy) (*models.AIInsight, error) {
		return nil, nil
	},
}

// EvaluateInsight dispatches msg to its rule. Unknown event types are an error.
func EvaluateInsight(msg config.InsightMessage, policy config.ProductionPolicy) (*models.AIInsight, error) {
	rule, ok := insightRules[msg.EventType]
	if !ok {
		return nil, fmt.Errorf("no insight rule for event type %q", msg.EventType)
	}
	insight, err := rule(msg, policy)
	if err != nil || insight == nil {
		return nil, err
	}
	insight.OrganizationId = msg.OrganizationId
	insight.SourceEvent = msg.EventType
	insight.ReferenceId = msg.ReferenceId
	return insight, nil
}

// confidenceScore stores a fractional confidence as floor(c * 100).
func confidenceScore(c decimal.Decimal) int {
	return int(c.Mul(decimal.NewFromInt(100)).Floor().IntPart())
}

func productionFinishRule(msg config.InsightMessage, policy config.ProductionPolicy) (*models.AIInsight, error) {
	var payload models.ProductionFinishPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode production_finish payload: %w", err)
	}
	if payload.EstimatedInput <= 0 {
		return nil, nil
	}
	efficiency := decimal.NewFromInt(payload.TotalYield).Div(decimal.NewFromInt(payload.EstimatedInput))
	if !efficiency.LessThan(policy.EfficiencyAlertThreshold) {
		return nil, nil
	}
	percent := efficiency.Mul(decimal.NewFromInt(100)).Round(2)
	return &models.AIInsight{
		Type:  models.InsightTypeEfficiencyAlert,
		Title: "Low production efficiency",
		Description: fmt.Sprintf("Batch %d (%s) yielded %d units from an estimated input of %d (%s%% efficiency, below %s%%).",
			payload.BatchId, payload.ProcessName, payload.TotalYield, payload.EstimatedInput,
			percent.String(), policy.EfficiencyAlertThreshold.Mul(decimal.NewFromInt(100)).String()),
		Impact:     models.InsightImpactHigh,
		Confidence: confidenceScore(policy.EfficiencyAlertConfidence),
		Metadata: models.JSONMap{
			"batchId":        payload.BatchId,
			"processName":    payload.ProcessName,
			"totalYield":     payload.TotalYield,
			"estimatedInput": payload.EstimatedInput,
			"efficiency":     percent.String(),
		},
	}, nil
}

// SaleCreatedPayload is what the sales module sends with sale_created.
type SaleCreatedPayload struct {
	SaleId     int    `json:"saleId"`
	CustomerId int    `json:"customerId"`
	Amount     int64  `json:"amount"` // cents
	Customer   string `json:"customer"`
}

func saleCreatedRule(msg config.InsightMessage, policy config.ProductionPolicy) (*models.AIInsight, error) {
	var payload SaleCreatedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode sale_created payload: %w", err)
	}
	if payload.Amount <= policy.LargeSaleThresholdCents {
		return nil, nil
	}
	who := payload.Customer
	if who == "" {
		who = fmt.Sprintf("customer %d", payload.CustomerId)
	}
	return &models.AIInsight{
		Type:        models.InsightTypeSalesOpportunity,
		Title:       "Large sale recorded",
		Description: fmt.Sprintf("Sale %d to %s totals %s; consider a follow-up offer.", payload.SaleId, who, decimal.New(payload.Amount, -2).StringFixed(2)),
		Impact:      models.InsightImpactPositive,
		Confidence:  confidenceScore(policy.SalesOpportunityConfidence),
		Metadata: models.JSONMap{
			"saleId":     payload.SaleId,
			"customerId": payload.CustomerId,
			"amount":     payload.Amount,
		},
	}, nil
}

func anomalyDetectedRule(msg config.InsightMessage, policy config.ProductionPolicy) (*models.AIInsight, error) {
	var payload models.AnomalyPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode anomaly_detected payload: %w", err)
	}
	reason := payload.Reason
	if reason == "" {
		reason = payload.MermaType
	}
	return &models.AIInsight{
		Type:        models.InsightTypeQualityRisk,
		Title:       "Quality risk detected",
		Description: fmt.Sprintf("Batch %d reported %d units of %s waste: %s.", payload.BatchId, payload.Quantity, payload.MermaType, reason),
		Impact:      models.InsightImpactHigh,
		Confidence:  confidenceScore(policy.QualityRiskConfidence),
		Metadata: models.JSONMap{
			"batchId":   payload.BatchId,
			"productId": payload.ProductId,
			"quantity":  payload.Quantity,
			"reason":    payload.Reason,
			"mermaType": payload.MermaType,
		},
	}, nil
}
