package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ProductionPolicy collects the named heuristics used by batch settlement and the
// insight rules. Every threshold is env-overridable; defaults match historical behaviour.
type ProductionPolicy struct {
	// ConsumptionRatio is input units consumed per reported output unit.
	ConsumptionRatio int64

	// RateCorrectionEnabled turns on the units-vs-cents correction for piecework rates:
	// an enabled rate below RateCorrectionThreshold is multiplied by RateCorrectionMultiplier.
	RateCorrectionEnabled    bool
	RateCorrectionThreshold  int64
	RateCorrectionMultiplier int64

	// InferInputFromTickets lets finish fall back to the largest piecework task group
	// when no estimated input is supplied.
	InferInputFromTickets bool

	EfficiencyAlertThreshold   decimal.Decimal
	EfficiencyAlertConfidence  decimal.Decimal
	LargeSaleThresholdCents    int64
	SalesOpportunityConfidence decimal.Decimal
	QualityRiskConfidence      decimal.Decimal
}

func DefaultProductionPolicy() ProductionPolicy {
	return ProductionPolicy{
		ConsumptionRatio:           1,
		RateCorrectionEnabled:      true,
		RateCorrectionThreshold:    5,
		RateCorrectionMultiplier:   100,
		InferInputFromTickets:      true,
		EfficiencyAlertThreshold:   decimal.RequireFromString("0.85"),
		EfficiencyAlertConfidence:  decimal.RequireFromString("0.9"),
		LargeSaleThresholdCents:    1000000,
		SalesOpportunityConfidence: decimal.RequireFromString("0.85"),
		QualityRiskConfidence:      decimal.RequireFromString("0.95"),
	}
}

// GetProductionPolicy reads overrides from env:
//   - PRODUCTION_CONSUMPTION_RATIO
//   - PIECEWORK_RATE_CORRECTION=false
//   - PIECEWORK_RATE_CORRECTION_THRESHOLD / PIECEWORK_RATE_CORRECTION_MULTIPLIER
//   - PRODUCTION_INFER_INPUT_FROM_TICKETS=false
//   - INSIGHT_EFFICIENCY_THRESHOLD / INSIGHT_EFFICIENCY_CONFIDENCE
//   - INSIGHT_LARGE_SALE_CENTS / INSIGHT_SALES_CONFIDENCE
//   - INSIGHT_QUALITY_CONFIDENCE
func GetProductionPolicy() ProductionPolicy {
	p := DefaultProductionPolicy()
	p.ConsumptionRatio = int64FromEnv("PRODUCTION_CONSUMPTION_RATIO", p.ConsumptionRatio)
	p.RateCorrectionEnabled = boolFromEnv("PIECEWORK_RATE_CORRECTION", p.RateCorrectionEnabled)
	p.RateCorrectionThreshold = int64FromEnv("PIECEWORK_RATE_CORRECTION_THRESHOLD", p.RateCorrectionThreshold)
	p.RateCorrectionMultiplier = int64FromEnv("PIECEWORK_RATE_CORRECTION_MULTIPLIER", p.RateCorrectionMultiplier)
	p.InferInputFromTickets = boolFromEnv("PRODUCTION_INFER_INPUT_FROM_TICKETS", p.InferInputFromTickets)
	p.EfficiencyAlertThreshold = decimalFromEnv("INSIGHT_EFFICIENCY_THRESHOLD", p.EfficiencyAlertThreshold)
	p.EfficiencyAlertConfidence = decimalFromEnv("INSIGHT_EFFICIENCY_CONFIDENCE", p.EfficiencyAlertConfidence)
	p.LargeSaleThresholdCents = int64FromEnv("INSIGHT_LARGE_SALE_CENTS", p.LargeSaleThresholdCents)
	p.SalesOpportunityConfidence = decimalFromEnv("INSIGHT_SALES_CONFIDENCE", p.SalesOpportunityConfidence)
	p.QualityRiskConfidence = decimalFromEnv("INSIGHT_QUALITY_CONFIDENCE", p.QualityRiskConfidence)
	if p.ConsumptionRatio <= 0 {
		p.ConsumptionRatio = 1
	}
	if p.RateCorrectionMultiplier <= 0 {
		p.RateCorrectionMultiplier = 1
	}
	return p
}

// EffectivePieceRate applies the rate-magnitude correction rule.
func (p ProductionPolicy) EffectivePieceRate(rate int64) int64 {
	if p.RateCorrectionEnabled && rate > 0 && rate < p.RateCorrectionThreshold {
		return rate * p.RateCorrectionMultiplier
	}
	return rate
}

func int64FromEnv(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}
