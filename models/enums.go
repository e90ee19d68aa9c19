package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type BatchStatus string

const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusCompleted BatchStatus = "completed"
)

func (s BatchStatus) IsValid() bool {
	return s == BatchStatusActive || s == BatchStatusCompleted
}

type MovementType string

const (
	MovementTypeProduction          MovementType = "production"
	MovementTypeProductionUse       MovementType = "production_use"
	MovementTypeProductionCoproduct MovementType = "production_coproduct"
	MovementTypeOpeningStock        MovementType = "opening_stock"
)

type PieceworkTicketStatus string

const (
	PieceworkTicketStatusPending  PieceworkTicketStatus = "pending"
	PieceworkTicketStatusApproved PieceworkTicketStatus = "approved"
	PieceworkTicketStatusPaid     PieceworkTicketStatus = "paid"
)

// Batch event types written by the engine. Callers may log any other type.
const (
	BatchEventTypeComplete = "complete"
	BatchEventTypeAnomaly  = "anomaly"
)

// Insight event types carried through the outbox.
const (
	InsightEventProductionFinish = "production_finish"
	InsightEventSaleCreated      = "sale_created"
	InsightEventAnomalyDetected  = "anomaly_detected"
	InsightEventEmployeeAction   = "employee_action"
)

func IsInsightEventType(eventType string) bool {
	switch eventType {
	case InsightEventProductionFinish, InsightEventSaleCreated, InsightEventAnomalyDetected, InsightEventEmployeeAction:
		return true
	}
	return false
}

type InsightType string

const (
	InsightTypeEfficiencyAlert  InsightType = "efficiency_alert"
	InsightTypeSalesOpportunity InsightType = "sales_opportunity"
	InsightTypeQualityRisk      InsightType = "quality_risk"
)

type InsightImpact string

const (
	InsightImpactHigh     InsightImpact = "high"
	InsightImpactPositive InsightImpact = "positive"
)

// JSONMap is a free-form JSON object stored in a text column.
type JSONMap map[string]any

// Value implements the driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot convert %T to JSONMap", value)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Int64 reads a numeric field that may have been decoded as float64, json.Number
// or a numeric string.
func (m JSONMap) Int64(key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	return toInt64(v)
}

func (m JSONMap) String(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

var errNotJSONObject = errors.New("expected a JSON object")
