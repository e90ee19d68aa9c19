package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/shopspring/decimal"
)

const summaryCacheTTL = 30 * time.Second

type ProductionSummary struct {
	ActiveBatches          int64 `json:"active_batches"`
	CompletedBatches       int64 `json:"completed_batches"`
	PendingTickets         int64 `json:"pending_tickets"`
	UnacknowledgedInsights int64 `json:"unacknowledged_insights"`
	// total produced / total consumed, nil until something has been consumed
	Efficiency    *decimal.Decimal `json:"efficiency"`
	RecentBatches []*Batch         `json:"recent_batches"`
}

func summaryCacheKey(organizationId string) string {
	return "productionSummary:" + organizationId
}

// InvalidateSummary drops the cached summary. Anything that changes a count or the
// recent batch list calls it after its commit.
func InvalidateSummary(ctx context.Context, organizationId string) {
	if err := config.RemoveRedisKey(ctx, summaryCacheKey(organizationId)); err != nil {
		config.LogError(config.GetLogger(), "Summary", "InvalidateSummary", "invalidate summary cache", organizationId, err)
	}
}

// GetSummary is cached per organization and dropped whenever a count it reports changes.
func GetSummary(ctx context.Context) (*ProductionSummary, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}

	var cached ProductionSummary
	exists, err := config.GetRedisObject(ctx, summaryCacheKey(organizationId), &cached)
	if err != nil {
		config.LogError(config.GetLogger(), "Summary", "GetSummary", "read cache", organizationId, err)
	} else if exists {
		return &cached, nil
	}

	summary, err := buildSummary(ctx, organizationId)
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(ctx, summaryCacheKey(organizationId), summary, summaryCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "Summary", "GetSummary", "write cache", organizationId, err)
	}
	return summary, nil
}

func buildSummary(ctx context.Context, organizationId string) (*ProductionSummary, error) {
	db := config.GetDB().WithContext(ctx)
	summary := ProductionSummary{}

	type statusCount struct {
		Status BatchStatus
		Count  int64
	}
	var counts []statusCount
	if err := db.Model(&Batch{}).
		Select("status, COUNT(*) AS count").
		Where("organization_id = ?", organizationId).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, storeError("summary batches", err)
	}
	for _, c := range counts {
		switch c.Status {
		case BatchStatusActive:
			summary.ActiveBatches = c.Count
		case BatchStatusCompleted:
			summary.CompletedBatches = c.Count
		}
	}

	if err := db.Model(&PieceworkTicket{}).
		Where("organization_id = ? AND status = ?", organizationId, PieceworkTicketStatusPending).
		Count(&summary.PendingTickets).Error; err != nil {
		return nil, storeError("summary tickets", err)
	}
	if err := db.Model(&AIInsight{}).
		Where("organization_id = ? AND acknowledged = ?", organizationId, false).
		Count(&summary.UnacknowledgedInsights).Error; err != nil {
		return nil, storeError("summary insights", err)
	}

	var totals struct {
		Produced int64
		Consumed int64
	}
	if err := db.Model(&InventoryMovement{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN quantity ELSE 0 END), 0) AS produced, "+
			"COALESCE(SUM(CASE WHEN type = ? THEN -quantity ELSE 0 END), 0) AS consumed",
			MovementTypeProduction, MovementTypeProductionUse).
		Where("organization_id = ?", organizationId).
		Scan(&totals).Error; err != nil {
		return nil, storeError("summary efficiency", err)
	}
	summary.Efficiency = efficiencyRatio(totals.Produced, totals.Consumed)

	recent, err := ListBatches(ctx, "", 5)
	if err != nil {
		return nil, err
	}
	summary.RecentBatches = recent
	return &summary, nil
}

func efficiencyRatio(produced, consumed int64) *decimal.Decimal {
	if consumed <= 0 {
		return nil
	}
	ratio := decimal.NewFromInt(produced).DivRound(decimal.NewFromInt(consumed), 2)
	return &ratio
}
