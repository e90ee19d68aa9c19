package models

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testOrg = "org-test"

// setupTestDB installs a fresh on-disk SQLite database as the global DB with the
// production schema and tenant guard. Redis stays disabled.
func setupTestDB(t *testing.T) context.Context {
	t.Helper()

	path := filepath.Join(t.TempDir(), "production.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), config.InitGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := config.UsePlugins(db); err != nil {
		t.Fatalf("plugins: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	prev := config.GetDB()
	config.SetDB(db)
	config.SetRedisClient(nil)
	t.Cleanup(func() { config.SetDB(prev) })

	if err := AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return orgContext(testOrg)
}

func orgContext(organizationId string) context.Context {
	ctx := utils.SetOrganizationIdInContext(context.Background(), organizationId)
	return utils.SetUserIdInContext(ctx, 1)
}

func mustCreateProduct(t *testing.T, ctx context.Context, name string, stock int64) *Product {
	t.Helper()
	p, err := CreateProduct(ctx, &NewProduct{Name: name, OpeningStock: stock})
	if err != nil {
		t.Fatalf("CreateProduct(%s): %v", name, err)
	}
	return p
}

func mustCreateProcess(t *testing.T, ctx context.Context, recipe Recipe) *ProcessDefinition {
	t.Helper()
	p, err := CreateProcess(ctx, &NewProcessDefinition{Name: "Cutting", Recipe: recipe})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	return p
}

func mustStartBatch(t *testing.T, ctx context.Context, processId int) *Batch {
	t.Helper()
	b, err := StartBatch(ctx, &NewBatch{ProcessId: processId})
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	return b
}

func stockOf(t *testing.T, ctx context.Context, productId int) int64 {
	t.Helper()
	p, err := GetProduct(ctx, productId)
	if err != nil {
		t.Fatalf("GetProduct(%d): %v", productId, err)
	}
	return p.Stock
}

func batchMovements(t *testing.T, ctx context.Context, batchId int) []*InventoryMovement {
	t.Helper()
	movements, err := ListBatchMovements(ctx, batchId)
	if err != nil {
		t.Fatalf("ListBatchMovements: %v", err)
	}
	return movements
}

func outboxRows(t *testing.T, eventType string) []OutboxRecord {
	t.Helper()
	var rows []OutboxRecord
	if err := config.GetDB().Where("event_type = ?", eventType).Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	return rows
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
