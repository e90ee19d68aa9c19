package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testOrg = "org-test"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.db")
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
	return db
}

// setupTestDB installs a migrated SQLite database as the global DB.
func setupTestDB(t *testing.T) context.Context {
	t.Helper()
	db := openTestDB(t)
	prev := config.GetDB()
	config.SetDB(db)
	config.SetRedisClient(nil)
	t.Cleanup(func() { config.SetDB(prev) })
	if err := models.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := utils.SetOrganizationIdInContext(context.Background(), testOrg)
	return utils.SetUserIdInContext(ctx, 1)
}

// closedDB returns a handle whose connection pool is already closed.
func closedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	_ = sqlDB.Close()
	return db
}

type productionFixture struct {
	input  *models.Product
	output *models.Product
	batch  *models.Batch
}

func setupProduction(t *testing.T, ctx context.Context) *productionFixture {
	t.Helper()
	in, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Raw Cotton", OpeningStock: 200})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	out, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Cotton Yarn"})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	process, err := models.CreateProcess(ctx, &models.NewProcessDefinition{
		Name:   "Spinning",
		Recipe: models.Recipe{InputProductId: &in.ID, OutputProductId: &out.ID},
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	batch, err := models.StartBatch(ctx, &models.NewBatch{ProcessId: process.ID})
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	return &productionFixture{input: in, output: out, batch: batch}
}

func listInsights(t *testing.T, ctx context.Context) []*models.AIInsight {
	t.Helper()
	insights, err := models.ListInsights(ctx, nil, 100)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	return insights
}

func loadOutbox(t *testing.T, eventType string) []models.OutboxRecord {
	t.Helper()
	var rows []models.OutboxRecord
	if err := config.GetDB().Where("event_type = ?", eventType).Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	return rows
}
