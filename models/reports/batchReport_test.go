package reports

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) context.Context {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reports.db")
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
	if err := models.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := utils.SetOrganizationIdInContext(context.Background(), "org-report")
	return utils.SetUserIdInContext(ctx, 1)
}

func finishedBatch(t *testing.T, ctx context.Context) *models.Batch {
	t.Helper()
	in, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Raw Cotton", OpeningStock: 100})
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
	if _, err := models.ReportProduction(ctx, batch.ID, &models.NewProductionReport{
		EmployeeId: 7, Quantity: 40, TaskName: "spin", UnitPrice: 25,
	}); err != nil {
		t.Fatalf("ReportProduction: %v", err)
	}
	if _, err := models.LogEvent(ctx, batch.ID, &models.NewBatchEvent{EventType: "note", Data: map[string]any{"text": "shift change"}}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	finished, err := models.FinishBatch(ctx, batch.ID, &models.FinishBatchInput{
		Yields:         models.Yields{ByProduct: map[int]int64{out.ID: 35}},
		EstimatedInput: 40,
	})
	if err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	return finished
}

func TestBatchReportCollectsBatchHistory(t *testing.T) {
	ctx := setupTestDB(t)
	batch := finishedBatch(t, ctx)

	report, err := GetBatchReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatchReport: %v", err)
	}
	if report.Process.Name != "Spinning" {
		t.Fatalf("process = %q", report.Process.Name)
	}
	if len(report.Tickets) != 1 || report.pieceworkTotal() != 40*25 {
		t.Fatalf("tickets = %d total = %d", len(report.Tickets), report.pieceworkTotal())
	}
	if len(report.Movements) < 2 {
		t.Fatalf("expected consumption and output movements, got %d", len(report.Movements))
	}
	for _, m := range report.Movements {
		if report.Products[m.ProductId] == "" {
			t.Fatalf("movement product %d has no name", m.ProductId)
		}
	}
	if len(report.Events) == 0 {
		t.Fatalf("expected batch events")
	}
}

func TestExportBatchReportWorkbook(t *testing.T) {
	t.Setenv("GCS_BUCKET", "")
	ctx := setupTestDB(t)
	batch := finishedBatch(t, ctx)

	result, err := ExportBatchReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ExportBatchReport: %v", err)
	}
	if result.URL != "" {
		t.Fatalf("url = %q without a bucket", result.URL)
	}
	if !strings.HasSuffix(result.FileName, ".xlsx") {
		t.Fatalf("file name = %q", result.FileName)
	}

	f, err := excelize.OpenReader(bytes.NewReader(result.Data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	sheets := map[string]bool{}
	for _, name := range f.GetSheetList() {
		sheets[name] = true
	}
	for _, want := range []string{sheetSummary, sheetMovements, sheetTickets, sheetEvents} {
		if !sheets[want] {
			t.Fatalf("missing sheet %q in %v", want, f.GetSheetList())
		}
	}

	status, err := f.GetCellValue(sheetSummary, "B3")
	if err != nil {
		t.Fatalf("summary status: %v", err)
	}
	if status != string(models.BatchStatusCompleted) {
		t.Fatalf("status cell = %q", status)
	}
	rows, err := f.GetRows(sheetTickets)
	if err != nil {
		t.Fatalf("ticket rows: %v", err)
	}
	if len(rows) != 2 || rows[1][2] != "spin" {
		t.Fatalf("ticket rows = %v", rows)
	}
}
