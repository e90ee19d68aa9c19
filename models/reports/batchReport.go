package reports

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetMovements = "Movements"
	sheetTickets   = "Tickets"
	sheetEvents    = "Events"
)

// BatchReport is everything the export workbook shows for one batch.
type BatchReport struct {
	Batch     *models.Batch
	Process   *models.ProcessDefinition
	Movements []*models.InventoryMovement
	Tickets   []*models.PieceworkTicket
	Events    []*models.BatchEvent
	Products  map[int]string
}

// ExportResult is the rendered workbook and, when GCS is configured, where it was uploaded.
type ExportResult struct {
	FileName string
	Data     []byte
	URL      string
}

func GetBatchReport(ctx context.Context, batchId int) (*BatchReport, error) {
	batch, err := models.GetBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	process, err := models.GetProcess(ctx, batch.ProcessId)
	if err != nil {
		return nil, err
	}
	movements, err := models.ListBatchMovements(ctx, batchId)
	if err != nil {
		return nil, err
	}
	tickets, err := models.ListPieceworkTickets(ctx, batchId)
	if err != nil {
		return nil, err
	}
	events, err := models.ListBatchEvents(ctx, batchId)
	if err != nil {
		return nil, err
	}

	productIds := make([]int, 0, len(movements))
	for _, m := range movements {
		productIds = append(productIds, m.ProductId)
	}
	products := map[int]string{}
	for _, id := range utils.UniqueSlice(productIds) {
		// a deleted product still renders by id
		if p, err := models.GetProduct(ctx, id); err == nil {
			products[id] = p.Name
		}
	}

	return &BatchReport{
		Batch:     batch,
		Process:   process,
		Movements: movements,
		Tickets:   tickets,
		Events:    events,
		Products:  products,
	}, nil
}

// ExportBatchReport renders the batch workbook and uploads it when GCS_BUCKET is set.
// An upload failure is returned; the caller still gets the bytes.
func ExportBatchReport(ctx context.Context, batchId int) (*ExportResult, error) {
	started := time.Now()
	defer logSlowReport(ctx, "batchReport", started, logrus.Fields{"batch_id": batchId})

	report, err := GetBatchReport(ctx, batchId)
	if err != nil {
		return nil, err
	}
	data, err := report.Workbook()
	if err != nil {
		return nil, err
	}
	result := &ExportResult{
		FileName: fmt.Sprintf("batch_%d_%s.xlsx", batchId, utils.GenerateUniqueFilename()),
		Data:     data,
	}
	if utils.GCSEnabled() {
		objectName := fmt.Sprintf("%s/batches/%s", report.Batch.OrganizationId, result.FileName)
		url, err := utils.UploadBytesToGCS(ctx, objectName, data, utils.XlsxContentType)
		if err != nil {
			return result, err
		}
		result.URL = url
	}
	return result, nil
}

func (r *BatchReport) Workbook() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	for _, name := range []string{sheetMovements, sheetTickets, sheetEvents} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	completedAt := ""
	if r.Batch.CompletedAt != nil {
		completedAt = r.Batch.CompletedAt.Format(time.RFC3339)
	}
	sourceBatch := ""
	if r.Batch.SourceBatchId != nil {
		sourceBatch = fmt.Sprint(*r.Batch.SourceBatchId)
	}
	summaryRows := [][]interface{}{
		{"Batch", r.Batch.ID},
		{"Process", r.Process.Name},
		{"Status", string(r.Batch.Status)},
		{"Started At", r.Batch.StartedAt.Format(time.RFC3339)},
		{"Completed At", completedAt},
		{"Source Batch", sourceBatch},
		{"Tickets", len(r.Tickets)},
		{"Piecework Total", r.pieceworkTotal()},
	}
	if err := writeRows(f, sheetSummary, nil, summaryRows); err != nil {
		return nil, err
	}

	movementRows := make([][]interface{}, 0, len(r.Movements))
	for _, m := range r.Movements {
		movementRows = append(movementRows, []interface{}{
			m.Date.Format(time.RFC3339), m.ProductId, r.Products[m.ProductId], string(m.Type), m.Quantity, m.Notes,
		})
	}
	if err := writeRows(f, sheetMovements, []interface{}{"Date", "ProductId", "Product", "Type", "Quantity", "Notes"}, movementRows); err != nil {
		return nil, err
	}

	ticketRows := make([][]interface{}, 0, len(r.Tickets))
	for _, t := range r.Tickets {
		ticketRows = append(ticketRows, []interface{}{
			t.ID, t.EmployeeId, t.TaskName, t.Quantity, t.UnitPrice, t.TotalAmount, string(t.Status), t.CreatedAt.Format(time.RFC3339),
		})
	}
	if err := writeRows(f, sheetTickets, []interface{}{"Id", "EmployeeId", "Task", "Quantity", "UnitPrice", "TotalAmount", "Status", "CreatedAt"}, ticketRows); err != nil {
		return nil, err
	}

	eventRows := make([][]interface{}, 0, len(r.Events))
	for _, e := range r.Events {
		data, _ := e.Data.Value()
		eventRows = append(eventRows, []interface{}{
			e.Timestamp.Format(time.RFC3339), e.EventType, utils.DereferencePtr(e.StepId), data,
		})
	}
	if err := writeRows(f, sheetEvents, []interface{}{"Timestamp", "Type", "Step", "Data"}, eventRows); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *BatchReport) pieceworkTotal() int64 {
	var total int64
	for _, t := range r.Tickets {
		total += t.TotalAmount
	}
	return total
}

func writeRows(f *excelize.File, sheet string, header []interface{}, rows [][]interface{}) error {
	rowNo := 1
	if header != nil {
		cell, _ := excelize.CoordinatesToCellName(1, rowNo)
		if err := f.SetSheetRow(sheet, cell, &header); err != nil {
			return err
		}
		rowNo++
	}
	for _, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, rowNo)
		row := row
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
		rowNo++
	}
	return nil
}
