package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/models/reports"
	"github.com/mmdatafocus/erp_backend/utils"
)

// errorBody maps a settlement error to its HTTP status and JSON body.
func errorBody(err error) (int, gin.H) {
	var (
		configErr    *models.ConfigurationError
		stockErr     *models.InsufficientStockError
		completedErr *models.AlreadyCompletedError
		storeErr     *models.TransientStoreError
	)
	switch {
	case errors.As(err, &configErr):
		return http.StatusUnprocessableEntity, gin.H{
			"code":     "missing_configuration",
			"error":    configErr.Error(),
			"resource": configErr.Resource,
			"id":       configErr.Id,
		}
	case errors.As(err, &stockErr):
		return http.StatusConflict, gin.H{
			"code":         "insufficient_stock",
			"error":        stockErr.Error(),
			"product_id":   stockErr.ProductId,
			"product_name": stockErr.ProductName,
			"available":    stockErr.Available,
			"required":     stockErr.Required,
		}
	case errors.As(err, &completedErr):
		return http.StatusConflict, gin.H{
			"code":     "already_completed",
			"error":    completedErr.Error(),
			"batch_id": completedErr.BatchId,
		}
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, gin.H{"code": "validation", "error": err.Error()}
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable, gin.H{"code": "transient", "error": "temporarily unavailable, retry"}
	}
	return http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal error"}
}

func respondError(c *gin.Context, funcName string, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "handlers.go", funcName, c.FullPath(), nil, err)
	}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}
	c.JSON(status, body)
}

func paramId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation", "error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func bindBody(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation", "error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

// bindOptionalBody is bindBody for endpoints whose whole body may be left out.
func bindOptionalBody(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation", "error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if !bindBody(c, &input) {
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "createProductHandler", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func getProductHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	product, err := models.GetProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, "getProductHandler", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func createProcessHandler(c *gin.Context) {
	var input models.NewProcessDefinition
	if !bindBody(c, &input) {
		return
	}
	process, err := models.CreateProcess(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "createProcessHandler", err)
		return
	}
	c.JSON(http.StatusCreated, process)
}

func getProcessHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	process, err := models.GetProcess(c.Request.Context(), id)
	if err != nil {
		respondError(c, "getProcessHandler", err)
		return
	}
	c.JSON(http.StatusOK, process)
}

func startBatchHandler(c *gin.Context) {
	var input models.NewBatch
	if !bindBody(c, &input) {
		return
	}
	batch, err := models.StartBatch(c.Request.Context(), &input)
	if err != nil {
		respondError(c, "startBatchHandler", err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func listBatchesHandler(c *gin.Context) {
	batches, err := models.ListBatches(c.Request.Context(), models.BatchStatus(c.Query("status")), queryLimit(c))
	if err != nil {
		respondError(c, "listBatchesHandler", err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

func getBatchHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	batch, err := models.GetBatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, "getBatchHandler", err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func reportProductionHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	var input models.NewProductionReport
	if !bindBody(c, &input) {
		return
	}
	ticket, err := models.ReportProduction(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "reportProductionHandler", err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func finishBatchHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	// no body: settle from the batch's tickets alone
	var input models.FinishBatchInput
	if !bindOptionalBody(c, &input) {
		return
	}
	batch, err := models.FinishBatch(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "finishBatchHandler", err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func logEventHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	var input models.NewBatchEvent
	if !bindBody(c, &input) {
		return
	}
	event, err := models.LogEvent(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "logEventHandler", err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

func listEventsHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	events, err := models.ListBatchEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, "listEventsHandler", err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func listMovementsHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	movements, err := models.ListBatchMovements(c.Request.Context(), id)
	if err != nil {
		respondError(c, "listMovementsHandler", err)
		return
	}
	c.JSON(http.StatusOK, movements)
}

func reportAnomalyHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	var input models.NewAnomaly
	if !bindBody(c, &input) {
		return
	}
	event, movement, err := models.ReportAnomaly(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, "reportAnomalyHandler", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": event, "movement": movement})
}

func listTicketsHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	tickets, err := models.ListPieceworkTickets(c.Request.Context(), id)
	if err != nil {
		respondError(c, "listTicketsHandler", err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func approveTicketHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	ticket, err := models.ApprovePieceworkTicket(c.Request.Context(), id)
	if err != nil {
		respondError(c, "approveTicketHandler", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func payTicketHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	ticket, err := models.MarkPieceworkTicketPaid(c.Request.Context(), id)
	if err != nil {
		respondError(c, "payTicketHandler", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func exportBatchHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	result, err := reports.ExportBatchReport(c.Request.Context(), id)
	if err != nil && result == nil {
		respondError(c, "exportBatchHandler", err)
		return
	}
	if err != nil {
		// upload failed; the workbook is still served
		config.LogError(config.GetLogger(), "handlers.go", "exportBatchHandler", "upload batch report", result.FileName, err)
	}
	if result.URL != "" {
		c.Header("X-Report-Location", result.URL)
	}
	c.Header("Content-Disposition", "attachment; filename="+result.FileName)
	c.Data(http.StatusOK, utils.XlsxContentType, result.Data)
}

func summaryHandler(c *gin.Context) {
	summary, err := models.GetSummary(c.Request.Context())
	if err != nil {
		respondError(c, "summaryHandler", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func listInsightsHandler(c *gin.Context) {
	var acknowledged *bool
	if v := c.Query("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation", "error": "acknowledged must be true or false"})
			return
		}
		acknowledged = &b
	}
	insights, err := models.ListInsights(c.Request.Context(), acknowledged, queryLimit(c))
	if err != nil {
		respondError(c, "listInsightsHandler", err)
		return
	}
	c.JSON(http.StatusOK, insights)
}

func acknowledgeInsightHandler(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	insight, err := models.AcknowledgeInsight(c.Request.Context(), id)
	if err != nil {
		respondError(c, "acknowledgeInsightHandler", err)
		return
	}
	c.JSON(http.StatusOK, insight)
}

func publishInsightEventHandler(c *gin.Context) {
	var input models.NewInsightEvent
	if !bindBody(c, &input) {
		return
	}
	if err := models.PublishInsightEvent(c.Request.Context(), &input); err != nil {
		respondError(c, "publishInsightEventHandler", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func reconcileHandler(c *gin.Context) {
	fix, _ := strconv.ParseBool(c.DefaultQuery("fix", "false"))
	drift, err := models.ReconcileStock(c.Request.Context(), fix)
	if err != nil {
		respondError(c, "reconcileHandler", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fixed": fix, "drift": drift})
}

type outboxRequeueRequest struct {
	OrganizationId string `json:"organization_id"`
}

// outboxRequeueHandler resets DEAD/FAILED outbox rows. Admin only; an empty
// organization_id requeues every tenant.
func outboxRequeueHandler(c *gin.Context) {
	var req outboxRequeueRequest
	if !bindOptionalBody(c, &req) {
		return
	}
	n, err := models.RequeueDeadOutbox(c.Request.Context(), req.OrganizationId)
	if err != nil {
		respondError(c, "outboxRequeueHandler", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization_id": req.OrganizationId, "requeued": n})
}
