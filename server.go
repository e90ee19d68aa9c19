package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/metrics"
	"github.com/mmdatafocus/erp_backend/middlewares"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// newRouter wires middleware and routes. The engine backs the Pub/Sub push endpoint.
func newRouter(logger *logrus.Logger, engine *workflow.InsightEngine) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationId())
	r.Use(metrics.Middleware())
	r.Use(middlewares.RequireDatabase("/healthz", "/metrics"))
	r.Use(middlewares.Cors())
	if limiter, ok := middlewares.RateLimitFromEnv(); ok {
		r.Use(limiter)
	}
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Push delivery authenticates at the transport (OIDC on the push subscription).
	r.POST("/pubsub/insights", insightPubSubHandler(engine))

	api := r.Group("/", middlewares.AuthMiddleware(), middlewares.RequireOrganization())

	api.POST("/products", createProductHandler)
	api.GET("/products/:id", getProductHandler)
	api.POST("/processes", createProcessHandler)
	api.GET("/processes/:id", getProcessHandler)

	batches := api.Group("/batches")
	batches.POST("", startBatchHandler)
	batches.GET("", listBatchesHandler)
	batches.GET("/:id", getBatchHandler)
	batches.POST("/:id/report", reportProductionHandler)
	batches.POST("/:id/finish", finishBatchHandler)
	batches.POST("/:id/events", logEventHandler)
	batches.GET("/:id/events", listEventsHandler)
	batches.GET("/:id/movements", listMovementsHandler)
	batches.POST("/:id/anomalies", reportAnomalyHandler)
	batches.GET("/:id/tickets", listTicketsHandler)
	batches.GET("/:id/export", exportBatchHandler)

	api.POST("/tickets/:id/approve", approveTicketHandler)
	api.POST("/tickets/:id/pay", payTicketHandler)

	api.GET("/summary", summaryHandler)
	api.GET("/insights", listInsightsHandler)
	api.POST("/insights/:id/ack", acknowledgeInsightHandler)
	api.POST("/insights/events", publishInsightEventHandler)

	ops := api.Group("/internal/ops", middlewares.RequireAdmin())
	ops.POST("/reconcile", reconcileHandler)
	ops.POST("/outbox/requeue", outboxRequeueHandler)

	r.NoRoute(middlewares.NotFound)
	return r
}

// startInsightWorkers starts whichever insight delivery paths are configured:
// the in-process processor, the Pub/Sub dispatcher and the pull subscriber.
func startInsightWorkers(ctx context.Context, db *gorm.DB, logger *logrus.Logger, engine *workflow.InsightEngine) {
	if workflow.ShouldRunOutboxProcessor() {
		go workflow.NewOutboxProcessor(db, logger, engine).Run(ctx)
	}
	if !config.PubSubEnabled() {
		return
	}
	go workflow.NewOutboxDispatcher(db, logger).Run(ctx)
	if config.InsightSubscriptionName() == "" {
		return
	}
	if err := RunInsightWorkflow(ctx, engine); err != nil {
		config.LogError(logger, "server.go", "startInsightWorkers", "start insight subscriber", nil, err)
	}
}

func listenPort() string {
	for _, key := range []string{"API_PORT", "PORT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return defaultPort
}

func main() {
	logger := config.GetLogger()
	port := listenPort()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The engine falls back to config.GetDB once the database is connected.
	engine := workflow.NewInsightEngine(nil, logger)

	// Listen before dialing anything: the startup probe is TCP and app routes answer 503 until ready.
	srv := &http.Server{Addr: ":" + port, Handler: newRouter(logger, engine)}
	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- srv.ListenAndServe() }()

	config.ConnectDatabaseWithRetry()
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry(sigCtx)
	} else {
		logger.WithField("field", "redis").Warn("REDIS_ADDRESS not set; summary cache, batch locks and rate limiting disabled")
	}
	db := config.GetDB()
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// AutoMigrate can run blocking DDL; SKIP_MIGRATIONS=true leaves it to the admin CLI.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		logger.WithField("field", "migrations").Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	} else {
		models.MigrateTable()
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	startInsightWorkers(workerCtx, db, logger, engine)

	logger.WithFields(logrus.Fields{
		"field":     "http",
		"port":      port,
		"processor": workflow.ShouldRunOutboxProcessor(),
		"pubsub":    config.PubSubEnabled(),
		"redis":     config.GetRedisDB() != nil,
	}).Info("production service ready")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("field", "http").WithError(err).Error("server stopped unexpectedly")
		}
	}

	// Stop claiming outbox rows before draining requests.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithField("field", "http").WithError(err).Error("graceful shutdown failed")
	}

	config.ClosePubSub()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
