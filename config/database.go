package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var db *gorm.DB

func GetDB() *gorm.DB {
	return db
}

// SetDB swaps the global handle. Tests and the admin CLI install their own connection.
func SetDB(d *gorm.DB) {
	db = d
}

func init() {
	godotenv.Load()
}

// mysqlDSN builds the production DSN. DB_HOST=/cloudsql/<instance> dials the proxy socket.
// Every pooled connection runs READ COMMITTED so stock guards see committed rows.
func mysqlDSN() string {
	host := os.Getenv("DB_HOST")
	network, address := "tcp", fmt.Sprintf("%s:%s", host, os.Getenv("DB_PORT"))
	if strings.HasPrefix(host, "/cloudsql/") {
		network, address = "unix", host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&transaction_isolation=%%27READ-COMMITTED%%27",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		network,
		address,
		os.Getenv("DB_NAME"),
	)
}

// ConnectDatabaseWithRetry blocks until MySQL answers, then installs the global handle.
// main calls it after the listener is up so health checks see a live process.
func ConnectDatabaseWithRetry() {
	dsn := mysqlDSN()
	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(dsn), InitGormConfig())
		if err == nil {
			tunePool(conn)
			if perr := UsePlugins(conn); perr != nil {
				logg.WithError(perr).Warn("database plugins not installed")
			}
			SetDB(conn)
			logg.WithField("attempt", attempt).Info("connected to database")
			return
		}
		sleep := retryBackoff(attempt)
		logg.WithFields(logrus.Fields{
			"attempt": attempt,
			"retry":   sleep.String(),
		}).WithError(err).Warn("database connect failed")
		time.Sleep(sleep)
	}
}

// UsePlugins installs query tracing and the organization scope guard.
func UsePlugins(conn *gorm.DB) error {
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		return fmt.Errorf("otelgorm: %w", err)
	}
	if err := conn.Use(NewTenantGuardPlugin()); err != nil {
		return fmt.Errorf("tenant guard: %w", err)
	}
	return nil
}

// tunePool applies DB_MAX_OPEN_CONNS (50), DB_MAX_IDLE_CONNS (25),
// DB_CONN_MAX_LIFETIME_SECONDS (300) and DB_CONN_MAX_IDLE_TIME_SECONDS (60).
func tunePool(conn *gorm.DB) {
	sqlDB, err := conn.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if n := intFromEnv("DB_MAX_OPEN_CONNS", 50); n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := intFromEnv("DB_MAX_IDLE_CONNS", 25); n >= 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if d := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second; d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if d := time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second; d > 0 {
		sqlDB.SetConnMaxIdleTime(d)
	}
}

// retryBackoff doubles from 2s and caps at 30s. Shared by the DB, Redis and Pub/Sub dialers.
func retryBackoff(attempt int) time.Duration {
	return min(time.Second*time.Duration(1<<min(attempt, 5)), 30*time.Second)
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

// InitGormConfig is shared with the SQLite test databases so driver errors translate the same way.
func InitGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: schema.NamingStrategy{},
		TranslateError: true,
	}
}

// gormLogger writes errors to stdout, or every statement to GORM_LOG when set.
func gormLogger() logger.Interface {
	cfg := logger.Config{LogLevel: logger.Error, SlowThreshold: time.Second}
	var out io.Writer = os.Stdout
	if path := os.Getenv("GORM_LOG"); path != "" {
		if f, err := os.Create(path); err == nil {
			out = f
			cfg.LogLevel = logger.Info
		}
	}
	return logger.New(log.New(out, "\r\n", log.LstdFlags), cfg)
}
