package middlewares

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/sirupsen/logrus"
)

const CorrelationHeader = "x-correlation-id"

// CorrelationId reuses the caller's x-correlation-id or mints one, and echoes it back.
// Settlement outbox rows carry it so insights can be traced to the request.
func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(CorrelationHeader, cid)
		c.Next()
	}
}

// RequireDatabase answers 503 until main has connected the database.
// Probe and scrape paths are always served.
func RequireDatabase(exempt ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if !skip[c.Request.URL.Path] && config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "database not ready"})
			return
		}
		c.Next()
	}
}

// Cors allows every origin outside production. In production only CORS_ALLOWED_ORIGINS
// (comma-separated) is allowed, and an empty list allows none.
func Cors() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
		if len(cfg.AllowOrigins) == 0 {
			// cors.New panics on an empty config; a never-matching origin rejects everyone.
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Authorization", CorrelationHeader)
	cfg.AddExposeHeaders("Content-Disposition", CorrelationHeader)
	cfg.AllowCredentials = !cfg.AllowAllOrigins
	return cors.New(cfg)
}

// RateLimitFromEnv returns the limiter when RATE_LIMIT_ENABLED=true, sized by
// RATE_LIMIT_MAX_REQUESTS (600) per RATE_LIMIT_WINDOW_SECONDS (60).
func RateLimitFromEnv() (gin.HandlerFunc, bool) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil, false
	}
	limit := positiveEnv("RATE_LIMIT_MAX_REQUESTS", 600)
	window := time.Duration(positiveEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	return RateLimit(limit, window), true
}

// RateLimit is a fixed-window counter per client IP in Redis. Redis connects after the
// listener, so the client is looked up per request; without it every request passes.
// A Redis error fails open.
func RateLimit(limit int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		rdb := config.GetRedisDB()
		if rdb == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := "ratelimit:" + c.ClientIP()
		count, err := rdb.Incr(ctx, key).Result()
		if err == nil && count == 1 {
			err = rdb.Expire(ctx, key, window).Err()
		}
		if err != nil {
			config.LogError(config.GetLogger(), "middlewares", "RateLimit", "redis counter", key, err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(limit-count, 0), 10))
		if count > limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(window.Seconds())),
			})
			return
		}
		c.Next()
	}
}

// ErrorLogger logs errors handlers attached with c.Error.
func ErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || logger == nil {
			return
		}
		ctx := c.Request.Context()
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		user, _ := utils.GetUserNameFromContext(ctx)
		logger.WithFields(logrus.Fields{
			"field":          "http",
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"user":           user,
			"correlation_id": cid,
		}).Error(c.Errors.String())
	}
}

func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func positiveEnv(key string, def int64) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64); err == nil && n > 0 {
		return n
	}
	return def
}

func splitAndTrim(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
