package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware records request count and latency. Routes are labelled by their
// template (/batches/:id) so ids don't explode cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		RequestCounter.WithLabelValues(c.Request.Method, path, status).Inc()
		RequestDurationHistogram.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
