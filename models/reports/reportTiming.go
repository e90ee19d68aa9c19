package reports

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/sirupsen/logrus"
)

func reportSlowMs() int64 {
	// Env: REPORT_SLOW_MS (default 500ms)
	ms := int64(500)
	if v := strings.TrimSpace(os.Getenv("REPORT_SLOW_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ms = n
		}
	}
	return ms
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra logrus.Fields) {
	d := time.Since(started)
	if d.Milliseconds() < reportSlowMs() {
		return
	}
	logger := config.GetLogger()
	if logger == nil {
		return
	}
	org, _ := utils.GetOrganizationIdFromContext(ctx)
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	fields := logrus.Fields{
		"field":           "slowReport",
		"report":          name,
		"ms":              d.Milliseconds(),
		"organization_id": org,
		"correlation_id":  cid,
	}
	for k, v := range extra {
		fields[k] = v
	}
	logger.WithFields(fields).Warn("slow report")
}
