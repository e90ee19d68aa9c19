package workflow

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is capped exponential backoff: BaseBackoff * 2^(attempt-1), at most
// MaxBackoff, and DEAD once MaxAttempts attempts have failed.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

var (
	defaultProcessRetry = RetryPolicy{MaxAttempts: 10, BaseBackoff: 5 * time.Second, MaxBackoff: 10 * time.Minute}
	defaultPublishRetry = RetryPolicy{MaxAttempts: 20, BaseBackoff: 5 * time.Second, MaxBackoff: 10 * time.Minute}
)

// retryPolicyFromEnv overrides def with <prefix>_MAX_ATTEMPTS, <prefix>_BASE_BACKOFF_SECONDS
// and <prefix>_MAX_BACKOFF_SECONDS. Non-positive values are ignored.
func retryPolicyFromEnv(prefix string, def RetryPolicy) RetryPolicy {
	p := def
	if n := positiveInt(prefix + "_MAX_ATTEMPTS"); n > 0 {
		p.MaxAttempts = n
	}
	if n := positiveInt(prefix + "_BASE_BACKOFF_SECONDS"); n > 0 {
		p.BaseBackoff = time.Duration(n) * time.Second
	}
	if n := positiveInt(prefix + "_MAX_BACKOFF_SECONDS"); n > 0 {
		p.MaxBackoff = time.Duration(n) * time.Second
	}
	return p
}

func positiveInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff || delay <= 0 {
			return p.MaxBackoff
		}
	}
	return min(delay, p.MaxBackoff)
}

// Schedule satisfies models.RetrySchedule.
func (p RetryPolicy) Schedule(attempts int, now time.Time) (*time.Time, bool) {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return nil, true
	}
	next := now.Add(p.Backoff(attempts))
	return &next, false
}
