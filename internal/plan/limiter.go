// Package plan enforces per-tenant monthly message quotas.
package plan

import (
	"context"
	"log/slog"
	"time"

	"github.com/salonhq/outreach/internal/store"
)

// LimitFunc returns the monthly send limit for a tenant. 0 means
// unlimited.
type LimitFunc func(tenantID string) int64

// Limiter checks tenant usage against plan limits. Counters are kept
// per calendar month in the usage store.
type Limiter struct {
	usage  *store.UsageStore
	limit  LimitFunc
	logger *slog.Logger
}

// NewLimiter creates a limiter.
func NewLimiter(usage *store.UsageStore, limit LimitFunc, logger *slog.Logger) *Limiter {
	return &Limiter{
		usage:  usage,
		limit:  limit,
		logger: logger.With("component", "plan"),
	}
}

// CheckMessageLimit reports whether the tenant may send more messages
// this month.
func (l *Limiter) CheckMessageLimit(ctx context.Context, tenantID string) (bool, error) {
	limit := l.limit(tenantID)
	if limit <= 0 {
		return true, nil
	}

	sent, err := l.usage.MonthlySends(ctx, tenantID, time.Now())
	if err != nil {
		return false, err
	}

	if sent >= limit {
		l.logger.Warn("tenant over plan limit", "tenant_id", tenantID, "sent", sent, "limit", limit)
		return false, nil
	}
	return true, nil
}
