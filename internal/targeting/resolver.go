package targeting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salonhq/outreach/internal/directory"
)

// FrequencyCounter reports how many messages a customer has received
// under a rule over its lifetime.
type FrequencyCounter interface {
	Sends(ctx context.Context, ruleID, customerID string) (int, error)
}

// Cap limits per-customer sends for rule-driven resolutions. A zero
// value (empty RuleID or MaxSends <= 0) disables capping.
type Cap struct {
	RuleID   string
	MaxSends int
}

// Resolver turns criteria into the eligible recipient set.
type Resolver struct {
	dir    directory.Directory
	freq   FrequencyCounter
	logger *slog.Logger
}

// NewResolver creates a resolver. freq may be nil when frequency
// capping is never requested.
func NewResolver(dir directory.Directory, freq FrequencyCounter, logger *slog.Logger) *Resolver {
	return &Resolver{
		dir:    dir,
		freq:   freq,
		logger: logger,
	}
}

// Resolve returns every customer of the tenant matching the criteria,
// minus the exclusion set, minus customers at or over the frequency
// cap. The result is exhaustive: batching is the caller's concern.
// Capped and excluded customers are dropped silently.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, criteria Criteria, excludeIDs []string, cap Cap) ([]*directory.Customer, error) {
	customers, err := r.dir.List(ctx, directory.ListFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}

	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	now := time.Now()
	var matched []*directory.Customer

	for _, customer := range customers {
		if !criteria.Match(customer, now) {
			continue
		}
		if excluded[customer.ID] {
			continue
		}

		if cap.RuleID != "" && cap.MaxSends > 0 && r.freq != nil {
			sends, err := r.freq.Sends(ctx, cap.RuleID, customer.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to read send count: %w", err)
			}
			if sends >= cap.MaxSends {
				r.logger.Debug("customer at frequency cap, skipping",
					"rule_id", cap.RuleID,
					"customer_id", customer.ID,
					"sends", sends,
				)
				continue
			}
		}

		matched = append(matched, customer)
	}

	return matched, nil
}

// Count returns the number of customers Resolve would produce. Used
// for recipient estimation at campaign creation time.
func (r *Resolver) Count(ctx context.Context, tenantID string, criteria Criteria, excludeIDs []string, cap Cap) (int, error) {
	matched, err := r.Resolve(ctx, tenantID, criteria, excludeIDs, cap)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}
