package directory

import (
	"context"
)

// Directory is the read-only customer lookup consumed by the messaging
// core. Production deployments back it with the platform's customer
// database; BoltDirectory below is the embedded implementation.
type Directory interface {
	// Get retrieves a single customer by ID.
	// Returns nil, nil when the customer does not exist.
	Get(ctx context.Context, id string) (*Customer, error)

	// List returns customers matching the filter. A zero Limit means
	// no limit; callers that batch do so themselves.
	List(ctx context.Context, filter ListFilter) ([]*Customer, error)
}
