package batch

import (
	"context"

	domain "bulkmail/internal/domain/batch"
)

// Store persists finished batch reports. Secrets are never stored.
type Store interface {
	Save(ctx context.Context, r domain.Report) error
	GetByID(ctx context.Context, id string) (domain.Report, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Summary, error)
	Count(ctx context.Context, filter ListFilter) (int, error)
}

// ListFilter specifies criteria for listing batches.
type ListFilter struct {
	Identity string       // exact sender identity (empty = all)
	State    domain.State // exact state (empty = all)
	Search   string       // keyword in subject (empty = all)
	IDs      []string     // only these batches (empty = all)
	Limit    int          // 0 = no limit
	Offset   int
}
