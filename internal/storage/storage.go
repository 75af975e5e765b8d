// Package storage persists request aggregates as event logs and serves
// folded snapshots for the HTTP API. Implementations live in the memory
// and sqldb subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/lbds137/tzurot-sub005/internal/domain"
)

// ErrNotFound is returned when no request exists for an id.
var ErrNotFound = errors.New("request not found")

// ListOptions filters and pages request listings. Zero-valued fields
// do not filter.
type ListOptions struct {
	UserID        string
	PersonalityID string
	Status        domain.Status
	Limit         int
	Offset        int
}

// RequestStore persists request event logs. Save is idempotent per
// event: saving the same aggregate twice appends nothing, and saving
// after new transitions appends only the new events. Get replays the
// stored log into a live aggregate.
type RequestStore interface {
	Save(ctx context.Context, req *domain.Request) error
	Get(ctx context.Context, id domain.RequestID) (*domain.Request, error)
	List(ctx context.Context, opts ListOptions) ([]domain.State, error)
	Delete(ctx context.Context, id domain.RequestID) error
	Close() error
}
