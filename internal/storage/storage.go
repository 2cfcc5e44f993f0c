package storage

import (
	"context"

	"profilestore/internal/domain"
)

// Mutation is the storage representation of one applied change event.
// A nil Record deletes the key together with its index terms.
type Mutation struct {
	Offset  int64
	Key     string
	EventID string
	Record  *domain.ProfileRecord
	Terms   []string
}

// Reader is the read-only view the query router uses.
type Reader interface {
	Get(ctx context.Context, key string) (domain.ProfileRecord, bool, error)
	Search(ctx context.Context, term string) ([]domain.ProfileRecord, error)
}

// Partition is the durable state of one partition. Writes come from a single
// materializer lane; reads may happen concurrently.
type Partition interface {
	Reader
	ID() domain.PartitionID
	// Apply writes the record, replaces the key's index terms and advances the
	// applied offset in one transaction. Offsets at or below the applied
	// offset are ignored.
	Apply(ctx context.Context, m Mutation) error
	// Skip advances the applied offset without touching data.
	Skip(ctx context.Context, offset int64) error
	// AppliedOffset returns the last applied offset, false when nothing has
	// been applied yet.
	AppliedOffset(ctx context.Context) (int64, bool, error)
	Dump(ctx context.Context) (map[string]domain.ProfileRecord, error)
	Close() error
}

// Engine is the storage contract for local durable persistence.
type Engine interface {
	Open(ctx context.Context, p domain.PartitionID) (Partition, error)
	Reset() error
	Close() error
}

// ResumeOffset is the first change-stream offset a partition still needs.
func ResumeOffset(ctx context.Context, p Partition) (int64, error) {
	off, ok, err := p.AppliedOffset(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return off + 1, nil
}
