// Package changelog defines the change-stream contract shared by the
// transports and the materializer, and the wire envelope of a change event.
package changelog

import (
	"context"

	"profilestore/internal/domain"
)

// Record is one raw change-stream entry as handed over by a transport.
type Record struct {
	Partition domain.PartitionID
	Offset    int64
	Key       []byte
	Value     []byte
	SourceRef string
}

// HandlerFunc consumes one record. Returning an error stops the stream.
type HandlerFunc func(context.Context, Record) error

// Stream delivers the records of a single partition in stream order,
// starting at from, until ctx ends or fn fails.
type Stream interface {
	Follow(ctx context.Context, p domain.PartitionID, from int64, fn HandlerFunc) error
}

// EndOffsetter reports the offset the next record of a partition will get.
type EndOffsetter interface {
	EndOffset(ctx context.Context, p domain.PartitionID) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) (domain.PartitionID, error)
}
