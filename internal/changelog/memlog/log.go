// Package memlog is an in-process change-stream used by tests and by
// single-process development setups.
package memlog

import (
	"context"
	"fmt"
	"sync"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
)

type Log struct {
	partitions int

	mu     sync.Mutex
	parts  [][]changelog.Record
	notify chan struct{}
}

func New(partitions int) *Log {
	if partitions <= 0 {
		partitions = hashroute.DefaultPartitionCount
	}
	return &Log{partitions: partitions, parts: make([][]changelog.Record, partitions), notify: make(chan struct{})}
}

func (l *Log) Publish(_ context.Context, ev domain.ChangeEvent) (domain.PartitionID, error) {
	raw, err := changelog.Encode(ev)
	if err != nil {
		return 0, err
	}
	key := hashroute.CanonicalizeKey(ev.Key)
	p := hashroute.PartitionOf(key, l.partitions)
	l.AppendRaw(p, []byte(key), raw)
	return p, nil
}

// AppendRaw appends value to partition p without validation and returns the
// offset it was written at.
func (l *Log) AppendRaw(p domain.PartitionID, key, value []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	off := int64(len(l.parts[p]))
	l.parts[p] = append(l.parts[p], changelog.Record{
		Partition: p,
		Offset:    off,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		SourceRef: fmt.Sprintf("memlog/%d/%d", p, off),
	})
	close(l.notify)
	l.notify = make(chan struct{})
	return off
}

func (l *Log) Follow(ctx context.Context, p domain.PartitionID, from int64, fn changelog.HandlerFunc) error {
	if p < 0 || int(p) >= l.partitions {
		return fmt.Errorf("partition %d out of range", p)
	}
	next := from
	for {
		l.mu.Lock()
		var pending []changelog.Record
		if next < int64(len(l.parts[p])) {
			pending = append(pending, l.parts[p][next:]...)
		}
		wait := l.notify
		l.mu.Unlock()

		for _, rec := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, rec); err != nil {
				return err
			}
			next = rec.Offset + 1
		}
		if len(pending) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (l *Log) EndOffset(_ context.Context, p domain.PartitionID) (int64, error) {
	if p < 0 || int(p) >= l.partitions {
		return 0, fmt.Errorf("partition %d out of range", p)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.parts[p])), nil
}

func (l *Log) Partitions() int { return l.partitions }
