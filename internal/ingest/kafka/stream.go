package kafka

import (
	"context"
	"errors"
	"fmt"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Stream reads single partitions of the events topic directly, without a
// consumer group. Each Follow call owns its own client.
type Stream struct {
	cfg   Config
	admin *kadm.Client
	base  *kgo.Client
}

func NewStream(cfg Config, opts ...kgo.Opt) (*Stream, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(append(cfg.clientOpts(), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Stream{cfg: cfg, admin: kadm.NewClient(cl), base: cl}, nil
}

func (s *Stream) Close() { s.base.Close() }

func (s *Stream) Follow(ctx context.Context, p domain.PartitionID, from int64, fn changelog.HandlerFunc) error {
	opts := append(s.cfg.clientOpts(), kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
		s.cfg.EventsTopic: {int32(p): kgo.NewOffset().At(from)},
	}))
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("new kafka client: %w", err)
	}
	defer cl.Close()

	for {
		fetches := cl.PollRecords(ctx, s.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return errors.New("kafka client closed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var ferr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if ferr == nil {
				ferr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
			}
		})
		if ferr != nil {
			return ferr
		}
		var herr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if herr == nil {
				herr = fn(ctx, toRecord(rec))
			}
		})
		if herr != nil {
			return herr
		}
	}
}

// EndOffset returns the offset the next record produced to p will get.
func (s *Stream) EndOffset(ctx context.Context, p domain.PartitionID) (int64, error) {
	return endOffset(ctx, s.admin, s.cfg.EventsTopic, p)
}

func endOffset(ctx context.Context, admin *kadm.Client, topic string, p domain.PartitionID) (int64, error) {
	listed, err := admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("list end offsets: %w", err)
	}
	off, ok := listed.Lookup(topic, int32(p))
	if !ok {
		return 0, fmt.Errorf("no end offset for %s/%d", topic, p)
	}
	if off.Err != nil {
		return 0, fmt.Errorf("end offset %s/%d: %w", topic, p, off.Err)
	}
	return off.Offset, nil
}

func toRecord(rec *kgo.Record) changelog.Record {
	return changelog.Record{
		Partition: domain.PartitionID(rec.Partition),
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		SourceRef: fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset),
	}
}
