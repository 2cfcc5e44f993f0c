package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Assigner applies ownership changes decided by the consumer group.
type Assigner interface {
	Assign(ctx context.Context, generation int64, want []domain.PartitionID) (map[domain.PartitionID]int64, error)
	Revoke(ctx context.Context, ps []domain.PartitionID) error
}

// Deliverer takes records of owned partitions, in partition order.
type Deliverer interface {
	Deliver(ctx context.Context, rec changelog.Record) error
}

// Group joins the consumer group on the events topic. The group decides
// which instance owns which partition; consumption resumes from the offsets
// of the local store, so no offsets are committed to Kafka.
type Group struct {
	cfg      Config
	client   *kgo.Client
	assigner Assigner
	sink     Deliverer
	log      *zap.Logger

	mu     sync.Mutex
	owned  map[int32]struct{}
	resume map[int32]int64

	poll           func(context.Context) kgo.Fetches
	allowRebalance func()
	generation     func() int64
}

func NewGroup(cfg Config, assigner Assigner, sink Deliverer, log *zap.Logger, opts ...kgo.Opt) (*Group, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Group{
		cfg:      cfg,
		assigner: assigner,
		sink:     sink,
		log:      log.With(zap.String("component", "kafka-group")),
		owned:    make(map[int32]struct{}),
		resume:   make(map[int32]int64),
	}
	kopts := append(cfg.clientOpts(),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.EventsTopic),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsAssigned(g.onAssigned),
		kgo.OnPartitionsRevoked(g.onRevoked),
		kgo.OnPartitionsLost(g.onRevoked),
		kgo.AdjustFetchOffsetsFn(g.adjustOffsets),
	)
	cl, err := kgo.NewClient(append(kopts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	g.client = cl
	g.poll = func(ctx context.Context) kgo.Fetches { return cl.PollRecords(ctx, cfg.MaxPollRecords) }
	g.allowRebalance = cl.AllowRebalance
	g.generation = func() int64 {
		_, gen := cl.GroupMetadata()
		return int64(gen)
	}
	return g, nil
}

// Run consumes until ctx ends, then leaves the group.
func (g *Group) Run(ctx context.Context) error {
	defer g.client.Close()
	for {
		fetches := g.poll(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		g.process(ctx, fetches)
		g.allowRebalance()
	}
}

func (g *Group) process(ctx context.Context, fetches kgo.Fetches) {
	fetches.EachError(func(topic string, p int32, err error) {
		if !errors.Is(err, context.Canceled) {
			g.log.Warn("fetch error", zap.String("topic", topic), zap.Int32("partition", p), zap.Error(err))
		}
	})
	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		for _, rec := range ftp.Records {
			if err := g.sink.Deliver(ctx, toRecord(rec)); err != nil {
				// The partition was revoked or its store failed. Either way the
				// rest of this batch has nowhere to go.
				g.log.Debug("dropping records",
					zap.Int32("partition", ftp.Partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				return
			}
		}
	})
}

func (g *Group) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range assigned[g.cfg.EventsTopic] {
		g.owned[p] = struct{}{}
	}
	opened, err := g.assigner.Assign(ctx, g.generation(), g.ownedLocked())
	if err != nil {
		g.log.Error("assignment incomplete", zap.Error(err))
	}
	for p, off := range opened {
		g.resume[int32(p)] = off
	}
}

func (g *Group) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ps []domain.PartitionID
	for _, p := range revoked[g.cfg.EventsTopic] {
		delete(g.owned, p)
		delete(g.resume, p)
		ps = append(ps, domain.PartitionID(p))
	}
	if len(ps) == 0 {
		return
	}
	if err := g.assigner.Revoke(ctx, ps); err != nil {
		g.log.Error("revoke incomplete", zap.Error(err))
	}
}

// adjustOffsets replaces the group's offsets with the local resume offsets.
func (g *Group) adjustOffsets(_ context.Context, offsets map[string]map[int32]kgo.Offset) (map[string]map[int32]kgo.Offset, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts, ok := offsets[g.cfg.EventsTopic]
	if !ok {
		return offsets, nil
	}
	for p := range parts {
		if off, ok := g.resume[p]; ok {
			parts[p] = kgo.NewOffset().At(off)
		}
	}
	return offsets, nil
}

func (g *Group) ownedLocked() []domain.PartitionID {
	out := make([]domain.PartitionID, 0, len(g.owned))
	for p := range g.owned {
		out = append(out, domain.PartitionID(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
