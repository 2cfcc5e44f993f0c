package kafka

import (
	"context"
	"fmt"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher writes change events to the events topic. The partition is
// chosen with the same hash the query router uses, so every key lands on the
// partition its lookups are routed to.
type Publisher struct {
	cfg     Config
	client  *kgo.Client
	produce func(context.Context, *kgo.Record) error
}

func NewPublisher(cfg Config, opts ...kgo.Opt) (*Publisher, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := append(cfg.clientOpts(),
		kgo.DefaultProduceTopic(cfg.EventsTopic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	cl, err := kgo.NewClient(append(kopts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	p := &Publisher{cfg: cfg, client: cl}
	p.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	return p, nil
}

func (p *Publisher) Close() { p.client.Close() }

func (p *Publisher) Publish(ctx context.Context, ev domain.ChangeEvent) (domain.PartitionID, error) {
	rec, err := p.record(ev)
	if err != nil {
		return 0, err
	}
	if err := p.produce(ctx, rec); err != nil {
		return 0, fmt.Errorf("produce %s: %w", rec.Key, err)
	}
	return domain.PartitionID(rec.Partition), nil
}

func (p *Publisher) record(ev domain.ChangeEvent) (*kgo.Record, error) {
	value, err := changelog.Encode(ev)
	if err != nil {
		return nil, err
	}
	key := hashroute.CanonicalizeKey(ev.Key)
	return &kgo.Record{
		Topic:     p.cfg.EventsTopic,
		Key:       []byte(key),
		Value:     value,
		Partition: int32(hashroute.PartitionOf(key, p.cfg.Partitions)),
		Headers:   []kgo.RecordHeader{{Key: "event_type", Value: []byte(ev.Type)}},
	}, nil
}
