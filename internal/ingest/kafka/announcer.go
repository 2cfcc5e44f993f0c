package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"profilestore/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Registry receives the descriptors read from the instances topic.
type Registry interface {
	Upsert(domain.InstanceDescriptor)
	Remove(id string)
}

// Announcer publishes the local instance descriptor to the compacted
// instances topic and tails that topic into the registry. A record keyed by
// instance id with an empty value withdraws the instance.
type Announcer struct {
	cfg      Config
	client   *kgo.Client
	registry Registry
	log      *zap.Logger

	produce func(context.Context, *kgo.Record) error
	poll    func(context.Context) kgo.Fetches
}

func NewAnnouncer(cfg Config, registry Registry, log *zap.Logger, opts ...kgo.Opt) (*Announcer, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	kopts := append(cfg.clientOpts(),
		kgo.DefaultProduceTopic(cfg.InstancesTopic),
		kgo.ConsumeTopics(cfg.InstancesTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	cl, err := kgo.NewClient(append(kopts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	a := &Announcer{
		cfg:      cfg,
		client:   cl,
		registry: registry,
		log:      log.With(zap.String("component", "kafka-announcer")),
	}
	a.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	a.poll = func(ctx context.Context) kgo.Fetches { return cl.PollFetches(ctx) }
	return a, nil
}

func (a *Announcer) Close() { a.client.Close() }

func (a *Announcer) Publish(ctx context.Context, desc domain.InstanceDescriptor) error {
	value, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return a.produce(ctx, &kgo.Record{Topic: a.cfg.InstancesTopic, Key: []byte(desc.ID), Value: value})
}

func (a *Announcer) Leave(ctx context.Context, id string) error {
	return a.produce(ctx, &kgo.Record{Topic: a.cfg.InstancesTopic, Key: []byte(id)})
}

// Run tails the instances topic from the beginning until ctx ends.
func (a *Announcer) Run(ctx context.Context) error {
	for {
		fetches := a.poll(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, p int32, err error) {
			if !errors.Is(err, context.Canceled) {
				a.log.Warn("fetch error", zap.String("topic", topic), zap.Int32("partition", p), zap.Error(err))
			}
		})
		fetches.EachRecord(a.apply)
	}
}

func (a *Announcer) apply(rec *kgo.Record) {
	id := string(rec.Key)
	if id == "" {
		return
	}
	if len(rec.Value) == 0 {
		a.registry.Remove(id)
		return
	}
	var desc domain.InstanceDescriptor
	if err := json.Unmarshal(rec.Value, &desc); err != nil {
		a.log.Warn("skipping undecodable instance descriptor",
			zap.String("instance", id),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return
	}
	if desc.ID != id {
		a.log.Warn("instance descriptor key mismatch", zap.String("key", id), zap.String("id", desc.ID))
		return
	}
	a.registry.Upsert(desc)
}
