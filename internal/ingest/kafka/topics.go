package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrPartitionMismatch means the events topic exists with a partition count
// other than the configured one. Keys would hash to different partitions, so
// the topic has to be recreated together with a reset of the local state.
var ErrPartitionMismatch = errors.New("events topic partition count mismatch")

// EnsureTopics creates the events topic with the configured partition count
// and the compacted instances topic, and verifies them when they exist.
func EnsureTopics(ctx context.Context, cfg Config, opts ...kgo.Opt) error {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	cl, err := kgo.NewClient(append(cfg.clientOpts(), opts...)...)
	if err != nil {
		return fmt.Errorf("new kafka client: %w", err)
	}
	defer cl.Close()
	adm := kadm.NewClient(cl)

	rf := int16(cfg.ReplicationFactor)
	if err := createTopic(ctx, adm, cfg.EventsTopic, int32(cfg.Partitions), rf, nil); err != nil {
		return err
	}
	compact := "compact"
	if err := createTopic(ctx, adm, cfg.InstancesTopic, 1, rf, map[string]*string{"cleanup.policy": &compact}); err != nil {
		return err
	}

	details, err := adm.ListTopics(ctx, cfg.EventsTopic)
	if err != nil {
		return fmt.Errorf("describe %s: %w", cfg.EventsTopic, err)
	}
	detail, ok := details[cfg.EventsTopic]
	if !ok {
		return fmt.Errorf("topic %s not found after create", cfg.EventsTopic)
	}
	if detail.Err != nil {
		return fmt.Errorf("describe %s: %w", cfg.EventsTopic, detail.Err)
	}
	if got := len(detail.Partitions); got != cfg.Partitions {
		return fmt.Errorf("%w: %s has %d partitions, configured %d", ErrPartitionMismatch, cfg.EventsTopic, got, cfg.Partitions)
	}
	return nil
}

func createTopic(ctx context.Context, adm *kadm.Client, topic string, partitions int32, rf int16, configs map[string]*string) error {
	resps, err := adm.CreateTopics(ctx, partitions, rf, configs, topic)
	if err != nil {
		return fmt.Errorf("create %s: %w", topic, err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
