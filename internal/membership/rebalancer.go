// Package membership turns cluster assignment decisions into local partition
// lifecycle changes and publishes the resulting ownership claims.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"profilestore/internal/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Partitions is the local partition lifecycle, implemented by the materializer.
type Partitions interface {
	Open(ctx context.Context, p domain.PartitionID) (int64, error)
	Close(p domain.PartitionID) error
}

// Sink receives the local instance descriptor after every ownership change.
type Sink interface {
	Publish(ctx context.Context, desc domain.InstanceDescriptor) error
}

// Leaver is implemented by sinks that can withdraw an instance entirely.
type Leaver interface {
	Leave(ctx context.Context, id string) error
}

// Rebalancer is the only writer of local ownership. Every mode (consumer
// group, static, raft) reports assignments through Assign.
type Rebalancer struct {
	self  domain.InstanceDescriptor
	parts Partitions
	sinks []Sink
	clock clock.Clock
	log   *zap.Logger

	mu         sync.Mutex
	generation int64
	owned      map[domain.PartitionID]struct{}
}

func NewRebalancer(self domain.InstanceDescriptor, parts Partitions, log *zap.Logger, sinks ...Sink) *Rebalancer {
	if log == nil {
		log = zap.NewNop()
	}
	self.Partitions = nil
	return &Rebalancer{
		self:  self,
		parts: parts,
		sinks: sinks,
		clock: clock.New(),
		log:   log.With(zap.String("component", "rebalancer")),
		owned: make(map[domain.PartitionID]struct{}),
	}
}

// WithClock replaces the clock used for heartbeats.
func (r *Rebalancer) WithClock(clk clock.Clock) *Rebalancer {
	r.clock = clk
	return r
}

// Assign makes the local instance own exactly want as of generation. Revoked
// partitions are closed before new ones are opened; the claim is published
// last and only lists partitions that opened. It returns the resume offset
// of every partition opened by this call.
func (r *Rebalancer) Assign(ctx context.Context, generation int64, want []domain.PartitionID) (map[domain.PartitionID]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := make(map[domain.PartitionID]struct{}, len(want))
	for _, p := range want {
		target[p] = struct{}{}
	}

	var errs []error
	for p := range r.owned {
		if _, keep := target[p]; keep {
			continue
		}
		if err := r.parts.Close(p); err != nil {
			errs = append(errs, fmt.Errorf("close partition %d: %w", p, err))
		}
		delete(r.owned, p)
	}

	opened := make(map[domain.PartitionID]int64)
	for p := range target {
		if _, ok := r.owned[p]; ok {
			continue
		}
		from, err := r.parts.Open(ctx, p)
		if err != nil {
			r.log.Error("open partition failed", zap.Int32("partition", int32(p)), zap.Error(err))
			errs = append(errs, fmt.Errorf("open partition %d: %w", p, err))
			continue
		}
		r.owned[p] = struct{}{}
		opened[p] = from
	}

	if generation > r.generation {
		r.generation = generation
	}
	desc := r.descriptorLocked()
	r.log.Info("partitions assigned",
		zap.Int64("generation", desc.Generation),
		zap.Int("owned", len(desc.Partitions)),
		zap.Int("opened", len(opened)))
	errs = append(errs, r.publishLocked(ctx, desc))
	return opened, errors.Join(errs...)
}

// Revoke stops owning ps without waiting for a new assignment.
func (r *Rebalancer) Revoke(ctx context.Context, ps []domain.PartitionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, p := range ps {
		if _, ok := r.owned[p]; !ok {
			continue
		}
		delete(r.owned, p)
		if err := r.parts.Close(p); err != nil {
			errs = append(errs, fmt.Errorf("close partition %d: %w", p, err))
		}
	}
	errs = append(errs, r.publishLocked(ctx, r.descriptorLocked()))
	return errors.Join(errs...)
}

// Release withdraws the claim on a partition whose lane failed, so that the
// cluster reports it unavailable instead of routing to a dead store.
func (r *Rebalancer) Release(p domain.PartitionID, cause error) {
	r.log.Error("releasing failed partition", zap.Int32("partition", int32(p)), zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Revoke(ctx, []domain.PartitionID{p}); err != nil {
		r.log.Warn("release incomplete", zap.Int32("partition", int32(p)), zap.Error(err))
	}
}

// Descriptor returns the claim currently published for the local instance.
func (r *Rebalancer) Descriptor() domain.InstanceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptorLocked()
}

// Heartbeat republishes the local claim every interval until ctx ends.
func (r *Rebalancer) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := r.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			err := r.publishLocked(ctx, r.descriptorLocked())
			r.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				r.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Leave closes every partition and withdraws the local instance.
func (r *Rebalancer) Leave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for p := range r.owned {
		if err := r.parts.Close(p); err != nil {
			errs = append(errs, fmt.Errorf("close partition %d: %w", p, err))
		}
		delete(r.owned, p)
	}
	for _, s := range r.sinks {
		if l, ok := s.(Leaver); ok {
			errs = append(errs, l.Leave(ctx, r.self.ID))
		}
	}
	return errors.Join(errs...)
}

func (r *Rebalancer) descriptorLocked() domain.InstanceDescriptor {
	desc := r.self
	desc.Generation = r.generation
	desc.HeartbeatUTCNs = r.clock.Now().UTC().UnixNano()
	desc.Partitions = make([]domain.PartitionID, 0, len(r.owned))
	for p := range r.owned {
		desc.Partitions = append(desc.Partitions, p)
	}
	domain.SortPartitions(desc.Partitions)
	return desc
}

func (r *Rebalancer) publishLocked(ctx context.Context, desc domain.InstanceDescriptor) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Publish(ctx, desc); err != nil {
			errs = append(errs, fmt.Errorf("publish descriptor: %w", err))
		}
	}
	return errors.Join(errs...)
}
