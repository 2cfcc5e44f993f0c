package directory

import (
	"context"
	"sync"
	"time"

	"profilestore/internal/domain"

	"github.com/benbjohnson/clock"
)

// Registry accumulates instance descriptors announced by the cluster and
// publishes a fresh Snapshot to the Directory after every change.
// Descriptors that have not been refreshed within ttl are dropped by Expire.
type Registry struct {
	dir   *Directory
	clock clock.Clock
	ttl   time.Duration

	mu        sync.Mutex
	instances map[string]domain.InstanceDescriptor
}

func NewRegistry(dir *Directory, clk clock.Clock, ttl time.Duration) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{dir: dir, clock: clk, ttl: ttl, instances: make(map[string]domain.InstanceDescriptor)}
}

// Upsert records desc unless a descriptor from a newer generation is already
// known for the same instance.
func (r *Registry) Upsert(desc domain.InstanceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[desc.ID]; ok && cur.Generation > desc.Generation {
		return
	}
	if desc.HeartbeatUTCNs == 0 {
		desc.HeartbeatUTCNs = r.clock.Now().UTC().UnixNano()
	}
	r.instances[desc.ID] = desc
	r.publishLocked()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return
	}
	delete(r.instances, id)
	r.publishLocked()
}

// Expire drops descriptors whose last heartbeat is older than the ttl. The
// local instance is never expired. It returns the ids removed.
func (r *Registry) Expire() []string {
	if r.ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().UTC().Add(-r.ttl).UnixNano()
	var removed []string
	for id, inst := range r.instances {
		if id == r.dir.SelfID() {
			continue
		}
		if inst.HeartbeatUTCNs < cutoff {
			delete(r.instances, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.publishLocked()
	}
	return removed
}

func (r *Registry) publishLocked() {
	list := make([]domain.InstanceDescriptor, 0, len(r.instances))
	for _, inst := range r.instances {
		list = append(list, inst)
	}
	r.dir.Swap(NewSnapshot(list))
}

// Publish records desc. It lets the registry receive the local instance's
// own claims from the rebalancer.
func (r *Registry) Publish(_ context.Context, desc domain.InstanceDescriptor) error {
	r.Upsert(desc)
	return nil
}

func (r *Registry) Leave(_ context.Context, id string) error {
	r.Remove(id)
	return nil
}

// Run expires stale descriptors every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.ttl <= 0 || interval <= 0 {
		return
	}
	t := r.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Expire()
		}
	}
}
