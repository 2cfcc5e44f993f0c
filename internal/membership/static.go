package membership

import (
	"context"
	"fmt"
	"sort"

	"profilestore/internal/directory"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
)

// StaticGeneration is the generation of every claim in a static cluster.
const StaticGeneration = 1

// StaticLayout resolves a fixed cluster description into descriptors.
// Partitions listed explicitly stay where they are; every other partition is
// balanced over the members that list none.
func StaticLayout(partitions int, members []domain.InstanceDescriptor) ([]domain.InstanceDescriptor, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("static membership needs at least one instance")
	}
	claimed := make(map[domain.PartitionID]string)
	var open []string
	seen := make(map[string]bool)
	for _, m := range members {
		if m.ID == "" {
			return nil, fmt.Errorf("static instance at %s has no id", m.Addr())
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("static instance %q listed twice", m.ID)
		}
		seen[m.ID] = true
		if len(m.Partitions) == 0 {
			open = append(open, m.ID)
			continue
		}
		for _, p := range m.Partitions {
			if p < 0 || int(p) >= partitions {
				return nil, fmt.Errorf("instance %q claims partition %d outside [0,%d)", m.ID, p, partitions)
			}
			if other, ok := claimed[p]; ok {
				return nil, fmt.Errorf("partition %d claimed by both %q and %q", p, other, m.ID)
			}
			claimed[p] = m.ID
		}
	}

	var rest []domain.PartitionID
	for p := 0; p < partitions; p++ {
		if _, ok := claimed[domain.PartitionID(p)]; !ok {
			rest = append(rest, domain.PartitionID(p))
		}
	}
	if len(rest) > 0 && len(open) == 0 {
		return nil, fmt.Errorf("partitions %v are not claimed by any static instance", rest)
	}
	if len(open) > 0 {
		// Balance over a dense index space, then map back.
		sort.Strings(open)
		for idx, member := range hashroute.Balance(len(rest), open, nil) {
			claimed[rest[idx]] = member
		}
	}

	byMember := hashroute.ByMember(claimed)
	out := make([]domain.InstanceDescriptor, 0, len(members))
	for _, m := range members {
		m.Partitions = byMember[m.ID]
		m.Generation = StaticGeneration
		out = append(out, m)
	}
	return out, nil
}

// StartStatic publishes the static layout to the registry and opens the
// local instance's partitions.
func StartStatic(ctx context.Context, reg *directory.Registry, reb *Rebalancer, selfID string, layout []domain.InstanceDescriptor) error {
	var mine []domain.PartitionID
	found := false
	for _, desc := range layout {
		if desc.ID == selfID {
			mine, found = desc.Partitions, true
			continue
		}
		reg.Upsert(desc)
	}
	if !found {
		return fmt.Errorf("instance %q is not part of the static cluster", selfID)
	}
	_, err := reb.Assign(ctx, StaticGeneration, mine)
	return err
}
