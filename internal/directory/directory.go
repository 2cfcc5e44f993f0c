// Package directory holds the process-wide view of live instances and the
// partitions each of them owns.
//
// Readers always see one complete Snapshot. Writers never mutate a published
// snapshot; they build a new one and Swap it in.
package directory

import (
	"sort"
	"sync/atomic"

	"profilestore/internal/domain"
)

type Snapshot struct {
	Generation int64                       `json:"generation"`
	Instances  []domain.InstanceDescriptor `json:"instances"`

	owners map[domain.PartitionID]domain.InstanceDescriptor
}

// NewSnapshot resolves partition owners from the instances' claims. When two
// instances claim the same partition the claim made in the higher generation
// wins; equal generations leave the partition unowned until the next update.
func NewSnapshot(instances []domain.InstanceDescriptor) *Snapshot {
	s := &Snapshot{owners: make(map[domain.PartitionID]domain.InstanceDescriptor)}
	contested := make(map[domain.PartitionID]bool)
	for _, inst := range instances {
		inst.Partitions = domain.SortPartitions(append([]domain.PartitionID(nil), inst.Partitions...))
		s.Instances = append(s.Instances, inst)
		if inst.Generation > s.Generation {
			s.Generation = inst.Generation
		}
		for _, p := range inst.Partitions {
			cur, ok := s.owners[p]
			switch {
			case !ok:
				s.owners[p] = inst
			case inst.Generation > cur.Generation:
				s.owners[p] = inst
				delete(contested, p)
			case inst.Generation == cur.Generation && inst.ID != cur.ID:
				contested[p] = true
			}
		}
	}
	for p := range contested {
		delete(s.owners, p)
	}
	sort.Slice(s.Instances, func(i, j int) bool { return s.Instances[i].ID < s.Instances[j].ID })
	return s
}

func (s *Snapshot) OwnerOf(p domain.PartitionID) (domain.InstanceDescriptor, bool) {
	if s == nil {
		return domain.InstanceDescriptor{}, false
	}
	d, ok := s.owners[p]
	return d, ok
}

func (s *Snapshot) Instance(id string) (domain.InstanceDescriptor, bool) {
	if s == nil {
		return domain.InstanceDescriptor{}, false
	}
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return domain.InstanceDescriptor{}, false
}

type Directory struct {
	self     domain.InstanceDescriptor
	snapshot atomic.Pointer[Snapshot]
}

// New returns a directory for the local instance. self carries the identity
// and address only; ownership comes from the published snapshots.
func New(self domain.InstanceDescriptor) *Directory {
	self.Partitions = nil
	d := &Directory{self: self}
	d.snapshot.Store(NewSnapshot(nil))
	return d
}

func (d *Directory) Swap(s *Snapshot) {
	if s == nil {
		s = NewSnapshot(nil)
	}
	d.snapshot.Store(s)
}

func (d *Directory) Current() *Snapshot { return d.snapshot.Load() }

func (d *Directory) AllInstances() []domain.InstanceDescriptor {
	return append([]domain.InstanceDescriptor(nil), d.Current().Instances...)
}

// Self returns the local descriptor as published in the current snapshot, or
// the bare identity with no partitions when it has not been published yet.
func (d *Directory) Self() domain.InstanceDescriptor {
	if inst, ok := d.Current().Instance(d.self.ID); ok {
		return inst
	}
	return d.self
}

func (d *Directory) SelfID() string { return d.self.ID }

func (d *Directory) OwnerOf(p domain.PartitionID) (domain.InstanceDescriptor, bool) {
	return d.Current().OwnerOf(p)
}
