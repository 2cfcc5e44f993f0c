package hashroute

import (
	"sort"

	"profilestore/internal/domain"
)

// Owners resolves the instance currently claiming a partition.
type Owners interface {
	OwnerOf(domain.PartitionID) (domain.InstanceDescriptor, bool)
}

// Assigner maps keys to partitions and partitions to owning instances.
type Assigner struct {
	partitions int
	owners     Owners
}

func NewAssigner(partitions int, owners Owners) *Assigner {
	if partitions <= 0 {
		partitions = DefaultPartitionCount
	}
	return &Assigner{partitions: partitions, owners: owners}
}

func (a *Assigner) Partitions() int { return a.partitions }

func (a *Assigner) PartitionOf(key string) domain.PartitionID {
	return PartitionOf(key, a.partitions)
}

// OwnerOf never fails; false means ownership is unknown right now
// (mid-rebalance) and the caller should retry shortly.
func (a *Assigner) OwnerOf(p domain.PartitionID) (domain.InstanceDescriptor, bool) {
	if a.owners == nil || p < 0 || int(p) >= a.partitions {
		return domain.InstanceDescriptor{}, false
	}
	return a.owners.OwnerOf(p)
}

// Balance assigns every partition in [0, partitions) to exactly one member.
// Each member ends up with floor(n/m) or ceil(n/m) partitions, and a partition
// keeps its previous owner while that owner is still a member with room left.
func Balance(partitions int, members []string, previous map[domain.PartitionID]string) map[domain.PartitionID]string {
	out := make(map[domain.PartitionID]string, partitions)
	if len(members) == 0 || partitions <= 0 {
		return out
	}
	ms := append([]string(nil), members...)
	sort.Strings(ms)
	ms = dedupe(ms)

	base := partitions / len(ms)
	extra := partitions % len(ms)
	quota := make(map[string]int, len(ms))
	for i, m := range ms {
		quota[m] = base
		if i < extra {
			quota[m]++
		}
	}

	var orphans []domain.PartitionID
	for p := 0; p < partitions; p++ {
		pid := domain.PartitionID(p)
		prev, ok := previous[pid]
		if ok && quota[prev] > 0 {
			out[pid] = prev
			quota[prev]--
			continue
		}
		orphans = append(orphans, pid)
	}

	i := 0
	for _, pid := range orphans {
		for quota[ms[i%len(ms)]] == 0 {
			i++
		}
		m := ms[i%len(ms)]
		out[pid] = m
		quota[m]--
		i++
	}
	return out
}

// ByMember inverts an assignment into sorted partition lists per member.
func ByMember(assignment map[domain.PartitionID]string) map[string][]domain.PartitionID {
	out := make(map[string][]domain.PartitionID)
	for p, m := range assignment {
		out[m] = append(out[m], p)
	}
	for m := range out {
		domain.SortPartitions(out[m])
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
