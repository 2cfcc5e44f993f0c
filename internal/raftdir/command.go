package raftdir

import (
	"encoding/json"
	"time"

	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
)

// Command is one replicated directory state: the full set of live instances
// and the partitions each owns, valid from Generation on.
type Command struct {
	Generation     int64                       `json:"generation"`
	Instances      []domain.InstanceDescriptor `json:"instances"`
	TimestampUTCNs int64                       `json:"timestamp_utc_ns"`
}

func (c *Command) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}

func (c Command) marshal() ([]byte, error) { return json.Marshal(c) }

func unmarshalCommand(b []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(b, &c)
	return c, err
}

// assignment returns partition -> instance id of c.
func (c Command) assignment() map[domain.PartitionID]string {
	out := make(map[domain.PartitionID]string)
	for _, inst := range c.Instances {
		for _, p := range inst.Partitions {
			out[p] = inst.ID
		}
	}
	return out
}

// plan balances partitions over live and reports whether the result differs
// from the current command.
func plan(partitions int, current Command, live []domain.InstanceDescriptor) (Command, bool) {
	ids := make([]string, 0, len(live))
	for _, inst := range live {
		ids = append(ids, inst.ID)
	}
	byMember := hashroute.ByMember(hashroute.Balance(partitions, ids, current.assignment()))

	next := Command{Generation: current.Generation + 1}
	for _, inst := range live {
		inst.Partitions = byMember[inst.ID]
		inst.Generation = next.Generation
		next.Instances = append(next.Instances, inst)
	}
	return next, !sameLayout(current, next)
}

func sameLayout(a, b Command) bool {
	if len(a.Instances) != len(b.Instances) {
		return false
	}
	byID := make(map[string]domain.InstanceDescriptor, len(a.Instances))
	for _, inst := range a.Instances {
		byID[inst.ID] = inst
	}
	for _, inst := range b.Instances {
		prev, ok := byID[inst.ID]
		if !ok || prev.Addr() != inst.Addr() || len(prev.Partitions) != len(inst.Partitions) {
			return false
		}
		for i := range prev.Partitions {
			if prev.Partitions[i] != inst.Partitions[i] {
				return false
			}
		}
	}
	return true
}
