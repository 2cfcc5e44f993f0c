package domain

import (
	"net"
	"sort"
	"strconv"
)

type PartitionID int32

type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Known reports whether t is one of the event shapes the materializer folds.
func (t EventType) Known() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	}
	return false
}

// ProfileRecord is the materialized value stored for a key.
type ProfileRecord struct {
	UID      string            `json:"uid"`
	Username string            `json:"username,omitempty"`
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// ChangeEvent is one decoded entry of the change-stream.
type ChangeEvent struct {
	Type           EventType
	Key            string
	EventID        string
	EventTimeUTCNs int64
	Profile        *ProfileRecord
}

type InstanceDescriptor struct {
	ID             string        `json:"id"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Partitions     []PartitionID `json:"partitions"`
	Generation     int64         `json:"generation"`
	HeartbeatUTCNs int64         `json:"heartbeat_utc_ns,omitempty"`
}

func (d InstanceDescriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d InstanceDescriptor) Owns(p PartitionID) bool {
	for _, owned := range d.Partitions {
		if owned == p {
			return true
		}
	}
	return false
}

// SortPartitions orders ps in place and returns it.
func SortPartitions(ps []PartitionID) []PartitionID {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
