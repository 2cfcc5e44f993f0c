// Package raftdir replicates the instance directory through a raft group
// formed by the configured instances. The leader assigns partitions over the
// members it currently hears from and proposes a new generation whenever
// that set changes; every member applies committed states in log order.
package raftdir

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"profilestore/internal/domain"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

var ErrNotLeader = errors.New("directory leader required")

// ApplyFunc receives every committed directory state, newest last. It runs
// outside the raft loop and may block.
type ApplyFunc func(Command)

type Member struct {
	RaftAddr string
	Instance domain.InstanceDescriptor
}

type Config struct {
	NodeID  uint64
	Members map[uint64]Member

	Partitions        int
	RebalanceInterval time.Duration

	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Storage             *raft.MemoryStorage
	BootstrapNewCluster bool

	Apply  ApplyFunc
	Logger *zap.Logger
}

func (c *Config) withDefaults() {
	if c.Storage == nil {
		c.Storage = raft.NewMemoryStorage()
	}
	if c.TickInterval == 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if c.ElectionTicks == 0 {
		c.ElectionTicks = 10
	}
	if c.HeartbeatTicks == 0 {
		c.HeartbeatTicks = 1
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1024 * 1024
	}
	if c.RebalanceInterval == 0 {
		c.RebalanceInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("raft node id must be non-zero")
	}
	self, ok := c.Members[c.NodeID]
	if !ok {
		return fmt.Errorf("raft node %d is not a configured member", c.NodeID)
	}
	if self.RaftAddr == "" {
		return fmt.Errorf("raft node %d has no raft address", c.NodeID)
	}
	seen := make(map[string]uint64)
	for id, m := range c.Members {
		if m.Instance.ID == "" {
			return fmt.Errorf("raft member %d has no instance id", id)
		}
		if other, dup := seen[m.Instance.ID]; dup {
			return fmt.Errorf("raft members %d and %d share instance id %q", other, id, m.Instance.ID)
		}
		seen[m.Instance.ID] = id
	}
	if c.Partitions <= 0 {
		return errors.New("partition count must be positive")
	}
	return nil
}

type Node struct {
	cfg       Config
	log       *zap.Logger
	node      raft.Node
	transport *tcpTransport

	mu      sync.Mutex
	current Command
	pending *Command
	notify  chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewNode(cfg Config) (*Node, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("component", "raftdir"), zap.Uint64("raft_node", cfg.NodeID)),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	addrs := make(map[uint64]string, len(cfg.Members))
	peers := make([]raft.Peer, 0, len(cfg.Members))
	for id, m := range cfg.Members {
		addrs[id] = m.RaftAddr
		peers = append(peers, raft.Peer{ID: id})
	}
	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         cfg.Storage,
		MaxSizePerMsg:   cfg.MaxMessageSize,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          newRaftLogger(n.log),
	}
	if cfg.BootstrapNewCluster {
		n.node = raft.StartNode(rc, peers)
	} else {
		n.node = raft.RestartNode(rc)
	}
	t, err := newTCPTransport(cfg.NodeID, addrs[cfg.NodeID], addrs, func(msg raftpb.Message) {
		_ = n.node.Step(context.Background(), msg)
	})
	if err != nil {
		n.node.Stop()
		return nil, err
	}
	n.transport = t
	return n, nil
}

func (n *Node) Start() {
	n.wg.Add(3)
	go n.run()
	go n.applyLoop()
	go n.coordinate()
}

func (n *Node) Stop() error {
	close(n.stopCh)
	n.node.Stop()
	n.wg.Wait()
	return n.transport.close()
}

func (n *Node) IsLeader() bool { return n.node.Status().RaftState == raft.StateLeader }

func (n *Node) Leader() uint64 { return n.node.Status().Lead }

// Current returns the last committed directory state.
func (n *Node) Current() Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *Node) Propose(ctx context.Context, cmd Command) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w: leader=%d", ErrNotLeader, n.Leader())
	}
	cmd.FillTimestamp()
	b, err := cmd.marshal()
	if err != nil {
		return err
	}
	return n.node.Propose(ctx, b)
}

func (n *Node) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	storage := n.cfg.Storage
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.node.Tick()
		case rd := <-n.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = storage.SetHardState(rd.HardState)
			}
			_ = storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = n.transport.send(m)
			}
			for _, ent := range rd.CommittedEntries {
				n.commit(ent)
			}
			n.node.Advance()
		}
	}
}

func (n *Node) commit(ent raftpb.Entry) {
	switch ent.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err == nil {
			n.node.ApplyConfChange(cc)
		}
		return
	case raftpb.EntryNormal:
	default:
		return
	}
	if len(ent.Data) == 0 {
		return
	}
	cmd, err := unmarshalCommand(ent.Data)
	if err != nil {
		n.log.Warn("skipping undecodable directory entry", zap.Uint64("index", ent.Index), zap.Error(err))
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if cmd.Generation <= n.current.Generation {
		return
	}
	n.current = cmd
	n.pending = &cmd
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

// applyLoop hands committed states to the Apply callback. States committed
// while the callback is busy collapse into the newest one.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.notify:
			n.mu.Lock()
			cmd := n.pending
			n.pending = nil
			n.mu.Unlock()
			if cmd != nil && n.cfg.Apply != nil {
				n.cfg.Apply(*cmd)
			}
		}
	}
}

// coordinate lets the leader reassign partitions when the set of members it
// hears from changes.
func (n *Node) coordinate() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.RebalanceInterval)
	defer ticker.Stop()
	// A new leader only learns which followers are alive after hearing from
	// them, so it waits one election timeout before planning.
	settle := time.Duration(n.cfg.ElectionTicks) * n.cfg.TickInterval
	var leaderSince time.Time
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if !n.IsLeader() {
				leaderSince = time.Time{}
				continue
			}
			if leaderSince.IsZero() {
				leaderSince = time.Now()
			}
			if time.Since(leaderSince) < settle {
				continue
			}
			next, changed := plan(n.cfg.Partitions, n.Current(), n.liveMembers())
			if !changed {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RebalanceInterval)
			if err := n.Propose(ctx, next); err != nil && !errors.Is(err, ErrNotLeader) {
				n.log.Warn("directory proposal failed", zap.Int64("generation", next.Generation), zap.Error(err))
			} else if err == nil {
				n.log.Info("proposed directory generation",
					zap.Int64("generation", next.Generation),
					zap.Int("instances", len(next.Instances)))
			}
			cancel()
		}
	}
}

// liveMembers are the members whose raft progress is recently active, plus
// the leader itself, ordered by instance id.
func (n *Node) liveMembers() []domain.InstanceDescriptor {
	status := n.node.Status()
	var live []domain.InstanceDescriptor
	for id, m := range n.cfg.Members {
		pr, ok := status.Progress[id]
		if id == n.cfg.NodeID || (ok && pr.RecentActive) {
			inst := m.Instance
			inst.Partitions = nil
			live = append(live, inst)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live
}
