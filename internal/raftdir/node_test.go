package raftdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"profilestore/internal/domain"

	"github.com/google/go-cmp/cmp"
	"go.etcd.io/raft/v3/raftpb"
)

const testPartitions = 6

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

type applyRecorder struct {
	mu   sync.Mutex
	last Command
	seen int
}

func (r *applyRecorder) apply(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = cmd
	r.seen++
}

func (r *applyRecorder) latest() Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func testMembers(t *testing.T, ids ...uint64) map[uint64]Member {
	members := make(map[uint64]Member, len(ids))
	for _, id := range ids {
		members[id] = Member{
			RaftAddr: freePort(t),
			Instance: domain.InstanceDescriptor{ID: fmt.Sprintf("inst-%d", id), Host: "127.0.0.1", Port: 9000 + int(id)},
		}
	}
	return members
}

func startCluster(t *testing.T, members map[uint64]Member) (map[uint64]*Node, map[uint64]*applyRecorder) {
	t.Helper()
	nodes := make(map[uint64]*Node)
	recs := make(map[uint64]*applyRecorder)
	for id := range members {
		rec := &applyRecorder{}
		n, err := NewNode(Config{
			NodeID:              id,
			Members:             members,
			Partitions:          testPartitions,
			RebalanceInterval:   100 * time.Millisecond,
			BootstrapNewCluster: true,
			Apply:               rec.apply,
		})
		if err != nil {
			t.Fatal(err)
		}
		n.Start()
		nodes[id] = n
		recs[id] = rec
	}
	return nodes, recs
}

func stopAll(nodes map[uint64]*Node) {
	for _, n := range nodes {
		_ = n.Stop()
	}
}

// waitConverged waits until every recorder holds the same state listing
// exactly want instances.
func waitConverged(t *testing.T, recs map[uint64]*applyRecorder, want int) Command {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var first *Command
		ok := true
		for _, r := range recs {
			c := r.latest()
			if len(c.Instances) != want {
				ok = false
				break
			}
			if first == nil {
				first = &c
				continue
			}
			if c.Generation != first.Generation {
				ok = false
				break
			}
		}
		if ok && first != nil {
			return *first
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("directory did not converge on %d instances", want)
	return Command{}
}

func assertCoversEveryPartitionOnce(t *testing.T, cmd Command) {
	t.Helper()
	owners := map[domain.PartitionID]string{}
	for _, inst := range cmd.Instances {
		if inst.Generation != cmd.Generation {
			t.Fatalf("instance %s claims generation %d in state %d", inst.ID, inst.Generation, cmd.Generation)
		}
		for _, p := range inst.Partitions {
			if prev, dup := owners[p]; dup {
				t.Fatalf("partition %d owned by %s and %s", p, prev, inst.ID)
			}
			owners[p] = inst.ID
		}
	}
	if len(owners) != testPartitions {
		t.Fatalf("expected %d owned partitions, got %v", testPartitions, owners)
	}
}

func TestThreeNodesConvergeOnOneDirectory(t *testing.T) {
	members := testMembers(t, 1, 2, 3)
	nodes, recs := startCluster(t, members)
	defer stopAll(nodes)

	cmd := waitConverged(t, recs, 3)
	assertCoversEveryPartitionOnce(t, cmd)
	for _, inst := range cmd.Instances {
		if len(inst.Partitions) != 2 {
			t.Fatalf("unbalanced directory: %+v", cmd.Instances)
		}
	}
}

func TestLeaderLossReassignsItsPartitions(t *testing.T) {
	members := testMembers(t, 1, 2, 3)
	nodes, recs := startCluster(t, members)
	defer stopAll(nodes)

	before := waitConverged(t, recs, 3)
	var leaderID uint64
	deadline := time.Now().Add(5 * time.Second)
	for leaderID == 0 && time.Now().Before(deadline) {
		for id, n := range nodes {
			if n.IsLeader() {
				leaderID = id
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leaderID == 0 {
		t.Fatalf("no leader elected")
	}
	_ = nodes[leaderID].Stop()
	delete(nodes, leaderID)
	delete(recs, leaderID)

	after := waitConverged(t, recs, 2)
	if after.Generation <= before.Generation {
		t.Fatalf("generation did not advance: %d -> %d", before.Generation, after.Generation)
	}
	assertCoversEveryPartitionOnce(t, after)

	// Survivors keep what they had and split the lost instance's partitions.
	prev := before.assignment()
	for p, owner := range after.assignment() {
		if prevOwner := prev[p]; prevOwner != members[leaderID].Instance.ID && prevOwner != owner {
			t.Fatalf("partition %d moved from surviving %s to %s", p, prevOwner, owner)
		}
	}
}

func TestFollowerRejectsProposal(t *testing.T) {
	members := testMembers(t, 1, 2, 3)
	nodes, recs := startCluster(t, members)
	defer stopAll(nodes)
	waitConverged(t, recs, 3)

	for _, n := range nodes {
		if n.IsLeader() {
			continue
		}
		err := n.Propose(context.Background(), Command{Generation: 99})
		if !errors.Is(err, ErrNotLeader) {
			t.Fatalf("expected follower reject, got %v", err)
		}
	}
}

func TestPlanIsStickyAndStable(t *testing.T) {
	live := []domain.InstanceDescriptor{{ID: "a", Host: "h", Port: 1}, {ID: "b", Host: "h", Port: 2}}
	first, changed := plan(4, Command{}, live)
	if !changed || first.Generation != 1 {
		t.Fatalf("initial plan: changed=%v generation=%d", changed, first.Generation)
	}
	if _, changed := plan(4, first, live); changed {
		t.Fatalf("unchanged membership must not produce a new generation")
	}

	grown := append(live, domain.InstanceDescriptor{ID: "c", Host: "h", Port: 3})
	next, changed := plan(4, first, grown)
	if !changed || next.Generation != 2 {
		t.Fatalf("grown plan: changed=%v generation=%d", changed, next.Generation)
	}
	moved := 0
	prev := first.assignment()
	for p, owner := range next.assignment() {
		if prev[p] != owner {
			moved++
		}
	}
	if moved != 1 {
		t.Fatalf("expected exactly one partition to move, moved %d", moved)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, To: 2, From: 1, Term: 7, Commit: 3}
	var buf bytes.Buffer
	if err := writeFrame(&buf, msg); err != nil {
		t.Fatal(err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(msg.String(), got.String()); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	members := map[uint64]Member{
		1: {RaftAddr: "127.0.0.1:1", Instance: domain.InstanceDescriptor{ID: "a"}},
		2: {RaftAddr: "127.0.0.1:2", Instance: domain.InstanceDescriptor{ID: "a"}},
	}
	if err := (Config{NodeID: 1, Members: members, Partitions: 4}).Validate(); err == nil {
		t.Fatalf("expected duplicate instance id error")
	}
	if err := (Config{NodeID: 3, Members: members, Partitions: 4}).Validate(); err == nil {
		t.Fatalf("expected unknown node error")
	}
}

// failingListener fails every Accept until it is closed.
type failingListener struct {
	net.Listener
	mu      sync.Mutex
	accepts int
	closed  chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.accepts++
	l.mu.Unlock()
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("too many open files")
	}
}

func (l *failingListener) Close() error {
	close(l.closed)
	return nil
}

func TestAcceptErrorsBackOff(t *testing.T) {
	ln := &failingListener{closed: make(chan struct{})}
	tr := &tcpTransport{
		listener: ln,
		outbound: make(map[uint64]chan raftpb.Message),
		closed:   make(chan struct{}),
	}
	tr.wg.Add(1)
	go tr.acceptLoop()

	time.Sleep(100 * time.Millisecond)
	if err := tr.close(); err != nil {
		t.Fatal(err)
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.accepts > 20 {
		t.Fatalf("accept retried %d times in 100ms", ln.accepts)
	}
}
