package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"profilestore/internal/changelog"
	"profilestore/internal/changelog/memlog"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/metrics"
	"profilestore/internal/storage"
	"profilestore/internal/storage/sqlite"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testPartitions = 4

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(t.TempDir(), testPartitions)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMaterializer(t *testing.T, cfg Config) *Materializer {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.CloseAll() })
	return m
}

func appendEvent(t *testing.T, log *memlog.Log, p domain.PartitionID, ev domain.ChangeEvent) int64 {
	t.Helper()
	raw, err := changelog.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	return log.AppendRaw(p, []byte(ev.Key), raw)
}

func upsert(key, username, name string) domain.ChangeEvent {
	return domain.ChangeEvent{
		Type:    domain.EventUpdate,
		Key:     key,
		EventID: key + "-" + username,
		Profile: &domain.ProfileRecord{UID: key, Username: username, Name: name},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitApplied(t *testing.T, m *Materializer, p domain.PartitionID, offset int64) {
	t.Helper()
	waitFor(t, "applied offset", func() bool {
		m.mu.Lock()
		l, ok := m.lanes[p]
		m.mu.Unlock()
		if !ok {
			return false
		}
		got, ok, err := l.part.AppliedOffset(context.Background())
		return err == nil && ok && got >= offset
	})
}

func dump(t *testing.T, m *Materializer, p domain.PartitionID) map[string]domain.ProfileRecord {
	t.Helper()
	m.mu.Lock()
	l := m.lanes[p]
	m.mu.Unlock()
	out, err := l.part.Dump(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReplayIntoFreshStoresIsDeterministic(t *testing.T) {
	log := memlog.New(testPartitions)
	appendEvent(t, log, 2, upsert("u-1", "alice", "Alice Smith"))
	appendEvent(t, log, 2, upsert("u-2", "bob", "Bob"))
	appendEvent(t, log, 2, upsert("u-1", "alicia", "Alicia Smith"))
	last := appendEvent(t, log, 2, domain.ChangeEvent{Type: domain.EventDelete, Key: "u-2"})

	var dumps []map[string]domain.ProfileRecord
	for i := 0; i < 2; i++ {
		m := newMaterializer(t, Config{Engine: newStore(t), Stream: log, Ends: log})
		if _, err := m.Open(context.Background(), 2); err != nil {
			t.Fatal(err)
		}
		waitApplied(t, m, 2, last)
		dumps = append(dumps, dump(t, m, 2))
	}
	if diff := cmp.Diff(dumps[0], dumps[1]); diff != "" {
		t.Fatalf("replays diverged (-first +second):\n%s", diff)
	}
	want := map[string]domain.ProfileRecord{
		"u-1": {UID: "u-1", Username: "alicia", Name: "Alicia Smith"},
	}
	if diff := cmp.Diff(want, dumps[0]); diff != "" {
		t.Fatalf("unexpected state (-want +got):\n%s", diff)
	}
}

func TestReadAfterApplyAndSearchIndex(t *testing.T) {
	ctx := context.Background()
	log := memlog.New(testPartitions)
	m := newMaterializer(t, Config{Engine: newStore(t), Stream: log, Ends: log})
	if _, err := m.Open(ctx, 1); err != nil {
		t.Fatal(err)
	}

	off := appendEvent(t, log, 1, upsert("u-9", "carol", "Carol Jones"))
	waitApplied(t, m, 1, off)

	r, err := m.Reader(1)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok, err := r.Get(ctx, "u-9")
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if rec.Username != "carol" {
		t.Fatalf("unexpected record %+v", rec)
	}
	hits, err := r.Search(ctx, "jones")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].UID != "u-9" {
		t.Fatalf("unexpected search hits %+v", hits)
	}
}

func TestCorruptEventIsSkippedAndCounted(t *testing.T) {
	log := memlog.New(testPartitions)
	met := metrics.New()
	log.AppendRaw(0, []byte("u-1"), []byte("{not json"))
	log.AppendRaw(0, []byte("u-1"), []byte(`{"type":"rename","key":"u-1"}`))
	last := appendEvent(t, log, 0, upsert("u-1", "alice", "Alice"))

	m := newMaterializer(t, Config{Engine: newStore(t), Stream: log, Ends: log, Metrics: met})
	if _, err := m.Open(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	waitApplied(t, m, 0, last)

	if got := testutil.ToFloat64(met.CorruptEvents.WithLabelValues("0")); got != 2 {
		t.Fatalf("corrupt events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(met.EventsApplied.WithLabelValues("0")); got != 1 {
		t.Fatalf("applied events = %v, want 1", got)
	}
	if _, ok := dump(t, m, 0)["u-1"]; !ok {
		t.Fatalf("event after corrupt ones was not applied")
	}
}

func TestMisroutedEventIsSkippedAndCounted(t *testing.T) {
	log := memlog.New(testPartitions)
	met := metrics.New()
	wrong := (hashroute.PartitionOf("u-1", testPartitions) + 1) % testPartitions
	local := keyIn(t, wrong)

	appendEvent(t, log, wrong, upsert("u-1", "alice", "Alice"))
	last := appendEvent(t, log, wrong, upsert(local, "bob", "Bob"))

	m := newMaterializer(t, Config{Engine: newStore(t), Partitions: testPartitions, Stream: log, Ends: log, Metrics: met})
	if _, err := m.Open(context.Background(), wrong); err != nil {
		t.Fatal(err)
	}
	waitApplied(t, m, wrong, last)

	state := dump(t, m, wrong)
	if _, ok := state["u-1"]; ok {
		t.Fatalf("misrouted event was stored in partition %d", wrong)
	}
	if _, ok := state[local]; !ok {
		t.Fatalf("event after the misrouted one was not applied")
	}
	if got := testutil.ToFloat64(met.CorruptEvents.WithLabelValues(metrics.PartitionLabel(wrong))); got != 1 {
		t.Fatalf("corrupt events = %v, want 1", got)
	}
}

// keyIn returns a key that hashes to p.
func keyIn(t *testing.T, p domain.PartitionID) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("k-%d", i)
		if hashroute.PartitionOf(key, testPartitions) == p {
			return key
		}
	}
	t.Fatalf("no key found for partition %d", p)
	return ""
}

func TestReopenResumesAfterAppliedOffset(t *testing.T) {
	ctx := context.Background()
	log := memlog.New(testPartitions)
	store := newStore(t)
	first := appendEvent(t, log, 3, upsert("u-1", "alice", "Alice"))

	m := newMaterializer(t, Config{Engine: store, Stream: log, Ends: log})
	from, err := m.Open(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if from != 0 {
		t.Fatalf("fresh partition resumes from %d, want 0", from)
	}
	waitApplied(t, m, 3, first)
	if err := m.Close(3); err != nil {
		t.Fatal(err)
	}

	appendEvent(t, log, 3, upsert("u-2", "bob", "Bob"))
	from, err = m.Open(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if from != first+1 {
		t.Fatalf("resume offset = %d, want %d", from, first+1)
	}
	waitApplied(t, m, 3, first+1)
	if got := len(dump(t, m, 3)); got != 2 {
		t.Fatalf("expected two records, got %d", got)
	}
}

func TestRestoringPartitionIsUnavailableUntilCaughtUp(t *testing.T) {
	ctx := context.Background()
	log := memlog.New(testPartitions)
	appendEvent(t, log, 1, upsert("u-1", "alice", "Alice"))
	appendEvent(t, log, 1, upsert("u-2", "bob", "Bob"))

	// Push mode: nothing arrives until Deliver is called.
	m := newMaterializer(t, Config{Engine: newStore(t), Ends: log})
	if _, err := m.Open(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reader(1); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable while restoring, got %v", err)
	}
	if m.Ready(1) {
		t.Fatalf("partition should not be ready")
	}

	err := log.Follow(ctx, 1, 0, func(ctx context.Context, rec changelog.Record) error {
		if err := m.Deliver(ctx, rec); err != nil {
			return err
		}
		if rec.Offset == 1 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatal(err)
	}
	waitFor(t, "ready", func() bool { return m.Ready(1) })
	if _, err := m.Reader(1); err != nil {
		t.Fatalf("reader after catch up: %v", err)
	}
}

var errStop = errors.New("stop")

func TestDeliverToClosedPartition(t *testing.T) {
	m := newMaterializer(t, Config{Engine: newStore(t)})
	err := m.Deliver(context.Background(), changelog.Record{Partition: 2})
	if !errors.Is(err, ErrPartitionNotOpen) {
		t.Fatalf("expected ErrPartitionNotOpen, got %v", err)
	}
	if _, err := m.Reader(2); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable reader, got %v", err)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	m := newMaterializer(t, Config{Engine: newStore(t)})
	if _, err := m.Open(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), 0); !errors.Is(err, ErrPartitionOpen) {
		t.Fatalf("expected ErrPartitionOpen, got %v", err)
	}
}

type failingEngine struct {
	storage.Engine
	fail domain.PartitionID
}

func (e failingEngine) Open(ctx context.Context, p domain.PartitionID) (storage.Partition, error) {
	part, err := e.Engine.Open(ctx, p)
	if err != nil || p != e.fail {
		return part, err
	}
	return failingPartition{Partition: part}, nil
}

type failingPartition struct {
	storage.Partition
}

func (failingPartition) Apply(context.Context, storage.Mutation) error {
	return errors.Join(domain.ErrStorageFailure, errors.New("disk full"))
}

func TestStorageFailureStopsOnlyThatPartition(t *testing.T) {
	ctx := context.Background()
	log := memlog.New(testPartitions)
	met := metrics.New()

	var (
		mu     sync.Mutex
		failed []domain.PartitionID
	)
	m := newMaterializer(t, Config{
		Engine:  failingEngine{Engine: newStore(t), fail: 1},
		Stream:  log,
		Metrics: met,
		OnFailure: func(p domain.PartitionID, err error) {
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrStorageFailure) {
				failed = append(failed, p)
			}
		},
	})
	for _, p := range []domain.PartitionID{0, 1} {
		if _, err := m.Open(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	appendEvent(t, log, 1, upsert("u-1", "alice", "Alice"))
	waitFor(t, "failure callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && failed[0] == 1
	})
	if diff := cmp.Diff([]domain.PartitionID{0}, m.Owned()); diff != "" {
		t.Fatalf("owned mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.Reader(1); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("failed partition should be unavailable, got %v", err)
	}
	if got := testutil.ToFloat64(met.StorageFailures.WithLabelValues("1")); got != 1 {
		t.Fatalf("storage failures = %v, want 1", got)
	}

	off := appendEvent(t, log, 0, upsert("u-2", "bob", "Bob"))
	waitApplied(t, m, 0, off)
	if err := m.Close(1); err != nil {
		t.Fatal(err)
	}
}
