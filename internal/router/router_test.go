package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"profilestore/internal/directory"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/metrics"
	"profilestore/internal/storage"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const partitions = 4

type memReader map[string]domain.ProfileRecord

func (m memReader) Get(_ context.Context, key string) (domain.ProfileRecord, bool, error) {
	rec, ok := m[key]
	return rec, ok, nil
}

func (m memReader) Search(_ context.Context, term string) ([]domain.ProfileRecord, error) {
	var out []domain.ProfileRecord
	for _, rec := range m {
		for _, t := range storage.Terms(rec) {
			if t == term {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

type fakeReaders map[domain.PartitionID]memReader

func (f fakeReaders) Reader(p domain.PartitionID) (storage.Reader, error) {
	r, ok := f[p]
	if !ok {
		return nil, fmt.Errorf("%w: partition %d restoring", domain.ErrUnavailable, p)
	}
	return r, nil
}

type fakeForwarder struct {
	mu       sync.Mutex
	lookups  []string
	searches map[string][]domain.PartitionID

	lookup func(ctx context.Context, owner domain.InstanceDescriptor, key string) (domain.ProfileRecord, error)
	search func(ctx context.Context, owner domain.InstanceDescriptor, query string, ps []domain.PartitionID) ([]domain.ProfileRecord, error)
}

func (f *fakeForwarder) Lookup(ctx context.Context, owner domain.InstanceDescriptor, key string) (domain.ProfileRecord, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, owner.ID+"/"+key)
	f.mu.Unlock()
	if f.lookup == nil {
		return domain.ProfileRecord{}, errors.New("unexpected forward")
	}
	return f.lookup(ctx, owner, key)
}

func (f *fakeForwarder) Search(ctx context.Context, owner domain.InstanceDescriptor, query string, ps []domain.PartitionID) ([]domain.ProfileRecord, error) {
	f.mu.Lock()
	if f.searches == nil {
		f.searches = make(map[string][]domain.PartitionID)
	}
	f.searches[owner.ID] = append(f.searches[owner.ID], ps...)
	f.mu.Unlock()
	if f.search == nil {
		return nil, errors.New("unexpected forward")
	}
	return f.search(ctx, owner, query, ps)
}

func (f *fakeForwarder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lookups) + len(f.searches)
}

// keyOn returns a key that hashes to partition p.
func keyOn(t *testing.T, p domain.PartitionID) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("user-%d", i)
		if hashroute.PartitionOf(k, partitions) == p {
			return k
		}
	}
	t.Fatalf("no key found for partition %d", p)
	return ""
}

type fixture struct {
	dir     *directory.Directory
	readers fakeReaders
	fwd     *fakeForwarder
	met     *metrics.Metrics
	router  *Router
}

// newFixture makes "a" own partitions 0 and 1 and "b" own 2 and 3, seen from
// instance self.
func newFixture(t *testing.T, self string) *fixture {
	t.Helper()
	dir := directory.New(domain.InstanceDescriptor{ID: self, Host: "127.0.0.1", Port: 1})
	dir.Swap(directory.NewSnapshot([]domain.InstanceDescriptor{
		{ID: "a", Host: "10.0.0.1", Port: 8080, Partitions: []domain.PartitionID{0, 1}, Generation: 1},
		{ID: "b", Host: "10.0.0.2", Port: 8080, Partitions: []domain.PartitionID{2, 3}, Generation: 1},
	}))
	f := &fixture{dir: dir, readers: fakeReaders{}, fwd: &fakeForwarder{}, met: metrics.New()}
	r, err := New(Config{
		SelfID:         self,
		Assigner:       hashroute.NewAssigner(partitions, dir),
		Readers:        f.readers,
		Forwarder:      f.fwd,
		ForwardTimeout: 50 * time.Millisecond,
		Metrics:        f.met,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.router = r
	return f
}

func TestLocalLookupNeverForwards(t *testing.T) {
	f := newFixture(t, "a")
	key := keyOn(t, 0)
	f.readers[0] = memReader{key: {UID: key, Name: "Alice"}}
	f.readers[1] = memReader{}

	rec, err := f.router.Lookup(context.Background(), key, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "Alice" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := f.router.Lookup(context.Background(), keyOn(t, 1), false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.fwd.calls() != 0 {
		t.Fatalf("local lookups must not forward")
	}
	if got := testutil.ToFloat64(f.met.Lookups.WithLabelValues("local", "ok")); got != 1 {
		t.Fatalf("local ok lookups = %v", got)
	}
}

func TestRemoteLookupForwardsOnceToOwner(t *testing.T) {
	f := newFixture(t, "a")
	key := keyOn(t, 2)
	f.fwd.lookup = func(_ context.Context, owner domain.InstanceDescriptor, k string) (domain.ProfileRecord, error) {
		if owner.ID != "b" || owner.Addr() != "10.0.0.2:8080" {
			t.Errorf("forwarded to %+v", owner)
		}
		return domain.ProfileRecord{UID: k, Name: "Bob"}, nil
	}

	rec, err := f.router.Lookup(context.Background(), "  "+key+" ", false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UID != key {
		t.Fatalf("unexpected record %+v", rec)
	}
	if diff := cmp.Diff([]string{"b/" + key}, f.fwd.lookups); diff != "" {
		t.Fatalf("forward calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoteNotFoundIsRelayed(t *testing.T) {
	f := newFixture(t, "a")
	f.fwd.lookup = func(context.Context, domain.InstanceDescriptor, string) (domain.ProfileRecord, error) {
		return domain.ProfileRecord{}, domain.ErrNotFound
	}
	if _, err := f.router.Lookup(context.Background(), keyOn(t, 3), false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestForwardedRequestForForeignPartitionIsStale(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.router.Lookup(context.Background(), keyOn(t, 2), true)
	if !errors.Is(err, domain.ErrStaleOwnership) {
		t.Fatalf("expected stale ownership, got %v", err)
	}
	if f.fwd.calls() != 0 {
		t.Fatalf("a forwarded request must never take a second hop")
	}
}

func TestPeerStaleOwnershipBecomesUnavailable(t *testing.T) {
	f := newFixture(t, "a")
	f.fwd.lookup = func(context.Context, domain.InstanceDescriptor, string) (domain.ProfileRecord, error) {
		return domain.ProfileRecord{}, fmt.Errorf("peer said: %w", domain.ErrStaleOwnership)
	}
	_, err := f.router.Lookup(context.Background(), keyOn(t, 2), false)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if errors.Is(err, domain.ErrStaleOwnership) {
		t.Fatalf("stale ownership must not leak to the caller: %v", err)
	}
}

func TestUnknownOwnerIsUnavailableNotNotFound(t *testing.T) {
	f := newFixture(t, "a")
	// Both claim partition 1 in the same generation: ownership is unknown.
	f.dir.Swap(directory.NewSnapshot([]domain.InstanceDescriptor{
		{ID: "a", Partitions: []domain.PartitionID{0, 1}, Generation: 2},
		{ID: "b", Partitions: []domain.PartitionID{1, 2, 3}, Generation: 2},
	}))
	_, err := f.router.Lookup(context.Background(), keyOn(t, 1), false)
	if !errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if f.fwd.calls() != 0 {
		t.Fatalf("unknown ownership must not forward")
	}
}

func TestOwnedButRestoringIsUnavailable(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.router.Lookup(context.Background(), keyOn(t, 0), false)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestForwardTimesOut(t *testing.T) {
	f := newFixture(t, "a")
	f.fwd.lookup = func(ctx context.Context, _ domain.InstanceDescriptor, _ string) (domain.ProfileRecord, error) {
		<-ctx.Done()
		return domain.ProfileRecord{}, ctx.Err()
	}
	start := time.Now()
	_, err := f.router.Lookup(context.Background(), keyOn(t, 3), false)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("forward did not honour its timeout: %s", elapsed)
	}
}

func TestCallerCancellationReachesForward(t *testing.T) {
	f := newFixture(t, "a")
	started := make(chan struct{})
	f.fwd.lookup = func(ctx context.Context, _ domain.InstanceDescriptor, _ string) (domain.ProfileRecord, error) {
		close(started)
		<-ctx.Done()
		return domain.ProfileRecord{}, ctx.Err()
	}
	f.router.cfg.ForwardTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.router.Lookup(ctx, keyOn(t, 2), false)
		errc <- err
	}()
	<-started
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not abort the forward")
	}
}

func TestSearchScattersByOwner(t *testing.T) {
	f := newFixture(t, "a")
	k0, k1 := keyOn(t, 0), keyOn(t, 1)
	f.readers[0] = memReader{k0: {UID: k0, Username: "sam"}}
	f.readers[1] = memReader{k1: {UID: k1, Username: "kim", Name: "Sam Kim"}}
	f.fwd.search = func(_ context.Context, owner domain.InstanceDescriptor, q string, ps []domain.PartitionID) ([]domain.ProfileRecord, error) {
		if q != "sam" {
			t.Errorf("query %q was not normalized", q)
		}
		return []domain.ProfileRecord{{UID: "remote-1", Username: "sam"}}, nil
	}

	got, err := f.router.Search(context.Background(), " SAM ", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	var uids []string
	for _, rec := range got {
		uids = append(uids, rec.UID)
	}
	want := []string{k0, k1, "remote-1"}
	sort.Strings(want)
	if diff := cmp.Diff(want, uids); diff != "" {
		t.Fatalf("search results mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.PartitionID{2, 3}, domain.SortPartitions(f.fwd.searches["b"])); diff != "" {
		t.Fatalf("remote partitions mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchFailsWholeWhenAPeerFails(t *testing.T) {
	f := newFixture(t, "a")
	f.readers[0] = memReader{}
	f.readers[1] = memReader{}
	f.fwd.search = func(context.Context, domain.InstanceDescriptor, string, []domain.PartitionID) ([]domain.ProfileRecord, error) {
		return nil, errors.New("connection refused")
	}
	if _, err := f.router.Search(context.Background(), "sam", nil, false); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestForwardedSearchOnlyServesOwnPartitions(t *testing.T) {
	f := newFixture(t, "b")
	f.readers[2] = memReader{}
	f.readers[3] = memReader{}
	if _, err := f.router.Search(context.Background(), "sam", []domain.PartitionID{2, 3}, true); err != nil {
		t.Fatalf("own partitions: %v", err)
	}
	if _, err := f.router.Search(context.Background(), "sam", []domain.PartitionID{1}, true); !errors.Is(err, domain.ErrStaleOwnership) {
		t.Fatalf("expected stale ownership, got %v", err)
	}
	if f.fwd.calls() != 0 {
		t.Fatalf("forwarded search must not hop again")
	}
}

func TestSearchRejectsPartitionOutOfRange(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.router.Search(context.Background(), "sam", []domain.PartitionID{domain.PartitionID(f.router.Partitions())}, false)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if f.fwd.calls() != 0 {
		t.Fatalf("invalid search must not be forwarded")
	}
}
