// Package materialize folds the change-stream of each owned partition into
// its local store. Every open partition gets one lane: a goroutine that
// applies records strictly in stream order.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/metrics"
	"profilestore/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrPartitionOpen    = errors.New("partition already open")
	ErrPartitionNotOpen = errors.New("partition not open")
)

type laneState int32

const (
	stateRestoring laneState = iota
	stateReady
	stateFailed
)

func (s laneState) String() string {
	switch s {
	case stateRestoring:
		return "restoring"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

type Config struct {
	Engine storage.Engine
	// Partitions is the cluster partition count. When set, an event whose key
	// does not hash to the partition it arrived on is skipped as corrupt.
	Partitions int
	// Stream, when set, makes every lane pull its own records. Without it
	// records arrive through Deliver.
	Stream changelog.Stream
	// Ends, when set, keeps a reopened partition unreadable until it has
	// applied everything that was in the stream at open time.
	Ends changelog.EndOffsetter
	// OnFailure is called once, from its own goroutine, when a lane stops on
	// a storage failure.
	OnFailure func(domain.PartitionID, error)

	Metrics *metrics.Metrics
	Logger  *zap.Logger

	QueueCapacity int
	RetryBackoff  time.Duration
}

func (c *Config) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

type Materializer struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	lanes map[domain.PartitionID]*lane
}

func New(cfg Config) (*Materializer, error) {
	cfg.withDefaults()
	if cfg.Engine == nil {
		return nil, errors.New("materializer requires a storage engine")
	}
	return &Materializer{
		cfg:   cfg,
		log:   cfg.Logger.With(zap.String("component", "materializer")),
		lanes: make(map[domain.PartitionID]*lane),
	}, nil
}

type lane struct {
	id     domain.PartitionID
	part   storage.Partition
	in     chan changelog.Record
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	pulled chan struct{}

	state  atomic.Int32
	target int64
	next   int64
}

func (l *lane) State() laneState { return laneState(l.state.Load()) }

// Open starts materializing p and returns the offset it resumes from.
func (m *Materializer) Open(ctx context.Context, p domain.PartitionID) (int64, error) {
	m.mu.Lock()
	if _, ok := m.lanes[p]; ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrPartitionOpen, p)
	}
	m.mu.Unlock()

	part, err := m.cfg.Engine.Open(ctx, p)
	if err != nil {
		return 0, err
	}
	from, err := storage.ResumeOffset(ctx, part)
	if err != nil {
		_ = part.Close()
		return 0, err
	}
	target := from
	if m.cfg.Ends != nil {
		end, err := m.cfg.Ends.EndOffset(ctx, p)
		if err != nil {
			_ = part.Close()
			return 0, fmt.Errorf("end offset of partition %d: %w", p, err)
		}
		target = end
	}

	laneCtx, cancel := context.WithCancel(context.Background())
	l := &lane{
		id:     p,
		part:   part,
		in:     make(chan changelog.Record, m.cfg.QueueCapacity),
		ctx:    laneCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		target: target,
		next:   from,
	}
	if from >= target {
		l.state.Store(int32(stateReady))
	}

	m.mu.Lock()
	if _, ok := m.lanes[p]; ok {
		m.mu.Unlock()
		cancel()
		_ = part.Close()
		return 0, fmt.Errorf("%w: %d", ErrPartitionOpen, p)
	}
	m.lanes[p] = l
	m.mu.Unlock()

	go m.run(l)
	if m.cfg.Stream != nil {
		l.pulled = make(chan struct{})
		go m.pull(l, from)
	}
	m.cfg.Metrics.OwnedPartitions.Inc()
	m.log.Info("partition opened",
		zap.Int32("partition", int32(p)),
		zap.Int64("resume_offset", from),
		zap.Int64("target_offset", target),
		zap.Stringer("state", l.State()))
	return from, nil
}

// Close stops the lane of p after its in-flight record and closes the store.
func (m *Materializer) Close(p domain.PartitionID) error {
	m.mu.Lock()
	l, ok := m.lanes[p]
	if ok {
		delete(m.lanes, p)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrPartitionNotOpen, p)
	}
	return m.stop(l)
}

// CloseAll stops every lane.
func (m *Materializer) CloseAll() error {
	m.mu.Lock()
	lanes := make([]*lane, 0, len(m.lanes))
	for p, l := range m.lanes {
		lanes = append(lanes, l)
		delete(m.lanes, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, l := range lanes {
		errs = append(errs, m.stop(l))
	}
	return errors.Join(errs...)
}

func (m *Materializer) stop(l *lane) error {
	l.cancel()
	if l.pulled != nil {
		<-l.pulled
	}
	<-l.done
	m.cfg.Metrics.OwnedPartitions.Dec()
	m.log.Info("partition closed", zap.Int32("partition", int32(l.id)))
	return l.part.Close()
}

// Deliver hands a record to the lane of its partition. It blocks while the
// lane queue is full.
func (m *Materializer) Deliver(ctx context.Context, rec changelog.Record) error {
	m.mu.Lock()
	l, ok := m.lanes[rec.Partition]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrPartitionNotOpen, rec.Partition)
	}
	return l.enqueue(ctx, rec)
}

func (l *lane) enqueue(ctx context.Context, rec changelog.Record) error {
	select {
	case l.in <- rec:
		return nil
	case <-l.ctx.Done():
		if l.State() == stateFailed {
			return fmt.Errorf("%w: partition %d stopped", domain.ErrStorageFailure, l.id)
		}
		return fmt.Errorf("%w: %d", ErrPartitionNotOpen, l.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reader returns the read view of p. Only open, caught up and healthy
// partitions are readable.
func (m *Materializer) Reader(p domain.PartitionID) (storage.Reader, error) {
	m.mu.Lock()
	l, ok := m.lanes[p]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: partition %d is not open here", domain.ErrUnavailable, p)
	}
	if state := l.State(); state != stateReady {
		return nil, fmt.Errorf("%w: partition %d is %s", domain.ErrUnavailable, p, state)
	}
	return l.part, nil
}

// Owned lists the partitions with a healthy open lane.
func (m *Materializer) Owned() []domain.PartitionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PartitionID, 0, len(m.lanes))
	for p, l := range m.lanes {
		if l.State() != stateFailed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ready reports whether p is open and caught up.
func (m *Materializer) Ready(p domain.PartitionID) bool {
	m.mu.Lock()
	l, ok := m.lanes[p]
	m.mu.Unlock()
	return ok && l.State() == stateReady
}

func (m *Materializer) run(l *lane) {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case rec := <-l.in:
			if err := m.apply(l, rec); err != nil {
				m.fail(l, err)
				return
			}
		}
	}
}

// apply folds one record. Only storage failures are returned; corrupt
// records are skipped.
func (m *Materializer) apply(l *lane, rec changelog.Record) error {
	if rec.Offset < l.next {
		return nil
	}
	// The in-flight record is finished even when the lane is being closed.
	ctx := context.WithoutCancel(l.ctx)
	label := metrics.PartitionLabel(l.id)

	ev, err := changelog.Decode(rec)
	if err == nil {
		err = m.checkPlacement(rec, ev)
	}
	switch {
	case errors.Is(err, domain.ErrCorruptEvent):
		m.cfg.Metrics.CorruptEvents.WithLabelValues(label).Inc()
		m.log.Warn("skipping corrupt change event",
			zap.Int32("partition", int32(l.id)),
			zap.Int64("offset", rec.Offset),
			zap.String("source_ref", rec.SourceRef),
			zap.Error(err))
		if err := l.part.Skip(ctx, rec.Offset); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := l.part.Apply(ctx, storage.MutationFor(rec.Offset, ev)); err != nil {
			return err
		}
		m.cfg.Metrics.EventsApplied.WithLabelValues(label).Inc()
	}

	l.next = rec.Offset + 1
	if l.next >= l.target && l.state.CompareAndSwap(int32(stateRestoring), int32(stateReady)) {
		m.log.Info("partition caught up",
			zap.Int32("partition", int32(l.id)),
			zap.Int64("offset", rec.Offset))
	}
	return nil
}

// checkPlacement rejects events routed by a different partitioner. Stored
// under the wrong partition they could never be read.
func (m *Materializer) checkPlacement(rec changelog.Record, ev domain.ChangeEvent) error {
	if m.cfg.Partitions <= 0 {
		return nil
	}
	if home := hashroute.PartitionOf(ev.Key, m.cfg.Partitions); home != rec.Partition {
		return fmt.Errorf("%w: partition %d offset %d: key %q belongs to partition %d",
			domain.ErrCorruptEvent, rec.Partition, rec.Offset, ev.Key, home)
	}
	return nil
}

func (m *Materializer) fail(l *lane, err error) {
	l.state.Store(int32(stateFailed))
	l.cancel()
	m.cfg.Metrics.StorageFailures.WithLabelValues(metrics.PartitionLabel(l.id)).Inc()
	m.log.Error("partition stopped on storage failure",
		zap.Int32("partition", int32(l.id)),
		zap.Int64("next_offset", l.next),
		zap.Error(err))
	if m.cfg.OnFailure != nil {
		go m.cfg.OnFailure(l.id, err)
	}
}

// pull feeds the lane from the configured stream, resuming after transient
// stream errors.
func (m *Materializer) pull(l *lane, from int64) {
	defer close(l.pulled)
	next := from
	for {
		err := m.cfg.Stream.Follow(l.ctx, l.id, next, func(ctx context.Context, rec changelog.Record) error {
			if err := l.enqueue(ctx, rec); err != nil {
				return err
			}
			next = rec.Offset + 1
			return nil
		})
		if l.ctx.Err() != nil {
			return
		}
		m.log.Warn("change stream interrupted",
			zap.Int32("partition", int32(l.id)),
			zap.Int64("next_offset", next),
			zap.Error(err))
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(m.cfg.RetryBackoff):
		}
	}
}
