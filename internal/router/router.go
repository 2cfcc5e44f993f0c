// Package router answers key lookups and searches from the local store when
// this instance owns the partition, and otherwise forwards them exactly once
// to the owning instance.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/metrics"
	"profilestore/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Forwarder performs one hop to a peer. Implementations mark the request as
// forwarded so the peer never forwards it again.
type Forwarder interface {
	Lookup(ctx context.Context, owner domain.InstanceDescriptor, key string) (domain.ProfileRecord, error)
	Search(ctx context.Context, owner domain.InstanceDescriptor, query string, partitions []domain.PartitionID) ([]domain.ProfileRecord, error)
}

// Readers hands out read views of locally materialized partitions.
type Readers interface {
	Reader(domain.PartitionID) (storage.Reader, error)
}

type Config struct {
	SelfID         string
	Assigner       *hashroute.Assigner
	Readers        Readers
	Forwarder      Forwarder
	ForwardTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *Config) withDefaults() {
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

func (c Config) Validate() error {
	if c.SelfID == "" {
		return errors.New("router requires the local instance id")
	}
	if c.Assigner == nil {
		return errors.New("router requires a partition assigner")
	}
	if c.Readers == nil {
		return errors.New("router requires local readers")
	}
	if c.Forwarder == nil {
		return errors.New("router requires a forwarder")
	}
	return nil
}

type Router struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config) (*Router, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{cfg: cfg, log: cfg.Logger.With(zap.String("component", "router"))}, nil
}

func (r *Router) Partitions() int { return r.cfg.Assigner.Partitions() }

// Lookup returns the record stored under key. forwarded is set when the
// request already took its one hop; such a request is answered locally or
// rejected with domain.ErrStaleOwnership.
func (r *Router) Lookup(ctx context.Context, key string, forwarded bool) (domain.ProfileRecord, error) {
	key = hashroute.CanonicalizeKey(key)
	if key == "" {
		return domain.ProfileRecord{}, fmt.Errorf("%w: empty key", domain.ErrNotFound)
	}
	p := r.cfg.Assigner.PartitionOf(key)
	owner, known := r.cfg.Assigner.OwnerOf(p)

	switch {
	case known && owner.ID == r.cfg.SelfID:
		rec, err := r.lookupLocal(ctx, p, key)
		r.count("local", err)
		return rec, err
	case forwarded:
		err := fmt.Errorf("%w: partition %d is not owned by %s", domain.ErrStaleOwnership, p, r.cfg.SelfID)
		r.count("local", err)
		return domain.ProfileRecord{}, err
	case !known:
		err := fmt.Errorf("%w: owner of partition %d is unknown", domain.ErrUnavailable, p)
		r.count("local", err)
		return domain.ProfileRecord{}, err
	}

	rec, err := r.forwardLookup(ctx, owner, key)
	r.count("forward", err)
	return rec, err
}

func (r *Router) lookupLocal(ctx context.Context, p domain.PartitionID, key string) (domain.ProfileRecord, error) {
	reader, err := r.cfg.Readers.Reader(p)
	if err != nil {
		return domain.ProfileRecord{}, err
	}
	rec, ok, err := reader.Get(ctx, key)
	if err != nil {
		return domain.ProfileRecord{}, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	if !ok {
		return domain.ProfileRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	return rec, nil
}

func (r *Router) forwardLookup(ctx context.Context, owner domain.InstanceDescriptor, key string) (domain.ProfileRecord, error) {
	fctx, cancel := context.WithTimeout(ctx, r.cfg.ForwardTimeout)
	defer cancel()

	start := time.Now()
	rec, err := r.cfg.Forwarder.Lookup(fctx, owner, key)
	r.cfg.Metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.ProfileRecord{}, r.forwardErr(ctx, owner, err)
	}
	return rec, nil
}

// forwardErr relays NotFound and turns every other peer failure into a
// retryable Unavailable.
func (r *Router) forwardErr(ctx context.Context, owner domain.InstanceDescriptor, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log.Debug("forward failed",
		zap.String("owner", owner.ID),
		zap.String("addr", owner.Addr()),
		zap.Error(err))
	return fmt.Errorf("%w: forward to %s: %v", domain.ErrUnavailable, owner.ID, err)
}

// Search returns the records whose username, email or name token equals
// query across the given partitions (every partition when none are given).
// Either every partition answers or the whole search is Unavailable.
func (r *Router) Search(ctx context.Context, query string, partitions []domain.PartitionID, forwarded bool) ([]domain.ProfileRecord, error) {
	term := storage.NormalizeTerm(query)
	if term == "" {
		return nil, nil
	}
	if len(partitions) == 0 {
		partitions = make([]domain.PartitionID, r.Partitions())
		for i := range partitions {
			partitions[i] = domain.PartitionID(i)
		}
	}

	var local []domain.PartitionID
	remote := make(map[string][]domain.PartitionID)
	owners := make(map[string]domain.InstanceDescriptor)
	for _, p := range partitions {
		if p < 0 || int(p) >= r.Partitions() {
			return nil, fmt.Errorf("%w: partition %d out of range [0, %d)", domain.ErrInvalidRequest, p, r.Partitions())
		}
		owner, known := r.cfg.Assigner.OwnerOf(p)
		switch {
		case known && owner.ID == r.cfg.SelfID:
			local = append(local, p)
		case forwarded:
			err := fmt.Errorf("%w: partition %d is not owned by %s", domain.ErrStaleOwnership, p, r.cfg.SelfID)
			r.count("search", err)
			return nil, err
		case !known:
			err := fmt.Errorf("%w: owner of partition %d is unknown", domain.ErrUnavailable, p)
			r.count("search", err)
			return nil, err
		default:
			remote[owner.ID] = append(remote[owner.ID], p)
			owners[owner.ID] = owner
		}
	}

	results := make([][]domain.ProfileRecord, len(remote)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, p := range local {
			reader, err := r.cfg.Readers.Reader(p)
			if err != nil {
				return err
			}
			hits, err := reader.Search(gctx, term)
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
			}
			results[0] = append(results[0], hits...)
		}
		return nil
	})
	i := 1
	for id, ps := range remote {
		slot, owner, ps := i, owners[id], ps
		i++
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, r.cfg.ForwardTimeout)
			defer cancel()
			start := time.Now()
			hits, err := r.cfg.Forwarder.Search(fctx, owner, term, ps)
			r.cfg.Metrics.ForwardDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: search on %s: %v", domain.ErrUnavailable, owner.ID, err)
			}
			results[slot] = hits
			return nil
		})
	}
	err := g.Wait()
	r.count("search", err)
	if err != nil {
		return nil, err
	}

	var out []domain.ProfileRecord
	for _, hits := range results {
		out = append(out, hits...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (r *Router) count(route string, err error) {
	r.cfg.Metrics.Lookups.WithLabelValues(route, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrStaleOwnership):
		return "stale_ownership"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
