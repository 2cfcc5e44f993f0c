package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"profilestore/internal/changelog"
	"profilestore/internal/changelog/memlog"
	"profilestore/internal/config"
	"profilestore/internal/directory"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/httpapi"
	"profilestore/internal/ingest/kafka"
	"profilestore/internal/ingest/rabbitmq"
	"profilestore/internal/ingest/socket"
	"profilestore/internal/materialize"
	"profilestore/internal/membership"
	"profilestore/internal/metrics"
	"profilestore/internal/raftdir"
	"profilestore/internal/router"
	"profilestore/internal/storage/sqlite"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// transport bundles the change-stream roles of one backend.
type transport struct {
	stream    changelog.Stream
	ends      changelog.EndOffsetter
	publisher changelog.Publisher
	close     func()
}

func openTransport(ctx context.Context, cfg config.Config, log *zap.Logger) (*transport, error) {
	switch cfg.Cluster.Transport {
	case config.TransportKafka:
		if err := kafka.EnsureTopics(ctx, cfg.Kafka); err != nil {
			return nil, fmt.Errorf("ensure topics: %w", err)
		}
		stream, err := kafka.NewStream(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		pub, err := kafka.NewPublisher(cfg.Kafka)
		if err != nil {
			stream.Close()
			return nil, err
		}
		log.Info("using kafka change-stream",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.EventsTopic))
		return &transport{stream: stream, ends: stream, publisher: pub, close: func() {
			pub.Close()
			stream.Close()
		}}, nil
	case config.TransportRabbitMQ:
		t, err := rabbitmq.New(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		if err := t.Declare(); err != nil {
			_ = t.Close()
			return nil, err
		}
		log.Info("using rabbitmq change-stream", zap.String("queue_prefix", cfg.RabbitMQ.QueuePrefix))
		return &transport{stream: t, ends: t, publisher: t, close: func() { _ = t.Close() }}, nil
	default:
		l := memlog.New(cfg.Cluster.Partitions)
		log.Warn("using in-memory change-stream; state does not survive a restart")
		return &transport{stream: l, ends: l, publisher: l, close: func() {}}, nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("instance", cfg.Instance.ID))

	store, err := sqlite.NewStore(cfg.Storage.StateDir, cfg.Cluster.Partitions)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.Storage.Reset {
		if err := store.Reset(); err != nil {
			return fmt.Errorf("reset local state: %w", err)
		}
		log.Info("local state reset", zap.String("state_dir", cfg.Storage.StateDir))
	}

	tr, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer tr.close()

	met := metrics.New()
	self := cfg.Self()
	dir := directory.New(self)
	reg := directory.NewRegistry(dir, clock.New(), cfg.Cluster.InstanceTTL)

	var reb *membership.Rebalancer
	matCfg := materialize.Config{
		Engine:     store,
		Partitions: cfg.Cluster.Partitions,
		Ends:       tr.ends,
		Metrics:    met,
		Logger:     log,
		OnFailure: func(p domain.PartitionID, err error) {
			reb.Release(p, err)
		},
	}
	// The consumer group pushes records itself; other modes pull.
	if cfg.Cluster.Membership != config.MembershipGroup {
		matCfg.Stream = tr.stream
	}
	mat, err := materialize.New(matCfg)
	if err != nil {
		return err
	}
	defer mat.CloseAll()

	var (
		sinks     []membership.Sink
		announcer *kafka.Announcer
	)
	switch cfg.Cluster.Membership {
	case config.MembershipGroup:
		announcer, err = kafka.NewAnnouncer(cfg.Kafka, reg, log)
		if err != nil {
			return err
		}
		defer announcer.Close()
		sinks = append(sinks, reg, announcer)
	case config.MembershipStatic:
		sinks = append(sinks, reg)
	}
	reb = membership.NewRebalancer(self, mat, log, sinks...)

	rt, err := router.New(router.Config{
		SelfID:         self.ID,
		Assigner:       hashroute.NewAssigner(cfg.Cluster.Partitions, dir),
		Readers:        mat,
		Forwarder:      httpapi.NewClient(self.ID, cfg.Cluster.ForwardTimeout),
		ForwardTimeout: cfg.Cluster.ForwardTimeout,
		Metrics:        met,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	api, err := httpapi.NewServer(httpapi.Config{
		Querier:    rt,
		Publisher:  tr.publisher,
		Directory:  dir,
		Status:     mat,
		RetryAfter: cfg.Cluster.RetryAfter,
		Metrics:    met,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Instance.Listen)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, ln) })

	if cfg.Socket.Enabled {
		gw, err := socket.NewServer(socket.Config{
			Network:          cfg.Socket.Network,
			Address:          cfg.Socket.Address,
			UnixSocketPath:   cfg.Socket.UnixSocketPath,
			AuthToken:        cfg.Socket.AuthToken,
			MaxInflight:      cfg.Socket.MaxInflight,
			GlobalQueueLimit: cfg.Socket.GlobalQueueLimit,
			Partitions:       cfg.Cluster.Partitions,
			Publisher:        tr.publisher,
			Querier:          rt,
			Status:           mat,
			Logger:           log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return gw.Start(gctx) })
	}

	switch cfg.Cluster.Membership {
	case config.MembershipGroup:
		grp, err := kafka.NewGroup(cfg.Kafka, reb, mat, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return announcer.Run(gctx) })
		g.Go(func() error { return grp.Run(gctx) })
		g.Go(func() error {
			reg.Run(gctx, cfg.Cluster.HeartbeatInterval)
			return nil
		})
		g.Go(func() error {
			reb.Heartbeat(gctx, cfg.Cluster.HeartbeatInterval)
			return nil
		})
	case config.MembershipStatic:
		layout, err := membership.StaticLayout(cfg.Cluster.Partitions, cfg.StaticMembers())
		if err != nil {
			return err
		}
		g.Go(func() error { return membership.StartStatic(gctx, reg, reb, self.ID, layout) })
	case config.MembershipRaft:
		node, err := raftdir.NewNode(raftdir.Config{
			NodeID:              cfg.Raft.NodeID,
			Members:             cfg.RaftMembers(),
			Partitions:          cfg.Cluster.Partitions,
			RebalanceInterval:   cfg.Raft.RebalanceInterval,
			TickInterval:        cfg.Raft.TickInterval,
			ElectionTicks:       cfg.Raft.ElectionTicks,
			HeartbeatTicks:      cfg.Raft.HeartbeatTicks,
			BootstrapNewCluster: true,
			Apply: func(cmd raftdir.Command) {
				applyDirectory(gctx, dir, reb, self.ID, cmd, log)
			},
			Logger: log,
		})
		if err != nil {
			return err
		}
		node.Start()
		g.Go(func() error {
			<-gctx.Done()
			return node.Stop()
		})
	}

	log.Info("profilesd started",
		zap.String("listen", cfg.Instance.Listen),
		zap.String("advertised", self.Addr()),
		zap.String("membership", cfg.Cluster.Membership),
		zap.String("transport", cfg.Cluster.Transport),
		zap.Int("partitions", cfg.Cluster.Partitions))

	err = g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if lerr := reb.Leave(leaveCtx); lerr != nil {
		log.Warn("leave cluster", zap.Error(lerr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyDirectory installs a committed raft directory state and makes the
// local instance own exactly the partitions the state gives it.
func applyDirectory(ctx context.Context, dir *directory.Directory, reb *membership.Rebalancer, selfID string, cmd raftdir.Command, log *zap.Logger) {
	dir.Swap(directory.NewSnapshot(cmd.Instances))
	var mine []domain.PartitionID
	for _, inst := range cmd.Instances {
		if inst.ID == selfID {
			mine = inst.Partitions
		}
	}
	if _, err := reb.Assign(ctx, cmd.Generation, mine); err != nil && ctx.Err() == nil {
		log.Error("apply directory generation",
			zap.Int64("generation", cmd.Generation),
			zap.Error(err))
	}
}
