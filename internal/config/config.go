// Package config loads the process configuration from a YAML or TOML file,
// PROFILESTORE_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/ingest/kafka"
	"profilestore/internal/ingest/rabbitmq"
	"profilestore/internal/logger"
	"profilestore/internal/raftdir"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	MembershipGroup  = "group"
	MembershipStatic = "static"
	MembershipRaft   = "raft"

	TransportKafka    = "kafka"
	TransportRabbitMQ = "rabbitmq"
	TransportMemory   = "memory"
)

type Config struct {
	Instance InstanceConfig  `mapstructure:"instance"`
	Cluster  ClusterConfig   `mapstructure:"cluster"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Kafka    kafka.Config    `mapstructure:"kafka"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
	Static   StaticConfig    `mapstructure:"static"`
	Raft     RaftConfig      `mapstructure:"raft"`
	Socket   SocketConfig    `mapstructure:"socket"`
	Log      logger.Config   `mapstructure:"log"`
}

type InstanceConfig struct {
	ID             string `mapstructure:"id"`
	Listen         string `mapstructure:"listen"`
	AdvertisedHost string `mapstructure:"advertised_host"`
	AdvertisedPort int    `mapstructure:"advertised_port"`
}

type ClusterConfig struct {
	// ApplicationID names the consumer group and prefixes the topics.
	ApplicationID     string        `mapstructure:"application_id"`
	Partitions        int           `mapstructure:"partitions"`
	Membership        string        `mapstructure:"membership"`
	Transport         string        `mapstructure:"transport"`
	ForwardTimeout    time.Duration `mapstructure:"forward_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	InstanceTTL       time.Duration `mapstructure:"instance_ttl"`
	RetryAfter        time.Duration `mapstructure:"retry_after"`
}

type StorageConfig struct {
	StateDir string `mapstructure:"state_dir"`
	// Reset wipes the local state before start so every owned partition is
	// rebuilt from offset 0.
	Reset bool `mapstructure:"reset"`
}

type StaticConfig struct {
	Instances []StaticInstance `mapstructure:"instances"`
}

type StaticInstance struct {
	ID         string  `mapstructure:"id"`
	Host       string  `mapstructure:"host"`
	Port       int     `mapstructure:"port"`
	Partitions []int32 `mapstructure:"partitions"`
}

type RaftConfig struct {
	NodeID            uint64        `mapstructure:"node_id"`
	Peers             []RaftPeer    `mapstructure:"peers"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ElectionTicks     int           `mapstructure:"election_ticks"`
	HeartbeatTicks    int           `mapstructure:"heartbeat_ticks"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
}

type RaftPeer struct {
	NodeID     uint64 `mapstructure:"node_id"`
	RaftAddr   string `mapstructure:"raft_addr"`
	InstanceID string `mapstructure:"instance_id"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"listen":      "instance.listen",
	"state-dir":   "storage.state_dir",
	"instance-id": "instance.id",
	"reset":       "storage.reset",
}

// Load reads path (optional), applies environment overrides and the changed
// flags of fs (optional), fills derived values and validates the result.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("profilestore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.derive(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance.listen", ":8080")
	v.SetDefault("instance.id", "")
	v.SetDefault("instance.advertised_host", "")
	v.SetDefault("instance.advertised_port", 0)
	v.SetDefault("cluster.application_id", "profilestore")
	v.SetDefault("cluster.partitions", hashroute.DefaultPartitionCount)
	v.SetDefault("cluster.membership", MembershipGroup)
	v.SetDefault("cluster.transport", TransportKafka)
	v.SetDefault("cluster.forward_timeout", 2*time.Second)
	v.SetDefault("cluster.heartbeat_interval", 5*time.Second)
	v.SetDefault("cluster.instance_ttl", 30*time.Second)
	v.SetDefault("cluster.retry_after", time.Second)
	v.SetDefault("storage.state_dir", "./state")
	v.SetDefault("storage.reset", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("socket.enabled", false)
	v.SetDefault("socket.network", "tcp")
	v.SetDefault("socket.address", ":7070")
	v.SetDefault("socket.auth_token", "")
	v.SetDefault("log.format", logger.NewConfig().Format)
	v.SetDefault("log.level", logger.NewConfig().Level)
}

// derive fills the values that follow from other settings.
func (c *Config) derive() error {
	if c.Cluster.Membership == MembershipRaft && c.Instance.ID == "" {
		for _, p := range c.Raft.Peers {
			if p.NodeID == c.Raft.NodeID {
				c.Instance.ID = p.InstanceID
			}
		}
	}
	if c.Instance.ID == "" {
		c.Instance.ID = uuid.NewString()
	}
	if c.Instance.AdvertisedPort == 0 {
		_, port, err := net.SplitHostPort(c.Instance.Listen)
		if err != nil {
			return fmt.Errorf("instance.listen %q: %w", c.Instance.Listen, err)
		}
		if c.Instance.AdvertisedPort, err = strconv.Atoi(port); err != nil {
			return fmt.Errorf("instance.listen %q: %w", c.Instance.Listen, err)
		}
	}
	if c.Instance.AdvertisedHost == "" {
		host, _, _ := net.SplitHostPort(c.Instance.Listen)
		if host == "" || host == "0.0.0.0" || host == "::" {
			if host, _ = os.Hostname(); host == "" {
				host = "localhost"
			}
		}
		c.Instance.AdvertisedHost = host
	}

	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = c.Cluster.ApplicationID
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = c.Cluster.ApplicationID + "-" + c.Instance.ID
	}
	c.Kafka.Partitions = c.Cluster.Partitions
	c.Kafka.WithDefaults()

	if c.RabbitMQ.QueuePrefix == "" {
		c.RabbitMQ.QueuePrefix = c.Cluster.ApplicationID + ".events"
	}
	if c.RabbitMQ.ConsumerTag == "" {
		c.RabbitMQ.ConsumerTag = c.Cluster.ApplicationID + "-" + c.Instance.ID
	}
	c.RabbitMQ.Partitions = c.Cluster.Partitions
	c.RabbitMQ.WithDefaults()
	return nil
}

func (c Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Cluster.Partitions <= 0 {
		return errors.New("cluster.partitions must be positive")
	}
	if c.Cluster.ForwardTimeout <= 0 {
		return errors.New("cluster.forward_timeout must be positive")
	}
	if c.Storage.StateDir == "" {
		return errors.New("storage.state_dir is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	switch c.Cluster.Transport {
	case TransportKafka:
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	case TransportRabbitMQ:
		if err := c.RabbitMQ.Validate(); err != nil {
			return err
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown cluster.transport %q", c.Cluster.Transport)
	}

	switch c.Cluster.Membership {
	case MembershipGroup:
		if c.Cluster.Transport != TransportKafka {
			return fmt.Errorf("group membership requires the kafka transport, got %q", c.Cluster.Transport)
		}
		if c.Cluster.HeartbeatInterval <= 0 || c.Cluster.InstanceTTL <= c.Cluster.HeartbeatInterval {
			return errors.New("cluster.instance_ttl must exceed a positive cluster.heartbeat_interval")
		}
	case MembershipStatic:
		if len(c.Static.Instances) == 0 {
			return errors.New("static membership requires static.instances")
		}
		if _, ok := c.staticSelf(); !ok {
			return fmt.Errorf("instance %q is not listed in static.instances", c.Instance.ID)
		}
	case MembershipRaft:
		if c.Raft.NodeID == 0 {
			return errors.New("raft membership requires raft.node_id")
		}
		self, ok := c.raftSelf()
		if !ok {
			return fmt.Errorf("raft.node_id %d is not listed in raft.peers", c.Raft.NodeID)
		}
		if self.InstanceID != c.Instance.ID {
			return fmt.Errorf("raft peer %d belongs to instance %q, not %q", self.NodeID, self.InstanceID, c.Instance.ID)
		}
		if c.Cluster.Transport == TransportMemory && len(c.Raft.Peers) > 1 {
			return errors.New("the memory transport cannot back a multi-node raft cluster")
		}
	default:
		return fmt.Errorf("unknown cluster.membership %q", c.Cluster.Membership)
	}

	if c.Socket.Enabled {
		switch c.Socket.Network {
		case "tcp":
			if c.Socket.Address == "" {
				return errors.New("socket.address is required")
			}
		case "unix":
			if c.Socket.UnixSocketPath == "" {
				return errors.New("socket.unix_socket_path is required")
			}
		default:
			return fmt.Errorf("socket.network must be tcp or unix, got %q", c.Socket.Network)
		}
	}
	return nil
}

// Self is the descriptor this instance advertises, without partitions.
func (c Config) Self() domain.InstanceDescriptor {
	return domain.InstanceDescriptor{
		ID:   c.Instance.ID,
		Host: c.Instance.AdvertisedHost,
		Port: c.Instance.AdvertisedPort,
	}
}

// StaticMembers converts static.instances into descriptors.
func (c Config) StaticMembers() []domain.InstanceDescriptor {
	out := make([]domain.InstanceDescriptor, 0, len(c.Static.Instances))
	for _, inst := range c.Static.Instances {
		d := domain.InstanceDescriptor{ID: inst.ID, Host: inst.Host, Port: inst.Port}
		for _, p := range inst.Partitions {
			d.Partitions = append(d.Partitions, domain.PartitionID(p))
		}
		out = append(out, d)
	}
	return out
}

func (c Config) staticSelf() (StaticInstance, bool) {
	for _, inst := range c.Static.Instances {
		if inst.ID == c.Instance.ID {
			return inst, true
		}
	}
	return StaticInstance{}, false
}

// RaftMembers converts raft.peers into raft group members.
func (c Config) RaftMembers() map[uint64]raftdir.Member {
	out := make(map[uint64]raftdir.Member, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		out[p.NodeID] = raftdir.Member{
			RaftAddr: p.RaftAddr,
			Instance: domain.InstanceDescriptor{ID: p.InstanceID, Host: p.Host, Port: p.Port},
		}
	}
	return out
}

func (c Config) raftSelf() (RaftPeer, bool) {
	for _, p := range c.Raft.Peers {
		if p.NodeID == c.Raft.NodeID {
			return p, true
		}
	}
	return RaftPeer{}, false
}
