// Package kafka carries the change-stream and the cluster membership over
// Kafka: direct partition streams, the keyed publisher, topic bootstrap, the
// consumer group that drives rebalancing and the instance announcements.
package kafka

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const (
	MechanismPlain       = "PLAIN"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismScramSHA512 = "SCRAM-SHA-512"
)

type Config struct {
	Brokers        []string `mapstructure:"brokers"`
	EventsTopic    string   `mapstructure:"events_topic"`
	InstancesTopic string   `mapstructure:"instances_topic"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`

	Partitions        int `mapstructure:"partitions"`
	ReplicationFactor int `mapstructure:"replication_factor"`
	MaxPollRecords    int `mapstructure:"max_poll_records"`

	Auth  AuthConfig  `mapstructure:"auth"`
	Fetch FetchConfig `mapstructure:"fetch"`
}

type AuthConfig struct {
	SASL SASLConfig `mapstructure:"sasl"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

func (c *Config) WithDefaults() {
	if c.GroupID == "" {
		c.GroupID = "profilestore"
	}
	if c.EventsTopic == "" {
		c.EventsTopic = c.GroupID + "-profile-events"
	}
	if c.InstancesTopic == "" {
		c.InstancesTopic = c.GroupID + "-instances"
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Partitions <= 0 {
		return errors.New("kafka partition count must be positive")
	}
	if c.EventsTopic == c.InstancesTopic {
		return fmt.Errorf("events and instances topics must differ, both are %q", c.EventsTopic)
	}
	if c.Auth.SASL.Enabled {
		switch strings.ToUpper(c.Auth.SASL.Mechanism) {
		case MechanismPlain, MechanismScramSHA256, MechanismScramSHA512:
		default:
			return fmt.Errorf("unsupported sasl mechanism %q", c.Auth.SASL.Mechanism)
		}
		if c.Auth.SASL.Username == "" {
			return errors.New("kafka.auth.sasl.username is required")
		}
	}
	return nil
}

// clientOpts are the connection options shared by every client this package
// creates.
func (c Config) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.FetchMaxWait(c.Fetch.MaxWait),
		kgo.FetchMinBytes(c.Fetch.MinBytes),
		kgo.FetchMaxBytes(c.Fetch.MaxBytes),
	}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.Auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: c.Auth.TLS.InsecureSkipVerify}))
	}
	if c.Auth.SASL.Enabled {
		user, pass := c.Auth.SASL.Username, c.Auth.SASL.Password
		switch strings.ToUpper(c.Auth.SASL.Mechanism) {
		case MechanismPlain:
			opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
		case MechanismScramSHA256:
			opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha256Mechanism()))
		case MechanismScramSHA512:
			opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha512Mechanism()))
		}
	}
	return opts
}
