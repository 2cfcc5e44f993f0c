// Package rabbitmq carries the change-stream over RabbitMQ stream queues,
// one queue per partition. Stream queues keep their messages after delivery
// and expose a per-message offset, so a partition can be replayed from any
// point the same way a Kafka partition can.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"

	"github.com/rabbitmq/amqp091-go"
)

const offsetHeader = "x-stream-offset"

type Config struct {
	URL         string   `mapstructure:"url"`
	Endpoints   []string `mapstructure:"endpoints"`
	QueuePrefix string   `mapstructure:"queue_prefix"`
	Partitions  int      `mapstructure:"partitions"`
	ConsumerTag string   `mapstructure:"consumer_tag"`
	// PrefetchCount bounds unacknowledged deliveries per partition consumer;
	// stream queues refuse consumers without one.
	PrefetchCount int        `mapstructure:"prefetch_count"`
	TLS           TLSConfig  `mapstructure:"tls"`
	Auth          AuthConfig `mapstructure:"auth"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (c *Config) WithDefaults() {
	if c.QueuePrefix == "" {
		c.QueuePrefix = "profilestore.events"
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "profilestore"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 256
	}
}

func (c Config) Validate() error {
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("rabbitmq partition count must be positive")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// QueueName is the stream queue holding partition p.
func (c Config) QueueName(p domain.PartitionID) string {
	return fmt.Sprintf("%s.p%02d", c.QueuePrefix, p)
}

// Transport implements changelog.Stream, changelog.EndOffsetter and
// changelog.Publisher.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp091.Connection
	pub  *amqp091.Channel
}

func New(cfg Config) (*Transport, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg}, nil
}

func (t *Transport) connection() (*amqp091.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionLocked()
}

func (t *Transport) connectionLocked() (*amqp091.Connection, error) {
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}
	dialCfg := amqp091.Config{}
	if t.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: t.cfg.Auth.Username, Password: t.cfg.Auth.Password}}
	}
	tlsCfg, err := t.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg
	conn, err := amqp091.DialConfig(t.cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	t.conn, t.pub = conn, nil
	return conn, nil
}

// Declare creates the stream queue of every partition.
func (t *Transport) Declare() error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	for p := 0; p < t.cfg.Partitions; p++ {
		name := t.cfg.QueueName(domain.PartitionID(p))
		if _, err := ch.QueueDeclare(name, true, false, false, false, amqp091.Table{"x-queue-type": "stream"}); err != nil {
			return fmt.Errorf("declare stream %s: %w", name, err)
		}
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, ev domain.ChangeEvent) (domain.PartitionID, error) {
	body, err := changelog.Encode(ev)
	if err != nil {
		return 0, err
	}
	key := hashroute.CanonicalizeKey(ev.Key)
	p := hashroute.PartitionOf(key, t.cfg.Partitions)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub == nil || t.pub.IsClosed() {
		conn, err := t.connectionLocked()
		if err != nil {
			return 0, err
		}
		ch, err := conn.Channel()
		if err != nil {
			return 0, fmt.Errorf("open rabbitmq channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return 0, fmt.Errorf("enable publisher confirms: %w", err)
		}
		t.pub = ch
	}
	conf, err := t.pub.PublishWithDeferredConfirmWithContext(ctx, "", t.cfg.QueueName(p), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.EventID,
		Headers:      amqp091.Table{"key": key, "event_type": string(ev.Type)},
		Body:         body,
	})
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", key, err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("confirm %s: %w", key, err)
	}
	if !ok {
		return 0, fmt.Errorf("publish %s: broker nacked", key)
	}
	return p, nil
}

// EndOffset approximates the next offset of p by the stream's message count.
// Offsets start at zero, so the count is exact until retention truncates the
// head; after that it is low and a reopened partition turns ready early.
func (t *Transport) EndOffset(ctx context.Context, p domain.PartitionID) (int64, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	queue := t.cfg.QueueName(p)
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, amqp091.Table{"x-queue-type": "stream"})
	if err != nil {
		return 0, fmt.Errorf("inspect stream %s: %w", queue, err)
	}
	return int64(q.Messages), nil
}

// Follow consumes the stream queue of p from offset from.
func (t *Transport) Follow(ctx context.Context, p domain.PartitionID, from int64, fn changelog.HandlerFunc) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(t.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	queue := t.cfg.QueueName(p)
	tag := fmt.Sprintf("%s-%s", t.cfg.ConsumerTag, queue)
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, amqp091.Table{offsetHeader: from})
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	defer func() { _ = ch.Cancel(tag, false) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer on %s closed", queue)
			}
			rec, err := deliveryRecord(p, queue, d)
			if err != nil {
				_ = d.Nack(false, false)
				return err
			}
			if err := fn(ctx, rec); err != nil {
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack %s/%d: %w", queue, rec.Offset, err)
			}
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.pub != nil && !t.pub.IsClosed() {
		errs = append(errs, t.pub.Close())
	}
	if t.conn != nil && !t.conn.IsClosed() {
		errs = append(errs, t.conn.Close())
	}
	t.conn, t.pub = nil, nil
	return errors.Join(errs...)
}

// deliveryRecord maps a stream delivery onto a change-stream record. The
// broker puts the stream offset into the delivery headers.
func deliveryRecord(p domain.PartitionID, queue string, d amqp091.Delivery) (changelog.Record, error) {
	off, ok := streamOffset(d.Headers)
	if !ok {
		return changelog.Record{}, fmt.Errorf("delivery from %s carries no %s header", queue, offsetHeader)
	}
	var key []byte
	if k, ok := d.Headers["key"].(string); ok {
		key = []byte(k)
	}
	return changelog.Record{
		Partition: p,
		Offset:    off,
		Key:       key,
		Value:     d.Body,
		SourceRef: fmt.Sprintf("%s/%d", queue, off),
	}, nil
}

func streamOffset(h amqp091.Table) (int64, bool) {
	switch v := h[offsetHeader].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

func (t *Transport) buildTLSConfig() (*tls.Config, error) {
	if !t.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: t.cfg.TLS.InsecureSkipVerify, ServerName: t.cfg.TLS.ServerName}
	if t.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(t.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if t.cfg.TLS.CertFile != "" || t.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.cfg.TLS.CertFile, t.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
