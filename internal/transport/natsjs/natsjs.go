// Package natsjs implements the log transport on NATS JetStream. Each
// partition is a subject of one stream with its own durable pull consumer,
// so a partition is delivered in publish order to exactly one ingestor.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/transport"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultAckWait is used when the configuration leaves AckWait unset.
const DefaultAckWait = 30 * time.Second

// DuplicateWindow is the server-side window for Nats-Msg-Id deduplication.
const DuplicateWindow = 2 * time.Minute

// Client holds one NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    config.NATSConfig
	logger *logger.Logger
}

// Connect dials NATS and creates a JetStream context.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Client, error) {
	log = log.WithComponent("nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("buildstream"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn,
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			log.Warn("async publish failed", "subject", msg.Subject, "error", err)
		}),
		jetstream.WithPublishAsyncMaxPending(4096),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	return &Client{conn: conn, js: js, cfg: cfg, logger: log}, nil
}

// EnsureStream creates or updates the log stream covering every partition subject.
func (c *Client) EnsureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "Build job log lines partitioned by deployment",
		Subjects:    []string{c.cfg.Stream + ".*"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  DuplicateWindow,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("stream ready", "stream", c.cfg.Stream, "partitions", c.cfg.Partitions)
	return nil
}

// Ping reports whether the connection is up.
func (c *Client) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	return c.conn.Drain()
}

// Producer publishes log messages to the partition subject of their deployment.
func (c *Client) Producer() *Producer {
	return &Producer{js: c.js, stream: c.cfg.Stream, partitions: c.cfg.Partitions}
}

// Producer implements transport.Publisher with asynchronous JetStream publishes.
type Producer struct {
	js         jetstream.JetStream
	stream     string
	partitions int
}

// Publish sends msg without waiting for the server ack. The event id is used
// as the message id so republishing within the duplicate window is a no-op.
func (p *Producer) Publish(ctx context.Context, msg *models.LogMessage) error {
	data, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	subject := transport.Subject(p.stream, transport.PartitionFor(msg.DeploymentID, p.partitions))

	var opts []jetstream.PublishOpt
	if msg.EventID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.EventID))
	}
	if _, err := p.js.PublishAsync(subject, data, opts...); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Flush waits until all pending async publishes are acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d pending publishes: %w", p.js.PublishAsyncPending(), ctx.Err())
	}
}

// Consumer returns the durable pull consumer of partition.
func (c *Client) Consumer(ctx context.Context, partition int, fetchWait time.Duration) (*Consumer, error) {
	name := fmt.Sprintf("%s-%d", c.cfg.Durable, partition)
	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: transport.Subject(c.cfg.Stream, partition),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s: %w", name, err)
	}
	return &Consumer{cons: cons, partition: partition, wait: fetchWait}, nil
}

// Consumer implements transport.Consumer for one partition.
type Consumer struct {
	cons      jetstream.Consumer
	partition int
	wait      time.Duration
}

func (c *Consumer) Partition() int { return c.partition }

// Fetch pulls up to max messages, waiting at most the configured fetch wait.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := c.cons.Fetch(max, jetstream.FetchMaxWait(c.wait))
	if err != nil {
		return nil, fmt.Errorf("fetching partition %d: %w", c.partition, err)
	}

	msgs := make([]transport.Message, 0, max)
	for msg := range batch.Messages() {
		msgs = append(msgs, message{msg})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return msgs, fmt.Errorf("fetching partition %d: %w", c.partition, err)
	}
	return msgs, nil
}

type message struct {
	msg jetstream.Msg
}

func (m message) Data() []byte { return m.msg.Data() }

func (m message) Sequence() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (m message) Ack() error { return m.msg.Ack() }

func (m message) Nak(delay time.Duration) error {
	if delay > 0 {
		return m.msg.NakWithDelay(delay)
	}
	return m.msg.Nak()
}

func (m message) InProgress() error { return m.msg.InProgress() }
