// Package redisfeed implements the realtime broadcast feed on Redis pub/sub.
// Build jobs publish each log line on "<prefix><deploymentID>"; gateways
// pattern-subscribe to "<prefix>*" and fan lines out to their sessions.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Payload is the JSON body published on a deployment channel.
type Payload struct {
	Log string `json:"log"`
}

// Message is one message received from the feed.
type Message struct {
	// Channel is the deployment identifier, with the feed prefix removed.
	Channel string
	// Payload is the message body as published.
	Payload string
}

// Feed publishes to and subscribes on the broadcast feed.
type Feed struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// New wraps client as a feed using prefix for channel names.
func New(client *redis.Client, prefix string, log *logger.Logger) *Feed {
	return &Feed{client: client, prefix: prefix, logger: log.WithComponent("redisfeed")}
}

// ChannelFor returns the feed channel of a deployment.
func (f *Feed) ChannelFor(deploymentID string) string {
	return f.prefix + deploymentID
}

// Pattern returns the pattern matching every deployment channel.
func (f *Feed) Pattern() string {
	return f.prefix + "*"
}

// Publish implements transport.Publisher. Status updates are not broadcast.
func (f *Feed) Publish(ctx context.Context, msg *models.LogMessage) error {
	if msg.IsStatus() {
		return nil
	}
	data, err := json.Marshal(Payload{Log: msg.Log})
	if err != nil {
		return fmt.Errorf("encoding feed payload: %w", err)
	}
	if err := f.client.Publish(ctx, f.ChannelFor(msg.DeploymentID), data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", f.ChannelFor(msg.DeploymentID), err)
	}
	return nil
}

// Ping checks the Redis connection.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Subscription is an active pattern subscription.
type Subscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

// Subscribe pattern-subscribes to pattern and returns once the server has
// confirmed the subscription. Messages are delivered on Messages() in the
// order received until ctx is done or Close is called.
func (f *Feed) Subscribe(ctx context.Context, pattern string) (*Subscription, error) {
	if pattern == "" {
		pattern = f.Pattern()
	}

	pubsub := f.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	f.logger.Info("subscribed to broadcast feed", "pattern", pattern)

	s := &Subscription{pubsub: pubsub, out: make(chan Message)}
	go s.run(ctx, f.prefix)
	return s, nil
}

func (s *Subscription) run(ctx context.Context, prefix string) {
	defer close(s.out)
	in := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg := Message{
				Channel: strings.TrimPrefix(m.Channel, prefix),
				Payload: m.Payload,
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Messages returns the channel of received messages. It is closed when the
// subscription ends.
func (s *Subscription) Messages() <-chan Message {
	return s.out
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
