// Package transport defines the log transport between build jobs and the
// control plane: the wire codec, partitioning, and the producer and consumer
// abstractions that concrete brokers implement.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
)

// DefaultTopic is the logical topic carrying build log lines.
const DefaultTopic = "container-logs"

// ErrValidation is returned by Decode for messages the ingestor must skip.
var ErrValidation = errors.New("invalid log message")

// Publisher sends log messages to a transport. Implementations must be safe
// for use by a single emitting goroutine.
type Publisher interface {
	Publish(ctx context.Context, msg *models.LogMessage) error
}

// Message is one delivered transport message awaiting acknowledgment.
type Message interface {
	// Data returns the raw payload.
	Data() []byte
	// Sequence returns the message's position in its partition.
	Sequence() uint64
	// Ack commits the position of this message.
	Ack() error
	// Nak requests redelivery after delay.
	Nak(delay time.Duration) error
	// InProgress extends the acknowledgment deadline.
	InProgress() error
}

// Consumer pulls batches from one partition.
type Consumer interface {
	// Partition returns the partition this consumer owns.
	Partition() int
	// Fetch returns up to max messages, blocking until at least one is
	// available, the fetch wait elapses, or ctx is done. An empty batch is
	// not an error.
	Fetch(ctx context.Context, max int) ([]Message, error)
}

// PartitionFor maps a deployment to one of n partitions. All events of one
// deployment land in the same partition.
func PartitionFor(deploymentID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(deploymentID))
	return int(h.Sum32() % uint32(n))
}

// Subject returns the subject of partition p within topic.
func Subject(topic string, p int) string {
	return fmt.Sprintf("%s.%d", topic, p)
}

// Encode serializes a message in the wire format.
func Encode(msg *models.LogMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding log message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire message. Messages that are not JSON
// objects or that carry no deployment identifier yield ErrValidation.
func Decode(data []byte) (*models.LogMessage, error) {
	var msg models.LogMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if strings.TrimSpace(msg.DeploymentID) == "" {
		return nil, fmt.Errorf("%w: missing DEPLOYMENT_ID", ErrValidation)
	}
	if msg.Kind == models.MessageKindStatus && !msg.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, msg.Status)
	}
	return &msg, nil
}
