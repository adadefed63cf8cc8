package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/buildstream/internal/metrics"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// ErrEmitterClosed is returned by Emit after Close.
var ErrEmitterClosed = errors.New("emitter closed")

// DefaultPublishTimeout bounds a single publish attempt.
const DefaultPublishTimeout = 5 * time.Second

// Flusher is implemented by publishers that buffer sends.
type Flusher interface {
	Flush(ctx context.Context) error
}

// NamedPublisher pairs a publisher with a label for logs and metrics.
type NamedPublisher struct {
	Name string
	Publisher
}

// Emitter turns log lines of one deployment into wire messages and hands
// them to every publisher in emission order. Lines are queued in a bounded
// buffer drained by a single goroutine, so Emit only blocks when the buffer
// is full. Publish failures are logged and counted, never returned.
type Emitter struct {
	projectID    string
	deploymentID string
	publishers   []NamedPublisher
	logger       *logger.Logger
	timeout      time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan *models.LogMessage
	done   chan struct{}

	failures atomic.Int64
	newID    func() string
}

// NewEmitter starts an emitter for one deployment.
func NewEmitter(projectID, deploymentID string, queueSize int, log *logger.Logger, publishers ...NamedPublisher) *Emitter {
	if queueSize <= 0 {
		queueSize = 1
	}
	e := &Emitter{
		projectID:    projectID,
		deploymentID: deploymentID,
		publishers:   publishers,
		logger:       log.WithComponent("emitter").WithDeployment(deploymentID),
		timeout:      DefaultPublishTimeout,
		queue:        make(chan *models.LogMessage, queueSize),
		done:         make(chan struct{}),
		newID:        uuid.NewString,
	}
	go e.drain()
	return e
}

// Emit queues one log line.
func (e *Emitter) Emit(ctx context.Context, line string) error {
	return e.enqueue(ctx, &models.LogMessage{
		Log:  line,
		Kind: models.MessageKindLog,
	})
}

// Emitf formats and queues one log line.
func (e *Emitter) Emitf(ctx context.Context, format string, args ...any) error {
	return e.Emit(ctx, fmt.Sprintf(format, args...))
}

// EmitStatus queues a deployment status update.
func (e *Emitter) EmitStatus(ctx context.Context, status models.DeploymentStatus) error {
	return e.enqueue(ctx, &models.LogMessage{
		Log:    "Deployment status: " + string(status),
		Kind:   models.MessageKindStatus,
		Status: status,
	})
}

func (e *Emitter) enqueue(ctx context.Context, msg *models.LogMessage) error {
	msg.ProjectID = e.projectID
	msg.DeploymentID = e.deploymentID
	msg.EventID = e.newID()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEmitterClosed
	}

	select {
	case e.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) drain() {
	defer close(e.done)
	for msg := range e.queue {
		for _, p := range e.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			err := p.Publish(ctx, msg)
			cancel()

			metrics.IncPublished(p.Name, err == nil)
			if err != nil {
				e.failures.Add(1)
				e.logger.Warn("failed to publish log message",
					"publisher", p.Name,
					"event_id", msg.EventID,
					"error", err,
				)
			}
		}
	}
}

// Failures returns the number of failed publish attempts so far.
func (e *Emitter) Failures() int64 {
	return e.failures.Load()
}

// Close stops accepting lines, waits for queued lines to be published, and
// flushes buffering publishers. It returns ctx.Err() if ctx ends first.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, p := range e.publishers {
		if f, ok := p.Publisher.(Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flushing %s: %w", p.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
