// Package ingestor consumes the log transport and persists log events.
//
// Each owned partition is processed by its own goroutine, strictly in
// delivery order. A message's position is acknowledged only after the store
// has confirmed the write, so a crash between write and ack leads to
// redelivery, which the store absorbs through its idempotent insert. A
// failed write is retried in place: the partition does not fetch past it
// until it is stored.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/buildstream/internal/metrics"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
	"github.com/narvanalabs/buildstream/internal/transport"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// Disposition is the outcome of handling one message.
type Disposition int

const (
	// Stored means a new event was written.
	Stored Disposition = iota
	// Duplicate means the event was already stored.
	Duplicate
	// Skipped means the message failed validation, or the store rejected
	// its content, and it is dropped.
	Skipped
	// StatusApplied means a status update was handled.
	StatusApplied
	// Retry means the write failed transiently and must be attempted again.
	Retry
)

func (d Disposition) String() string {
	switch d {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Skipped:
		return "skipped"
	case StatusApplied:
		return "status"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Commit reports whether the transport position may advance past the message.
func (d Disposition) Commit() bool {
	return d != Retry
}

// Config configures an Ingestor.
type Config struct {
	// Topic names the transport topic; it seeds fallback event ids.
	Topic             string
	BatchSize         int
	HeartbeatInterval time.Duration
	// RetryDelay is the first back-off after a failed write and the back-off
	// after a failed fetch. Write back-off doubles up to MaxRetryDelay, which
	// must stay below the transport's ack wait.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultConfig returns the default ingestor configuration.
func DefaultConfig() Config {
	return Config{
		Topic:             transport.DefaultTopic,
		BatchSize:         100,
		HeartbeatInterval: 5 * time.Second,
		RetryDelay:        2 * time.Second,
		MaxRetryDelay:     10 * time.Second,
	}
}

// Ingestor moves messages from transport partitions into the store.
type Ingestor struct {
	logs        store.LogStore
	deployments store.DeploymentStore
	consumers   []transport.Consumer
	cfg         Config
	logger      *logger.Logger
	now         func() time.Time
}

// New creates an Ingestor over the given partition consumers.
func New(st store.Store, consumers []transport.Consumer, cfg Config, log *logger.Logger) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Topic == "" {
		cfg.Topic = transport.DefaultTopic
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	return &Ingestor{
		logs:        st.Logs(),
		deployments: st.Deployments(),
		consumers:   consumers,
		cfg:         cfg,
		logger:      log.WithComponent("ingestor"),
		now:         time.Now,
	}
}

// Run processes every partition until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	if len(in.consumers) == 0 {
		return errors.New("ingestor: no partitions assigned")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range in.consumers {
		g.Go(func() error {
			return in.runPartition(ctx, c)
		})
	}
	return g.Wait()
}

func (in *Ingestor) runPartition(ctx context.Context, c transport.Consumer) error {
	log := &logger.Logger{Logger: in.logger.With("partition", c.Partition())}
	log.Info("partition consumer started")

	for {
		msgs, err := c.Fetch(ctx, in.cfg.BatchSize)
		if len(msgs) > 0 {
			metrics.ObserveBatch(len(msgs))
			in.ProcessBatch(ctx, c.Partition(), msgs)
		}
		if ctx.Err() != nil {
			log.Info("partition consumer stopped")
			return nil
		}
		if err != nil {
			log.WithError(err).Warn("fetch failed")
			if !sleep(ctx, in.cfg.RetryDelay) {
				return nil
			}
		}
	}
}

// ProcessBatch handles msgs in order and returns how many were committed.
// A transient write failure is retried with back-off while the rest of the
// batch is kept alive with progress heartbeats. Only when ctx ends first are
// the uncommitted messages negatively acknowledged, in order, for immediate
// redelivery.
func (in *Ingestor) ProcessBatch(ctx context.Context, partition int, msgs []transport.Message) int {
	lastBeat := in.now()

	for i, m := range msgs {
		if !in.commit(ctx, partition, msgs[i:]) {
			for _, rest := range msgs[i:] {
				if err := rest.Nak(0); err != nil {
					in.logger.WithError(err).Warn("nak failed", "partition", partition, "seq", rest.Sequence())
				}
			}
			return i
		}

		if err := m.Ack(); err != nil {
			// The message will be redelivered and deduplicated by the store.
			in.logger.WithError(err).Warn("ack failed", "partition", partition, "seq", m.Sequence())
		}

		if in.cfg.HeartbeatInterval > 0 && in.now().Sub(lastBeat) >= in.cfg.HeartbeatInterval {
			in.heartbeat(partition, msgs[i+1:])
			lastBeat = in.now()
		}
	}
	return len(msgs)
}

// commit handles pending[0] until it reaches a committable disposition or
// ctx ends. It reports whether the message may be acknowledged.
func (in *Ingestor) commit(ctx context.Context, partition int, pending []transport.Message) bool {
	label := strconv.Itoa(partition)
	delay := in.cfg.RetryDelay

	for attempt := 1; ; attempt++ {
		d := in.Handle(ctx, partition, pending[0])
		metrics.IncIngested(label, d.String())
		if d.Commit() {
			return true
		}

		in.logger.Warn("retrying log event write",
			"partition", partition,
			"seq", pending[0].Sequence(),
			"attempt", attempt,
			"backoff", delay.String(),
		)
		in.heartbeat(partition, pending)
		if !sleep(ctx, delay) {
			return false
		}
		delay = min(delay*2, in.cfg.MaxRetryDelay)
	}
}

// heartbeat extends the ack deadline of messages still waiting in the batch.
func (in *Ingestor) heartbeat(partition int, pending []transport.Message) {
	for _, m := range pending {
		if err := m.InProgress(); err != nil {
			in.logger.WithError(err).Warn("progress heartbeat failed", "partition", partition, "seq", m.Sequence())
		}
	}
}

// Handle decodes one message and applies it to the store.
func (in *Ingestor) Handle(ctx context.Context, partition int, m transport.Message) Disposition {
	msg, err := transport.Decode(m.Data())
	if err != nil {
		in.logger.Warn("skipping invalid log message",
			"partition", partition,
			"seq", m.Sequence(),
			"error", err,
		)
		return Skipped
	}

	if msg.IsStatus() {
		return in.applyStatus(ctx, msg)
	}

	event := &models.LogEvent{
		EventID:      in.eventID(msg, m),
		DeploymentID: msg.DeploymentID,
		Log:          SanitizeLine(msg.Log),
	}
	inserted, err := in.logs.Insert(ctx, event)
	if err != nil {
		log := in.logger.WithDeployment(msg.DeploymentID).WithError(err)
		if errors.Is(err, store.ErrInvalidEvent) {
			log.Warn("dropping log event rejected by the store", "event_id", event.EventID)
			return Skipped
		}
		log.Error("failed to store log event", "event_id", event.EventID)
		return Retry
	}
	if !inserted {
		return Duplicate
	}
	return Stored
}

func (in *Ingestor) applyStatus(ctx context.Context, msg *models.LogMessage) Disposition {
	log := in.logger.WithDeployment(msg.DeploymentID)

	err := in.deployments.UpdateStatus(ctx, msg.DeploymentID, msg.Status)
	switch {
	case err == nil:
		log.Info("deployment status updated", "status", msg.Status)
		return StatusApplied
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		log.WithError(err).Warn("ignoring status update", "status", msg.Status)
		return StatusApplied
	default:
		log.WithError(err).Error("failed to update deployment status", "status", msg.Status)
		return Retry
	}
}

// SanitizeLine makes build output storable as text: NUL bytes, which
// PostgreSQL rejects, and invalid UTF-8 become U+FFFD.
func SanitizeLine(line string) string {
	line = strings.ToValidUTF8(line, "\uFFFD")
	return strings.ReplaceAll(line, "\x00", "\uFFFD")
}

// eventID returns the producer's event id, or one derived from the message's
// stream position so that redelivery of the same message maps to the same id.
func (in *Ingestor) eventID(msg *models.LogMessage, m transport.Message) string {
	if msg.EventID != "" {
		return msg.EventID
	}
	if seq := m.Sequence(); seq > 0 {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%d", in.cfg.Topic, seq))).String()
	}
	return uuid.NewString()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
