package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
	"github.com/narvanalabs/buildstream/internal/store/memory"
	"github.com/narvanalabs/buildstream/internal/transport"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"go.uber.org/goleak"
)

type fakeMessage struct {
	data       []byte
	seq        uint64
	acked      bool
	naked      bool
	nakDelay   time.Duration
	inProgress int
}

func (m *fakeMessage) Data() []byte                  { return m.data }
func (m *fakeMessage) Sequence() uint64              { return m.seq }
func (m *fakeMessage) Ack() error                    { m.acked = true; return nil }
func (m *fakeMessage) Nak(delay time.Duration) error { m.naked, m.nakDelay = true, delay; return nil }
func (m *fakeMessage) InProgress() error             { m.inProgress++; return nil }

func wire(t *testing.T, msg models.LogMessage) []byte {
	t.Helper()
	data, err := transport.Encode(&msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func logMsg(t *testing.T, seq uint64, eventID, deploymentID, text string) *fakeMessage {
	return &fakeMessage{
		seq:  seq,
		data: wire(t, models.LogMessage{ProjectID: "p", DeploymentID: deploymentID, Log: text, EventID: eventID}),
	}
}

func asTransport(msgs ...*fakeMessage) []transport.Message {
	out := make([]transport.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}

func testLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard, slog.LevelError, false)
}

func newTestIngestor(st store.Store) *Ingestor {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 4 * time.Millisecond
	return New(st, nil, cfg, testLogger())
}

func TestProcessBatch_DuplicateEventIDs(t *testing.T) {
	st := memory.New()
	in := newTestIngestor(st)
	ctx := context.Background()

	batch := []*fakeMessage{
		logMsg(t, 1, "e1", "dep-42", "first"),
		logMsg(t, 2, "e2", "dep-42", "second"),
		logMsg(t, 3, "e1", "dep-42", "first"),
	}
	if n := in.ProcessBatch(ctx, 0, asTransport(batch...)); n != 3 {
		t.Fatalf("ProcessBatch() committed %d, want 3", n)
	}

	events, _ := st.Logs().ListByDeployment(ctx, "dep-42")
	if len(events) != 2 || events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Fatalf("events = %+v, want e1,e2", events)
	}
	for i, m := range batch {
		if !m.acked {
			t.Errorf("message %d not acked", i)
		}
	}
}

func TestProcessBatch_SkipsMissingDeploymentID(t *testing.T) {
	st := memory.New()
	in := newTestIngestor(st)
	ctx := context.Background()

	bad := logMsg(t, 1, "e1", "", "orphan")
	garbage := &fakeMessage{seq: 2, data: []byte("not json")}
	good := logMsg(t, 3, "e3", "dep-1", "ok")

	in.ProcessBatch(ctx, 0, asTransport(bad, garbage, good))

	if !bad.acked || !garbage.acked {
		t.Error("invalid messages must still advance the position")
	}
	events, _ := st.Logs().ListByDeployment(ctx, "")
	if len(events) != 0 {
		t.Errorf("stored %d events without deployment id", len(events))
	}
	events, _ = st.Logs().ListByDeployment(ctx, "dep-1")
	if len(events) != 1 {
		t.Errorf("stored %d events for dep-1, want 1", len(events))
	}
}

func TestProcessBatch_RedeliveryAfterCrash(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	m := logMsg(t, 7, "e7", "dep-1", "line")
	newTestIngestor(st).Handle(ctx, 0, m)
	// Crash before ack: a fresh ingestor receives the same message again.
	redelivered := logMsg(t, 7, "e7", "dep-1", "line")
	newTestIngestor(st).ProcessBatch(ctx, 0, asTransport(redelivered))

	events, _ := st.Logs().ListByDeployment(ctx, "dep-1")
	if len(events) != 1 {
		t.Fatalf("stored %d events, want 1", len(events))
	}
	if !redelivered.acked {
		t.Error("redelivered duplicate not acked")
	}
}

func TestHandle_FallbackEventIDIsStable(t *testing.T) {
	st := memory.New()
	in := newTestIngestor(st)
	ctx := context.Background()

	noID := func() *fakeMessage { return logMsg(t, 99, "", "dep-1", "legacy") }
	if d := in.Handle(ctx, 0, noID()); d != Stored {
		t.Fatalf("first Handle() = %v, want stored", d)
	}
	if d := in.Handle(ctx, 0, noID()); d != Duplicate {
		t.Fatalf("redelivered Handle() = %v, want duplicate", d)
	}
}

type failingLogStore struct {
	store.LogStore
	failOn string
	// times is how often Insert fails for failOn; negative fails forever.
	times int
	err   error

	mu       sync.Mutex
	attempts int
}

func (s *failingLogStore) Insert(ctx context.Context, e *models.LogEvent) (bool, error) {
	if e.EventID == s.failOn {
		s.mu.Lock()
		s.attempts++
		fail := s.times < 0 || s.attempts <= s.times
		s.mu.Unlock()
		if fail {
			if s.err != nil {
				return false, s.err
			}
			return false, errors.New("connection reset")
		}
	}
	return s.LogStore.Insert(ctx, e)
}

type failingStore struct {
	*memory.Store
	logs *failingLogStore
}

func (s *failingStore) Logs() store.LogStore { return s.logs }

func newFailingStore(failOn string, times int) (*failingStore, *memory.Store) {
	mem := memory.New()
	return &failingStore{Store: mem, logs: &failingLogStore{LogStore: mem.Logs(), failOn: failOn, times: times}}, mem
}

func TestProcessBatch_TransientStoreErrorRetriedInPlace(t *testing.T) {
	st, mem := newFailingStore("e2", 3)
	in := newTestIngestor(st)
	ctx := context.Background()

	batch := []*fakeMessage{
		logMsg(t, 1, "e1", "dep-1", "a"),
		logMsg(t, 2, "e2", "dep-1", "b"),
		logMsg(t, 3, "e3", "dep-1", "c"),
	}
	if n := in.ProcessBatch(ctx, 0, asTransport(batch...)); n != 3 {
		t.Fatalf("ProcessBatch() committed %d, want 3", n)
	}

	for i, m := range batch {
		if !m.acked || m.naked {
			t.Errorf("message %d acked=%v naked=%v, want ack only", i, m.acked, m.naked)
		}
	}
	if batch[2].inProgress == 0 {
		t.Error("message waiting behind the retry never received a heartbeat")
	}
	if st.logs.attempts != 4 {
		t.Errorf("Insert(e2) attempts = %d, want 4", st.logs.attempts)
	}

	events, _ := mem.Logs().ListByDeployment(ctx, "dep-1")
	var got []string
	for _, e := range events {
		got = append(got, e.EventID)
	}
	if strings.Join(got, ",") != "e1,e2,e3" {
		t.Errorf("stored %v, want e1,e2,e3", got)
	}
}

func TestProcessBatch_ShutdownDuringRetryNaksRemainder(t *testing.T) {
	st, mem := newFailingStore("e2", -1)
	in := newTestIngestor(st)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	batch := []*fakeMessage{
		logMsg(t, 1, "e1", "dep-1", "a"),
		logMsg(t, 2, "e2", "dep-1", "b"),
		logMsg(t, 3, "e3", "dep-1", "c"),
	}
	if n := in.ProcessBatch(ctx, 0, asTransport(batch...)); n != 1 {
		t.Fatalf("ProcessBatch() committed %d, want 1", n)
	}

	if !batch[0].acked {
		t.Error("message before the failure should be acked")
	}
	for i, m := range batch[1:] {
		if m.acked || !m.naked {
			t.Errorf("message %d acked=%v naked=%v, want nak only", i+1, m.acked, m.naked)
		}
		if m.nakDelay != 0 {
			t.Errorf("message %d nak delay = %v, want immediate redelivery", i+1, m.nakDelay)
		}
	}

	events, _ := mem.Logs().ListByDeployment(context.Background(), "dep-1")
	if len(events) != 1 {
		t.Errorf("stored %d events, want only e1", len(events))
	}
}

func TestHandle_RejectedEventIsSkipped(t *testing.T) {
	st, mem := newFailingStore("e2", -1)
	st.logs.err = fmt.Errorf("inserting log event: %w", store.ErrInvalidEvent)
	in := newTestIngestor(st)
	ctx := context.Background()

	batch := []*fakeMessage{
		logMsg(t, 1, "e1", "dep-1", "a"),
		logMsg(t, 2, "e2", "dep-1", "b"),
		logMsg(t, 3, "e3", "dep-1", "c"),
	}
	if n := in.ProcessBatch(ctx, 0, asTransport(batch...)); n != 3 {
		t.Fatalf("ProcessBatch() committed %d, want 3", n)
	}
	if !batch[1].acked {
		t.Error("rejected event must advance the position")
	}
	if st.logs.attempts != 1 {
		t.Errorf("Insert(e2) attempts = %d, want 1", st.logs.attempts)
	}
	events, _ := mem.Logs().ListByDeployment(ctx, "dep-1")
	if len(events) != 2 {
		t.Errorf("stored %d events, want e1 and e3", len(events))
	}
}

func TestHandle_SanitizesNULBytes(t *testing.T) {
	st := memory.New()
	in := newTestIngestor(st)
	ctx := context.Background()

	m := logMsg(t, 1, "e1", "dep-1", "bin\x00ary \xff output")
	if d := in.Handle(ctx, 0, m); d != Stored {
		t.Fatalf("Handle() = %v, want stored", d)
	}
	events, _ := st.Logs().ListByDeployment(ctx, "dep-1")
	if len(events) != 1 {
		t.Fatalf("stored %d events, want 1", len(events))
	}
	if got, want := events[0].Log, "bin\uFFFDary \uFFFD output"; got != want {
		t.Errorf("Log = %q, want %q", got, want)
	}
}

func TestProcessBatch_Heartbeat(t *testing.T) {
	st := memory.New()
	in := newTestIngestor(st)
	in.cfg.HeartbeatInterval = time.Second

	clock := time.Unix(0, 0)
	in.now = func() time.Time {
		clock = clock.Add(600 * time.Millisecond)
		return clock
	}

	batch := []*fakeMessage{
		logMsg(t, 1, "e1", "d", "a"),
		logMsg(t, 2, "e2", "d", "b"),
		logMsg(t, 3, "e3", "d", "c"),
	}
	in.ProcessBatch(context.Background(), 0, asTransport(batch...))

	if batch[2].inProgress == 0 {
		t.Error("pending message never received a heartbeat")
	}
}

func TestHandle_StatusUpdates(t *testing.T) {
	st := memory.New()
	in := newTestIngestor(st)
	ctx := context.Background()
	st.Deployments().Create(ctx, &models.Deployment{ID: "dep-1", ProjectID: "p", SourceRef: "r"})

	status := func(s models.DeploymentStatus, dep string) *fakeMessage {
		return &fakeMessage{data: wire(t, models.LogMessage{DeploymentID: dep, Kind: models.MessageKindStatus, Status: s})}
	}

	msgs := []*fakeMessage{
		status(models.DeploymentStatusInProgress, "dep-1"),
		status(models.DeploymentStatusFailed, "dep-1"),
		status(models.DeploymentStatusInProgress, "dep-1"),
		status(models.DeploymentStatusFailed, "unknown"),
	}
	in.ProcessBatch(ctx, 0, asTransport(msgs...))

	for i, m := range msgs {
		if !m.acked {
			t.Errorf("status message %d not acked", i)
		}
	}
	d, _ := st.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusFailed {
		t.Errorf("Status = %s, want FAILED", d.Status)
	}
	events, _ := st.Logs().ListByDeployment(ctx, "dep-1")
	if len(events) != 0 {
		t.Errorf("status updates stored as %d log events", len(events))
	}
}

type fakeConsumer struct {
	partition int
	mu        sync.Mutex
	batches   [][]transport.Message
}

func (c *fakeConsumer) Partition() int { return c.partition }

func (c *fakeConsumer) Fetch(ctx context.Context, max int) ([]transport.Message, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_PartitionsConcurrentlyAndInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := memory.New()
	var consumers []transport.Consumer
	for p := 0; p < 3; p++ {
		dep := "dep-" + string(rune('a'+p))
		var batch []*fakeMessage
		for i := 0; i < 20; i++ {
			batch = append(batch, logMsg(t, uint64(i+1), dep+"-"+string(rune('A'+i)), dep, string(rune('A'+i))))
		}
		consumers = append(consumers, &fakeConsumer{partition: p, batches: [][]transport.Message{asTransport(batch...)}})
	}

	in := New(st, consumers, DefaultConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		total := 0
		for p := 0; p < 3; p++ {
			events, _ := st.Logs().ListByDeployment(ctx, "dep-"+string(rune('a'+p)))
			total += len(events)
		}
		if total == 60 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingested %d events, want 60", total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for p := 0; p < 3; p++ {
		events, _ := st.Logs().ListByDeployment(context.Background(), "dep-"+string(rune('a'+p)))
		for i, e := range events {
			if e.Log != string(rune('A'+i)) {
				t.Fatalf("partition %d event %d = %q, out of order", p, i, e.Log)
			}
		}
	}
}

func TestRun_NoPartitions(t *testing.T) {
	if err := New(memory.New(), nil, DefaultConfig(), testLogger()).Run(context.Background()); err == nil {
		t.Error("Run() without consumers should fail")
	}
}
