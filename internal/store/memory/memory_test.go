package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
)

func TestLogStore_DuplicateEventIDs(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e1"} {
		if _, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: id, DeploymentID: "dep-42", Log: id}); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}

	events, err := s.Logs().ListByDeployment(ctx, "dep-42")
	if err != nil {
		t.Fatalf("ListByDeployment() error = %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Fatalf("events = %+v, want e1,e2", events)
	}
}

func TestLogStore_Validation(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: "e1"}); !errors.Is(err, store.ErrInvalidEvent) {
		t.Errorf("Insert() without deployment id error = %v, want ErrInvalidEvent", err)
	}
	if _, err := s.Logs().Insert(ctx, &models.LogEvent{DeploymentID: "d"}); !errors.Is(err, store.ErrInvalidEvent) {
		t.Errorf("Insert() without event id error = %v, want ErrInvalidEvent", err)
	}

	events, _ := s.Logs().ListByDeployment(ctx, "")
	if len(events) != 0 {
		t.Errorf("stored %d events without deployment id", len(events))
	}
}

func TestLogStore_ConcurrentDuplicateInserts(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	inserted := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: "same", DeploymentID: "dep", Log: "x"})
			if err != nil {
				t.Errorf("Insert() error = %v", err)
			}
			inserted <- ok
		}()
	}
	wg.Wait()
	close(inserted)

	count := 0
	for ok := range inserted {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d inserts reported success, want 1", count)
	}
}

func TestLogStoreIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying any prefix never adds rows", prop.ForAll(
		func(lines []string, replay int) bool {
			s := New()
			ctx := context.Background()
			events := make([]*models.LogEvent, len(lines))
			for i, line := range lines {
				events[i] = &models.LogEvent{EventID: uuid.NewString(), DeploymentID: "dep", Log: line}
				s.Logs().Insert(ctx, events[i])
			}
			if replay > len(events) {
				replay = len(events)
			}
			for _, e := range events[:replay] {
				dup := *e
				if ok, err := s.Logs().Insert(ctx, &dup); ok || err != nil {
					return false
				}
			}
			stored, _ := s.Logs().ListByDeployment(ctx, "dep")
			if len(stored) != len(lines) {
				return false
			}
			for i := range stored {
				if stored[i].EventID != events[i].EventID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestDeploymentStore_UpdateStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Deployments().Create(ctx, &models.Deployment{ID: "d1", ProjectID: "p", SourceRef: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Deployments().Create(ctx, &models.Deployment{ID: "d1"}); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("Create() duplicate error = %v", err)
	}

	if err := s.Deployments().UpdateStatus(ctx, "d1", models.DeploymentStatusInProgress); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := s.Deployments().UpdateStatus(ctx, "d1", models.DeploymentStatusInProgress); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("repeated UpdateStatus() error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Deployments().UpdateStatus(ctx, "nope", models.DeploymentStatusFailed); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateStatus(nope) error = %v, want ErrNotFound", err)
	}

	d, _ := s.Deployments().Get(ctx, "d1")
	if d.Status != models.DeploymentStatusInProgress {
		t.Errorf("Status = %s", d.Status)
	}
}
