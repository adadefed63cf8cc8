package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
)

func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestStore opens the test database and resets the schema.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("failed to ping database: %v", err)
	}

	_, _ = db.Exec("DROP TABLE IF EXISTS log_events CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS deployments CASCADE")

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	s := newStore(db, slog.Default())
	t.Cleanup(func() {
		db.Exec("DELETE FROM log_events")
		db.Exec("DELETE FROM deployments")
		db.Close()
	})
	return s
}

func TestLogStore_DuplicateEventIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e1"} {
		if _, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: id, DeploymentID: "dep-42", Log: "line " + id}); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}

	events, err := s.Logs().ListByDeployment(ctx, "dep-42")
	if err != nil {
		t.Fatalf("ListByDeployment() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Errorf("events = [%s %s], want [e1 e2]", events[0].EventID, events[1].EventID)
	}
	if events[0].Log != "line e1" {
		t.Errorf("duplicate insert overwrote stored record: %q", events[0].Log)
	}
}

func TestLogStore_RejectsEmptyDeploymentID(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Logs().Insert(context.Background(), &models.LogEvent{EventID: "e1", Log: "x"})
	if !errors.Is(err, store.ErrInvalidEvent) {
		t.Fatalf("Insert() without deployment id error = %v, want ErrInvalidEvent", err)
	}
}

func TestLogStore_NULByteIsInvalidEvent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: uuid.NewString(), DeploymentID: "dep-1", Log: "a\x00b"})
	if !errors.Is(err, store.ErrInvalidEvent) {
		t.Fatalf("Insert() with NUL byte error = %v, want ErrInvalidEvent", err)
	}
}

func TestLogStoreOrderingProperty(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("query returns events in insertion order without duplicates", prop.ForAll(
		func(lines []string, dupEvery int) bool {
			deploymentID := uuid.NewString()
			ids := make([]string, len(lines))
			for i, line := range lines {
				ids[i] = uuid.NewString()
				if _, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: ids[i], DeploymentID: deploymentID, Log: line}); err != nil {
					return false
				}
				if i%dupEvery == 0 {
					inserted, err := s.Logs().Insert(ctx, &models.LogEvent{EventID: ids[i], DeploymentID: deploymentID, Log: line})
					if err != nil || inserted {
						return false
					}
				}
			}

			events, err := s.Logs().ListByDeployment(ctx, deploymentID)
			if err != nil || len(events) != len(lines) {
				return false
			}
			for i, e := range events {
				if e.EventID != ids[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(15, gen.AlphaString()),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestDeploymentStore_StatusLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := &models.Deployment{ID: "dep-1", ProjectID: "blue-fox", SourceRef: "https://example.com/r.git"}
	if err := s.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Deployments().Create(ctx, d); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("second Create() error = %v, want ErrDuplicateKey", err)
	}

	steps := []struct {
		status  models.DeploymentStatus
		wantErr error
	}{
		{models.DeploymentStatusInProgress, nil},
		{models.DeploymentStatusQueued, store.ErrInvalidTransition},
		{models.DeploymentStatusSucceeded, nil},
		{models.DeploymentStatusFailed, store.ErrInvalidTransition},
	}
	for _, step := range steps {
		err := s.Deployments().UpdateStatus(ctx, d.ID, step.status)
		if !errors.Is(err, step.wantErr) {
			t.Errorf("UpdateStatus(%s) error = %v, want %v", step.status, err, step.wantErr)
		}
	}

	got, err := s.Deployments().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.DeploymentStatusSucceeded {
		t.Errorf("Status = %s, want SUCCEEDED", got.Status)
	}

	if _, err := s.Deployments().Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.Deployments().UpdateStatus(ctx, "missing", models.DeploymentStatusFailed); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}
