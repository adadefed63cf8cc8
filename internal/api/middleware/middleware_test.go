package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/buildstream/internal/api/errors"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

func TestRecovery_WritesStructuredError(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, slog.LevelInfo, true)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(Recovery(log))
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body apierrors.APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != apierrors.CodeInternalError || body.RequestID == "" {
		t.Errorf("body = %+v", body)
	}

	out := buf.String()
	for _, want := range []string{"panic recovered", "kaboom", "correlation_id", "stack_trace"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, slog.LevelInfo, true)

	var sawRequestID string
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(RequestLogger(log))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		sawRequestID, _ = r.Context().Value(logger.RequestIDKey).(string)
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	if sawRequestID == "" {
		t.Error("request id not propagated into context")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "request completed" || entry["status"] != float64(http.StatusTeapot) || entry["path"] != "/ok" {
		t.Errorf("entry = %v", entry)
	}
}
