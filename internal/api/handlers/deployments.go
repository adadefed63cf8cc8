package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// DeploymentHandler serves deployment records and their stored logs.
type DeploymentHandler struct {
	store  store.Store
	logger *logger.Logger
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(st store.Store, log *logger.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		store:  st,
		logger: log.WithComponent("deployments"),
	}
}

// LogLine is one stored log event as returned by the query endpoint.
type LogLine struct {
	EventID      string `json:"event_id"`
	DeploymentID string `json:"deployment_id"`
	Log          string `json:"log"`
}

// Get handles GET /v1/deployments/{deploymentID}.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	ctx := logger.ContextWithDeploymentID(r.Context(), id)

	deployment, err := h.store.Deployments().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "Deployment not found")
			return
		}
		h.logger.WithContext(ctx).WithError(err).Error("failed to get deployment")
		WriteInternalError(w, r, "Failed to get deployment")
		return
	}

	WriteJSON(w, http.StatusOK, deployment)
}

// Logs handles GET /v1/deployments/{deploymentID}/logs. Unknown deployments
// yield an empty array.
func (h *DeploymentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	ctx := logger.ContextWithDeploymentID(r.Context(), id)

	events, err := h.store.Logs().ListByDeployment(ctx, id)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("failed to list logs")
		WriteInternalError(w, r, "Failed to list logs")
		return
	}

	WriteJSON(w, http.StatusOK, toLogLines(events))
}

func toLogLines(events []*models.LogEvent) []LogLine {
	lines := make([]LogLine, 0, len(events))
	for _, e := range events {
		lines = append(lines, LogLine{
			EventID:      e.EventID,
			DeploymentID: e.DeploymentID,
			Log:          e.Log,
		})
	}
	return lines
}
