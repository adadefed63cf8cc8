package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	apierrors "github.com/narvanalabs/buildstream/internal/api/errors"
	"github.com/narvanalabs/buildstream/internal/launcher"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// ProjectHandler handles project deployment requests.
type ProjectHandler struct {
	store       store.Store
	launcher    launcher.Launcher
	proxyDomain string
	logger      *logger.Logger
}

// NewProjectHandler creates a new project handler. proxyDomain is the domain
// deployments are served under.
func NewProjectHandler(st store.Store, l launcher.Launcher, proxyDomain string, log *logger.Logger) *ProjectHandler {
	return &ProjectHandler{
		store:       st,
		launcher:    l,
		proxyDomain: proxyDomain,
		logger:      log.WithComponent("projects"),
	}
}

// CreateProjectRequest represents the request body for deploying a project.
type CreateProjectRequest struct {
	GitURL string `json:"git_url"`
	Slug   string `json:"slug,omitempty"`
}

// Validate validates the request and returns field-level errors.
func (r *CreateProjectRequest) Validate() apierrors.ValidationErrors {
	var errs apierrors.ValidationErrors
	if strings.TrimSpace(r.GitURL) == "" {
		errs.Add("git_url", "git_url is required")
	} else if err := launcher.ValidateSourceRef(r.GitURL); err != nil {
		errs.Add("git_url", "git_url is not a resolvable source reference: "+err.Error())
	}
	if r.Slug != "" && !ValidSlug(r.Slug) {
		errs.Add("slug", "slug must be a lowercase hostname label")
	}
	return errs
}

// ProjectData is the payload of a queued deployment response.
type ProjectData struct {
	ProjectSlug  string `json:"project_slug"`
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
}

// CreateProjectResponse is returned once the build job has been accepted.
type CreateProjectResponse struct {
	Status string      `json:"status"`
	Data   ProjectData `json:"data"`
}

// Create handles POST /v1/projects - records a deployment and launches its build job.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if errs := req.Validate(); errs.HasErrors() {
		WriteError(w, r, errs.ToAPIError())
		return
	}

	slug := req.Slug
	if slug == "" {
		slug = GenerateSlug()
	}

	deployment := &models.Deployment{
		ID:        uuid.NewString(),
		ProjectID: slug,
		SourceRef: req.GitURL,
		Status:    models.DeploymentStatusQueued,
	}
	ctx := logger.ContextWithDeploymentID(r.Context(), deployment.ID)
	log := h.logger.WithContext(ctx)

	if err := h.store.Deployments().Create(ctx, deployment); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			log.Warn("deployment already exists")
			WriteError(w, r, apierrors.NewConflictError("Deployment already exists"))
			return
		}
		log.WithError(err).Error("failed to create deployment")
		WriteInternalError(w, r, "Failed to create deployment")
		return
	}

	accepted, err := h.launcher.Launch(ctx, launcher.Request{
		DeploymentID: deployment.ID,
		SourceRef:    deployment.SourceRef,
		ProjectID:    deployment.ProjectID,
	})
	if err != nil {
		h.markFailed(ctx, deployment.ID, log)

		var dispatchErr *launcher.DispatchError
		switch {
		case errors.As(err, &dispatchErr):
			log.Error("build job rejected", "reason", dispatchErr.Reason)
			WriteError(w, r, apierrors.NewDispatchError("Build job was rejected").WithDetails(map[string]any{
				"deployment_id": deployment.ID,
				"reason":        dispatchErr.Reason,
			}))
		case errors.Is(err, launcher.ErrInvalidRequest):
			WriteBadRequest(w, r, err.Error())
		default:
			log.WithError(err).Error("failed to launch build job")
			WriteInternalError(w, r, "Failed to launch build job")
		}
		return
	}

	log.Info("build job queued", "project_id", slug, "job_id", accepted.JobID)

	WriteJSON(w, http.StatusAccepted, CreateProjectResponse{
		Status: "queued",
		Data: ProjectData{
			ProjectSlug:  slug,
			DeploymentID: deployment.ID,
			URL:          fmt.Sprintf("http://%s.%s", slug, h.proxyDomain),
		},
	})
}

func (h *ProjectHandler) markFailed(ctx context.Context, id string, log *logger.Logger) {
	if err := h.store.Deployments().UpdateStatus(ctx, id, models.DeploymentStatusFailed); err != nil {
		log.WithError(err).Warn("failed to mark deployment failed")
	}
}
