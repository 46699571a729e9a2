package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"webforge/internal/dapp"
	"webforge/internal/deployment"
	"webforge/internal/events"
	"webforge/internal/pipeline"
	"webforge/internal/store"
)

// StartBuildRequest is the body of POST /builds.
type StartBuildRequest struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt" binding:"required"`
}

// StartBuild registers a build and returns before any stage runs.
func (s *Server) StartBuild(c *gin.Context) {
	var req StartBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "prompt is required", "INVALID_REQUEST")
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = uuid.NewString()
	}
	if !projectIDPattern.MatchString(req.ProjectID) {
		respondError(c, http.StatusBadRequest, "project_id must be 1-64 letters, digits, '-' or '_'", "INVALID_PROJECT_ID")
		return
	}

	buildID, err := s.driver.Start(c.Request.Context(), pipeline.StartRequest{
		ProjectID: req.ProjectID,
		Prompt:    req.Prompt,
	})
	if err != nil {
		s.startError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"project_id": req.ProjectID,
		"build_id":   buildID,
		"status":     pipeline.StatusPlanning,
	})
}

// CreateDApp deploys a contract and then builds its frontend.
func (s *Server) CreateDApp(c *gin.Context) {
	var req dapp.FullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	projectID, err := s.dapps.CreateFull(c.Request.Context(), req)
	if err != nil {
		s.startError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "contract_only": req.ContractOnly})
}

// CreateFrontend builds a frontend for an existing contract.
func (s *Server) CreateFrontend(c *gin.Context) {
	var req dapp.FrontendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	projectID, err := s.dapps.CreateFrontendOnly(c.Request.Context(), req)
	if err != nil {
		s.startError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID})
}

func (s *Server) startError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrAlreadyActive):
		respondError(c, http.StatusConflict, err.Error(), "BUILD_ALREADY_ACTIVE")
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, dapp.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	case errors.Is(err, dapp.ErrUnknownNetwork):
		respondError(c, http.StatusBadRequest, err.Error(), "UNKNOWN_NETWORK")
	case errors.Is(err, pipeline.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, err.Error(), "SHUTTING_DOWN")
	default:
		s.log.Error("start failed", zap.Error(err))
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to start build", "START_FAILED")
	}
}

// CancelBuild stops the project's active build, whether it is still
// deploying its contract or already in the pipeline.
func (s *Server) CancelBuild(c *gin.Context) {
	projectID := c.Param("project")
	err := s.driver.Cancel(projectID)
	if errors.Is(err, pipeline.ErrNotFound) && s.dapps != nil {
		err = s.dapps.Cancel(projectID)
	}
	if errors.Is(err, pipeline.ErrNotFound) {
		respondError(c, http.StatusNotFound, "no active build for project", "BUILD_NOT_FOUND")
		return
	}
	if err != nil {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to cancel build", "CANCEL_FAILED")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "status": "cancelling"})
}

// ProjectStatus answers from the live build, then the last-known event
// snapshot, then the latest persisted build.
func (s *Server) ProjectStatus(c *gin.Context) {
	projectID := c.Param("project")
	if st, ok := s.driver.Status(projectID); ok {
		c.JSON(http.StatusOK, gin.H{"source": "live", "build": st})
		return
	}

	ctx := c.Request.Context()
	snap, ok, err := s.publisher.LastKnown(ctx, projectID)
	if err != nil {
		s.log.Warn("last-known status lookup failed", zap.String("project_id", projectID), zap.Error(err))
	}
	resp := gin.H{"source": "snapshot"}
	if ok {
		resp["snapshot"] = snap
	}
	if s.store != nil {
		rec, err := s.store.LatestBuild(ctx, projectID)
		switch {
		case err == nil:
			resp["build"] = buildView(rec)
			if !ok {
				resp["source"] = "store"
			}
			ok = true
		case !errors.Is(err, store.ErrNotFound):
			_ = c.Error(err)
			respondError(c, http.StatusInternalServerError, "failed to load build", "STORE_ERROR")
			return
		}
	}
	if !ok {
		respondError(c, http.StatusNotFound, "project has no builds", "PROJECT_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetBuild returns the persisted result of a finished build.
func (s *Server) GetBuild(c *gin.Context) {
	rec, ok := s.loadBuild(c)
	if !ok {
		return
	}
	files, err := s.store.ListFiles(c.Request.Context(), rec.ID, false)
	if err != nil {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to load files", "STORE_ERROR")
		return
	}
	view := buildView(rec)
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	view["files"] = paths
	c.JSON(http.StatusOK, view)
}

// GetBuildFiles returns the generated files with their contents. The "path"
// query parameter selects a single file.
func (s *Server) GetBuildFiles(c *gin.Context) {
	rec, ok := s.loadBuild(c)
	if !ok {
		return
	}
	files, err := s.store.ListFiles(c.Request.Context(), rec.ID, true)
	if err != nil {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to load files", "STORE_ERROR")
		return
	}
	if p := strings.TrimPrefix(c.Query("path"), "./"); p != "" {
		for _, f := range files {
			if f.Path == p {
				c.JSON(http.StatusOK, f)
				return
			}
		}
		respondError(c, http.StatusNotFound, "file not found in build", "FILE_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, gin.H{"build_id": rec.ID, "files": files})
}

func (s *Server) loadBuild(c *gin.Context) (*store.BuildRecord, bool) {
	if s.store == nil {
		respondError(c, http.StatusNotImplemented, "build history is not configured", "NO_STORE")
		return nil, false
	}
	rec, err := s.store.GetBuild(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "build not found", "BUILD_NOT_FOUND")
		return nil, false
	}
	if err != nil {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to load build", "STORE_ERROR")
		return nil, false
	}
	return rec, true
}

func buildView(rec *store.BuildRecord) gin.H {
	view := gin.H{
		"build_id":    rec.ID,
		"project_id":  rec.ProjectID,
		"status":      rec.Status,
		"counters":    rec.Counters(),
		"started_at":  rec.StartedAt,
		"finished_at": rec.FinishedAt,
	}
	if rec.Category != "" {
		view["category"] = rec.Category
		view["message"] = rec.Message
		view["failed_at"] = rec.FailedAt
	}
	if errs, err := rec.ErrorsOf(); err == nil && len(errs) > 0 {
		view["errors"] = errs
	}
	if rec.ContractAddress != "" {
		view["contract_address"] = rec.ContractAddress
		view["network"] = rec.Network
	}
	return view
}

// GetContract returns the contract attached to a project.
func (s *Server) GetContract(c *gin.Context) {
	if s.store == nil {
		respondError(c, http.StatusNotImplemented, "contract storage is not configured", "NO_STORE")
		return
	}
	rec, err := s.store.GetContract(c.Request.Context(), c.Param("project"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "project has no contract", "CONTRACT_NOT_FOUND")
		return
	}
	if err != nil {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to load contract", "STORE_ERROR")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListNetworks lists the networks contracts can be deployed to.
func (s *Server) ListNetworks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"networks": deployment.Networks()})
}

// snapshotOrNil is the last-known snapshot of a project, if any.
func (s *Server) snapshotOrNil(c *gin.Context, projectID string) *events.Snapshot {
	snap, ok, err := s.publisher.LastKnown(c.Request.Context(), projectID)
	if err != nil || !ok {
		return nil
	}
	return &snap
}
