package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/statehub/statehub/internal/compare"
	"github.com/statehub/statehub/internal/drift"
	"github.com/statehub/statehub/internal/metrics"
	"github.com/statehub/statehub/internal/state"
	"github.com/statehub/statehub/internal/state/backend"
	"github.com/statehub/statehub/internal/store"
)

type importRequest struct {
	ProjectID   string         `json:"project_id"`
	ProjectSlug string         `json:"project_slug"`
	Workspace   string         `json:"workspace"`
	Backend     backend.Config `json:"backend" binding:"required"`
}

type importResponse struct {
	Snapshot *state.Snapshot `json:"snapshot"`
	Warnings []string        `json:"warnings,omitempty"`
}

func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a backend configuration is required"})
		return
	}

	project, err := s.resolveProject(c, req.ProjectID, req.ProjectSlug)
	if project == nil || err != nil {
		return
	}
	workspace := req.Workspace
	if workspace == "" {
		workspace = "default"
	}

	fetcher, err := backend.Open(&req.Backend)
	if err != nil {
		metrics.StateImportFailures.Inc()
		s.abortWithError(c, err)
		return
	}
	fetchCtx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.BackendFetchTimeout)
	defer cancel()
	payload, err := fetcher.Fetch(fetchCtx)
	if err != nil {
		metrics.StateImportFailures.Inc()
		s.abortWithError(c, err)
		return
	}

	snap, err := state.Parse(payload.Raw, string(req.Backend.Type))
	if err != nil {
		metrics.StateImportFailures.Inc()
		s.abortWithError(c, err)
		return
	}
	snap.ProjectID = project.ID
	snap.Workspace = workspace
	snap.BackendConfig = redactedBackendConfig(&req.Backend)

	warnings, err := s.lineageWarnings(c.Request.Context(), snap)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.store.SaveSnapshot(c.Request.Context(), snap); err != nil {
		s.abortWithError(c, err)
		return
	}

	metrics.StateImports.WithLabelValues(string(req.Backend.Type)).Inc()
	// Children are already persisted; the summary response carries
	// only the metadata.
	snap.Resources = nil
	snap.Outputs = nil
	snap.CanonicalJSON = nil
	c.JSON(http.StatusCreated, importResponse{Snapshot: snap, Warnings: warnings})
}

// lineageWarnings flags an import whose lineage continues the previous
// snapshot but whose serial goes backwards.
func (s *Server) lineageWarnings(ctx context.Context, snap *state.Snapshot) ([]string, error) {
	previous, err := s.store.LatestSnapshot(ctx, snap.ProjectID, snap.Workspace)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		return nil, nil
	}
	if previous.Lineage != "" && previous.Lineage == snap.Lineage && snap.Serial < previous.Serial {
		return []string{
			"serial regressed from " + strconv.FormatInt(previous.Serial, 10) +
				" to " + strconv.FormatInt(snap.Serial, 10) + " within the same lineage",
		}, nil
	}
	return nil, nil
}

// redactedBackendConfig persists the backend shape without its
// credential material.
func redactedBackendConfig(cfg *backend.Config) string {
	clean := *cfg
	clean.SessionToken = ""
	clean.SASToken = ""
	clean.ConnectionString = ""
	clean.Token = ""
	raw, _ := json.Marshal(clean)
	return string(raw)
}

func (s *Server) handleListStates(c *gin.Context) {
	project, err := s.resolveProject(c, c.Query("project_id"), c.Query("project_slug"))
	if project == nil || err != nil {
		return
	}
	snapshots, err := s.store.ListSnapshots(c.Request.Context(), project.ID, c.Query("workspace"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (s *Server) handleGetState(c *gin.Context) {
	includeSnapshot, _ := strconv.ParseBool(c.DefaultQuery("include_snapshot", "false"))
	snap, err := s.store.GetSnapshot(c.Request.Context(), c.Param("id"), includeSnapshot)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	response := gin.H{"snapshot": snap}
	if includeSnapshot {
		response["state"] = json.RawMessage(snap.CanonicalJSON)
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListResources(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	resources, err := s.store.Resources(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": resources, "limit": limit, "offset": offset})
}

func (s *Server) handleListOutputs(c *gin.Context) {
	outputs, err := s.store.Outputs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputs": outputs})
}

func (s *Server) handleExport(c *gin.Context) {
	payload, err := s.store.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

type driftPlanRequest struct {
	Plan         json.RawMessage `json:"plan" binding:"required"`
	RecordResult bool            `json:"record_result"`
}

func (s *Server) handleDriftPlan(c *gin.Context) {
	var req driftPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a plan document is required"})
		return
	}

	snap, err := s.loadSnapshotWithResources(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	summary, err := drift.Analyze(snap, req.Plan)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	metrics.DriftRuns.Inc()

	if req.RecordResult {
		details, err := json.Marshal(summary.Details)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		detection := &store.DriftDetection{
			ProjectID:          snap.ProjectID,
			SnapshotID:         snap.ID,
			Workspace:          snap.Workspace,
			Method:             "plan",
			ResourcesAdded:     summary.ResourcesAdded,
			ResourcesModified:  summary.ResourcesChanged,
			ResourcesDestroyed: summary.ResourcesDestroyed,
			Details:            details,
		}
		if err := s.store.RecordDrift(c.Request.Context(), detection); err != nil {
			s.abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) loadSnapshotWithResources(ctx context.Context, id string) (*state.Snapshot, error) {
	snap, err := s.store.GetSnapshot(ctx, id, false)
	if err != nil {
		return nil, err
	}
	resources, err := s.store.Resources(ctx, id, snap.ResourceCount+1, 0)
	if err != nil {
		return nil, err
	}
	snap.Resources = resources
	return snap, nil
}

type removeRequest struct {
	Addresses []string `json:"addresses" binding:"required,min=1"`
}

func (s *Server) handleRemoveAddresses(c *gin.Context) {
	var req removeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a non-empty addresses list is required"})
		return
	}
	snap, err := s.store.RemoveAddresses(c.Request.Context(), c.Param("id"), req.Addresses)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	metrics.StateMutations.WithLabelValues("remove").Inc()
	snap.Resources = nil
	snap.Outputs = nil
	snap.CanonicalJSON = nil
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

type moveRequest struct {
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

func (s *Server) handleMoveAddress(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source and destination are required"})
		return
	}
	snap, err := s.store.MoveAddress(c.Request.Context(), c.Param("id"), req.Source, req.Destination)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	metrics.StateMutations.WithLabelValues("move").Inc()
	snap.Resources = nil
	snap.Outputs = nil
	snap.CanonicalJSON = nil
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// workspaceNamePattern keeps workspace names shell and URL safe.
var workspaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,89}$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("workspacename", func(fl validator.FieldLevel) bool {
			return workspaceNamePattern.MatchString(fl.Field().String())
		})
	}
}

type workspaceRequest struct {
	ProjectID   string `json:"project_id"`
	ProjectSlug string `json:"project_slug"`
	Name        string `json:"name" binding:"required,workspacename"`
	Description string `json:"description"`
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var req workspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a workspace name is required"})
		return
	}
	project, err := s.resolveProject(c, req.ProjectID, req.ProjectSlug)
	if project == nil || err != nil {
		return
	}
	ws, err := s.store.CreateWorkspace(c.Request.Context(), project.ID, req.Name, req.Description)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	project, err := s.resolveProject(c, c.Query("project_id"), c.Query("project_slug"))
	if project == nil || err != nil {
		return
	}
	workspaces, err := s.store.ListWorkspaces(c.Request.Context(), project.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	ws, err := s.store.GetWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	variables, err := s.store.WorkspaceVariables(c.Request.Context(), ws.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": ws, "variables": redactVariables(variables)})
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	if err := s.store.DeleteWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type setVariableRequest struct {
	Key       string `json:"key" binding:"required"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

func (s *Server) handleSetVariable(c *gin.Context) {
	var req setVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a variable key is required"})
		return
	}
	err := s.store.SetWorkspaceVariable(c.Request.Context(), c.Param("id"), req.Key, req.Value, req.Sensitive)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "set"})
}

func (s *Server) handleListVariables(c *gin.Context) {
	variables, err := s.store.WorkspaceVariables(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"variables": redactVariables(variables)})
}

// redactVariables blanks sensitive values before they leave the API.
func redactVariables(variables []store.WorkspaceVariable) []store.WorkspaceVariable {
	out := make([]store.WorkspaceVariable, len(variables))
	for i, v := range variables {
		if v.Sensitive {
			v.Value = compare.RedactedValue
		}
		out[i] = v
	}
	return out
}

func (s *Server) handleCompareWorkspaces(c *gin.Context) {
	var req compare.Request
	if err := c.ShouldBindJSON(&req); err != nil ||
		req.LeftWorkspaceID == "" || req.RightWorkspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "left_workspace_id and right_workspace_id are required"})
		return
	}
	result, err := s.comparator.Compare(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type savePlanRequest struct {
	ProjectID   string          `json:"project_id"`
	ProjectSlug string          `json:"project_slug"`
	Workspace   string          `json:"workspace"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
}

func (s *Server) handleSavePlan(c *gin.Context) {
	var req savePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a plan payload is required"})
		return
	}
	project, err := s.resolveProject(c, req.ProjectID, req.ProjectSlug)
	if project == nil || err != nil {
		return
	}
	plan := &store.Plan{
		ProjectID:   project.ID,
		Workspace:   req.Workspace,
		Description: req.Description,
		Payload:     req.Payload,
	}
	if err := s.store.SavePlan(c.Request.Context(), plan); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleListPlans(c *gin.Context) {
	project, err := s.resolveProject(c, c.Query("project_id"), c.Query("project_slug"))
	if project == nil || err != nil {
		return
	}
	plans, err := s.store.ListPlans(c.Request.Context(), project.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) handleGetPlan(c *gin.Context) {
	plan, err := s.store.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(c *gin.Context) {
	if err := s.store.DeletePlan(c.Request.Context(), c.Param("id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// resolveProject looks a project up and writes the error response
// itself; callers bail out when it returns nil.
func (s *Server) resolveProject(c *gin.Context, id, slug string) (*Project, error) {
	if id == "" && slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id or project_slug is required"})
		return nil, nil
	}
	project, err := s.projects.Project(c.Request.Context(), id, slug)
	if err != nil {
		s.abortWithError(c, err)
		return nil, err
	}
	if project == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return nil, nil
	}
	return project, nil
}
