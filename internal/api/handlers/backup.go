package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/engine"
	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/history"
	"github.com/TheGojiOG/pvebackup/internal/logging"
	"github.com/TheGojiOG/pvebackup/internal/schedule"
	"github.com/TheGojiOG/pvebackup/internal/selection"
	"github.com/TheGojiOG/pvebackup/internal/transfer"
)

// BackupHandler exposes the backup engine over HTTP
type BackupHandler struct {
	engine *engine.Engine
}

type selectionRequest struct {
	Entries []selection.Entry `json:"entries" binding:"required"`
}

type toggleRequest struct {
	Path string `json:"path" binding:"required"`
}

type scheduleRequest struct {
	Enabled bool   `json:"enabled"`
	Cadence string `json:"cadence"`
}

type selectionResponse struct {
	Entries []selection.Entry `json:"entries"`
	Summary selection.Summary `json:"summary"`
}

type historyResponse struct {
	history.Record
	SizeHuman string `json:"size_human"`
}

type remoteFileResponse struct {
	transfer.RemoteFile
	SizeHuman string `json:"size_human"`
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(e *engine.Engine) *BackupHandler {
	return &BackupHandler{engine: e}
}

// RegisterRoutes registers the engine routes on an /api/v1 group
func (h *BackupHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/target", h.GetTarget)
	group.PUT("/target", h.UpdateTarget)
	group.POST("/target/test", h.TestTarget)
	group.GET("/target/files", h.ListRemoteFiles)

	group.GET("/selection", h.GetSelection)
	group.PUT("/selection", h.UpdateSelection)
	group.POST("/selection/toggle", h.ToggleSelection)

	group.POST("/jobs", h.RunBackup)
	group.GET("/jobs/active", h.GetActiveJob)
	group.DELETE("/jobs/active", h.CancelActiveJob)

	group.GET("/schedule", h.GetSchedule)
	group.PUT("/schedule", h.UpdateSchedule)

	group.GET("/history", h.ListHistory)
	group.DELETE("/history/:id", h.DeleteHistory)

	group.GET("/activity", h.ListActivity)
}

// GetTarget returns the configured target without its secret
// GET /api/v1/target
func (h *BackupHandler) GetTarget(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Target())
}

// UpdateTarget validates and stores the target
// PUT /api/v1/target
func (h *BackupHandler) UpdateTarget(c *gin.Context) {
	var req transfer.Target
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	target, err := h.engine.ConfigureTarget(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, target)
}

// TestTarget probes the configured target, or the target in the body when one is sent
// POST /api/v1/target/test
func (h *BackupHandler) TestTarget(c *gin.Context) {
	var err error
	if c.Request.ContentLength > 0 {
		var req transfer.Target
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			badRequest(c, bindErr)
			return
		}
		err = h.engine.TestTarget(c.Request.Context(), req)
	} else {
		err = h.engine.TestConnection(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "connection succeeded"})
}

// ListRemoteFiles lists artifacts in the target directory
// GET /api/v1/target/files
func (h *BackupHandler) ListRemoteFiles(c *gin.Context) {
	files, err := h.engine.RemoteFiles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]remoteFileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, remoteFileResponse{RemoteFile: f, SizeHuman: HumanSize(f.SizeBytes)})
	}
	c.JSON(http.StatusOK, gin.H{"files": out})
}

// GetSelection returns the entries and their summary
// GET /api/v1/selection
func (h *BackupHandler) GetSelection(c *gin.Context) {
	c.JSON(http.StatusOK, selectionResponse{
		Entries: h.engine.Selection(),
		Summary: h.engine.SelectionSummary(),
	})
}

// UpdateSelection replaces the selection
// PUT /api/v1/selection
func (h *BackupHandler) UpdateSelection(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	summary, err := h.engine.SetSelection(c.Request.Context(), req.Entries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, selectionResponse{Entries: h.engine.Selection(), Summary: summary})
}

// ToggleSelection flips one entry
// POST /api/v1/selection/toggle
func (h *BackupHandler) ToggleSelection(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.engine.ToggleEntry(c.Request.Context(), req.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "summary": h.engine.SelectionSummary()})
}

// RunBackup starts a manual backup
// POST /api/v1/jobs
func (h *BackupHandler) RunBackup(c *gin.Context) {
	handle, err := h.engine.RunBackupNow()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle.Snapshot())
}

// GetActiveJob returns the running or most recent job
// GET /api/v1/jobs/active
func (h *BackupHandler) GetActiveJob(c *gin.Context) {
	handle, ok := h.engine.ActiveJob()
	if !ok {
		respondError(c, failure.Newf("engine", "active", failure.NotFound, "no backup job has run"))
		return
	}
	c.JSON(http.StatusOK, handle.Snapshot())
}

// CancelActiveJob cancels the running job
// DELETE /api/v1/jobs/active
func (h *BackupHandler) CancelActiveJob(c *gin.Context) {
	if err := h.engine.CancelActive(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// GetSchedule returns the schedule status
// GET /api/v1/schedule
func (h *BackupHandler) GetSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Schedule())
}

// UpdateSchedule replaces the schedule definition
// PUT /api/v1/schedule
func (h *BackupHandler) UpdateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := h.engine.ConfigureSchedule(c.Request.Context(), schedule.Definition{
		Enabled: req.Enabled,
		Cadence: schedule.Cadence(req.Cadence),
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Schedule())
}

// ListHistory returns history records, most recent first
// GET /api/v1/history?job_id=
func (h *BackupHandler) ListHistory(c *gin.Context) {
	var (
		records []history.Record
		err     error
	)
	if jobID := c.Query("job_id"); jobID != "" {
		records, err = h.engine.JobHistory(c.Request.Context(), jobID)
	} else {
		records, err = h.engine.ListHistory(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]historyResponse, 0, len(records))
	for _, r := range records {
		out = append(out, historyResponse{Record: r, SizeHuman: HumanSize(r.SizeBytes)})
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

// DeleteHistory removes a record, and its remote artifact with purge_remote=true
// DELETE /api/v1/history/:id
func (h *BackupHandler) DeleteHistory(c *gin.Context) {
	purge := false
	if raw := c.Query("purge_remote"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		purge = parsed
	}
	if err := h.engine.DeleteHistoryRecord(c.Request.Context(), c.Param("id"), purge); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListActivity returns the audit trail, most recent first
// GET /api/v1/activity?type=&job_id=&since=&limit=
func (h *BackupHandler) ListActivity(c *gin.Context) {
	filter := logging.ActivityFilter{
		Type:  c.Query("type"),
		JobID: c.Query("job_id"),
		Limit: 100,
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.Since = since
	}

	activities, err := h.engine.Activity(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": activities})
}
