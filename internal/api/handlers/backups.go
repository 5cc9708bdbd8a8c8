// Package handlers implements the core API surface from spec.md §6: submit,
// progress, status, restore, schedule GET/PUT, and backup deletion. Auth,
// routing concerns beyond registration, and the web UI are external
// collaborators' responsibility, not this package's.
package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/internal/scheduler"
	"github.com/stevedore-io/stevedore/internal/supervisor"
)

// queueSupervisor is the subset of supervisor.Supervisor the handler needs.
type queueSupervisor interface {
	Start(containerID string, queueIfBusy, isScheduled bool) (string, error)
	Progress(id string) (supervisor.Progress, bool)
	Status() supervisor.StatusSnapshot
}

// scheduleStore is the subset of scheduler.Scheduler the handler needs.
type scheduleStore interface {
	Current() scheduler.Schedule
	Update(scheduler.Schedule) error
}

// auditSink records the audit trail spec.md §6 requires for every deletion.
type auditSink interface {
	AppendAudit(action, containerID, containerName, detail string) error
}

// BackupHandler serves the submit/progress/status/schedule/delete endpoints
// described in spec.md §6; restore is served by RestoreHandler.
type BackupHandler struct {
	supervisor queueSupervisor
	scheduler  scheduleStore
	audit      auditSink
	backupsDir string
	logger     zerolog.Logger
}

// NewBackupHandler returns a handler bound to sup/sched/audit and rooted at backupsDir.
func NewBackupHandler(sup queueSupervisor, sched scheduleStore, audit auditSink, backupsDir string, logger zerolog.Logger) *BackupHandler {
	return &BackupHandler{
		supervisor: sup,
		scheduler:  sched,
		audit:      audit,
		backupsDir: backupsDir,
		logger:     logger.With().Str("component", "api.backups").Logger(),
	}
}

// RegisterRoutes mounts the core endpoints under r.
func (h *BackupHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/backups/submit", h.Submit)
	r.GET("/backups/progress/:id", h.Progress)
	r.GET("/backups/status", h.Status)
	r.DELETE("/backups/:filename", h.DeleteBackup)
	r.GET("/schedule", h.GetSchedule)
	r.PUT("/schedule", h.PutSchedule)
}

// SubmitRequest is the body of POST /backups/submit.
type SubmitRequest struct {
	ContainerID string `json:"container_id" binding:"required"`
	QueueIfBusy bool   `json:"queue_if_busy"`
}

// SubmitResponse is returned on successful submission.
type SubmitResponse struct {
	ProgressID string `json:"progress_id"`
	Queued     bool   `json:"queued"`
}

// Submit handles POST /backups/submit.
func (h *BackupHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	id, err := h.supervisor.Start(req.ContainerID, req.QueueIfBusy, false)
	if err != nil {
		var busyErr *supervisor.BusyError
		if errors.As(err, &busyErr) {
			c.JSON(http.StatusConflict, gin.H{"error": "busy", "current": busyErr.Current})
			return
		}
		if errors.Is(err, supervisor.ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": "busy"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	p, _ := h.supervisor.Progress(id)
	c.JSON(http.StatusOK, SubmitResponse{ProgressID: id, Queued: p.Status == supervisor.StatusQueued})
}

// Progress handles GET /backups/progress/:id.
func (h *BackupHandler) Progress(c *gin.Context) {
	id := c.Param("id")
	p, ok := h.supervisor.Progress(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown progress id"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Status handles GET /backups/status.
func (h *BackupHandler) Status(c *gin.Context) {
	snap := h.supervisor.Status()
	state := "idle"
	if snap.SlotHeld {
		state = "busy"
	}
	c.JSON(http.StatusOK, gin.H{
		"state":       state,
		"current":     snap.CurrentOp,
		"queue_depth": snap.QueueDepth,
	})
}

// DeleteBackup handles DELETE /backups/:filename.
func (h *BackupHandler) DeleteBackup(c *gin.Context) {
	filename := c.Param("filename")
	if filename == "" || filepath.Base(filename) != filename {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	path := filepath.Join(h.backupsDir, filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	os.Remove(path + ".json") // sidecar; absence is not an error

	if err := h.audit.AppendAudit("backup_deleted", "", "", filename); err != nil {
		h.logger.Warn().Err(err).Msg("failed to append audit entry for deletion")
	}

	c.Status(http.StatusNoContent)
}

// ScheduleRequest/Response mirror the Schedule data model in spec.md §3.
type ScheduleRequest struct {
	ScheduleType       string   `json:"schedule_type" binding:"required,oneof=daily weekly"`
	Hour               int      `json:"hour" binding:"min=0,max=23"`
	DayOfWeek          int      `json:"day_of_week,omitempty" binding:"min=0,max=6"`
	Lifecycle          int      `json:"lifecycle" binding:"required,min=1"`
	SelectedContainers []string `json:"selected_containers"`
}

// GetSchedule handles GET /schedule.
func (h *BackupHandler) GetSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, toScheduleResponse(h.scheduler.Current()))
}

// PutSchedule handles PUT /schedule.
func (h *BackupHandler) PutSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	sched := scheduler.Schedule{
		Type:               scheduler.ScheduleType(req.ScheduleType),
		Hour:               req.Hour,
		DayOfWeek:          req.DayOfWeek,
		Lifecycle:          req.Lifecycle,
		SelectedContainers: req.SelectedContainers,
	}
	if err := scheduler.Validate(sched); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule: " + err.Error()})
		return
	}

	if err := h.scheduler.Update(sched); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toScheduleResponse(h.scheduler.Current()))
}

type scheduleResponse struct {
	ScheduleType       string   `json:"schedule_type"`
	Hour               int      `json:"hour"`
	DayOfWeek          int      `json:"day_of_week,omitempty"`
	Lifecycle          int      `json:"lifecycle"`
	SelectedContainers []string `json:"selected_containers"`
	LastRun            *string  `json:"last_run,omitempty"`
	NextRun            *string  `json:"next_run,omitempty"`
}

func toScheduleResponse(s scheduler.Schedule) scheduleResponse {
	resp := scheduleResponse{
		ScheduleType:       string(s.Type),
		Hour:               s.Hour,
		DayOfWeek:          s.DayOfWeek,
		Lifecycle:          s.Lifecycle,
		SelectedContainers: s.SelectedContainers,
	}
	if s.LastRun != nil {
		v := s.LastRun.Format(rfc3339)
		resp.LastRun = &v
	}
	if s.NextRun != nil {
		v := s.NextRun.Format(rfc3339)
		resp.NextRun = &v
	}
	return resp
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
