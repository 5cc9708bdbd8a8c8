package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/internal/restoreengine"
	"github.com/stevedore-io/stevedore/internal/runspec"
)

// restorer is the subset of restoreengine.Engine the handler needs.
type restorer interface {
	Restore(ctx context.Context, archivePath string, opts restoreengine.Options) (*restoreengine.Result, error)
}

// RestoreHandler serves POST restore.
type RestoreHandler struct {
	engine     restorer
	audit      auditSink
	backupsDir string
	logger     zerolog.Logger
}

// NewRestoreHandler returns a handler bound to engine and rooted at backupsDir.
func NewRestoreHandler(engine restorer, audit auditSink, backupsDir string, logger zerolog.Logger) *RestoreHandler {
	return &RestoreHandler{
		engine:     engine,
		audit:      audit,
		backupsDir: backupsDir,
		logger:     logger.With().Str("component", "api.restore").Logger(),
	}
}

// RegisterRoutes mounts the restore endpoint under r.
func (h *RestoreHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/backups/restore", h.Restore)
}

// RestoreRequest is the body of POST restore.
type RestoreRequest struct {
	Filename         string            `json:"filename" binding:"required"`
	NewName          string            `json:"new_name,omitempty"`
	OverwriteVolumes *bool             `json:"overwrite_volumes,omitempty"`
	PortOverrides    map[string]string `json:"port_overrides,omitempty"`
}

// RestoreResponse is returned on successful restore.
type RestoreResponse struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	StackWarning  string `json:"stack_warning,omitempty"`
}

// Restore handles POST restore.
func (h *RestoreHandler) Restore(c *gin.Context) {
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if filepath.Base(req.Filename) != req.Filename {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	archivePath := filepath.Join(h.backupsDir, req.Filename)
	opts := restoreengine.Options{
		NewName:          req.NewName,
		OverwriteVolumes: req.OverwriteVolumes,
		PortOverrides:    runspec.PortOverride(req.PortOverrides),
	}

	res, err := h.engine.Restore(c.Request.Context(), archivePath, opts)
	if err != nil {
		var conflictErr *restoreengine.VolumeConflictError
		if errors.As(err, &conflictErr) {
			c.JSON(http.StatusConflict, gin.H{"error": "volume conflict", "volumes": conflictErr.Volumes})
			return
		}
		if errors.Is(err, restoreengine.ErrMalformedBackup) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.audit.AppendAudit("restore", res.ContainerID, res.ContainerName, req.Filename); err != nil {
		h.logger.Warn().Err(err).Msg("failed to append audit entry for restore")
	}

	c.JSON(http.StatusOK, RestoreResponse{
		ContainerID:   res.ContainerID,
		ContainerName: res.ContainerName,
		StackWarning:  res.StackWarning,
	})
}
