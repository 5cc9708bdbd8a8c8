// Package api assembles the gin router: middleware chain plus the core
// handlers from spec.md §6. Auth, the web UI, and anything beyond the core
// backup/restore surface are external collaborators' concern.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/internal/api/handlers"
	"github.com/stevedore-io/stevedore/internal/api/middleware"
	"github.com/stevedore-io/stevedore/internal/config"
)

// NewRouter builds the gin engine with the standard middleware chain
// (logging, security headers, CORS, body-size limit) and mounts the backup
// and restore handlers under /api.
func NewRouter(cfg config.ServerConfig, backupHandler *handlers.BackupHandler, restoreHandler *handlers.RestoreHandler, logger zerolog.Logger) *gin.Engine {
	if cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.CORSOrigins, cfg.Environment))
	r.Use(middleware.BodyLimitMiddleware(cfg.MaxRequestBodyBytes))

	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	group := r.Group("/api")
	backupHandler.RegisterRoutes(group)
	restoreHandler.RegisterRoutes(group)

	return r
}
