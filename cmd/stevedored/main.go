// Package main is the entrypoint for the stevedored server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/internal/api"
	"github.com/stevedore-io/stevedore/internal/api/handlers"
	"github.com/stevedore-io/stevedore/internal/backupengine"
	"github.com/stevedore-io/stevedore/internal/config"
	"github.com/stevedore-io/stevedore/internal/containerwatch"
	"github.com/stevedore-io/stevedore/internal/dockerclient"
	"github.com/stevedore-io/stevedore/internal/objectstore"
	"github.com/stevedore-io/stevedore/internal/restoreengine"
	"github.com/stevedore-io/stevedore/internal/retention"
	"github.com/stevedore-io/stevedore/internal/scheduler"
	"github.com/stevedore-io/stevedore/internal/store"
	"github.com/stevedore-io/stevedore/internal/supervisor"
	"github.com/stevedore-io/stevedore/internal/volumemover"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting stevedored")

	cfg := config.LoadServerConfig()

	if err := os.MkdirAll(cfg.BackupsDir(), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create backups directory")
		return 1
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
		return 1
	}
	defer db.Close()

	docker := dockerclient.New(cfg.DockerSocketPath, logger)
	mover := volumemover.New(docker, cfg.HelperImage, logger)

	if err := mover.SweepOrphans(ctx, docker); err != nil {
		logger.Warn().Err(err).Msg("failed to sweep orphaned helper containers")
	}

	selfContainerID := os.Getenv("HOSTNAME")

	beCfg := backupengine.Config{
		BackupsDir:      cfg.BackupsDir(),
		SelfContainerID: selfContainerID,
		SelfVolumeName:  cfg.SelfVolumeName,
		SealTimeout:     cfg.ArchiveOpTimeout,
	}

	newEngine := func(containerID string) supervisor.Engine {
		return backupengine.New(docker, mover, beCfg, logger, containerID, false)
	}

	sup := supervisor.New(logger, newEngine)

	pruner := retention.New(cfg.BackupsDir(), logger)

	sched, err := scheduler.New(sup, pruner, db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize scheduler")
		return 1
	}
	go sched.Run(ctx)
	defer sched.Stop()

	watcher := containerwatch.New(docker, sched, 30*time.Second, logger)
	go watcher.Run(ctx)
	defer watcher.Stop()

	restoreEngine := restoreengine.New(docker, mover, logger)

	if cfg.ObjectStore.Enabled {
		objCfg := objectstore.Config{
			Bucket:          cfg.ObjectStore.Bucket,
			Region:          cfg.ObjectStore.Region,
			Endpoint:        cfg.ObjectStore.Endpoint,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UsePathStyle:    cfg.ObjectStore.UsePathStyle,
		}
		if _, err := objectstore.New(ctx, objCfg, logger); err != nil {
			logger.Error().Err(err).Msg("failed to initialize object store mirror, continuing without it")
		} else {
			logger.Info().Str("bucket", cfg.ObjectStore.Bucket).Msg("object store mirror enabled")
		}
	}

	backupHandler := handlers.NewBackupHandler(sup, sched, db, cfg.BackupsDir(), logger)
	restoreHandler := handlers.NewRestoreHandler(restoreEngine, db, cfg.BackupsDir(), logger)
	router := api.NewRouter(cfg, backupHandler, restoreHandler, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return 1
	}

	logger.Info().Msg("server stopped gracefully")
	return 0
}
