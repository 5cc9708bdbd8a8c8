// Package containerwatch polls the Docker daemon for container-removal
// events so the Scheduler's selection never drifts from what actually
// exists on the host.
package containerwatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/dockerclient"
)

var destroyFilter = map[string][]string{
	"type":  {"container"},
	"event": {"destroy"},
}

// eventSource is the subset of dockerclient.Client the watcher needs.
type eventSource interface {
	Events(ctx context.Context, since, until string, filters map[string][]string, limit int) ([]dockerclient.Event, error)
}

// scheduler is the subset of scheduler.Scheduler the watcher needs.
type scheduler interface {
	RemoveContainer(containerID string) error
}

// Watcher polls Events at a fixed interval and removes destroyed containers
// from the schedule's selection.
type Watcher struct {
	docker   eventSource
	sched    scheduler
	interval time.Duration
	logger   zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Watcher polling every interval.
func New(docker eventSource, sched scheduler, interval time.Duration, logger zerolog.Logger) *Watcher {
	return &Watcher{
		docker:   docker,
		sched:    sched,
		interval: interval,
		logger:   logger.With().Str("component", "containerwatch").Logger(),
		stop:     make(chan struct{}),
	}
}

// Run blocks, polling until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	since := strconv.FormatInt(time.Now().Unix(), 10)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			until := strconv.FormatInt(now.Unix(), 10)
			since = w.poll(ctx, since, until)
		}
	}
}

// poll fetches destroy events in [since, until) and removes each destroyed
// container from the schedule, returning the cursor for the next poll.
func (w *Watcher) poll(ctx context.Context, since, until string) string {
	events, err := w.docker.Events(ctx, since, until, destroyFilter, 0)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to poll docker events")
		return since
	}
	for _, ev := range events {
		id, _ := ev.Actor["ID"].(string)
		if id == "" {
			continue
		}
		if err := w.sched.RemoveContainer(id); err != nil {
			w.logger.Warn().Err(err).Str("container", id).Msg("failed to drop destroyed container from schedule")
		}
	}
	return until
}

// Stop signals the poll loop to exit and waits for it to return.
func (w *Watcher) Stop() {
	close(w.stop)
	w.wg.Wait()
}
