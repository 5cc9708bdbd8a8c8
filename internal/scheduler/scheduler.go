// Package scheduler drives the Schedule row: computing next_run, waking on a
// 60-second ticker, and submitting one backup per selected container when
// its instant arrives.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/supervisor"
)

// ScheduleType distinguishes the two supported cadences.
type ScheduleType string

const (
	Daily  ScheduleType = "daily"
	Weekly ScheduleType = "weekly"
)

// batchWait bounds how long the post-fire monitor waits for a batch of
// scheduled backups to reach a terminal state before giving up and running
// retention anyway.
const batchWait = 3600 * time.Second

// Schedule is the singleton configuration row described in the data model:
// one cadence, one hour, an ordered list of containers, and the Scheduler's
// own bookkeeping of when it last fired and when it fires next.
type Schedule struct {
	Type                ScheduleType
	Hour                int // 0..23
	DayOfWeek           int // 0..6, Sunday-origin; only meaningful for Weekly
	Lifecycle           int // retention keep-count
	SelectedContainers  []string
	LastRun             *time.Time
	NextRun             *time.Time
}

// Validate checks Hour/DayOfWeek ranges using cron.ParseStandard as the
// day-of-week/hour validity check, matching the field syntax Schedule rows
// are specified against at the API boundary.
func Validate(s Schedule) error {
	dow := "*"
	if s.Type == Weekly {
		dow = itoa(s.DayOfWeek)
	}
	expr := itoa(0) + " " + itoa(s.Hour) + " * * " + dow
	_, err := cron.ParseStandard(expr)
	return err
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NextRun computes the next firing instant after `from`, per spec.md §4.8:
// daily fires today at hour:00 if still in the future, else tomorrow;
// weekly fires on the next date matching both day_of_week and hour:00,
// advancing by seven days if today matches the weekday but the hour passed.
func NextRun(s Schedule, from time.Time) time.Time {
	todayAtHour := time.Date(from.Year(), from.Month(), from.Day(), s.Hour, 0, 0, 0, from.Location())

	if s.Type == Daily {
		if todayAtHour.After(from) {
			return todayAtHour
		}
		return todayAtHour.AddDate(0, 0, 1)
	}

	// Weekly. time.Weekday is already Sunday-origin (Sunday=0), matching the
	// external schema's day_of_week convention directly.
	daysUntil := (s.DayOfWeek - int(from.Weekday()) + 7) % 7
	candidate := todayAtHour.AddDate(0, 0, daysUntil)
	if daysUntil == 0 && !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// queueClient is the subset of supervisor.Supervisor the scheduler needs.
type queueClient interface {
	Start(containerID string, queueIfBusy, isScheduled bool) (string, error)
	Progress(id string) (supervisor.Progress, bool)
}

// retentionRunner is the subset of retention.Pruner the scheduler needs.
type retentionRunner interface {
	Prune(containerName string, keepN int) (int, error)
}

// store is the subset of the persistence layer the scheduler needs to load
// and save the singleton Schedule row.
type store interface {
	LoadSchedule() (Schedule, error)
	SaveSchedule(Schedule) error
	ContainerName(containerID string) (string, error)
}

// Scheduler owns the wake loop. Exactly one instance runs per process.
type Scheduler struct {
	queue     queueClient
	retention retentionRunner
	store     store
	logger    zerolog.Logger

	mu       sync.Mutex
	schedule Schedule

	// runMu guards ctx/stop against concurrent Run/Stop/restart calls —
	// Update and RemoveContainer can trigger a restart from any goroutine.
	runMu sync.Mutex
	ctx   context.Context
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New loads the persisted schedule and returns a Scheduler ready to Run.
func New(q queueClient, r retentionRunner, st store, logger zerolog.Logger) (*Scheduler, error) {
	sched, err := st.LoadSchedule()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		queue:     q,
		retention: r,
		store:     st,
		schedule:  sched,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		stop:      make(chan struct{}),
	}, nil
}

// Run starts the 60-second wake loop. It fires immediately on startup if
// next_run is already in the past, per the restart-resilience requirement,
// then blocks until Stop is called or ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.runMu.Lock()
	s.ctx = ctx
	stopCh := s.stop
	s.runMu.Unlock()

	s.loop(ctx, stopCh)
}

// loop is the wake-loop body, parameterised on the stop channel so restart
// can swap in a fresh one without racing a loop iteration already in flight.
func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.maybeFire(ctx)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeFire(ctx)
		}
	}
}

// Stop signals the wake loop to exit and waits for it to return. Safe to
// call more than once or before Run has started.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	stopCh := s.stop
	s.stop = nil
	s.runMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	s.wg.Wait()
}

// restart stops the current wake loop and relaunches it, per the
// Schedule-row ownership rule: the API layer's single update method causes
// the Scheduler to stop-and-restart rather than mutate state under a live
// loop. A no-op if Run has not been called yet — the eventual Run call
// picks up the schedule already installed by Update/RemoveContainer.
func (s *Scheduler) restart() {
	s.Stop()

	s.runMu.Lock()
	s.stop = make(chan struct{})
	ctx := s.ctx
	stopCh := s.stop
	s.runMu.Unlock()

	if ctx == nil {
		return
	}
	go s.loop(ctx, stopCh)
}

// Update replaces the schedule, recomputes next_run, and persists — the
// single update path the API layer calls. Per the Schedule-row ownership
// rule, it always stops and restarts the wake loop so the new configuration
// takes effect immediately rather than waiting for the next tick.
func (s *Scheduler) Update(newSchedule Schedule) error {
	s.mu.Lock()
	next := NextRun(newSchedule, time.Now())
	newSchedule.NextRun = &next
	s.schedule = newSchedule
	sched := s.schedule
	s.mu.Unlock()

	err := s.store.SaveSchedule(sched)
	s.restart()
	return err
}

// RemoveContainer drops containerID from the selection. If the selection
// becomes empty the scheduler stops itself; otherwise the running loop
// re-reads s.schedule on its next tick and no restart is needed. A no-op,
// persisting nothing, if containerID was never selected.
func (s *Scheduler) RemoveContainer(containerID string) error {
	s.mu.Lock()
	present := false
	filtered := s.schedule.SelectedContainers[:0]
	for _, c := range s.schedule.SelectedContainers {
		if c == containerID {
			present = true
			continue
		}
		filtered = append(filtered, c)
	}
	if !present {
		s.mu.Unlock()
		return nil
	}
	s.schedule.SelectedContainers = filtered

	next := NextRun(s.schedule, time.Now())
	s.schedule.NextRun = &next
	empty := len(s.schedule.SelectedContainers) == 0
	sched := s.schedule
	s.mu.Unlock()

	if err := s.store.SaveSchedule(sched); err != nil {
		return err
	}
	if empty {
		s.Stop()
	}
	return nil
}

// Current returns a snapshot of the schedule.
func (s *Scheduler) Current() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

func (s *Scheduler) maybeFire(ctx context.Context) {
	s.mu.Lock()
	sched := s.schedule
	s.mu.Unlock()

	if sched.NextRun == nil || time.Now().Before(*sched.NextRun) {
		return
	}
	if len(sched.SelectedContainers) == 0 {
		s.advance(sched)
		return
	}

	var ids []string
	for _, containerID := range sched.SelectedContainers {
		id, err := s.queue.Start(containerID, true, true)
		if err != nil {
			s.logger.Warn().Err(err).Str("container", containerID).Msg("scheduled backup submission failed")
			continue
		}
		ids = append(ids, id)
	}

	s.wg.Add(1)
	go s.monitorBatch(ctx, ids, sched.SelectedContainers)

	s.advance(sched)
}

func (s *Scheduler) advance(sched Schedule) {
	now := time.Now()
	sched.LastRun = &now
	next := NextRun(sched, now)
	sched.NextRun = &next

	s.mu.Lock()
	s.schedule = sched
	s.mu.Unlock()

	if err := s.store.SaveSchedule(sched); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist schedule after fire")
	}
}

// monitorBatch polls progress ids until every one reaches a terminal state
// or batchWait elapses, then runs retention for every container that fired.
func (s *Scheduler) monitorBatch(ctx context.Context, progressIDs, containerIDs []string) {
	defer s.wg.Done()

	deadline := time.Now().Add(batchWait)
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		if allTerminal(s.queue, progressIDs) || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}

	for _, containerID := range containerIDs {
		name, err := s.store.ContainerName(containerID)
		if err != nil {
			continue
		}
		if _, err := s.retention.Prune(name, s.currentLifecycle()); err != nil {
			s.logger.Warn().Err(err).Str("container", name).Msg("retention prune failed")
		}
	}
}

func (s *Scheduler) currentLifecycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Lifecycle
}

func allTerminal(q queueClient, ids []string) bool {
	for _, id := range ids {
		p, ok := q.Progress(id)
		if !ok || (p.Status != supervisor.StatusComplete && p.Status != supervisor.StatusError) {
			return false
		}
	}
	return true
}
