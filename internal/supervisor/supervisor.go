// Package supervisor implements the concurrency fabric guarding the backup
// engine: one exclusive slot, one FIFO queue, one progress registry. Every
// backup submission — manual or scheduled — funnels through here so that
// at most one backup ever runs at a time and queued entries never interleave.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBusy is returned when the slot is held and the caller opted out of queueing.
var ErrBusy = errors.New("supervisor: busy")

// BusyError wraps ErrBusy with the descriptor of the operation currently
// holding the slot, per the Busy rule: the call fails and returns the
// current-operation descriptor alongside the error.
type BusyError struct {
	Current Progress
}

func (e *BusyError) Error() string { return ErrBusy.Error() }

func (e *BusyError) Unwrap() error { return ErrBusy }

// Status values a Progress Record can occupy. Progression is monotonic:
// queued -> waiting -> starting -> running -> {complete, error}.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusWaiting  Status = "waiting"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Progress is the in-memory record tracking one backup from submission to
// terminal state. CurrentStep only ever increases.
type Progress struct {
	ID             string
	Status         Status
	Step           string
	CurrentStep    int
	TotalSteps     int
	ContainerID    string
	IsScheduled    bool
	Error          string
	BackupFilename string
}

// Engine is the Backup Engine contract the Supervisor drives. It must
// itself never touch the slot — the Supervisor owns acquire/release.
type Engine interface {
	Run(ctx context.Context, p *ProgressHandle) error
}

// ProgressHandle is passed to the Engine so it can push step transitions
// without taking the registry lock directly.
type ProgressHandle struct {
	sup *Supervisor
	id  string
}

// Update mutates the progress record for this handle under the registry lock.
func (h *ProgressHandle) Update(fn func(*Progress)) {
	h.sup.updateProgress(h.id, fn)
}

// entry is one FIFO Queue Entry awaiting the slot.
type entry struct {
	containerID string
	progressID  string
	isScheduled bool
}

// Supervisor owns the slot, the queue, and the progress registry described
// in spec.md §4.7.
type Supervisor struct {
	logger zerolog.Logger

	slotMu    sync.Mutex // the exclusive "slot"; held for the duration of one backup
	slotHeld  bool
	currentOp *Progress

	mu       sync.Mutex // guards queue, registry, processor state
	queue    []entry
	registry map[string]*Progress
	running  bool // whether a queue processor goroutine is alive

	shutdown chan struct{}
	wg       sync.WaitGroup

	newEngine func(containerID string) Engine
}

// New returns a Supervisor. newEngine constructs the Backup Engine instance
// used to run one container's backup; it is a factory (not a shared
// instance) so each run gets its own working state.
func New(logger zerolog.Logger, newEngine func(containerID string) Engine) *Supervisor {
	return &Supervisor{
		logger:    logger.With().Str("component", "supervisor").Logger(),
		registry:  make(map[string]*Progress),
		shutdown:  make(chan struct{}),
		newEngine: newEngine,
	}
}

// Shutdown signals the queue processor to stop accepting new work and waits
// for it to drain its current iteration.
func (s *Supervisor) Shutdown() {
	close(s.shutdown)
	s.wg.Wait()
}

// Start is the unified submission entry point. If the slot is free, the
// backup runs immediately on a background worker. If the slot is held and
// queueIfBusy is false, it fails with ErrBusy. If held and queueIfBusy is
// true, the request is enqueued and a queue processor is ensured to be running.
func (s *Supervisor) Start(containerID string, queueIfBusy, isScheduled bool) (string, error) {
	id := uuid.NewString()

	if s.tryAcquireSlot() {
		p := &Progress{ID: id, Status: StatusStarting, ContainerID: containerID, IsScheduled: isScheduled, TotalSteps: 6}
		s.setCurrentOp(p)
		s.mu.Lock()
		s.registry[id] = p
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runDirect(id, containerID, isScheduled)
		return id, nil
	}

	if !queueIfBusy {
		snap := s.Status()
		if snap.CurrentOp == nil {
			return "", ErrBusy
		}
		return "", &BusyError{Current: *snap.CurrentOp}
	}

	p := &Progress{ID: id, Status: StatusQueued, ContainerID: containerID, IsScheduled: isScheduled, TotalSteps: 6}
	s.mu.Lock()
	s.registry[id] = p
	s.queue = append(s.queue, entry{containerID: containerID, progressID: id, isScheduled: isScheduled})
	needsProcessor := !s.running
	if needsProcessor {
		s.running = true
	}
	s.mu.Unlock()

	if needsProcessor {
		s.wg.Add(1)
		go s.processQueue()
	}

	return id, nil
}

// tryAcquireSlot attempts a non-blocking acquire.
func (s *Supervisor) tryAcquireSlot() bool {
	if s.slotMu.TryLock() {
		s.setSlotHeld(true)
		return true
	}
	return false
}

// releaseSlot releases the slot exactly once per acquisition. Both the
// direct path and the queue processor call this — never the Engine itself —
// so a double-release can never happen from engine code.
func (s *Supervisor) releaseSlot() {
	s.setSlotHeld(false)
	s.mu.Lock()
	s.currentOp = nil
	s.mu.Unlock()
	s.slotMu.Unlock()
}

func (s *Supervisor) setSlotHeld(held bool) {
	s.mu.Lock()
	s.slotHeld = held
	s.mu.Unlock()
}

func (s *Supervisor) setCurrentOp(p *Progress) {
	s.mu.Lock()
	s.currentOp = p
	s.mu.Unlock()
}

func (s *Supervisor) runDirect(id, containerID string, isScheduled bool) {
	defer s.wg.Done()
	defer s.releaseSlot()
	s.runEngine(id, containerID, isScheduled)
}

// processQueue is the single long-lived queue processor. Exactly one
// instance runs whenever the queue is non-empty; it pops entries with a
// bounded wait so shutdown is observable, transitions waiting -> starting,
// blocks acquiring the slot (the serialisation point), runs the engine, and
// releases the slot itself.
func (s *Supervisor) processQueue() {
	defer s.wg.Done()

	for {
		e, ok := s.popEntry()
		if !ok {
			select {
			case <-s.shutdown:
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		s.updateProgress(e.progressID, func(p *Progress) { p.Status = StatusWaiting })

		s.slotMu.Lock()
		s.setSlotHeld(true)

		s.updateProgress(e.progressID, func(p *Progress) { p.Status = StatusStarting })
		s.setCurrentOp(s.lookupProgress(e.progressID))

		s.runEngine(e.progressID, e.containerID, e.isScheduled)

		s.releaseSlot()
	}
}

func (s *Supervisor) popEntry() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return entry{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *Supervisor) runEngine(id, containerID string, isScheduled bool) {
	s.updateProgress(id, func(p *Progress) { p.Status = StatusRunning })

	engine := s.newEngine(containerID)
	handle := &ProgressHandle{sup: s, id: id}

	ctx := context.Background()
	if err := engine.Run(ctx, handle); err != nil {
		s.updateProgress(id, func(p *Progress) {
			p.Status = StatusError
			p.Error = err.Error()
		})
		return
	}

	s.updateProgress(id, func(p *Progress) {
		if p.Status != StatusError {
			p.Status = StatusComplete
			p.CurrentStep = p.TotalSteps
		}
	})
}

func (s *Supervisor) updateProgress(id string, fn func(*Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.registry[id]
	if !ok {
		return
	}
	fn(p)
}

func (s *Supervisor) lookupProgress(id string) *Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry[id]
}

// NewTestHandle builds a ProgressHandle against an existing Supervisor
// without going through Start, for Engine unit tests that need somewhere to
// write progress updates but don't exercise queueing themselves.
func NewTestHandle(s *Supervisor, id string) *ProgressHandle {
	s.mu.Lock()
	if _, ok := s.registry[id]; !ok {
		s.registry[id] = &Progress{ID: id, TotalSteps: 6}
	}
	s.mu.Unlock()
	return &ProgressHandle{sup: s, id: id}
}

// Progress returns a snapshot of the record for id, or a zero Progress and
// false if unknown.
func (s *Supervisor) Progress(id string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.registry[id]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// StatusSnapshot is the response to a status query.
type StatusSnapshot struct {
	SlotHeld       bool
	CurrentOp      *Progress
	QueueDepth     int
}

// Status returns the current slot/queue state. It takes no Docker calls and
// is never rate-limited, so polling stays cheap.
func (s *Supervisor) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *Progress
	if s.currentOp != nil {
		c := *s.currentOp
		cur = &c
	}
	return StatusSnapshot{
		SlotHeld:   s.slotHeld,
		CurrentOp:  cur,
		QueueDepth: len(s.queue),
	}
}
