package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/stream"
	"github.com/sissississi-013/parrot/pkg/telemetry"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// Config tunes the registry.
type Config struct {
	// Capacity is the maximum number of concurrently active (non-terminal)
	// sessions. Zero means unlimited.
	Capacity int

	// IdleTTL evicts sessions untouched for this long. Active pipelines
	// are never swept. Zero disables the sweep.
	IdleTTL time.Duration
}

// Registry is the in-memory session table. It is the only structure mutated
// by more than one task; every mutation funnels through its methods under a
// single lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	cfg      Config
	mux      *stream.Multiplexer
	log      *logging.Logger
	metrics  *telemetry.Metrics
}

// NewRegistry creates an empty registry publishing state changes to mux.
func NewRegistry(cfg Config, mux *stream.Multiplexer, log *logging.Logger, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		cfg:      cfg,
		mux:      mux,
		log:      log,
		metrics:  metrics,
	}
}

// Create registers a new idle session of the given kind. Fails with
// ErrCapacity when the active-session limit is reached.
func (r *Registry) Create(kind Kind) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Capacity > 0 {
		active := 0
		for _, s := range r.sessions {
			if s.state.Active() {
				active++
			}
		}
		if active >= r.cfg.Capacity {
			return Snapshot{}, ErrCapacity
		}
	}

	now := time.Now().UTC()
	s := &session{
		id:          uuid.NewString(),
		kind:        kind,
		state:       StateIdle,
		createdAt:   now,
		lastTouched: now,
	}
	r.sessions[s.id] = s
	r.metrics.RecordSessionCreated(string(kind))
	r.log.Info(logging.CategorySession, "created", s.id, map[string]any{"kind": string(kind)})
	return s.snapshot(), nil
}

// Get returns a snapshot of the session, recording the access as activity
// for the idle sweep.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s.lastTouched = time.Now().UTC()
	return s.snapshot(), nil
}

// Touch records activity without reading the session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.lastTouched = time.Now().UTC()
	}
	r.mu.Unlock()
}

// Transition is an atomic compare-and-swap on state. It succeeds only when
// the current state equals expected; otherwise the state is left untouched
// and an InvalidTransitionError is returned. Reaching a terminal state emits
// the terminal sentinel and closes the session's event stream.
func (r *Registry) Transition(id string, expected, next State) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if s.state != expected {
		err := &InvalidTransitionError{ID: id, Expected: expected, Actual: s.state, Next: next}
		r.mu.Unlock()
		return err
	}
	s.state = next
	s.lastTouched = time.Now().UTC()
	kind := s.kind
	r.mu.Unlock()

	r.log.Info(logging.CategorySession, "transition", id, map[string]any{
		"from": string(expected), "to": string(next),
	})
	r.mux.Publish(id, workflow.StateEvent(id, string(next)))
	if next.Terminal() {
		r.metrics.RecordSessionTerminal(string(kind))
		r.mux.CloseSession(id, workflow.ClosedEvent(id, string(next)))
	}
	return nil
}

// Fail moves the session from expected straight to failed, recording the
// error kind and a human-readable message. The action log is preserved.
func (r *Registry) Fail(id string, expected State, errKind, msg string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if s.state != expected {
		err := &InvalidTransitionError{ID: id, Expected: expected, Actual: s.state, Next: StateFailed}
		r.mu.Unlock()
		return err
	}
	s.state = StateFailed
	s.errKind = errKind
	s.errMsg = msg
	s.lastTouched = time.Now().UTC()
	kind := s.kind
	r.mu.Unlock()

	r.metrics.RecordSessionFailed(errKind)
	r.metrics.RecordSessionTerminal(string(kind))
	r.log.Error(logging.CategorySession, "failed", id, map[string]any{
		"error_kind": errKind, "error": msg,
	})
	ev := workflow.NewEvent(id, workflow.EventError)
	ev.Error = msg
	r.mux.Publish(id, ev)
	r.mux.Publish(id, workflow.StateEvent(id, string(StateFailed)))
	r.mux.CloseSession(id, workflow.ClosedEvent(id, string(StateFailed)))
	return nil
}

// Append adds an observed action to the session's append-only log, assigning
// the next contiguous sequence index, and returns the completed action.
func (r *Registry) Append(id string, act workflow.ObservedAction) (workflow.ObservedAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return workflow.ObservedAction{}, ErrNotFound
	}
	act.SessionID = id
	act.SequenceIndex = len(s.actionLog)
	if act.Timestamp.IsZero() {
		act.Timestamp = time.Now().UTC()
	}
	s.actionLog = append(s.actionLog, act)
	s.lastTouched = time.Now().UTC()
	return act, nil
}

// SetScreenshot records the most recent screenshot handle.
func (r *Registry) SetScreenshot(id, handle string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.lastScreenshot = handle
	}
	r.mu.Unlock()
}

// SetWorkflowID links the session to a stored workflow.
func (r *Registry) SetWorkflowID(id, workflowID string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.workflowID = workflowID
	}
	r.mu.Unlock()
}

// Attach claims the session for a pipeline task, registering its cancel
// function. Fails if another task already holds the claim.
func (r *Registry) Attach(id string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.cancel != nil {
		return ErrPipelineActive
	}
	s.cancel = cancel
	return nil
}

// Detach releases a pipeline claim.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.cancel = nil
	}
	r.mu.Unlock()
}

// Evict removes a session from the table and drops its event stream.
// Subsequent access returns ErrNotFound.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.state.Active() {
		r.metrics.RecordSessionTerminal(string(s.kind))
	}
	r.metrics.RecordSessionEvicted()
	r.mux.Drop(id)
	r.log.Info(logging.CategorySession, "evicted", id, nil)
	return nil
}

// Sweep evicts sessions untouched for the configured TTL. Sessions with an
// attached pipeline task are skipped: a session is never garbage-collected
// while its pipeline is active. Returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if s.cancel != nil {
			continue
		}
		if now.Sub(s.lastTouched) >= r.cfg.IdleTTL {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.Evict(id); err == nil {
			r.log.Info(logging.CategorySession, "swept", id, nil)
		}
	}
	return len(stale)
}

// RunSweeper periodically sweeps idle sessions until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Shutdown issues best-effort cancellation to every active pipeline task and
// waits up to the grace period for sessions to settle. Cancellation failures
// are logged, never escalated.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	var ids []string
	for id, s := range r.sessions {
		if s.cancel != nil {
			cancels = append(cancels, s.cancel)
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for i, cancel := range cancels {
		r.log.Info(logging.CategorySession, "shutdown_cancel", ids[i], nil)
		cancel()
	}

	// Wait for pipelines to detach, bounded by the caller's context.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		remaining := 0
		for _, s := range r.sessions {
			if s.cancel != nil {
				remaining++
			}
		}
		r.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			r.log.Warn(logging.CategorySession, "shutdown_timeout", "", map[string]any{"remaining": remaining})
			return
		case <-ticker.C:
		}
	}
}

// ActiveCount reports the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.state.Active() {
			n++
		}
	}
	return n
}

// Len reports the total session-table size, including terminal sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
