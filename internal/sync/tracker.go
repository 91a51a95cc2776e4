package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

// DepTracker is an in-memory dependency graph sitting between the
// planner's ActionPlan and the WorkerPool. Each tracked action carries a
// count of unsatisfied dependencies; once that count reaches zero the
// action is pushed onto a single shared ready channel for a worker to
// pick up. Completing an action decrements its dependents' counters and
// may cascade further dispatches.
//
// Two constructors cover the two run modes: NewDepTracker for a one-shot
// plan, where Done() fires once every action has settled, and
// NewPersistentDepTracker for watch mode, where the tracker lives across
// many planning cycles and workers instead exit via context cancellation.

// watchChanBuf sizes the ready channel for a persistent tracker — large
// enough to absorb a typical watch-mode batch without dispatch blocking.
const watchChanBuf = 1024

// TrackedAction pairs an Action with the sequential ID the engine assigned
// it and a cancel function a worker installs once it starts running the
// action (used by CancelByPath for watch-mode deduplication).
type TrackedAction struct {
	Action  Action
	ID      int64
	CycleID string
	Cancel  context.CancelFunc

	depsLeft   atomic.Int32
	dependents []*TrackedAction
}

// cycleTracker counts completions within one planning cycle, letting
// watch mode know when an entire batch has finished so its delta token
// can be committed.
type cycleTracker struct {
	total     int32
	completed atomic.Int32
	done      chan struct{}
}

// DepTracker dispatches tracked actions to a single ready channel as their
// dependencies clear.
type DepTracker struct {
	mu         stdsync.Mutex
	actions    map[int64]*TrackedAction // sequential ID -> tracked action
	byPath     map[string]*TrackedAction
	ready      chan *TrackedAction
	done       chan struct{} // closed once every action is complete (one-shot mode only)
	total      atomic.Int32
	completed  atomic.Int32
	persistent bool // true => Done() never fires; workers exit via ctx.Done() instead
	logger     *slog.Logger

	cyclesMu    stdsync.Mutex
	cycles      map[string]*cycleTracker
	cycleLookup map[int64]string // action ID -> cycle ID
}

// NewDepTracker builds a one-shot tracker. Callers typically pass
// len(plan.Actions) as bufSize so dispatch never blocks.
func NewDepTracker(bufSize int, logger *slog.Logger) *DepTracker {
	return &DepTracker{
		actions:     make(map[int64]*TrackedAction),
		byPath:      make(map[string]*TrackedAction),
		ready:       make(chan *TrackedAction, bufSize),
		done:        make(chan struct{}),
		logger:      logger,
		cycles:      make(map[string]*cycleTracker),
		cycleLookup: make(map[int64]string),
	}
}

// NewPersistentDepTracker builds a tracker for watch mode: the global
// Done() channel is never closed, since the tracker is expected to keep
// receiving new cycles indefinitely.
func NewPersistentDepTracker(logger *slog.Logger) *DepTracker {
	return &DepTracker{
		actions:     make(map[int64]*TrackedAction),
		byPath:      make(map[string]*TrackedAction),
		ready:       make(chan *TrackedAction, watchChanBuf),
		done:        make(chan struct{}),
		persistent:  true,
		logger:      logger,
		cycles:      make(map[string]*cycleTracker),
		cycleLookup: make(map[int64]string),
	}
}

// Add registers an action under id, wiring it to wait on depIDs. An
// action with no outstanding dependency (depIDs empty, or every listed
// dependency already gone from the tracker) dispatches immediately.
//
// cycleID groups the action into a planning cycle for CycleDone tracking;
// pass "" when cycle-level completion doesn't matter (one-shot mode).
func (dt *DepTracker) Add(action *Action, id int64, depIDs []int64, cycleID string) {
	ta := &TrackedAction{Action: *action, ID: id, CycleID: cycleID}

	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.actions[id] = ta
	dt.byPath[action.Path] = ta
	dt.total.Add(1)

	if cycleID != "" {
		dt.registerCycleLocked(id, cycleID)
	}

	var depsRemaining int32

	for _, depID := range depIDs {
		dep, ok := dt.actions[depID]
		if !ok {
			continue // already completed, or never tracked — not a real wait
		}

		dep.dependents = append(dep.dependents, ta)
		depsRemaining++
	}

	ta.depsLeft.Store(depsRemaining)

	if depsRemaining == 0 {
		dt.dispatch(ta)
	}
}

// registerCycleLocked attaches action id to cycleID's counter, creating
// the counter on first use. Caller must hold dt.mu.
func (dt *DepTracker) registerCycleLocked(id int64, cycleID string) {
	dt.cyclesMu.Lock()
	defer dt.cyclesMu.Unlock()

	ct, ok := dt.cycles[cycleID]
	if !ok {
		ct = &cycleTracker{done: make(chan struct{})}
		dt.cycles[cycleID] = ct
	}

	ct.total++
	dt.cycleLookup[id] = cycleID
}

// Complete marks action id done, decrements every dependent's remaining
// count, and dispatches any dependent that reaches zero. An unknown id is
// logged and still counted toward completion, so a bug elsewhere in
// tracker population cannot wedge the whole pool waiting on Done().
func (dt *DepTracker) Complete(id int64) {
	dt.mu.Lock()
	ta, ok := dt.actions[id]
	if !ok {
		dt.mu.Unlock()
		dt.logger.Warn("tracker: Complete called with unknown ID", slog.Int64("id", id))
		dt.finishOneShot()

		return
	}

	dependents := make([]*TrackedAction, len(ta.dependents))
	copy(dependents, ta.dependents)

	// Remove the byPath entry now: a long-lived watch-mode tracker must
	// not let a stale entry cancel a different action that later reuses
	// the same path.
	delete(dt.byPath, ta.Action.Path)
	dt.mu.Unlock()

	for _, dep := range dependents {
		if dep.depsLeft.Add(-1) == 0 {
			dt.dispatch(dep)
		}
	}

	dt.completeCycle(id)
	dt.finishOneShot()
}

// finishOneShot closes the global done channel once every tracked action
// has completed. No-op in persistent mode, where workers exit on context
// cancellation instead.
func (dt *DepTracker) finishOneShot() {
	if !dt.persistent && dt.completed.Add(1) == dt.total.Load() {
		close(dt.done)
	}
}

// completeCycle advances the per-cycle counter for id's cycle, closing
// that cycle's done channel once every member has completed.
func (dt *DepTracker) completeCycle(id int64) {
	dt.cyclesMu.Lock()
	defer dt.cyclesMu.Unlock()

	cycleID, ok := dt.cycleLookup[id]
	if !ok {
		return
	}

	delete(dt.cycleLookup, id)

	ct, ok := dt.cycles[cycleID]
	if !ok {
		return
	}

	if ct.completed.Add(1) == ct.total {
		close(ct.done)
	}
}

// HasInFlight reports whether path currently has a tracked, uncompleted
// action.
func (dt *DepTracker) HasInFlight(path string) bool {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	_, ok := dt.byPath[path]

	return ok
}

// CancelByPath cancels the in-flight action at path, if any, and forgets
// the byPath entry so a later action reusing the same path is never
// cancelled by this call.
func (dt *DepTracker) CancelByPath(path string) {
	dt.mu.Lock()
	ta, ok := dt.byPath[path]
	if ok {
		delete(dt.byPath, path)
	}
	dt.mu.Unlock()

	if ok && ta.Cancel != nil {
		ta.Cancel()
	}
}

// CycleDone returns a channel closed once every action in cycleID has
// completed. An unrecognized cycleID yields an already-closed channel so
// a caller can never block forever on it.
func (dt *DepTracker) CycleDone(cycleID string) <-chan struct{} {
	dt.cyclesMu.Lock()
	defer dt.cyclesMu.Unlock()

	ct, ok := dt.cycles[cycleID]
	if !ok {
		closed := make(chan struct{})
		close(closed)

		return closed
	}

	return ct.done
}

// CleanupCycle discards cycleID's bookkeeping once its results have been
// consumed, bounding the cycle map's growth across a long watch session.
func (dt *DepTracker) CleanupCycle(cycleID string) {
	dt.cyclesMu.Lock()
	defer dt.cyclesMu.Unlock()

	delete(dt.cycles, cycleID)
}

// InFlightCount returns the number of tracked actions that have not yet
// completed, for shutdown logging.
func (dt *DepTracker) InFlightCount() int {
	return int(dt.total.Load() - dt.completed.Load())
}

// Ready exposes the channel workers consume ready actions from.
func (dt *DepTracker) Ready() <-chan *TrackedAction {
	return dt.ready
}

// Done returns a channel closed once every tracked action has completed.
// In persistent mode it never closes.
func (dt *DepTracker) Done() <-chan struct{} {
	return dt.done
}

// dispatch pushes a now-ready action onto the shared ready channel.
func (dt *DepTracker) dispatch(ta *TrackedAction) {
	dt.ready <- ta
}
