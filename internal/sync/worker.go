package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

var errUnknownActionType = errors.New("sync: unknown action type in worker dispatch")

const (
	// minWorkers is the floor for total worker count, regardless of what
	// the caller requests.
	minWorkers = 4
	// maxRecordedErrors caps the diagnostic error slice so a long-running
	// watch session with a persistent failure doesn't grow it unbounded.
	// The failed counter stays accurate past the cap; only the detailed
	// list truncates.
	maxRecordedErrors = 1000
)

// WorkerPool drains TrackedActions from a DepTracker's ready channel,
// executes each one, commits its outcome to the baseline, and reports
// completion back to the tracker so dependent actions can unblock.
type WorkerPool struct {
	cfg      *ExecutorConfig
	tracker  *DepTracker
	baseline *BaselineManager
	logger   *slog.Logger

	succeeded     atomic.Int32
	failed        atomic.Int32
	errors        []error
	errorsMu      stdsync.Mutex
	droppedErrors atomic.Int64

	// results streams per-action outcomes to the engine for cycle-level
	// bookkeeping (failure suppression, delta-token commit timing).
	results chan WorkerResult

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// WorkerResult is one action's execution outcome as reported on the pool's
// Results channel.
type WorkerResult struct {
	ID      int64
	CycleID string
	Path    string
	Success bool
	ErrMsg  string
}

// NewWorkerPool builds a pool without starting any goroutines. planSize
// sizes the results channel buffer: pass the plan's action count for a
// one-shot run so no worker ever blocks sending, or a generous constant
// buffer for watch mode where a separate drain goroutine reads
// concurrently.
func NewWorkerPool(
	cfg *ExecutorConfig, tracker *DepTracker, baseline *BaselineManager, logger *slog.Logger, planSize int,
) *WorkerPool {
	if planSize < 1 {
		planSize = 1
	}

	return &WorkerPool{
		cfg:      cfg,
		tracker:  tracker,
		baseline: baseline,
		logger:   logger,
		results:  make(chan WorkerResult, planSize),
	}
}

// Start launches a flat pool of total goroutines, all pulling from the
// tracker's single ready channel. total is clamped up to minWorkers.
func (wp *WorkerPool) Start(ctx context.Context, total int) {
	if total < minWorkers {
		total = minWorkers
	}

	ctx, wp.cancel = context.WithCancel(ctx)

	for range total {
		wp.wg.Add(1)

		go wp.runWorker(ctx)
	}

	wp.logger.Info("worker pool started", slog.Int("workers", total))
}

// Wait blocks until the tracker reports every tracked action has settled.
func (wp *WorkerPool) Wait() {
	<-wp.tracker.Done()
}

// Stop cancels outstanding work, waits for every goroutine to return, and
// closes the results channel so a drain loop can exit cleanly.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}

	wp.wg.Wait()
	close(wp.results)
}

// Stats reports the success/failure counters and a snapshot of collected
// errors.
func (wp *WorkerPool) Stats() (succeeded, failed int, errs []error) {
	wp.errorsMu.Lock()
	snapshot := make([]error, len(wp.errors))
	copy(snapshot, wp.errors)
	wp.errorsMu.Unlock()

	return int(wp.succeeded.Load()), int(wp.failed.Load()), snapshot
}

// Results exposes per-action outcomes for the engine's cycle tracking.
func (wp *WorkerPool) Results() <-chan WorkerResult {
	return wp.results
}

// DroppedErrors reports how many failures were not recorded in the
// diagnostic list because it had already reached maxRecordedErrors.
func (wp *WorkerPool) DroppedErrors() int64 {
	return wp.droppedErrors.Load()
}

// runWorker is one goroutine's main loop: pull the next ready action until
// the context is canceled or the tracker declares everything done.
func (wp *WorkerPool) runWorker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.tracker.Done():
			return
		case ta := <-wp.tracker.Ready():
			if ta != nil {
				wp.runGuarded(ctx, ta)
			}
		}
	}
}

// runGuarded wraps runOne with panic recovery — one action misbehaving
// must not take the whole pool down with it.
func (wp *WorkerPool) runGuarded(ctx context.Context, ta *TrackedAction) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker: panic in action execution",
				slog.Int64("id", ta.ID), slog.String("path", ta.Action.Path), slog.Any("panic", r))
			wp.recordFailure(fmt.Errorf("panic: %v", r))
			wp.sendResult(ctx, ta, false, fmt.Sprintf("panic: %v", r))
			wp.tracker.Complete(ta.ID)
		}
	}()

	wp.runOne(ctx, ta)
}

// runOne executes a single tracked action end to end: load the current
// baseline, dispatch the action, commit the resulting outcome, and signal
// completion to the tracker.
func (wp *WorkerPool) runOne(ctx context.Context, ta *TrackedAction) {
	actionCtx, cancel := context.WithCancel(ctx)
	ta.Cancel = cancel

	defer cancel()

	bl, loadErr := wp.baseline.Load(actionCtx)
	if loadErr != nil {
		wp.logger.Error("worker: baseline load failed", slog.String("error", loadErr.Error()))
		wp.recordFailure(loadErr)
		wp.sendResult(ctx, ta, false, loadErr.Error())
		wp.tracker.Complete(ta.ID)

		return
	}

	exec := NewExecution(wp.cfg, bl)
	outcome := wp.dispatch(actionCtx, exec, ta)

	// Committing uses the pool-level ctx rather than actionCtx: the action
	// already ran to completion by this point, and its outcome must be
	// persisted even if CancelByPath canceled actionCtx right after
	// dispatch returned.
	if commitErr := wp.baseline.CommitOutcome(ctx, &outcome); commitErr != nil {
		wp.logger.Error("worker: commit outcome failed", slog.Int64("id", ta.ID), slog.String("error", commitErr.Error()))
		wp.recordFailure(commitErr)
		wp.sendResult(ctx, ta, false, commitErr.Error())
		wp.tracker.Complete(ta.ID)

		return
	}

	if outcome.Success {
		wp.succeeded.Add(1)
		wp.sendResult(ctx, ta, true, "")
	} else {
		wp.recordFailure(outcome.Error)
		wp.sendResult(ctx, ta, false, outcome.Error.Error())
	}

	wp.tracker.Complete(ta.ID)
}

// dispatch routes a tracked action to its executor method.
func (wp *WorkerPool) dispatch(ctx context.Context, exec *Executor, ta *TrackedAction) Outcome {
	action := &ta.Action

	switch action.Type {
	case ActionFolderCreate:
		return exec.executeFolderCreate(ctx, action)
	case ActionLocalMove, ActionRemoteMove:
		return exec.executeMove(ctx, action)
	case ActionDownload:
		return exec.executeDownload(ctx, action)
	case ActionUpload:
		return exec.executeUpload(ctx, action)
	case ActionLocalDelete:
		return exec.executeLocalDelete(ctx, action)
	case ActionRemoteDelete:
		return exec.executeRemoteDelete(ctx, action)
	case ActionConflict:
		return exec.executeConflict(ctx, action)
	case ActionUpdateSynced:
		return exec.executeSyncedUpdate(action)
	case ActionCleanup:
		return exec.executeCleanup(action)
	default:
		return Outcome{Action: action.Type, Path: action.Path, Success: false, Error: errUnknownActionType}
	}
}

// recordFailure increments the failure counter and appends to the
// diagnostic error list, dropping (but still counting) overflow past
// maxRecordedErrors.
func (wp *WorkerPool) recordFailure(err error) {
	if err == nil {
		return
	}

	wp.failed.Add(1)
	wp.errorsMu.Lock()

	if len(wp.errors) >= maxRecordedErrors {
		wp.droppedErrors.Add(1)
	} else {
		wp.errors = append(wp.errors, err)
	}

	wp.errorsMu.Unlock()
}

// sendResult reports one action's outcome on the results channel, or drops
// it silently if ctx is canceled first — benign, since recordFailure
// always runs before sendResult and already accounted for the failure.
func (wp *WorkerPool) sendResult(ctx context.Context, ta *TrackedAction, success bool, errMsg string) {
	r := WorkerResult{ID: ta.ID, CycleID: ta.CycleID, Path: ta.Action.Path, Success: success, ErrMsg: errMsg}

	select {
	case wp.results <- r:
	case <-ctx.Done():
	}
}
