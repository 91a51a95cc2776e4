package sync

import (
	"log/slog"
	"sync"
	"time"
)

// Repeated-failure suppression for watch mode: a path that keeps failing
// every cycle would otherwise retry forever and flood the log, so once it
// crosses failureThreshold within failureCooldown it is skipped (with a
// warning) until either it succeeds or the cooldown lapses.
const (
	failureThreshold = 3
	failureCooldown  = 30 * time.Minute
)

// failureRecord is the running failure count for one path.
type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker is a thread-safe per-path failure counter used by watch
// mode to stop hammering a path that can't currently succeed.
type failureTracker struct {
	mu      sync.Mutex
	records map[string]*failureRecord
	logger  *slog.Logger
	nowFunc func() time.Time // overridable in tests
}

// newFailureTracker builds an empty tracker.
func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{
		records: make(map[string]*failureRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// shouldSkip reports whether path has accumulated enough recent failures
// to be suppressed this cycle. A record older than the cooldown is
// forgotten rather than treated as still active.
func (ft *failureTracker) shouldSkip(path string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[path]
	if !ok {
		return false
	}

	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		delete(ft.records, path)
		return false
	}

	return rec.count >= failureThreshold
}

// recordFailure bumps path's failure count, resetting it first if the
// previous failure fell outside the cooldown window.
func (ft *failureTracker) recordFailure(path, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[path]
	if !ok {
		rec = &failureRecord{}
		ft.records[path] = rec
	}

	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == failureThreshold {
		ft.logger.Warn("path suppressed after repeated failures",
			slog.String("path", path),
			slog.Int("failures", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("cooldown", failureCooldown),
		)
	}
}

// recordSuccess clears any failure history for path.
func (ft *failureTracker) recordSuccess(path string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, path)
}
