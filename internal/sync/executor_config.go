package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/onedrivesync/engine/internal/driveid"
	"github.com/onedrivesync/engine/internal/driveops"
	"github.com/onedrivesync/engine/internal/graph"
)

// Executor-level retry tuning. Distinct from graph.Client's own per-request
// retry loop: this wraps an entire transfer (download-to-partial, session
// upload) so a transient failure partway through a multi-step operation
// gets a fresh attempt rather than leaving a half-written .partial file.
const (
	executorMaxRetries    = 3
	executorBaseBackoff   = 500 * time.Millisecond
	executorMaxBackoff    = 10 * time.Second
	executorBackoffFactor = 2.0
	executorJitterFrac    = 0.25
)

// ExecutorConfig holds the dependencies shared by every Executor created
// for a sync cycle. Built once per Engine and reused across the worker
// pool's actions and manual conflict-resolution transfers.
type ExecutorConfig struct {
	Items        ItemClient
	Downloads    Downloader
	Uploads      Uploader
	SyncRoot     string
	DriveID      driveid.ID
	Logger       *slog.Logger
	SessionStore *driveops.SessionStore

	// DataDir and UseLocalTrash configure local-delete behavior: when
	// UseLocalTrash is set, deleted files move under DataDir/trash instead
	// of being removed outright.
	DataDir       string
	UseLocalTrash bool
}

// NewExecutorConfig creates an ExecutorConfig. SessionStore is left nil;
// callers that need resumable session uploads set it directly on the
// returned config before passing it to NewExecution.
func NewExecutorConfig(
	items ItemClient, downloads Downloader, uploads Uploader,
	syncRoot string, driveID driveid.ID, logger *slog.Logger,
) *ExecutorConfig {
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecutorConfig{
		Items:     items,
		Downloads: downloads,
		Uploads:   uploads,
		SyncRoot:  syncRoot,
		DriveID:   driveID,
		Logger:    logger,
	}
}

// Executor carries out a single planned Action against the local
// filesystem and the Graph API, producing an Outcome for the caller to
// commit to the baseline. One Executor is created per action batch (its
// baseline reference is fixed for the lifetime of a sync cycle).
type Executor struct {
	items        ItemClient
	downloads    Downloader
	uploads      Uploader
	syncRoot     string
	driveID      driveid.ID
	logger       *slog.Logger
	sessionStore *driveops.SessionStore

	dataDir       string
	useLocalTrash bool

	bl *Baseline

	// nowFunc and hashFunc are overridable for tests.
	nowFunc  func() time.Time
	hashFunc func(string) (string, error)
}

// NewExecution creates an Executor bound to the given baseline snapshot.
func NewExecution(cfg *ExecutorConfig, bl *Baseline) *Executor {
	return &Executor{
		items:        cfg.Items,
		downloads:    cfg.Downloads,
		uploads:      cfg.Uploads,
		syncRoot:     cfg.SyncRoot,
		driveID:      cfg.DriveID,
		logger:        cfg.Logger,
		sessionStore:  cfg.SessionStore,
		dataDir:       cfg.DataDir,
		useLocalTrash: cfg.UseLocalTrash,
		bl:            bl,
		nowFunc:      time.Now,
		hashFunc:     computeQuickXorHash,
	}
}

// resolveDriveID returns the drive the action targets, falling back to the
// executor's configured drive when the action didn't carry one (e.g.
// conflict-resolution sub-actions built from a ConflictRecord).
func (e *Executor) resolveDriveID(action *Action) driveid.ID {
	if !action.DriveID.IsZero() {
		return action.DriveID
	}

	return e.driveID
}

// resolveParentID returns the remote item ID of path's parent folder.
// The sync root itself maps to the Graph API's "root" sentinel; any other
// parent must already be present in the baseline — the planner orders
// folder creates ahead of the children they contain, so this should
// always succeed by the time an upload or folder-create action runs.
func (e *Executor) resolveParentID(path string) (string, error) {
	parentPath := filepath.Dir(path)
	if parentPath == "." || parentPath == "/" || parentPath == "" {
		return "root", nil
	}

	entry, ok := e.bl.GetByPath(parentPath)
	if !ok {
		return "", fmt.Errorf("sync: parent folder %q not found in baseline for %q", parentPath, path)
	}

	return entry.ItemID, nil
}

// failedOutcome builds a failure Outcome, logging the error.
func (e *Executor) failedOutcome(action *Action, actionType ActionType, err error) Outcome {
	e.logger.Error("action failed",
		slog.String("path", action.Path),
		slog.String("action", actionType.String()),
		slog.String("error", err.Error()),
	)

	return Outcome{
		Action:  actionType,
		Path:    action.Path,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
		Success: false,
		Error:   err,
	}
}

// withRetry retries fn on transient errors (throttling, server errors, or a
// locked item) with exponential backoff and jitter. Non-retryable Graph errors (not found, bad request, forbidden)
// return immediately. Mirrors graph.Client's own retry loop, but operates
// at the level of a whole transfer rather than a single HTTP request.
func (e *Executor) withRetry(ctx context.Context, desc string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= executorMaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", desc, ctx.Err())
		}

		if !isExecutorRetryable(err) || attempt == executorMaxRetries {
			break
		}

		backoff := executorBackoff(attempt)

		e.logger.Warn("retrying after transient failure",
			slog.String("op", desc),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", desc, ctx.Err())
		}
	}

	return fmt.Errorf("%s: %w", desc, lastErr)
}

// isExecutorRetryable reports whether err is a transient condition worth
// retrying at the transfer level.
func isExecutorRetryable(err error) bool {
	switch {
	case errors.Is(err, graph.ErrThrottled),
		errors.Is(err, graph.ErrServerError),
		errors.Is(err, graph.ErrLocked):
		return true
	default:
		return false
	}
}

// executorBackoff computes exponential backoff with jitter for retry attempt.
func executorBackoff(attempt int) time.Duration {
	backoff := float64(executorBaseBackoff) * math.Pow(executorBackoffFactor, float64(attempt))
	if backoff > float64(executorMaxBackoff) {
		backoff = float64(executorMaxBackoff)
	}

	jitter := backoff * executorJitterFrac * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}
