package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxConflictSuffix is the upper bound on the numeric suffix tried during
// conflict-path collision avoidance. Exceeding 1000 collisions is implausible
// in practice; if it happens the timestamp-only base path is returned as a
// best-effort fallback.
const maxConflictSuffix = 1000

// ConflictHandler applies an explicit resolution strategy to a recorded
// conflict. Unlike plan execution, which only records conflicts, the
// handler performs the filesystem operations (renames) needed to carry
// out the chosen strategy and returns sub-actions for the caller to
// dispatch through the executor. It is invoked only by the resolve_conflict
// entry point, never automatically during a sync cycle.
type ConflictHandler struct {
	syncRoot string
	logger   *slog.Logger
}

// NewConflictHandler creates a ConflictHandler for the given sync root directory.
func NewConflictHandler(syncRoot string, logger *slog.Logger) *ConflictHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConflictHandler{
		syncRoot: syncRoot,
		logger:   logger,
	}
}

// ResolveResult holds the outcome of conflict resolution.
type ResolveResult struct {
	// Record is the resolved ConflictRecord (ResolvedBy = user).
	Record *ConflictRecord
	// SubActions are downloads/uploads/deletes the caller must dispatch
	// to complete the resolution.
	SubActions []Action
}

// Resolve applies the given strategy to a conflict that is currently
// recorded as unresolved.
//
//   - ResolutionKeepLocal: the local version wins; it is (re-)uploaded so
//     the remote matches it. For edit-delete conflicts this simply restores
//     the item on the remote.
//   - ResolutionKeepRemote: the remote version wins; it is downloaded over
//     the local file. For edit-delete conflicts the local file is removed
//     to match the remote tombstone.
//   - ResolutionKeepBoth: the local file is renamed to a timestamped
//     conflict copy and the remote version is downloaded to the original
//     path. Edit-delete conflicts have no remote version to download, so
//     keep-both degrades to keep-local (the local edit is uploaded).
func (h *ConflictHandler) Resolve(_ context.Context, conflict *ConflictRecord, strategy string) (*ResolveResult, error) {
	if conflict == nil {
		return nil, fmt.Errorf("conflict handler: nil conflict record")
	}

	h.logger.Info("conflict handler: resolving",
		"path", conflict.Path,
		"type", conflict.ConflictType,
		"strategy", strategy,
	)

	switch strategy {
	case ResolutionKeepBoth:
		return h.resolveKeepBoth(conflict)
	case ResolutionKeepLocal:
		return h.resolveKeepLocal(conflict)
	case ResolutionKeepRemote:
		return h.resolveKeepRemote(conflict)
	default:
		return nil, fmt.Errorf("conflict handler: unknown resolution strategy %q", strategy)
	}
}

// resolveKeepBoth renames the local file to a timestamped conflict copy
// and downloads the remote version to the original path. Edit-delete
// conflicts have no remote version, so this falls back to keep-local.
func (h *ConflictHandler) resolveKeepBoth(conflict *ConflictRecord) (*ResolveResult, error) {
	if conflict.ConflictType == ConflictEditDelete {
		return h.resolveKeepLocal(conflict)
	}

	localPath := filepath.Join(h.syncRoot, conflict.Path)
	conflictPath := generateConflictPath(localPath)

	h.logger.Info("conflict handler: backing up local file",
		"path", conflict.Path,
		"conflict_path", conflictPath,
	)

	if err := os.Rename(localPath, conflictPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("conflict handler: rename %q to conflict copy: %w", conflict.Path, err)
	}

	return &ResolveResult{
		Record: resolvedRecord(conflict, ResolutionKeepBoth),
		SubActions: []Action{{
			Type:    ActionDownload,
			DriveID: conflict.DriveID,
			ItemID:  conflict.ItemID,
			Path:    conflict.Path,
		}},
	}, nil
}

// resolveKeepLocal uploads the local version, making the remote match it.
func (h *ConflictHandler) resolveKeepLocal(conflict *ConflictRecord) (*ResolveResult, error) {
	h.logger.Info("conflict handler: uploading local version", "path", conflict.Path)

	return &ResolveResult{
		Record: resolvedRecord(conflict, ResolutionKeepLocal),
		SubActions: []Action{{
			Type:    ActionUpload,
			DriveID: conflict.DriveID,
			ItemID:  conflict.ItemID,
			Path:    conflict.Path,
		}},
	}, nil
}

// resolveKeepRemote downloads the remote version over the local file. For
// edit-delete conflicts the remote item no longer exists, so the local
// file is deleted to match the remote tombstone.
func (h *ConflictHandler) resolveKeepRemote(conflict *ConflictRecord) (*ResolveResult, error) {
	if conflict.ConflictType == ConflictEditDelete {
		h.logger.Info("conflict handler: deleting local file to match remote tombstone", "path", conflict.Path)

		return &ResolveResult{
			Record: resolvedRecord(conflict, ResolutionKeepRemote),
			SubActions: []Action{{
				Type:    ActionLocalDelete,
				DriveID: conflict.DriveID,
				ItemID:  conflict.ItemID,
				Path:    conflict.Path,
			}},
		}, nil
	}

	h.logger.Info("conflict handler: downloading remote version", "path", conflict.Path)

	return &ResolveResult{
		Record: resolvedRecord(conflict, ResolutionKeepRemote),
		SubActions: []Action{{
			Type:    ActionDownload,
			DriveID: conflict.DriveID,
			ItemID:  conflict.ItemID,
			Path:    conflict.Path,
		}},
	}, nil
}

// resolvedRecord returns a copy of conflict marked resolved by the user
// under the given strategy.
func resolvedRecord(conflict *ConflictRecord, strategy string) *ConflictRecord {
	resolved := *conflict
	resolved.Resolution = strategy
	resolved.ResolvedAt = NowNano()
	resolved.ResolvedBy = ResolvedByUser

	return &resolved
}

// generateConflictPath creates a conflict copy path using timestamp-based naming.
// Pattern: <stem>.conflict-<YYYYMMDD-HHMMSS><ext>
// Examples:
//   - report.docx  →  report.conflict-20260221-143052.docx
//   - .bashrc      →  .bashrc.conflict-20260221-143052
//   - Makefile     →  Makefile.conflict-20260221-143052
//
// Dotfiles like ".bashrc" are handled specially: Go's filepath.Ext treats the entire
// name as the extension for files whose only dot is the leading one, which would yield
// the wrong ".conflict-TIMESTAMP.bashrc" pattern. We detect this and treat the
// extension as empty, so the suffix is appended to the full dotfile name.
//
// Collision avoidance appends a numeric suffix (-1, -2, ...) up to maxConflictSuffix.
// If all candidates are taken, the base (no suffix) path is returned as a fallback.
func generateConflictPath(originalPath string) string {
	return conflictCopyPath(originalPath, time.Now())
}

// conflictCopyPath is generateConflictPath with an injectable timestamp, used
// by callers (such as the executor's delete-on-hash-mismatch path) that need
// a deterministic, testable clock rather than time.Now().
func conflictCopyPath(originalPath string, now time.Time) string {
	stem, ext := conflictStemExt(originalPath)
	ts := now.UTC().Format("20060102-150405")

	base := stem + ".conflict-" + ts + ext
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}

	// Collision avoidance: append numeric suffix until a free slot is found.
	for i := 1; i <= maxConflictSuffix; i++ {
		candidate := fmt.Sprintf("%s.conflict-%s-%d%s", stem, ts, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	// Fallback: return the base path; the rename will overwrite if it exists.
	return base
}

// conflictStemExt splits originalPath into a (stem, ext) pair suitable for
// conflict-path generation. Dotfiles with no embedded extension (e.g., ".bashrc")
// are treated as having an empty extension so the conflict suffix is appended to
// the full filename rather than before the leading dot.
func conflictStemExt(originalPath string) (stem, ext string) {
	base := filepath.Base(originalPath)
	dir := originalPath[:len(originalPath)-len(base)] // preserve trailing separator

	// Dotfile: base starts with "." and the only dot is the leading one.
	// filepath.Ext would return the entire base as the extension — wrong for our use.
	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return dir + base, ""
	}

	ext = filepath.Ext(base)
	stem = dir + base[:len(base)-len(ext)]

	return stem, ext
}
