package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Verify status constants (used in VerifyResult.Status).
const (
	VerifyOK           = "ok"
	VerifyMissing      = "missing"
	VerifyHashMismatch = "hash_mismatch"
	VerifySizeMismatch = "size_mismatch"
)

// VerifyBaseline walks every file entry in bl and compares it against the
// local filesystem under syncRoot: read-only, no database writes, no graph
// client involved. A file present on disk but absent from the baseline is
// ignored (it hasn't synced yet); folders are skipped since there's no
// content hash to check.
func VerifyBaseline(ctx context.Context, bl *Baseline, syncRoot string, logger *slog.Logger) (*VerifyReport, error) {
	report := &VerifyReport{}

	for relPath, entry := range bl.ByPath {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sync: verify canceled: %w", ctx.Err())
		}

		if entry.ItemType != ItemTypeFile {
			continue
		}

		outcome := checkEntry(filepath.Join(syncRoot, relPath), entry, logger)

		if outcome.Status == VerifyOK {
			report.Verified++
		} else {
			report.Mismatches = append(report.Mismatches, outcome)
		}
	}

	return report, nil
}

// checkEntry compares one baseline entry against whatever sits at absPath
// on disk, in increasing order of cost: existence, then size, then hash.
func checkEntry(absPath string, entry *BaselineEntry, logger *slog.Logger) VerifyResult {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{
				Path:     entry.Path,
				Status:   VerifyMissing,
				Expected: entry.LocalHash,
			}
		}

		logger.Warn("verify: stat failed", slog.String("path", entry.Path), slog.String("error", err.Error()))

		return VerifyResult{
			Path:     entry.Path,
			Status:   VerifyMissing,
			Expected: entry.LocalHash,
			Actual:   err.Error(),
		}
	}

	if entry.Size > 0 && info.Size() != entry.Size {
		return VerifyResult{
			Path:     entry.Path,
			Status:   VerifySizeMismatch,
			Expected: fmt.Sprintf("%d", entry.Size),
			Actual:   fmt.Sprintf("%d", info.Size()),
		}
	}

	// No local hash on record (e.g. a SharePoint-enriched entry that only
	// carries remote_hash) — size match is the best check available.
	if entry.LocalHash == "" {
		return VerifyResult{Path: entry.Path, Status: VerifyOK}
	}

	sum, err := computeQuickXorHash(absPath)
	if err != nil {
		logger.Warn("verify: hash failed", slog.String("path", entry.Path), slog.String("error", err.Error()))

		return VerifyResult{
			Path:     entry.Path,
			Status:   VerifyHashMismatch,
			Expected: entry.LocalHash,
			Actual:   err.Error(),
		}
	}

	if sum != entry.LocalHash {
		return VerifyResult{
			Path:     entry.Path,
			Status:   VerifyHashMismatch,
			Expected: entry.LocalHash,
			Actual:   sum,
		}
	}

	return VerifyResult{Path: entry.Path, Status: VerifyOK}
}
