package sync

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"
)

// reportStalePartials walks syncRoot looking for .partial files older than
// threshold and logs each as a warning. Run after a sync pass completes, so
// an abandoned download (process killed mid-write, disk full) doesn't sit
// silently on disk forever.
func reportStalePartials(syncRoot string, threshold time.Duration, logger *slog.Logger) {
	var stale []string

	err := filepath.WalkDir(syncRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || filepath.Ext(path) != ".partial" {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		if time.Since(info.ModTime()) <= threshold {
			return nil
		}

		rel, relErr := filepath.Rel(syncRoot, path)
		if relErr != nil {
			rel = path
		}

		stale = append(stale, rel)

		return nil
	})
	if err != nil {
		logger.Warn("error scanning for stale partials", slog.String("error", err.Error()))
		return
	}

	if len(stale) == 0 {
		return
	}

	logger.Warn("stale .partial files found (older than 48h)", slog.Int("count", len(stale)))

	for _, rel := range stale {
		logger.Warn("stale partial", slog.String("path", rel))
	}
}
