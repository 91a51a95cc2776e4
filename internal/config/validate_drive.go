package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/onedrivesync/engine/internal/driveid"
)

// validateDrives checks every drive's own fields plus cross-drive
// constraints (sync_dir uniqueness and nesting). Canonical ID format is
// already enforced at parse time by decodeDriveSections.
func validateDrives(cfg *Config) []error {
	if len(cfg.Drives) == 0 {
		return nil // no drives configured yet is valid, e.g. before first login
	}

	var errs []error

	dirsSeen := make(map[string]string, len(cfg.Drives))

	for id := range cfg.Drives {
		drive := cfg.Drives[id]
		errs = append(errs, validateOneDrive(id, &drive, dirsSeen)...)
	}

	errs = append(errs, checkNoNestedSyncDirs(dirsSeen)...)

	return errs
}

// validateOneDrive validates a single drive's own fields and records its
// sync_dir for the cross-drive uniqueness/nesting check. An empty sync_dir
// is valid — buildResolvedDrive fills in a runtime default — which is what
// lets zero-config mode and minimal drive sections work.
func validateOneDrive(id driveid.CanonicalID, drive *Drive, dirsSeen map[string]string) []error {
	var errs []error

	idStr := id.String()

	if drive.PollInterval != "" {
		if err := validateDuration("poll_interval", drive.PollInterval, minPollInterval); err != nil {
			errs = append(errs, fmt.Errorf("drive %q: %w", idStr, err))
		}
	}

	errs = append(errs, recordSyncDir(idStr, drive, dirsSeen)...)

	return errs
}

// recordSyncDir registers drive's expanded sync_dir in seen, erroring if
// another drive already claimed the identical path.
func recordSyncDir(id string, drive *Drive, seen map[string]string) []error {
	if drive.SyncDir == "" {
		return nil
	}

	expanded := expandTilde(drive.SyncDir)

	if other, exists := seen[expanded]; exists {
		return []error{fmt.Errorf(
			"drives %q and %q have the same sync_dir %q", other, id, drive.SyncDir)}
	}

	seen[expanded] = id

	return nil
}

// checkNoNestedSyncDirs flags any pair of sync_dirs where one is an
// ancestor of the other — syncing a directory and its own subdirectory as
// two separate drives would double-sync and conflict every file in the
// overlap. dirs maps expanded path -> owning drive's canonical ID.
func checkNoNestedSyncDirs(dirs map[string]string) []error {
	type dirEntry struct {
		path string
		id   string
	}

	entries := make([]dirEntry, 0, len(dirs))
	for path, id := range dirs {
		entries = append(entries, dirEntry{path: filepath.Clean(path), id: id})
	}

	var errs []error

	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if nested(entries[i].path, entries[j].path) {
				errs = append(errs, fmt.Errorf(
					"sync_dir overlap: drives %q and %q have nested directories (%s, %s)",
					entries[i].id, entries[j].id, entries[i].path, entries[j].path))
			}
		}
	}

	return errs
}

// nested reports whether a is an ancestor of b or vice versa. Comparing
// with a trailing separator avoids a false positive from a bare path-prefix
// match, e.g. "/OneDrive" must not be flagged as an ancestor of
// "/OneDriveBackup".
func nested(a, b string) bool {
	aSlash := a + string(filepath.Separator)
	bSlash := b + string(filepath.Separator)

	return strings.HasPrefix(bSlash, aSlash) || strings.HasPrefix(aSlash, bSlash)
}
