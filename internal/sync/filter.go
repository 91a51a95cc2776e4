package sync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/onedrivesync/engine/internal/config"
)

// OneDrive path and name length limits.
const (
	maxPathLength = 400 // characters — OneDrive's max full path length
	maxNameLength = 255 // bytes — filesystem component limit
)

// oneDriveIllegalChars are characters OneDrive forbids in file/folder names.
const oneDriveIllegalChars = `"*:<>?/\|`

// transientSuffixes are always excluded, config or not — a partially
// written file, whether our own in-progress download or some other tool's
// temp output, is never a sync candidate.
var transientSuffixes = []string{".partial", ".tmp"}

// transientPrefix matches tilde-prefixed temp/lock files (e.g. ~lockfile).
const transientPrefix = "~"

// reservedNames holds the Windows/OneDrive reserved device names,
// case-insensitive.
var reservedNames = func() map[string]bool {
	names := map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
	}

	for i := range 10 {
		names[fmt.Sprintf("COM%d", i)] = true
		names[fmt.Sprintf("LPT%d", i)] = true
	}

	return names
}()

// FilterEngine decides whether a path participates in sync, through a
// cascade: OneDrive name validation, the sync_paths allowlist, config-driven
// patterns (skip_files, skip_dirs, skip_dotfiles, max_file_size, transient
// exclusion), and .odignore marker files. Names OneDrive would reject are
// rejected here first — there's no point attempting an upload Graph will
// bounce.
type FilterEngine struct {
	cfg      config.FilterConfig
	logger   *slog.Logger
	syncRoot string

	// maxFileSizeBytes is the parsed max_file_size threshold; 0 means no limit.
	maxFileSizeBytes int64

	// odignoreCache holds parsed .odignore files per directory. A nil entry
	// means the directory was checked and had none. Guarded by mu since the
	// scanner may probe concurrently.
	odignoreCache map[string]*ignore.GitIgnore
	mu            gosync.RWMutex
}

// NewFilterEngine builds a FilterEngine from cfg, parsing its max_file_size
// threshold up front and priming an empty .odignore cache.
func NewFilterEngine(cfg *config.FilterConfig, syncRoot string, logger *slog.Logger) (*FilterEngine, error) {
	logger.Info("filter engine initialized",
		"sync_root", syncRoot,
		"skip_dotfiles", cfg.SkipDotfiles,
		"skip_files", cfg.SkipFiles,
		"skip_dirs", cfg.SkipDirs,
		"max_file_size", cfg.MaxFileSize,
		"sync_paths", cfg.SyncPaths,
		"ignore_marker", cfg.IgnoreMarker,
	)

	maxBytes, err := parseSizeFilter(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("invalid max_file_size %q: %w", cfg.MaxFileSize, err)
	}

	return &FilterEngine{
		cfg:              *cfg,
		logger:           logger,
		syncRoot:         syncRoot,
		maxFileSizeBytes: maxBytes,
		odignoreCache:    make(map[string]*ignore.GitIgnore),
	}, nil
}

// ShouldSync evaluates whether path — relative to the sync root — should
// participate in sync, running the full filter cascade in order.
func (f *FilterEngine) ShouldSync(path string, isDir bool, size int64) FilterResult {
	if result := f.nameRules(path); !result.Included {
		return result
	}

	if result := f.allowlistRule(path, isDir); !result.Included {
		return result
	}

	if result := f.configRules(path, isDir, size); !result.Included {
		return result
	}

	if result := f.odignoreRule(path, isDir); !result.Included {
		return result
	}

	return FilterResult{Included: true}
}

// nameRules rejects paths OneDrive's own naming restrictions forbid.
func (f *FilterEngine) nameRules(path string) FilterResult {
	if valid, reason := isValidPath(path); !valid {
		f.logger.Debug("path excluded by name validation", "path", path, "reason", reason)
		return FilterResult{Included: false, Reason: reason}
	}

	for _, comp := range strings.Split(filepath.ToSlash(path), "/") {
		if comp == "" || comp == "." || comp == ".." {
			continue
		}

		if valid, reason := isValidOneDriveName(comp); !valid {
			f.logger.Debug("path excluded by name validation", "path", path, "component", comp, "reason", reason)
			return FilterResult{Included: false, Reason: reason}
		}
	}

	return FilterResult{Included: true}
}

// allowlistRule enforces the sync_paths allowlist. An empty allowlist
// passes everything; otherwise parents of an allowed subtree remain
// traversable even though their own content isn't synced.
func (f *FilterEngine) allowlistRule(path string, isDir bool) FilterResult {
	if len(f.cfg.SyncPaths) == 0 {
		return FilterResult{Included: true}
	}

	if f.matchesSyncPaths(path, isDir) {
		return FilterResult{Included: true}
	}

	f.logger.Debug("path excluded by sync_paths", "path", path)

	return FilterResult{Included: false, Reason: "not in sync_paths"}
}

// configRules applies transient-file exclusion, skip_dotfiles, and the
// dir/file-specific skip_dirs / skip_files / max_file_size checks.
func (f *FilterEngine) configRules(path string, isDir bool, size int64) FilterResult {
	name := filepath.Base(path)

	if !isDir {
		if result := f.transientRule(name, path); !result.Included {
			return result
		}
	}

	if f.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		f.logger.Debug("path excluded by skip_dotfiles", "path", path)
		return FilterResult{Included: false, Reason: "dotfile excluded"}
	}

	if isDir {
		return f.dirRule(name, path)
	}

	return f.fileRule(name, path, size)
}

// transientRule excludes files that look like partial writes or lock files
// (.partial, .tmp, ~*).
func (f *FilterEngine) transientRule(name, path string) FilterResult {
	lower := strings.ToLower(name)

	for _, suffix := range transientSuffixes {
		if strings.HasSuffix(lower, suffix) {
			f.logger.Debug("path excluded as transient file", "path", path, "suffix", suffix)
			return FilterResult{Included: false, Reason: fmt.Sprintf("transient file: matches %s pattern", suffix)}
		}
	}

	if strings.HasPrefix(name, transientPrefix) {
		f.logger.Debug("path excluded as transient file", "path", path, "prefix", transientPrefix)
		return FilterResult{Included: false, Reason: "transient file: matches ~* pattern"}
	}

	return FilterResult{Included: true}
}

// dirRule applies skip_dirs glob patterns against the directory basename.
func (f *FilterEngine) dirRule(name, path string) FilterResult {
	if matchesSkipPattern(name, f.cfg.SkipDirs) {
		f.logger.Debug("path excluded by skip_dirs", "path", path, "name", name)
		return FilterResult{Included: false, Reason: "matches skip_dirs pattern"}
	}

	return FilterResult{Included: true}
}

// fileRule applies skip_files glob patterns and the max_file_size threshold.
func (f *FilterEngine) fileRule(name, path string, size int64) FilterResult {
	if matchesSkipPattern(name, f.cfg.SkipFiles) {
		f.logger.Debug("path excluded by skip_files", "path", path, "name", name)
		return FilterResult{Included: false, Reason: "matches skip_files pattern"}
	}

	if f.maxFileSizeBytes > 0 && size > f.maxFileSizeBytes {
		f.logger.Debug("path excluded by max_file_size",
			"path", path, "size", size, "max", f.maxFileSizeBytes)
		return FilterResult{Included: false, Reason: "exceeds max_file_size"}
	}

	return FilterResult{Included: true}
}

// odignoreRule applies .odignore marker file patterns for path's directory.
func (f *FilterEngine) odignoreRule(path string, isDir bool) FilterResult {
	if f.cfg.IgnoreMarker == "" {
		return FilterResult{Included: true}
	}

	dir := filepath.Dir(path)
	gi := f.loadOdignore(dir)

	if gi == nil {
		return FilterResult{Included: true}
	}

	matchPath := filepath.ToSlash(path)
	if isDir {
		matchPath += "/"
	}

	if gi.MatchesPath(matchPath) {
		f.logger.Debug("path excluded by .odignore", "path", path, "dir", dir)
		return FilterResult{Included: false, Reason: "excluded by " + f.cfg.IgnoreMarker}
	}

	return FilterResult{Included: true}
}

// matchesSyncPaths reports whether path falls under any configured
// sync_path: exact match, child of one, or parent of one (parents stay
// traversable so the scanner can reach the allowed subtree, without their
// own content counting as synced).
func (f *FilterEngine) matchesSyncPaths(path string, isDir bool) bool {
	normalPath := filepath.ToSlash(filepath.Clean(path))

	for _, sp := range f.cfg.SyncPaths {
		normalSP := filepath.ToSlash(filepath.Clean(sp))

		if normalPath == normalSP {
			return true
		}

		if strings.HasPrefix(normalPath, normalSP+"/") {
			return true
		}

		if isDir && strings.HasPrefix(normalSP, normalPath+"/") {
			return true
		}
	}

	return false
}

// matchesSkipPattern reports whether name matches any glob pattern,
// case-insensitively. A malformed pattern is logged and skipped rather than
// failing the whole filter.
func matchesSkipPattern(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		matched, err := filepath.Match(strings.ToLower(pattern), lowerName)
		if err != nil {
			slog.Warn("malformed skip pattern", "pattern", pattern, "error", err)
			continue
		}

		if matched {
			return true
		}
	}

	return false
}

// loadOdignore loads and caches the .odignore file for dir, returning nil
// if the directory has none.
func (f *FilterEngine) loadOdignore(dir string) *ignore.GitIgnore {
	f.mu.RLock()
	gi, cached := f.odignoreCache[dir]
	f.mu.RUnlock()

	if cached {
		return gi
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if gi, cached = f.odignoreCache[dir]; cached {
		return gi
	}

	odignorePath := filepath.Join(f.syncRoot, dir, f.cfg.IgnoreMarker)

	parsed, err := ignore.CompileIgnoreFile(odignorePath)
	if err != nil {
		f.logger.Debug("no .odignore file found", "dir", dir, "path", odignorePath)
		f.odignoreCache[dir] = nil

		return nil
	}

	f.logger.Debug("loaded .odignore file", "dir", dir, "path", odignorePath)
	f.odignoreCache[dir] = parsed

	return parsed
}

// isValidOneDriveName reports whether a single path component is a legal
// OneDrive name, with a human-readable reason when it isn't.
func isValidOneDriveName(name string) (bool, string) {
	for _, ch := range name {
		if strings.ContainsRune(oneDriveIllegalChars, ch) {
			return false, fmt.Sprintf("contains illegal character %q", string(ch))
		}
	}

	upper := strings.ToUpper(name)
	baseName := upper
	if dot := strings.IndexByte(upper, '.'); dot >= 0 {
		baseName = upper[:dot]
	}

	if reservedNames[baseName] {
		return false, fmt.Sprintf("%q is a reserved name", name)
	}

	if strings.HasSuffix(name, ".") {
		return false, "name ends with a dot"
	}

	if strings.HasSuffix(name, " ") {
		return false, "name ends with a space"
	}

	if name != "" && name[0] == ' ' {
		return false, "name starts with a space"
	}

	if strings.HasPrefix(name, "~$") {
		return false, "name starts with ~$"
	}

	if strings.Contains(name, "_vti_") {
		return false, "name contains _vti_"
	}

	if len(name) > maxNameLength {
		return false, fmt.Sprintf("name exceeds %d bytes", maxNameLength)
	}

	return true, ""
}

// isValidPath reports whether path is within OneDrive's full-path length
// limit, measured in runes rather than bytes.
func isValidPath(path string) (bool, string) {
	if len([]rune(path)) > maxPathLength {
		return false, fmt.Sprintf("path exceeds %d characters", maxPathLength)
	}

	return true, ""
}

// Decimal (SI) size multipliers for parseSizeFilter.
const (
	filterKilobyte = 1000
	filterMegabyte = 1000 * filterKilobyte
	filterGigabyte = 1000 * filterMegabyte
	filterTerabyte = 1000 * filterGigabyte
)

// Binary (IEC) size multipliers for parseSizeFilter.
const (
	filterKibibyte = 1024
	filterMebibyte = 1024 * filterKibibyte
	filterGibibyte = 1024 * filterMebibyte
	filterTebibyte = 1024 * filterGibibyte
)

// parseSizeFilter converts a human size string ("50GB", "10MiB") to bytes;
// "" or "0" means no limit. Duplicates what the config package's size
// parser does internally — that helper is unexported, and pulling in the
// whole config package for one string-to-int64 conversion isn't worth it.
func parseSizeFilter(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", filterTebibyte},
		{"GIB", filterGibibyte},
		{"MIB", filterMebibyte},
		{"KIB", filterKibibyte},
		{"TB", filterTerabyte},
		{"GB", filterGigabyte},
		{"MB", filterMegabyte},
		{"KB", filterKilobyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])

			return parseSizeNumber(numStr, sf.multiplier)
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}

// parseSizeNumber parses the numeric portion of a size string and scales it
// by multiplier.
func parseSizeNumber(numStr string, multiplier int64) (int64, error) {
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number %q: %w", numStr, err)
	}

	result := int64(n * float64(multiplier))
	if result < 0 {
		return 0, fmt.Errorf("invalid size: must be non-negative")
	}

	return result, nil
}
