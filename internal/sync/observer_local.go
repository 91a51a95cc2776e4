package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onedrivesync/engine/pkg/quickxorhash"
)

// ErrNosyncGuard is returned when a .nosync guard file is present in the
// sync root, signaling the directory may be unmounted or otherwise unsafe
// to scan.
var ErrNosyncGuard = errors.New("sync: .nosync guard file present (sync dir may be unmounted)")

// ErrSyncRootDeleted is returned when the sync root disappears while a
// watch is running.
var ErrSyncRootDeleted = errors.New("sync: sync root directory deleted or inaccessible")

// errFileChangedDuringHash signals that a file's size or mtime changed
// between the start and end of hashing it, meaning the digest may not
// reflect any single consistent snapshot of the file's content.
var errFileChangedDuringHash = errors.New("sync: file changed while being hashed")

const (
	nosyncFileName         = ".nosync"
	nanosPerSecond         = 1_000_000_000
	maxComponentLength     = 255
	deviceNameWithDigitLen = 4 // COM0-COM9, LPT0-LPT9 are exactly 4 characters
	defaultSafetyInterval  = 5 * time.Minute
	defaultWriteCoalesce   = 300 * time.Millisecond
	watchErrInitBackoff    = 1 * time.Second
	watchErrMaxBackoff     = 30 * time.Second
	watchErrBackoffMult    = 2
)

// FsWatcher abstracts filesystem event monitoring so tests can inject a
// fake implementation. Satisfied by *fsnotify.Watcher via fsWatcherAdapter.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsWatcherAdapter wraps *fsnotify.Watcher to satisfy FsWatcher — fsnotify
// exposes Events/Errors as struct fields rather than methods.
type fsWatcherAdapter struct {
	w *fsnotify.Watcher
}

func (a *fsWatcherAdapter) Add(name string) error         { return a.w.Add(name) }
func (a *fsWatcherAdapter) Remove(name string) error       { return a.w.Remove(name) }
func (a *fsWatcherAdapter) Close() error                   { return a.w.Close() }
func (a *fsWatcherAdapter) Events() <-chan fsnotify.Event  { return a.w.Events }
func (a *fsWatcherAdapter) Errors() <-chan error           { return a.w.Errors }

// tickFunc starts a periodic timer and returns its channel plus a stop
// function. Overridable in tests so the safety scan can be driven without
// waiting on a real clock.
type tickFunc func(d time.Duration) (<-chan time.Time, func())

// LocalObserver walks the local filesystem and produces []ChangeEvent by
// comparing each entry against the in-memory baseline. It carries no
// per-scan state of its own — syncRoot is a parameter of FullScan, so one
// observer can be reused across cycles.
type LocalObserver struct {
	baseline              *Baseline
	logger                *slog.Logger
	watcherFactory        func() (FsWatcher, error)
	safetyScanInterval    time.Duration
	safetyTickFunc        tickFunc
	sleepFunc             func(ctx context.Context, d time.Duration) error
	writeCoalesceCooldown time.Duration
	droppedEvents         atomic.Int64

	pendingMu     stdsync.Mutex
	pendingWrites map[string]*time.Timer
}

// NewLocalObserver creates a LocalObserver backed by a real fsnotify
// watcher. baseline must already be loaded (BaselineManager.Load); the
// observer only reads it. An optional safetyInterval overrides the
// default periodic safety-scan cadence used by Watch.
func NewLocalObserver(baseline *Baseline, logger *slog.Logger, safetyInterval ...time.Duration) *LocalObserver {
	interval := defaultSafetyInterval
	if len(safetyInterval) > 0 && safetyInterval[0] > 0 {
		interval = safetyInterval[0]
	}

	return &LocalObserver{
		baseline: baseline,
		logger:   logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsWatcherAdapter{w: w}, nil
		},
		safetyScanInterval:    interval,
		writeCoalesceCooldown: defaultWriteCoalesce,
		safetyTickFunc: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		pendingWrites: make(map[string]*time.Timer),
	}
}

// scheduleWrite (re)starts dbRelPath's coalescing timer: a burst of Write
// events for the same path within writeCoalesceCooldown collapses into a
// single hash-and-emit once the burst settles, rather than one event (and
// one hash computation) per fsnotify callback.
func (o *LocalObserver) scheduleWrite(ctx context.Context, fsPath, dbRelPath, name string, events chan<- ChangeEvent) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if o.pendingWrites == nil {
		o.pendingWrites = make(map[string]*time.Timer)
	}

	if existing, ok := o.pendingWrites[dbRelPath]; ok {
		existing.Stop()
	}

	o.pendingWrites[dbRelPath] = time.AfterFunc(o.writeCoalesceCooldown, func() {
		o.pendingMu.Lock()
		delete(o.pendingWrites, dbRelPath)
		o.pendingMu.Unlock()

		o.onWrite(ctx, fsPath, dbRelPath, name, events)
	})
}

// cancelPendingWrite stops and forgets dbRelPath's coalescing timer, if
// any — used when the path is deleted before the timer fires.
func (o *LocalObserver) cancelPendingWrite(dbRelPath string) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if t, ok := o.pendingWrites[dbRelPath]; ok {
		t.Stop()
		delete(o.pendingWrites, dbRelPath)
	}
}

// cancelAllPendingWrites stops every outstanding coalescing timer, used
// when Watch exits so no timer fires (and sends on events) after the
// caller has stopped reading from it.
func (o *LocalObserver) cancelAllPendingWrites() {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	for path, t := range o.pendingWrites {
		t.Stop()
		delete(o.pendingWrites, path)
	}
}

// trySend delivers ev without blocking; a full channel drops the event
// (logged at Warn) and relies on the periodic safety scan to reconcile it
// later.
func (o *LocalObserver) trySend(ctx context.Context, events chan<- ChangeEvent, ev *ChangeEvent) {
	select {
	case events <- *ev:
	case <-ctx.Done():
	default:
		o.droppedEvents.Add(1)
		o.logger.Warn("event channel full, dropping event (safety scan will catch up)",
			slog.String("path", ev.Path),
			slog.String("type", ev.Type.String()),
		)
	}
}

// DroppedEvents returns the count of events trySend has dropped due to
// channel backpressure. Non-zero is not itself an error — the periodic
// safety scan recovers the missed events — but sustained drops indicate
// the consumer isn't keeping up.
func (o *LocalObserver) DroppedEvents() int64 {
	return o.droppedEvents.Load()
}

// FullScan walks syncRoot and returns change events for every local
// create, modify, and delete relative to the baseline.
func (o *LocalObserver) FullScan(ctx context.Context, syncRoot string) ([]ChangeEvent, error) {
	o.logger.Info("local observer starting full scan",
		slog.String("sync_root", syncRoot),
		slog.Int("baseline_entries", o.baseline.Len()),
	)

	if _, err := os.Stat(filepath.Join(syncRoot, nosyncFileName)); err == nil {
		o.logger.Warn("nosync guard file detected, aborting scan", slog.String("sync_root", syncRoot))
		return nil, ErrNosyncGuard
	}

	var events []ChangeEvent

	observed := make(map[string]bool)
	scanStartNano := time.Now().UnixNano()

	walkFn := o.scanWalkFunc(ctx, syncRoot, observed, &events, scanStartNano)
	if err := filepath.WalkDir(syncRoot, walkFn); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sync: local scan canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("sync: walking %s: %w", syncRoot, err)
	}

	deletions := o.deletedPaths(observed)
	events = append(events, deletions...)

	o.logger.Info("local observer completed full scan",
		slog.Int("events", len(events)),
		slog.Int("observed", len(observed)),
		slog.Int("deletions", len(deletions)),
	)

	return events, nil
}

// Watch monitors syncRoot with fsnotify and streams change events until
// ctx is canceled. A periodic safety scan supplements fsnotify for events
// it may miss across platform edge cases or brief watcher gaps.
func (o *LocalObserver) Watch(ctx context.Context, syncRoot string, events chan<- ChangeEvent) error {
	o.logger.Info("local observer starting watch", slog.String("sync_root", syncRoot))

	if _, err := os.Stat(filepath.Join(syncRoot, nosyncFileName)); err == nil {
		o.logger.Warn("nosync guard file detected, aborting watch", slog.String("sync_root", syncRoot))
		return ErrNosyncGuard
	}

	watcher, err := o.watcherFactory()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := o.addWatchesRecursive(watcher, syncRoot); err != nil {
		return fmt.Errorf("sync: adding initial watches: %w", err)
	}

	return o.watchLoop(ctx, watcher, syncRoot, events)
}

// addWatchesRecursive walks syncRoot and registers a watch on every
// directory that would itself be synced.
func (o *LocalObserver) addWatchesRecursive(watcher FsWatcher, syncRoot string) error {
	return filepath.WalkDir(syncRoot, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			o.logger.Warn("walk error during watch setup",
				slog.String("path", fsPath), slog.String("error", walkErr.Error()))

			return skipEntry(d)
		}

		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if fsPath != syncRoot && (isAlwaysExcluded(name) || !isSyncableLocalName(name)) {
			return filepath.SkipDir
		}

		if addErr := watcher.Add(fsPath); addErr != nil {
			o.logger.Warn("failed to add watch",
				slog.String("path", fsPath), slog.String("error", addErr.Error()))
		}

		return nil
	})
}

// scanWalkFunc builds the WalkDirFunc used by FullScan: it filters
// excluded/invalid entries, normalizes the path, and hands surviving
// entries to classifyEntry.
func (o *LocalObserver) scanWalkFunc(
	ctx context.Context, syncRoot string, observed map[string]bool, events *[]ChangeEvent,
	scanStartNano int64,
) fs.WalkDirFunc {
	return func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			o.logger.Warn("walk error", slog.String("path", fsPath), slog.String("error", walkErr.Error()))
			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if fsPath == syncRoot {
			return nil
		}

		relPath, err := filepath.Rel(syncRoot, fsPath)
		if err != nil {
			return fmt.Errorf("sync: computing relative path for %s: %w", fsPath, err)
		}

		dbRelPath := nfcNormalize(filepath.ToSlash(relPath))
		name := nfcNormalize(d.Name())

		if d.Type()&fs.ModeSymlink != 0 {
			o.logger.Debug("skipping symlink", slog.String("path", dbRelPath))
			return skipEntry(d)
		}

		if isAlwaysExcluded(name) {
			o.logger.Debug("skipping excluded file", slog.String("name", name))
			return skipEntry(d)
		}

		if !isSyncableLocalName(name) {
			o.logger.Debug("skipping invalid OneDrive name", slog.String("name", name))
			return skipEntry(d)
		}

		return o.classifyEntry(fsPath, dbRelPath, name, d, observed, events, scanStartNano)
	}
}

// classifyEntry marks fsPath as observed and, for entries that represent
// a real change, appends the corresponding event.
func (o *LocalObserver) classifyEntry(
	fsPath, dbRelPath, name string, d fs.DirEntry, observed map[string]bool, events *[]ChangeEvent,
	scanStartNano int64,
) error {
	info, err := d.Info()
	if err != nil {
		o.logger.Warn("stat failed (file may have disappeared)",
			slog.String("path", dbRelPath), slog.String("error", err.Error()))

		return nil
	}

	observed[dbRelPath] = true

	ev, err := o.diffAgainstBaseline(fsPath, dbRelPath, name, d, info, scanStartNano)
	if err != nil {
		return err
	}

	if ev != nil {
		*events = append(*events, *ev)
	}

	return nil
}

// diffAgainstBaseline compares one local entry to its baseline record and
// returns the event that captures the difference, or nil if there is
// none worth reporting.
func (o *LocalObserver) diffAgainstBaseline(
	fsPath, dbRelPath, name string, d fs.DirEntry, info fs.FileInfo, scanStartNano int64,
) (*ChangeEvent, error) {
	existing, ok := o.baseline.GetByPath(dbRelPath)

	if !ok {
		return o.createEvent(fsPath, dbRelPath, name, d, info)
	}

	// Folder mtime changes (e.g. adding a file) are noise; contained
	// files report their own events.
	if d.IsDir() {
		return nil, nil
	}

	return o.modifyEventIfChanged(fsPath, dbRelPath, name, info, existing, scanStartNano)
}

// createEvent builds a ChangeCreate event for a path with no baseline
// record, hashing it first when it's a regular file.
func (o *LocalObserver) createEvent(fsPath, dbRelPath, name string, d fs.DirEntry, info fs.FileInfo) (*ChangeEvent, error) {
	ev := ChangeEvent{
		Source:   SourceLocal,
		Type:     ChangeCreate,
		Path:     dbRelPath,
		Name:     name,
		ItemType: itemTypeFromDirEntry(d),
		Size:     info.Size(),
		Mtime:    info.ModTime().UnixNano(),
	}

	if !d.IsDir() {
		hash, err := computeQuickXorHash(fsPath)
		if err != nil {
			o.logger.Warn("hash computation failed for new file, emitting event with empty hash",
				slog.String("path", dbRelPath), slog.String("error", err.Error()))
		} else {
			ev.Hash = hash
		}
	}

	return &ev, nil
}

// modifyEventIfChanged compares a file against its baseline entry using
// mtime+size as a fast path, matching the scheme rsync/rclone/Syncthing
// use, and only falls back to a content hash when the metadata disagrees.
// A file whose mtime lands within one second of scan start is always
// hashed regardless of the fast path, since it could have been written in
// the same clock tick as the prior sync (the "racily clean" problem).
func (o *LocalObserver) modifyEventIfChanged(
	fsPath, dbRelPath, name string, info fs.FileInfo, base *BaselineEntry, scanStartNano int64,
) (*ChangeEvent, error) {
	currentMtime := info.ModTime().UnixNano()
	currentSize := info.Size()

	if currentSize == base.Size && currentMtime == base.Mtime {
		if scanStartNano-currentMtime >= nanosPerSecond {
			o.logger.Debug("fast path: mtime+size match, skipping hash", slog.String("path", dbRelPath))
			return nil, nil //nolint:nilnil
		}

		o.logger.Debug("racily clean file, forcing hash check", slog.String("path", dbRelPath))
	}

	hash, err := computeQuickXorHash(fsPath)
	if err != nil {
		o.logger.Warn("hash computation failed, skipping file",
			slog.String("path", dbRelPath), slog.String("error", err.Error()))

		return nil, nil //nolint:nilnil
	}

	if hash == base.LocalHash {
		return nil, nil //nolint:nilnil
	}

	return &ChangeEvent{
		Source:   SourceLocal,
		Type:     ChangeModify,
		Path:     dbRelPath,
		Name:     name,
		ItemType: ItemTypeFile,
		Size:     currentSize,
		Hash:     hash,
		Mtime:    currentMtime,
	}, nil
}

// deletedPaths emits ChangeDelete events for baseline entries that the
// walk never observed.
func (o *LocalObserver) deletedPaths(observed map[string]bool) []ChangeEvent {
	var events []ChangeEvent

	o.baseline.ForEachPath(func(path string, entry *BaselineEntry) {
		if path == "" || entry.ItemType == ItemTypeRoot || observed[path] {
			return
		}

		events = append(events, ChangeEvent{
			Source:    SourceLocal,
			Type:      ChangeDelete,
			Path:      path,
			Name:      filepath.Base(path),
			ItemType:  entry.ItemType,
			Size:      entry.Size,
			Mtime:     entry.Mtime,
			IsDeleted: true,
		})
	})

	return events
}

// ---------------------------------------------------------------------------
// File hashing
// ---------------------------------------------------------------------------

// computeQuickXorHash streams fsPath's content through QuickXorHash and
// returns the base64-encoded digest.
func computeQuickXorHash(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := quickxorhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", fsPath, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// computeStableHash hashes fsPath and verifies the file's size and mtime
// didn't change while the hash was being computed. A file mid-write (a
// large upload landing on disk, say) can otherwise produce a digest that
// corresponds to no consistent snapshot of its content; callers that see
// errFileChangedDuringHash should treat the hash as unusable and rely on
// a later event to pick up the settled content.
func computeStableHash(fsPath string) (string, error) {
	before, err := os.Stat(fsPath)
	if err != nil {
		return "", fmt.Errorf("sync: stat before hashing %s: %w", fsPath, err)
	}

	hash, err := computeQuickXorHash(fsPath)
	if err != nil {
		return "", err
	}

	after, err := os.Stat(fsPath)
	if err != nil {
		return "", fmt.Errorf("sync: stat after hashing %s: %w", fsPath, err)
	}

	if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) {
		return hash, errFileChangedDuringHash
	}

	return hash, nil
}

// ---------------------------------------------------------------------------
// Pure helper functions
// ---------------------------------------------------------------------------

// syncRootExists reports whether syncRoot exists and is a directory.
func syncRootExists(syncRoot string) bool {
	info, err := os.Stat(syncRoot)
	return err == nil && info.IsDir()
}

// alwaysExcludedSuffixes lists file extensions unsafe to sync: partial
// downloads, editor temporaries, and SQLite files, which can corrupt if
// synced mid-transaction.
var alwaysExcludedSuffixes = []string{
	".partial", ".tmp", ".swp", ".crdownload",
	".db-wal", ".db-shm",
	".db",
}

// isAlwaysExcluded reports whether name matches a pattern that must
// never be synced regardless of user configuration.
func isAlwaysExcluded(name string) bool {
	lower := strings.ToLower(name)

	for _, ext := range alwaysExcludedSuffixes {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}

	return strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".~")
}

// isSyncableLocalName reports whether a single filesystem entry name can
// be synced to OneDrive at all. This is a cheap, config-independent gate
// applied during local scanning and watching, distinct from the
// allowlist/pattern/.odignore cascade FilterEngine applies downstream.
func isSyncableLocalName(name string) bool {
	if name == "" {
		return false
	}

	if name[len(name)-1] == '.' || name[len(name)-1] == ' ' {
		return false
	}

	if name[0] == ' ' {
		return false
	}

	if len(name) > maxComponentLength {
		return false
	}

	return nameContentAllowed(name)
}

// nameContentAllowed checks name against reserved device names, OneDrive
// reserved patterns, and illegal characters.
func nameContentAllowed(name string) bool {
	lower := strings.ToLower(name)

	if isReservedDeviceName(lower) {
		return false
	}

	if isReservedPattern(name, lower) {
		return false
	}

	return !containsInvalidChars(name)
}

// isReservedDeviceName reports whether lower is a Windows reserved
// device name: CON, PRN, AUX, NUL, COM0-COM9, LPT0-LPT9.
func isReservedDeviceName(lower string) bool {
	switch lower {
	case "con", "prn", "aux", "nul":
		return true
	}

	if len(lower) == deviceNameWithDigitLen &&
		(strings.HasPrefix(lower, "com") || strings.HasPrefix(lower, "lpt")) {
		digit := lower[3]
		return digit >= '0' && digit <= '9'
	}

	return false
}

// isReservedPattern reports whether name matches a OneDrive-specific
// reserved pattern: .lock extension, desktop.ini, ~$ prefix (Office
// temp file), or a _vti_ substring (SharePoint internal).
func isReservedPattern(name, lower string) bool {
	if strings.HasSuffix(lower, ".lock") {
		return true
	}

	if lower == "desktop.ini" {
		return true
	}

	if strings.HasPrefix(name, "~$") {
		return true
	}

	return strings.Contains(lower, "_vti_")
}

// containsInvalidChars reports whether name contains a character
// OneDrive forbids: " * : < > ? / \ |
func containsInvalidChars(name string) bool {
	for _, c := range name {
		switch c {
		case '"', '*', ':', '<', '>', '?', '/', '\\', '|':
			return true
		}
	}

	return false
}

// itemTypeFromDirEntry maps a DirEntry to the engine's ItemType.
func itemTypeFromDirEntry(d fs.DirEntry) ItemType {
	if d.IsDir() {
		return ItemTypeFolder
	}

	return ItemTypeFile
}

// skipEntry returns filepath.SkipDir for a directory entry (skip its
// subtree) or nil for a file (continue the walk).
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}
