package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchLoop is the main select loop behind Watch: it dispatches fsnotify
// events, watcher errors, safety-scan ticks, and context cancellation.
func (o *LocalObserver) watchLoop(
	ctx context.Context, watcher FsWatcher, syncRoot string, events chan<- ChangeEvent,
) error {
	tickCh, tickStop := o.safetyTickFunc(o.safetyScanInterval)
	defer tickStop()
	defer o.cancelAllPendingWrites()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			o.dispatchFsEvent(ctx, fsEvent, watcher, syncRoot, events)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Exponential backoff avoids a tight loop under sustained
			// errors, e.g. a kernel inotify buffer overflow.
			if sleepErr := o.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			if !syncRootExists(syncRoot) {
				o.logger.Error("sync root deleted, stopping watch", slog.String("sync_root", syncRoot))
				return ErrSyncRootDeleted
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-tickCh:
			if !syncRootExists(syncRoot) {
				o.logger.Error("sync root deleted, stopping watch", slog.String("sync_root", syncRoot))
				return ErrSyncRootDeleted
			}

			o.runSafetyScan(ctx, syncRoot, events)
			errBackoff = watchErrInitBackoff
		}
	}
}

// dispatchFsEvent filters and classifies one raw fsnotify event, routing
// it to the handler for its operation.
func (o *LocalObserver) dispatchFsEvent(
	ctx context.Context, fsEvent fsnotify.Event, watcher FsWatcher,
	syncRoot string, events chan<- ChangeEvent,
) {
	if fsEvent.Has(fsnotify.Chmod) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	relPath, err := filepath.Rel(syncRoot, fsEvent.Name)
	if err != nil {
		o.logger.Warn("failed to compute relative path",
			slog.String("path", fsEvent.Name), slog.String("error", err.Error()))

		return
	}

	dbRelPath := nfcNormalize(filepath.ToSlash(relPath))
	name := nfcNormalize(filepath.Base(fsEvent.Name))

	if isAlwaysExcluded(name) {
		o.logger.Debug("watch: skipping excluded file", slog.String("name", name), slog.String("path", dbRelPath))
		return
	}

	if !isSyncableLocalName(name) {
		o.logger.Debug("watch: skipping invalid OneDrive name", slog.String("name", name))
		return
	}

	switch {
	case fsEvent.Has(fsnotify.Create):
		o.onCreate(ctx, fsEvent.Name, dbRelPath, name, watcher, events)

	case fsEvent.Has(fsnotify.Write):
		o.scheduleWrite(ctx, fsEvent.Name, dbRelPath, name, events)

	case fsEvent.Has(fsnotify.Remove) || fsEvent.Has(fsnotify.Rename):
		o.cancelPendingWrite(dbRelPath)
		o.onRemove(ctx, watcher, syncRoot, dbRelPath, name, events)
	}
}

// onCreate handles a Create event: stat the new path, hash it if it's a
// file, and register a watch plus recursive scan if it's a directory.
func (o *LocalObserver) onCreate(
	ctx context.Context, fsPath, dbRelPath, name string,
	watcher FsWatcher, events chan<- ChangeEvent,
) {
	info, err := os.Stat(fsPath)
	if err != nil {
		o.logger.Debug("stat failed for created path",
			slog.String("path", dbRelPath), slog.String("error", err.Error()))

		return
	}

	ev := ChangeEvent{
		Source: SourceLocal,
		Type:   ChangeCreate,
		Path:   dbRelPath,
		Name:   name,
		Size:   info.Size(),
		Mtime:  info.ModTime().UnixNano(),
	}

	if info.IsDir() {
		ev.ItemType = ItemTypeFolder

		if addErr := watcher.Add(fsPath); addErr != nil {
			o.logger.Warn("failed to add watch on new directory",
				slog.String("path", dbRelPath), slog.String("error", addErr.Error()))
		}

		// Catch any files that landed inside the directory before the
		// watch above was registered. Duplicate events from fsnotify are
		// harmless; the consumer dedupes per path.
		o.scanNewDirectory(ctx, fsPath, dbRelPath, watcher, events)
	} else {
		ev.ItemType = ItemTypeFile

		hash, hashErr := computeStableHash(fsPath)
		if hashErr != nil {
			if errors.Is(hashErr, errFileChangedDuringHash) {
				// A Create event has no guaranteed follow-up the way a
				// Write event does, so emit now with an empty hash rather
				// than drop the event and risk missing the file entirely.
				o.logger.Debug("file metadata still settling, emitting with empty hash",
					slog.String("path", dbRelPath))
			} else {
				o.logger.Warn("hash failed for new file, emitting event with empty hash",
					slog.String("path", dbRelPath), slog.String("error", hashErr.Error()))
			}
		} else {
			ev.Hash = hash
		}
	}

	o.trySend(ctx, events, &ev)
}

// scanNewDirectory walks a just-created directory and emits ChangeCreate
// events for anything already inside it — files that arrived between the
// directory's creation and this watch's registration.
func (o *LocalObserver) scanNewDirectory(
	ctx context.Context, dirPath, dirRelPath string,
	watcher FsWatcher, events chan<- ChangeEvent,
) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		o.logger.Debug("scan new directory failed",
			slog.String("path", dirRelPath), slog.String("error", err.Error()))

		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		o.scanNewDirectoryEntry(ctx, dirPath, dirRelPath, entry, watcher, events)
	}
}

// scanNewDirectoryEntry handles one entry discovered by scanNewDirectory,
// recursing into subdirectories and emitting a create event for files.
func (o *LocalObserver) scanNewDirectoryEntry(
	ctx context.Context, dirPath, dirRelPath string, entry os.DirEntry,
	watcher FsWatcher, events chan<- ChangeEvent,
) {
	entryName := nfcNormalize(entry.Name())
	if isAlwaysExcluded(entryName) || !isSyncableLocalName(entryName) {
		return
	}

	entryFsPath := filepath.Join(dirPath, entry.Name())
	entryRelPath := dirRelPath + "/" + entryName

	if entry.IsDir() {
		if addErr := watcher.Add(entryFsPath); addErr != nil {
			o.logger.Warn("failed to add watch on nested directory",
				slog.String("path", entryRelPath), slog.String("error", addErr.Error()))
		}

		o.trySend(ctx, events, &ChangeEvent{
			Source:   SourceLocal,
			Type:     ChangeCreate,
			Path:     entryRelPath,
			Name:     entryName,
			ItemType: ItemTypeFolder,
		})

		o.scanNewDirectory(ctx, entryFsPath, entryRelPath, watcher, events)

		return
	}

	info, statErr := entry.Info()
	if statErr != nil {
		o.logger.Debug("stat failed during directory scan",
			slog.String("path", entryRelPath), slog.String("error", statErr.Error()))

		return
	}

	var hash string

	hashVal, hashErr := computeStableHash(entryFsPath)
	if hashErr != nil {
		if errors.Is(hashErr, errFileChangedDuringHash) {
			o.logger.Debug("file metadata still settling, emitting with empty hash",
				slog.String("path", entryRelPath))
		} else {
			o.logger.Warn("hash failed during directory scan, emitting event with empty hash",
				slog.String("path", entryRelPath), slog.String("error", hashErr.Error()))
		}
	} else {
		hash = hashVal
	}

	o.trySend(ctx, events, &ChangeEvent{
		Source:   SourceLocal,
		Type:     ChangeCreate,
		Path:     entryRelPath,
		Name:     entryName,
		ItemType: ItemTypeFile,
		Size:     info.Size(),
		Hash:     hash,
		Mtime:    info.ModTime().UnixNano(),
	})
}

// onWrite handles a Write event by re-hashing the file and comparing it
// against the baseline, since fsnotify fires on every write regardless
// of whether the content actually changed (e.g. a touch or an editor
// rewriting identical content).
func (o *LocalObserver) onWrite(
	ctx context.Context, fsPath, dbRelPath, name string, events chan<- ChangeEvent,
) {
	info, err := os.Stat(fsPath)
	if err != nil {
		o.logger.Debug("stat failed for modified path",
			slog.String("path", dbRelPath), slog.String("error", err.Error()))

		return
	}

	if info.IsDir() {
		return // folder mtime changes carry no content of their own
	}

	hash, err := computeStableHash(fsPath)
	if err != nil {
		if errors.Is(err, errFileChangedDuringHash) {
			o.logger.Debug("file changed during hashing, skipping (will catch on next event)",
				slog.String("path", dbRelPath))
			return
		}

		o.logger.Warn("hash failed for modified file, emitting event with empty hash",
			slog.String("path", dbRelPath), slog.String("error", err.Error()))
	} else if existing, ok := o.baseline.GetByPath(dbRelPath); ok && existing.LocalHash == hash {
		return // write was a no-op relative to what's already synced
	}

	o.trySend(ctx, events, &ChangeEvent{
		Source:   SourceLocal,
		Type:     ChangeModify,
		Path:     dbRelPath,
		Name:     name,
		ItemType: ItemTypeFile,
		Size:     info.Size(),
		Hash:     hash,
		Mtime:    info.ModTime().UnixNano(),
	})
}

// onRemove handles a Remove/Rename event. For a directory, the fsnotify
// watch is also torn down — Linux inotify cleans this up on its own, but
// macOS kqueue may not, so it's done explicitly here (a no-op, not an
// error, if the watch was already gone).
func (o *LocalObserver) onRemove(
	ctx context.Context, watcher FsWatcher, syncRoot, dbRelPath, name string,
	events chan<- ChangeEvent,
) {
	itemType := ItemTypeFile

	if existing, ok := o.baseline.GetByPath(dbRelPath); ok {
		itemType = existing.ItemType
	}

	if itemType == ItemTypeFolder {
		absPath := filepath.Join(syncRoot, filepath.FromSlash(dbRelPath))
		if rmErr := watcher.Remove(absPath); rmErr != nil {
			o.logger.Debug("watch removal for deleted directory",
				slog.String("path", dbRelPath), slog.String("error", rmErr.Error()))
		}
	}

	o.trySend(ctx, events, &ChangeEvent{
		Source:    SourceLocal,
		Type:      ChangeDelete,
		Path:      dbRelPath,
		Name:      name,
		ItemType:  itemType,
		IsDeleted: true,
	})
}

// runSafetyScan performs a full filesystem scan as a backstop for events
// fsnotify may have missed, forwarding any detected changes to events.
func (o *LocalObserver) runSafetyScan(ctx context.Context, syncRoot string, events chan<- ChangeEvent) {
	o.logger.Debug("running safety scan")

	scanEvents, err := o.FullScan(ctx, syncRoot)
	if err != nil {
		o.logger.Warn("safety scan failed", slog.String("error", err.Error()))
		return
	}

	for i := range scanEvents {
		o.trySend(ctx, events, &scanEvents[i])

		if ctx.Err() != nil {
			return
		}
	}

	o.logger.Debug("safety scan complete", slog.Int("events", len(scanEvents)))
}
