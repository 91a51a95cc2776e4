package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onedrivesync/engine/internal/graph"
)

// executeFolderCreate creates a folder on whichever side is missing it,
// per action.CreateSide.
func (e *Executor) executeFolderCreate(ctx context.Context, action *Action) Outcome {
	switch action.CreateSide {
	case CreateLocal:
		return e.createLocalFolder(action)
	case CreateRemote:
		return e.createRemoteFolder(ctx, action)
	default:
		return e.failedOutcome(action, ActionFolderCreate,
			fmt.Errorf("sync: folder create action for %q has no creation side", action.Path))
	}
}

// createLocalFolder makes a directory under syncRoot mirroring a remote
// folder. The remote side already exists (view.Remote supplied ItemID and
// DriveID via buildAction), so no API call is needed.
func (e *Executor) createLocalFolder(action *Action) Outcome {
	absPath := filepath.Join(e.syncRoot, action.Path)

	if err := os.MkdirAll(absPath, 0o755); err != nil { //nolint:mnd // standard dir perms
		return e.failedOutcome(action, ActionFolderCreate, fmt.Errorf("creating local folder %s: %w", action.Path, err))
	}

	e.logger.Debug("created local folder", slog.String("path", action.Path))

	var mtime int64
	if info, err := os.Stat(absPath); err == nil {
		mtime = info.ModTime().UnixNano()
	}

	parentID, _ := e.resolveParentID(action.Path)

	o := Outcome{
		Action:   ActionFolderCreate,
		Success:  true,
		Path:     action.Path,
		DriveID:  e.resolveDriveID(action),
		ItemID:   action.ItemID,
		ParentID: parentID,
		ItemType: ItemTypeFolder,
		Mtime:    mtime,
	}

	if view := action.View; view != nil && view.Remote != nil {
		o.ETag = view.Remote.ETag
	}

	return o
}

// createRemoteFolder creates a folder via the Graph API mirroring a local
// directory that has no remote counterpart yet.
func (e *Executor) createRemoteFolder(ctx context.Context, action *Action) Outcome {
	driveID := e.resolveDriveID(action)

	parentID, err := e.resolveParentID(action.Path)
	if err != nil {
		return e.failedOutcome(action, ActionFolderCreate, err)
	}

	name := filepath.Base(action.Path)

	var item *graph.Item

	err = e.withRetry(ctx, "create remote folder "+action.Path, func() error {
		var retryErr error
		item, retryErr = e.items.CreateFolder(ctx, driveID, parentID, name)

		return retryErr
	})
	if err != nil {
		return e.failedOutcome(action, ActionFolderCreate, fmt.Errorf("creating remote folder %s: %w", action.Path, err))
	}

	e.logger.Debug("created remote folder", slog.String("path", action.Path), slog.String("item_id", item.ID))

	return Outcome{
		Action:   ActionFolderCreate,
		Success:  true,
		Path:     action.Path,
		DriveID:  driveID,
		ItemID:   item.ID,
		ParentID: parentID,
		ItemType: ItemTypeFolder,
		Mtime:    toUnixNano(item.ModifiedAt),
		ETag:     item.ETag,
	}
}

// executeMove applies a rename/move detected on one side to the other.
// ActionLocalMove mirrors a remote rename onto the local filesystem;
// ActionRemoteMove mirrors a local rename onto the remote drive.
func (e *Executor) executeMove(ctx context.Context, action *Action) Outcome {
	switch action.Type {
	case ActionLocalMove:
		return e.executeLocalMove(action)
	case ActionRemoteMove:
		return e.executeRemoteMove(ctx, action)
	default:
		return e.failedOutcome(action, action.Type,
			fmt.Errorf("sync: executeMove called with unexpected action type %s", action.Type))
	}
}

// executeLocalMove renames action.Path to action.NewPath under syncRoot.
func (e *Executor) executeLocalMove(action *Action) Outcome {
	oldAbs := filepath.Join(e.syncRoot, action.Path)
	newAbs := filepath.Join(e.syncRoot, action.NewPath)

	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil { //nolint:mnd // standard dir perms
		return e.failedOutcome(action, ActionLocalMove, fmt.Errorf("creating parent dir for %s: %w", action.NewPath, err))
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return e.failedOutcome(action, ActionLocalMove, fmt.Errorf("renaming %s to %s: %w", action.Path, action.NewPath, err))
	}

	e.logger.Debug("renamed local item", slog.String("old_path", action.Path), slog.String("new_path", action.NewPath))

	o := Outcome{
		Action:  ActionLocalMove,
		Success: true,
		Path:    action.NewPath,
		OldPath: action.Path,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
	}

	if view := action.View; view != nil && view.Remote != nil {
		o.ParentID = view.Remote.ParentID
		o.ItemType = view.Remote.ItemType
		o.RemoteHash = view.Remote.Hash
		o.Size = view.Remote.Size
		o.Mtime = view.Remote.Mtime
		o.ETag = view.Remote.ETag
	}

	return o
}

// executeRemoteMove moves/renames the remote item at action.Path (the
// pre-rename location, carrying the baseline's ItemID/DriveID) to
// action.NewPath.
func (e *Executor) executeRemoteMove(ctx context.Context, action *Action) Outcome {
	driveID := e.resolveDriveID(action)

	newParentID, err := e.resolveParentID(action.NewPath)
	if err != nil {
		return e.failedOutcome(action, ActionRemoteMove, err)
	}

	newName := filepath.Base(action.NewPath)

	var item *graph.Item

	err = e.withRetry(ctx, "remote move "+action.Path, func() error {
		var retryErr error
		item, retryErr = e.items.MoveItem(ctx, driveID, action.ItemID, newParentID, newName)

		return retryErr
	})
	if err != nil {
		return e.failedOutcome(action, ActionRemoteMove, fmt.Errorf("moving remote %s to %s: %w", action.Path, action.NewPath, err))
	}

	e.logger.Debug("moved remote item", slog.String("old_path", action.Path), slog.String("new_path", action.NewPath))

	localHash := ""
	if view := action.View; view != nil && view.Local != nil {
		localHash = view.Local.Hash
	}

	itemType := ItemTypeFile
	if item.IsFolder {
		itemType = ItemTypeFolder
	}

	return Outcome{
		Action:     ActionRemoteMove,
		Success:    true,
		Path:       action.NewPath,
		OldPath:    action.Path,
		DriveID:    driveID,
		ItemID:     item.ID,
		ParentID:   newParentID,
		ItemType:   itemType,
		LocalHash:  localHash,
		RemoteHash: selectHash(item),
		Size:       item.Size,
		Mtime:      toUnixNano(item.ModifiedAt),
		ETag:       item.ETag,
	}
}

// executeSyncedUpdate records a path as synced without transferring
// anything: the planner already determined local and remote agree (a
// convergent edit/create, or an adopted pre-existing match), so this only
// refreshes the baseline row from the current three-way view.
func (e *Executor) executeSyncedUpdate(action *Action) Outcome {
	o := Outcome{
		Action:  ActionUpdateSynced,
		Success: true,
		Path:    action.Path,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
	}

	view := action.View

	if view != nil && view.Remote != nil {
		o.ParentID = view.Remote.ParentID
		o.ItemType = view.Remote.ItemType
		o.RemoteHash = view.Remote.Hash
		o.Size = view.Remote.Size
		o.Mtime = view.Remote.Mtime
		o.ETag = view.Remote.ETag
	}

	if view != nil && view.Local != nil {
		o.LocalHash = view.Local.Hash

		if o.ItemType == "" {
			o.ItemType = view.Local.ItemType
		}

		if o.Mtime == 0 {
			o.Mtime = view.Local.Mtime
		}

		if o.Size == 0 {
			o.Size = view.Local.Size
		}
	}

	e.logger.Debug("synced baseline update", slog.String("path", action.Path))

	return o
}

// executeCleanup removes a stale baseline row for a path that is gone on
// both sides. No filesystem or API call is needed.
func (e *Executor) executeCleanup(action *Action) Outcome {
	e.logger.Debug("cleanup stale baseline entry", slog.String("path", action.Path))

	return Outcome{
		Action:  ActionCleanup,
		Success: true,
		Path:    action.Path,
		DriveID: e.resolveDriveID(action),
		ItemID:  action.ItemID,
	}
}
