package sync

import "context"

// executeConflict handles an ActionConflict produced by the planner. It does
// not touch any files: conflicts are recorded as unresolved and surfaced to
// callers via ListConflicts/GetConflict. Actual resolution (including any
// rename/download/upload side effects) happens only when resolve_conflict is
// invoked explicitly, via ConflictHandler.Resolve.
func (e *Executor) executeConflict(_ context.Context, action *Action) Outcome {
	info := action.ConflictInfo

	o := Outcome{
		Action:  ActionConflict,
		Path:    action.Path,
		DriveID: action.DriveID,
		ItemID:  action.ItemID,
		Success: true,
	}

	if info != nil {
		o.ConflictType = info.ConflictType
		o.LocalHash = info.LocalHash
		o.RemoteHash = info.RemoteHash
		o.Mtime = info.LocalMtime
		o.RemoteMtime = info.RemoteMtime
	}

	return o
}
