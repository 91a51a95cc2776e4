package sync

import (
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SafetyConfig bounds how aggressive a single plan is allowed to be before
// the big-delete guard refuses to run it unattended.
type SafetyConfig struct {
	BigDeleteMinItems   int     // plan only checked once the baseline holds at least this many rows
	BigDeleteMaxCount   int     // absolute delete ceiling for one cycle
	BigDeleteMaxPercent float64 // delete ceiling expressed as a share of the baseline
}

const (
	safetyMinItemsDefault   = 10
	safetyMaxCountDefault   = 1000
	safetyMaxPercentDefault = 50.0
	percentScale            = 100.0
)

// DefaultSafetyConfig returns the conservative defaults: the guard only
// engages once 10+ items are tracked, and trips above 1000 deletes or 50%
// of the tracked set, whichever comes first.
func DefaultSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		BigDeleteMinItems:   safetyMinItemsDefault,
		BigDeleteMaxCount:   safetyMaxCountDefault,
		BigDeleteMaxPercent: safetyMaxPercentDefault,
	}
}

// ErrBigDeleteTriggered is returned by Plan when the computed action list
// would delete more than the configured safety margin allows. Callers must
// surface this to the user rather than executing the plan.
var ErrBigDeleteTriggered = errors.New("sync: big-delete protection triggered")

// Planner turns a batch of observed changes plus the current baseline into
// an ordered ActionPlan. It is pure: no filesystem or network access, so
// its decisions can be exercised directly in tests against synthetic views.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner builds a Planner that logs through the given logger.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan reconciles changes against baseline under the given SyncMode and
// returns the resulting action list with its dependency graph. If the
// number of deletions in the result exceeds safetyCfg's thresholds, it
// returns ErrBigDeleteTriggered instead of a plan.
func (p *Planner) Plan(
	changes []PathChanges, baseline *Baseline, mode SyncMode, safetyCfg *SafetyConfig,
) (*ActionPlan, error) {
	p.logger.Info("planning sync actions",
		slog.Int("changes", len(changes)),
		slog.Int("baseline_entries", baseline.Len()),
		slog.String("mode", mode.String()),
	)

	views := assemblePathViews(changes, baseline)

	actions := extractMoveActions(views, changes)

	for _, view := range views {
		actions = append(actions, decideForPath(view, mode)...)
	}

	plan := &ActionPlan{
		Actions: actions,
		Deps:    computeActionDeps(actions),
		CycleID: uuid.New().String(),
	}

	tally := tallyByType(plan.Actions)
	deleteCount := tally[ActionLocalDelete] + tally[ActionRemoteDelete]

	if exceedsDeleteSafetyLimits(deleteCount, baseline, safetyCfg) {
		p.logger.Warn("big-delete protection triggered",
			slog.Int("delete_count", deleteCount),
			slog.Int("baseline_count", baseline.Len()),
			slog.Int("max_count", safetyCfg.BigDeleteMaxCount),
			slog.Float64("max_percent", safetyCfg.BigDeleteMaxPercent),
		)

		return nil, ErrBigDeleteTriggered
	}

	p.logger.Info("plan complete",
		slog.Int("total_actions", len(plan.Actions)),
		slog.Int("folder_creates", tally[ActionFolderCreate]),
		slog.Int("moves", tally[ActionLocalMove]+tally[ActionRemoteMove]),
		slog.Int("downloads", tally[ActionDownload]),
		slog.Int("uploads", tally[ActionUpload]),
		slog.Int("local_deletes", tally[ActionLocalDelete]),
		slog.Int("remote_deletes", tally[ActionRemoteDelete]),
		slog.Int("conflicts", tally[ActionConflict]),
		slog.Int("synced_updates", tally[ActionUpdateSynced]),
		slog.Int("cleanups", tally[ActionCleanup]),
	)

	return plan, nil
}

// assemblePathViews builds one three-way PathView per path touched by
// changes. A path with no local event but a baseline row is assumed
// unchanged on disk, so its LocalState is synthesized from the baseline
// rather than left empty.
func assemblePathViews(changes []PathChanges, baseline *Baseline) map[string]*PathView {
	views := make(map[string]*PathView, len(changes))

	for i := range changes {
		pc := &changes[i]
		baselineEntry, _ := baseline.GetByPath(pc.Path)
		view := &PathView{Path: pc.Path, Baseline: baselineEntry}

		if n := len(pc.RemoteEvents); n > 0 {
			view.Remote = newRemoteState(&pc.RemoteEvents[n-1])
		}

		if n := len(pc.LocalEvents); n > 0 {
			view.Local = newLocalState(&pc.LocalEvents[n-1])
		} else if view.Baseline != nil {
			view.Local = baselineAsLocalState(view.Baseline)
		}

		views[pc.Path] = view
	}

	return views
}

// extractMoveActions pulls remote-detected and local-detected renames out
// of views before per-path classification runs, since a move is a single
// action spanning two paths rather than two independent ones.
func extractMoveActions(views map[string]*PathView, changes []PathChanges) []Action {
	actions := matchRemoteRenames(views, changes)
	actions = append(actions, matchLocalRenames(views)...)

	return actions
}

// matchRemoteRenames scans remote events for ChangeMove records and turns
// each into an ActionLocalMove (the local copy is renamed to follow the
// server). The source and destination paths are both removed from views so
// neither is independently classified afterward — unless a brand-new item
// has already appeared at the vacated source path, in which case that path
// is kept but stripped of its stale baseline/local state so it classifies
// as a fresh create (remote-only download/create) instead of a spurious
// conflict.
func matchRemoteRenames(views map[string]*PathView, changes []PathChanges) []Action {
	var actions []Action

	for i := range changes {
		for j := range changes[i].RemoteEvents {
			ev := &changes[i].RemoteEvents[j]
			if ev.Type != ChangeMove {
				continue
			}

			view := views[changes[i].Path]
			if view == nil {
				continue
			}

			move := buildAction(ActionLocalMove, view)
			move.Path = ev.OldPath
			move.NewPath = ev.Path
			actions = append(actions, move)

			delete(views, ev.Path)

			if src := views[ev.OldPath]; src == nil || (src.Remote != nil && src.Remote.IsDeleted) {
				delete(views, ev.OldPath)
			} else {
				src.Baseline = nil
				src.Local = nil
			}
		}
	}

	return actions
}

// matchLocalRenames correlates a local delete with a local create sharing
// the same content hash into an ActionRemoteMove (propagate the rename to
// the server). Only an unambiguous one-to-one hash match qualifies; ties
// are left to resolve as an ordinary delete plus create.
func matchLocalRenames(views map[string]*PathView) []Action {
	vacated := make(map[string][]string) // hash -> paths gone missing locally
	arrived := make(map[string][]string) // hash -> paths new locally

	for p, view := range views {
		switch {
		case view.Local == nil && view.Baseline != nil && view.Baseline.LocalHash != "":
			vacated[view.Baseline.LocalHash] = append(vacated[view.Baseline.LocalHash], p)
		case view.Local != nil && view.Baseline == nil && view.Local.Hash != "":
			arrived[view.Local.Hash] = append(arrived[view.Local.Hash], p)
		}
	}

	var actions []Action

	for hash, from := range vacated {
		to, ok := arrived[hash]
		if !ok || len(from) != 1 || len(to) != 1 {
			continue
		}

		oldPath, newPath := from[0], to[0]

		move := buildAction(ActionRemoteMove, views[oldPath])
		move.Path = oldPath
		move.NewPath = newPath
		actions = append(actions, move)

		delete(views, oldPath)
		delete(views, newPath)
	}

	return actions
}

// decideForPath routes a single PathView to the file or folder decision
// matrix, based on whichever side supplies an item type.
func decideForPath(view *PathView, mode SyncMode) []Action {
	if inferItemType(view) == ItemTypeFolder {
		return decideFolder(view, mode)
	}

	return decideFile(view, mode)
}

// decideFile dispatches to the baseline-aware or fresh-item file matrix.
func decideFile(view *PathView, mode SyncMode) []Action {
	if view.Baseline == nil {
		return decideFileFresh(view, mode)
	}

	return decideFileTracked(view, mode)
}

// decideFileTracked decides the action for a file that already has a
// baseline row, covering every combination of local/remote change and
// presence.
func decideFileTracked(view *PathView, mode SyncMode) []Action {
	localChanged := localDiffers(view)
	remoteChanged := remoteDiffers(view)

	if mode == SyncDownloadOnly {
		localChanged = false
	}

	if mode == SyncUploadOnly {
		remoteChanged = false
	}

	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	remoteGone := view.Remote != nil && view.Remote.IsDeleted
	localGone := view.Baseline != nil && view.Local == nil

	if !localChanged && !remoteChanged {
		return nil // both sides unchanged
	}

	if localGone {
		return decideFileLocalGone(view, remoteChanged, hasRemote, remoteGone)
	}

	return decideFilePresent(view, localChanged, remoteChanged, hasRemote, remoteGone)
}

// decideFileLocalGone covers a baseline-tracked file that is no longer on
// disk.
func decideFileLocalGone(view *PathView, remoteChanged, hasRemote, remoteGone bool) []Action {
	if remoteGone {
		return []Action{buildAction(ActionCleanup, view)} // gone on both sides
	}

	if remoteChanged && hasRemote {
		return []Action{buildAction(ActionDownload, view)} // remote wins, resurrect locally
	}

	return []Action{buildAction(ActionRemoteDelete, view)} // propagate the local delete
}

// decideFilePresent covers a baseline-tracked file still present on disk.
func decideFilePresent(view *PathView, localChanged, remoteChanged, hasRemote, remoteGone bool) []Action {
	if remoteGone {
		if localChanged {
			return []Action{buildConflictAction(view, ConflictEditDelete)}
		}

		return []Action{buildAction(ActionLocalDelete, view)}
	}

	if !hasRemote {
		return nil
	}

	switch {
	case localChanged && remoteChanged:
		if view.Local != nil && view.Local.Hash == view.Remote.Hash {
			return []Action{buildAction(ActionUpdateSynced, view)} // same edit landed both places
		}

		return []Action{buildConflictAction(view, ConflictEditEdit)}
	case remoteChanged:
		return []Action{buildAction(ActionDownload, view)}
	case localChanged:
		return []Action{buildAction(ActionUpload, view)}
	}

	return nil
}

// decideFileFresh decides the action for a file with no baseline row at
// all: nothing has been synced about it yet, so the only question is which
// side(s) already have it.
func decideFileFresh(view *PathView, mode SyncMode) []Action {
	hasLocal := view.Local != nil
	hasRemote := view.Remote != nil && !view.Remote.IsDeleted

	if mode == SyncDownloadOnly {
		hasLocal = false
	}

	if mode == SyncUploadOnly {
		hasRemote = false
	}

	switch {
	case hasLocal && hasRemote:
		if view.Local.Hash == view.Remote.Hash {
			return []Action{buildAction(ActionUpdateSynced, view)} // identical content, just adopt it
		}

		return []Action{buildConflictAction(view, ConflictCreateCreate)}
	case hasLocal:
		return []Action{buildAction(ActionUpload, view)}
	case hasRemote:
		return []Action{buildAction(ActionDownload, view)}
	}

	return nil
}

// decideFolder dispatches to the baseline-aware or fresh-item folder matrix.
func decideFolder(view *PathView, mode SyncMode) []Action {
	if view.Baseline == nil {
		return decideFolderFresh(view, mode)
	}

	return decideFolderTracked(view, mode)
}

// decideFolderTracked decides the action for a folder with an existing
// baseline row.
func decideFolderTracked(view *PathView, mode SyncMode) []Action {
	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	remoteGone := view.Remote != nil && view.Remote.IsDeleted
	localGone := view.Local == nil

	// Mirrors the mode filtering in decideFileTracked — the planner stays
	// self-contained even though the engine already skips the suppressed
	// side's observer.
	if mode == SyncDownloadOnly {
		localGone = false
	}

	if mode == SyncUploadOnly {
		hasRemote = false
		remoteGone = false
	}

	switch {
	case !localGone && hasRemote:
		return nil // in sync
	case localGone && hasRemote:
		return []Action{buildFolderCreateAction(view, CreateLocal)} // remote wins
	case !localGone && remoteGone:
		return []Action{buildAction(ActionLocalDelete, view)}
	case localGone && remoteGone:
		return []Action{buildAction(ActionCleanup, view)} // gone on both sides
	case localGone:
		return []Action{buildAction(ActionRemoteDelete, view)} // propagate the local delete
	}

	return nil
}

// decideFolderFresh decides the action for a folder with no baseline row.
func decideFolderFresh(view *PathView, mode SyncMode) []Action {
	hasLocal := view.Local != nil
	hasRemote := view.Remote != nil && !view.Remote.IsDeleted
	remoteGone := view.Remote != nil && view.Remote.IsDeleted

	if mode == SyncDownloadOnly {
		hasLocal = false
	}

	if mode == SyncUploadOnly {
		hasRemote = false
	}

	switch {
	case hasLocal && hasRemote:
		return []Action{buildAction(ActionUpdateSynced, view)} // adopt, both already agree
	case hasRemote:
		return []Action{buildFolderCreateAction(view, CreateLocal)}
	case hasLocal && !remoteGone:
		return []Action{buildFolderCreateAction(view, CreateRemote)}
	}

	return nil
}

// ---------------------------------------------------------------------------
// View construction and comparison helpers
// ---------------------------------------------------------------------------

func newRemoteState(ev *ChangeEvent) *RemoteState {
	return &RemoteState{
		ItemID:    ev.ItemID,
		DriveID:   ev.DriveID,
		ParentID:  ev.ParentID,
		Name:      ev.Name,
		ItemType:  ev.ItemType,
		Size:      ev.Size,
		Hash:      ev.Hash,
		Mtime:     ev.Mtime,
		ETag:      ev.ETag,
		CTag:      ev.CTag,
		IsDeleted: ev.IsDeleted,
	}
}

// newLocalState converts a local ChangeEvent into a LocalState, or nil if
// the event records a deletion.
func newLocalState(ev *ChangeEvent) *LocalState {
	if ev.Type == ChangeDelete {
		return nil
	}

	return &LocalState{
		Name:     ev.Name,
		ItemType: ev.ItemType,
		Size:     ev.Size,
		Hash:     ev.Hash,
		Mtime:    ev.Mtime,
	}
}

// baselineAsLocalState stands in for LocalState when a path produced no
// local event this cycle — the last known baseline row is as good as a
// fresh scan result.
func baselineAsLocalState(entry *BaselineEntry) *LocalState {
	return &LocalState{
		Name:     path.Base(entry.Path),
		ItemType: entry.ItemType,
		Size:     entry.Size,
		Hash:     entry.LocalHash,
		Mtime:    entry.Mtime,
	}
}

// localDiffers reports whether the local side moved away from baseline.
// A vanished local file always counts as a change; folders have no content
// hash so only presence/absence matters for them.
func localDiffers(view *PathView) bool {
	if view.Baseline == nil {
		return view.Local != nil
	}

	if view.Local == nil {
		return true
	}

	if view.Baseline.ItemType == ItemTypeFolder {
		return false
	}

	return view.Local.Hash != view.Baseline.LocalHash
}

// remoteDiffers reports whether the remote side moved away from baseline.
// No observation at all is treated as "unchanged", not as a change.
func remoteDiffers(view *PathView) bool {
	if view.Baseline == nil {
		return view.Remote != nil && !view.Remote.IsDeleted
	}

	if view.Remote == nil {
		return false
	}

	if view.Remote.IsDeleted {
		return true
	}

	if view.Baseline.ItemType == ItemTypeFolder {
		return false
	}

	return view.Remote.Hash != view.Baseline.RemoteHash
}

// inferItemType prefers Remote, then Local, then Baseline for the item's
// type, defaulting to a plain file when none of the three are populated.
func inferItemType(view *PathView) ItemType {
	switch {
	case view == nil:
		return ItemTypeFile
	case view.Remote != nil:
		return view.Remote.ItemType
	case view.Local != nil:
		return view.Local.ItemType
	case view.Baseline != nil:
		return view.Baseline.ItemType
	default:
		return ItemTypeFile
	}
}

// ---------------------------------------------------------------------------
// Action construction
// ---------------------------------------------------------------------------

// buildAction populates an Action's type, path, and identifiers from a
// PathView.
//
// DriveID resolution order: Remote first (correct for cross-drive items —
// a shared folder from drive A surfacing in drive B's delta still carries
// drive A's ID), then Baseline as a fallback for items with no remote
// observation this cycle. Both ItemID and DriveID are left empty for a
// brand-new local item; the executor fills them in once the create API
// call returns.
func buildAction(actionType ActionType, view *PathView) Action {
	a := Action{Type: actionType, Path: view.Path, View: view}

	if view.Remote != nil {
		a.ItemID = view.Remote.ItemID

		if !view.Remote.DriveID.IsZero() {
			a.DriveID = view.Remote.DriveID
		}
	}

	if a.DriveID.IsZero() && view.Baseline != nil {
		a.DriveID = view.Baseline.DriveID
	}

	if a.ItemID == "" && view.Baseline != nil {
		a.ItemID = view.Baseline.ItemID
	}

	return a
}

// buildConflictAction wraps buildAction with a populated ConflictRecord.
func buildConflictAction(view *PathView, conflictType string) Action {
	a := buildAction(ActionConflict, view)

	record := &ConflictRecord{Path: view.Path, ConflictType: conflictType, DriveID: a.DriveID}

	if view.Local != nil {
		record.LocalHash = view.Local.Hash
		record.LocalMtime = view.Local.Mtime
	}

	if view.Remote != nil {
		record.RemoteHash = view.Remote.Hash
		record.RemoteMtime = view.Remote.Mtime
		record.ItemID = view.Remote.ItemID
	}

	a.ConflictInfo = record

	return a
}

// buildFolderCreateAction wraps buildAction, recording which side needs
// the new directory.
func buildFolderCreateAction(view *PathView, side FolderCreateSide) Action {
	a := buildAction(ActionFolderCreate, view)
	a.CreateSide = side

	return a
}

// ---------------------------------------------------------------------------
// Dependency graph
// ---------------------------------------------------------------------------

// computeActionDeps derives, for every action, the set of earlier-indexed
// actions it must wait on: a folder create before anything inside that
// folder, a folder's children deleted before the folder itself, and a
// move's destination folder created before the move runs.
func computeActionDeps(actions []Action) [][]int {
	deps := make([][]int, len(actions))

	folderCreateAt := make(map[string]int)
	deleteAt := make(map[string]int)

	for i := range actions {
		switch actions[i].Type {
		case ActionFolderCreate:
			folderCreateAt[actions[i].Path] = i
		case ActionLocalDelete, ActionRemoteDelete, ActionCleanup:
			deleteAt[actions[i].Path] = i
		}
	}

	for i := range actions {
		d := deps[i]
		d = withParentFolderDep(d, i, &actions[i], folderCreateAt)
		d = withChildDeleteDeps(d, i, &actions[i], deleteAt)
		d = withMoveTargetDep(d, &actions[i], folderCreateAt)
		deps[i] = d
	}

	return deps
}

func withParentFolderDep(deps []int, idx int, a *Action, folderCreateAt map[string]int) []int {
	parent := filepath.ToSlash(filepath.Dir(a.Path))
	if parent == "." || parent == "" {
		return deps
	}

	if i, ok := folderCreateAt[parent]; ok && i != idx {
		deps = append(deps, i)
	}

	return deps
}

func withChildDeleteDeps(deps []int, idx int, a *Action, deleteAt map[string]int) []int {
	if a.Type != ActionLocalDelete && a.Type != ActionRemoteDelete {
		return deps
	}

	if inferItemType(a.View) != ItemTypeFolder {
		return deps
	}

	prefix := a.Path + "/"

	for childPath, childIdx := range deleteAt {
		if childIdx != idx && strings.HasPrefix(childPath, prefix) {
			deps = append(deps, childIdx)
		}
	}

	return deps
}

func withMoveTargetDep(deps []int, a *Action, folderCreateAt map[string]int) []int {
	if a.Type != ActionLocalMove && a.Type != ActionRemoteMove {
		return deps
	}

	target := filepath.ToSlash(filepath.Dir(a.NewPath))
	if target == "." || target == "" {
		return deps
	}

	if i, ok := folderCreateAt[target]; ok {
		deps = append(deps, i)
	}

	return deps
}

// ---------------------------------------------------------------------------
// Reporting helpers
// ---------------------------------------------------------------------------

// tallyByType counts actions per ActionType for logging and the
// big-delete safety check.
func tallyByType(actions []Action) map[ActionType]int {
	counts := make(map[ActionType]int, len(actions))
	for i := range actions {
		counts[actions[i].Type]++
	}

	return counts
}

// ActionsOfType filters a flat action list down to a single ActionType,
// used by callers (e.g. status reporting) that need just one bucket.
func ActionsOfType(actions []Action, t ActionType) []Action {
	var result []Action

	for i := range actions {
		if actions[i].Type == t {
			result = append(result, actions[i])
		}
	}

	return result
}

// exceedsDeleteSafetyLimits reports whether deleteCount breaches cfg's
// absolute or percentage-of-baseline ceiling. Below BigDeleteMinItems
// tracked rows, the guard does not apply at all — a handful of deletes in
// a small tree is not worth an interactive confirmation.
func exceedsDeleteSafetyLimits(deleteCount int, baseline *Baseline, cfg *SafetyConfig) bool {
	total := baseline.Len()
	if total < cfg.BigDeleteMinItems {
		return false
	}

	if deleteCount > cfg.BigDeleteMaxCount {
		return true
	}

	return float64(deleteCount)/float64(total)*percentScale > cfg.BigDeleteMaxPercent
}
