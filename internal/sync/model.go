// Package sync implements the bidirectional sync engine for drivesync.
// It provides baseline state management, delta processing, local scanning,
// filtering, planning, safety checks, and execution — the full sync pipeline.
package sync

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/onedrivesync/engine/internal/config"
	"github.com/onedrivesync/engine/internal/driveid"
	"github.com/onedrivesync/engine/internal/graph"
)

// ItemType represents the kind of drive item.
type ItemType string

// Item types as stored in the database item_type column.
const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
	ItemTypeRoot   ItemType = "root"
	ItemTypeRemote ItemType = "remote"
)

// String implements fmt.Stringer.
func (t ItemType) String() string {
	return string(t)
}

// ParseItemType parses a stored item_type column value back into an ItemType.
func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemTypeFile, ItemTypeFolder, ItemTypeRoot, ItemTypeRemote:
		return ItemType(s), nil
	default:
		return "", fmt.Errorf("sync: unknown item type %q", s)
	}
}

// ActionType represents the kind of sync action to perform.
type ActionType int

// Action types produced by the planner.
const (
	ActionDownload     ActionType = iota // pull remote file to local
	ActionUpload                         // push local file to remote
	ActionLocalDelete                    // delete local file/folder
	ActionRemoteDelete                   // delete remote file/folder
	ActionLocalMove                      // rename/move local file/folder
	ActionRemoteMove                     // rename/move remote file/folder
	ActionFolderCreate                   // create folder (local or remote)
	ActionConflict                       // record and resolve conflict
	ActionUpdateSynced                   // update synced base (false conflict)
	ActionCleanup                        // remove stale baseline record
)

var actionTypeNames = [...]string{
	"download", "upload", "local_delete", "remote_delete",
	"local_move", "remote_move", "folder_create", "conflict",
	"update_synced", "cleanup",
}

// String implements fmt.Stringer.
func (t ActionType) String() string {
	if int(t) < 0 || int(t) >= len(actionTypeNames) {
		return "unknown"
	}

	return actionTypeNames[t]
}

// ParseActionType parses a ledger action_type column value.
func ParseActionType(s string) (ActionType, error) {
	for i, name := range actionTypeNames {
		if name == s {
			return ActionType(i), nil
		}
	}

	return 0, fmt.Errorf("sync: unknown action type %q", s)
}

// FolderCreateSide indicates whether a folder should be created locally or remotely.
type FolderCreateSide int

// Folder creation sides.
const (
	CreateLocal  FolderCreateSide = iota + 1 // create folder on local filesystem
	CreateRemote                             // create folder via Graph API
)

// SyncMode controls which sides of the sync are active.
type SyncMode int

// Sync direction modes.
const (
	SyncBidirectional SyncMode = iota
	SyncDownloadOnly
	SyncUploadOnly
)

// String implements fmt.Stringer.
func (m SyncMode) String() string {
	switch m {
	case SyncDownloadOnly:
		return "download-only"
	case SyncUploadOnly:
		return "upload-only"
	default:
		return "bidirectional"
	}
}

// EventSource identifies which observer produced a ChangeEvent.
type EventSource int

// Event sources.
const (
	SourceLocal EventSource = iota
	SourceRemote
)

// String implements fmt.Stringer.
func (s EventSource) String() string {
	if s == SourceRemote {
		return "remote"
	}

	return "local"
}

// ChangeType describes the kind of change an observer detected.
type ChangeType int

// Change types.
const (
	ChangeCreate ChangeType = iota
	ChangeUpdate
	ChangeDelete
	ChangeMove
)

// String implements fmt.Stringer.
func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeMove:
		return "move"
	default:
		return "unknown"
	}
}

// ChangeEvent is a single observation emitted by LocalObserver or
// RemoteObserver. The buffer groups ChangeEvents by path into PathChanges
// for the planner.
type ChangeEvent struct {
	Source    EventSource
	Type      ChangeType
	Path      string // current path (relative to sync root)
	OldPath   string // previous path, only set for ChangeMove
	DriveID   driveid.ID
	ItemID    string
	ParentID  string
	ItemType  ItemType
	Name      string
	Size      int64
	Hash      string // QuickXorHash (base64) or opportunistic SHA-256
	Mtime     int64  // Unix nanoseconds
	ETag      string
	CTag      string
	IsDeleted bool
}

// PathChanges groups all events observed for a single path within one
// sync cycle, separated by source so the planner can reason about each
// side independently.
type PathChanges struct {
	Path         string
	RemoteEvents []ChangeEvent
	LocalEvents  []ChangeEvent
}

// RemoteState is the remote-side view of an item, derived from the most
// recent remote ChangeEvent for a path.
type RemoteState struct {
	ItemID    string
	DriveID   driveid.ID
	ParentID  string
	Name      string
	ItemType  ItemType
	Size      int64
	Hash      string
	Mtime     int64
	ETag      string
	CTag      string
	IsDeleted bool
}

// LocalState is the local-side view of an item, derived from the most
// recent local ChangeEvent for a path, or from the baseline when the path
// has no local event this cycle (item unchanged on disk).
type LocalState struct {
	Name     string
	ItemType ItemType
	Size     int64
	Hash     string
	Mtime    int64
}

// PathView is the three-way merge input for a single path: what the
// baseline last recorded, what the remote currently reports, and what
// the local filesystem currently reports. A nil field means "absent".
type PathView struct {
	Path     string
	Remote   *RemoteState
	Local    *LocalState
	Baseline *BaselineEntry
}

// BaselineEntry is a single row of the synced baseline: the last-known
// state of an item as of the most recent successful sync.
type BaselineEntry struct {
	Path       string
	DriveID    driveid.ID
	ItemID     string
	ParentID   string
	ItemType   ItemType
	LocalHash  string
	RemoteHash string
	Size       int64
	Mtime      int64
	SyncedAt   int64
	ETag       string
}

// Baseline is the full in-memory synced-baseline snapshot, indexed by
// path and by (driveID, itemID) for fast lookup from either direction.
type Baseline struct {
	ByPath map[string]*BaselineEntry
	ByID   map[driveid.ItemKey]*BaselineEntry
}

// GetByPath returns the baseline entry for path and whether one exists.
func (b *Baseline) GetByPath(path string) (*BaselineEntry, bool) {
	if b == nil {
		return nil, false
	}

	entry, ok := b.ByPath[path]

	return entry, ok
}

// GetByID returns the baseline entry for key and whether one exists.
func (b *Baseline) GetByID(key driveid.ItemKey) (*BaselineEntry, bool) {
	if b == nil {
		return nil, false
	}

	entry, ok := b.ByID[key]

	return entry, ok
}

// Put inserts or replaces a baseline entry, keeping both indexes in sync.
func (b *Baseline) Put(entry *BaselineEntry) {
	if old, ok := b.ByPath[entry.Path]; ok {
		delete(b.ByID, driveid.NewItemKey(old.DriveID, old.ItemID))
	}

	b.ByPath[entry.Path] = entry
	b.ByID[driveid.NewItemKey(entry.DriveID, entry.ItemID)] = entry
}

// Delete removes the baseline entry for path, if present.
func (b *Baseline) Delete(path string) {
	if entry, ok := b.ByPath[path]; ok {
		delete(b.ByID, driveid.NewItemKey(entry.DriveID, entry.ItemID))
		delete(b.ByPath, path)
	}
}

// Len returns the number of tracked baseline entries.
func (b *Baseline) Len() int {
	if b == nil {
		return 0
	}

	return len(b.ByPath)
}

// Conflict type tags recorded on ConflictRecord / Outcome / ConflictInfo.
const (
	ConflictEditEdit     = "edit_edit"
	ConflictEditDelete   = "edit_delete"
	ConflictCreateCreate = "create_create"
)

// Conflict resolution strategies, stored verbatim in the conflicts table's
// resolution column and accepted by the resolve_conflict library call.
const (
	ResolutionUnresolved = "unresolved"
	ResolutionKeepLocal  = "keep_local"
	ResolutionKeepRemote = "keep_remote"
	ResolutionKeepBoth   = "keep_both"
)

// Values for the conflicts table's resolved_by column.
const (
	ResolvedByUser = "user"
	ResolvedByAuto = "auto"
)

// ConflictRecord represents a row in the conflicts table: a detected
// divergence between the local and remote side of a path, along with its
// resolution state.
type ConflictRecord struct {
	ID           string
	DriveID      driveid.ID
	ItemID       string
	Path         string // path at time of conflict detection
	ConflictType string // one of the Conflict* constants
	DetectedAt   int64  // Unix nanoseconds
	LocalHash    string
	RemoteHash   string
	LocalMtime   int64 // Unix nanoseconds
	RemoteMtime  int64 // Unix nanoseconds
	Resolution   string
	ResolvedAt   int64 // Unix nanoseconds, zero if unresolved
	ResolvedBy   string
}

// Action represents a single planned operation produced by the planner.
type Action struct {
	Type         ActionType
	DriveID      driveid.ID
	ItemID       string
	Path         string           // current (or source, for moves) path
	NewPath      string           // destination path, only set for moves
	OldPath      string           // source path, populated by the engine when queuing to the ledger
	CreateSide   FolderCreateSide // only set for ActionFolderCreate
	View         *PathView        // three-way state the action was derived from
	ConflictInfo *ConflictRecord  // only set for ActionConflict
	Item         *BaselineEntry   // optional baseline context, used by conflict resolution sub-actions
}

// ActionPlan is the full output of one planning pass: the flat list of
// actions plus the dependency graph over their indices (deps[i] lists the
// indices that must complete before action i may run) and the cycle
// identifier correlating ledger rows and DepTracker state for this pass.
type ActionPlan struct {
	Actions []Action
	Deps    [][]int
	CycleID string
}

// TotalActions returns the number of actions in the plan.
func (p *ActionPlan) TotalActions() int {
	if p == nil {
		return 0
	}

	return len(p.Actions)
}

// TotalDeletes returns the count of local and remote delete actions.
func (p *ActionPlan) TotalDeletes() int {
	total := 0

	for i := range p.Actions {
		if p.Actions[i].Type == ActionLocalDelete || p.Actions[i].Type == ActionRemoteDelete {
			total++
		}
	}

	return total
}

// Outcome reports the result of executing a single Action, ready to commit
// to the baseline.
type Outcome struct {
	Action       ActionType
	Path         string
	OldPath      string
	DriveID      driveid.ID
	ItemID       string
	ParentID     string
	ItemType     ItemType
	LocalHash    string
	RemoteHash   string
	Size         int64
	Mtime        int64
	RemoteMtime  int64
	ETag         string
	ConflictType string
	ResolvedBy   string
	Success      bool
	Error        error
}

// FilterResult indicates whether an item should be synced and why.
type FilterResult struct {
	Included bool
	Reason   string // empty when included, explanation when excluded
}

// --- Consumer-defined interfaces for the graph client and transfer pool ---
// These decouple the sync package from graph's concrete types, following
// the "accept interfaces, return structs" Go convention.

// DeltaFetcher retrieves remote changes from the Graph API.
type DeltaFetcher interface {
	Delta(ctx context.Context, driveID driveid.ID, token string) (*graph.DeltaPage, error)
}

// ItemClient performs CRUD operations on drive items via the Graph API.
type ItemClient interface {
	GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*graph.Item, error)
	ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]graph.Item, error)
	CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*graph.Item, error)
	MoveItem(ctx context.Context, driveID driveid.ID, itemID, newParentID, newName string) (*graph.Item, error)
	DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error
}

// Downloader fetches file content from the remote drive.
type Downloader interface {
	Download(ctx context.Context, driveID driveid.ID, itemID string, w io.Writer) (int64, error)
}

// RangeDownloader is a Downloader that also supports resuming a partial
// download from a byte offset, used to resume interrupted downloads
// recorded in a local .partial file.
type RangeDownloader interface {
	Downloader
	DownloadRange(ctx context.Context, driveID driveid.ID, itemID string, w io.Writer, offset int64) (int64, error)
}

// Uploader pushes file content to the remote drive, transparently choosing
// between simple and chunked upload based on size.
type Uploader interface {
	Upload(
		ctx context.Context, driveID driveid.ID, parentID, name string,
		content io.ReaderAt, size int64, mtime time.Time, progress graph.ProgressFunc,
	) (*graph.Item, error)
}

// SessionUploader is an Uploader that also exposes the underlying resumable
// upload session lifecycle, letting the executor persist sessions to disk
// and resume them after a crash or restart.
type SessionUploader interface {
	Uploader
	CreateUploadSession(
		ctx context.Context, driveID driveid.ID, parentID, name string, size int64, mtime time.Time,
	) (*graph.UploadSession, error)
	ResumeUpload(
		ctx context.Context, session *graph.UploadSession, content io.ReaderAt, size int64, progress graph.ProgressFunc,
	) (*graph.Item, error)
	UploadFromSession(
		ctx context.Context, session *graph.UploadSession, content io.ReaderAt, size int64, progress graph.ProgressFunc,
	) (*graph.Item, error)
}

// Filter determines whether a file or directory should be included in sync.
type Filter interface {
	ShouldSync(path string, isDir bool, size int64) FilterResult
}

// --- Timestamp helpers ---
// Internal code uses int64 Unix nanoseconds exclusively; conversion to/from
// time.Time happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds. Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// secondsPerNano is the divisor to truncate nanoseconds to seconds precision.
const secondsPerNano = int64(time.Second)

// TruncateToSeconds truncates a nanosecond timestamp to whole-second precision.
// OneDrive does not store fractional seconds, so comparisons must use
// truncated values to avoid false positives from filesystem timestamp
// precision differences.
func TruncateToSeconds(ns int64) int64 {
	return (ns / secondsPerNano) * secondsPerNano
}

// Int64Ptr returns a pointer to the given int64 value. Used for nullable
// database columns in callers outside this package.
func Int64Ptr(v int64) *int64 {
	return &v
}

// NewFilterConfig extracts the filter configuration needed by the filter
// engine from a resolved drive configuration.
func NewFilterConfig(resolved *config.ResolvedDrive) config.FilterConfig {
	return resolved.FilterConfig
}

// NewSafetyConfig extracts the safety configuration needed by the safety
// checker from a resolved drive configuration. Returns a pointer because
// SafetyConfig is large enough to exceed the huge-param lint threshold.
func NewSafetyConfig(resolved *config.ResolvedDrive) *config.SafetyConfig {
	cfg := resolved.SafetyConfig
	return &cfg
}
