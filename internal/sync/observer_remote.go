package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/onedrivesync/engine/internal/driveid"
	"github.com/onedrivesync/engine/internal/graph"
)

// ErrDeltaExpired signals that the saved delta token is no longer valid
// and the caller must start a fresh enumeration (Graph answered with 410).
var ErrDeltaExpired = errors.New("sync: delta token expired (resync required)")

const (
	maxObserverPages = 10000
	maxPathDepth     = 256
)

// seenParent is a non-root item already observed in the current delta
// batch. It lets a child arriving later in the same batch materialize its
// full path without waiting for the baseline to be updated first.
type seenParent struct {
	name          string
	parentID      string
	parentDriveID driveid.ID
	isRoot        bool
}

// RemoteObserver turns Graph API delta pages into []ChangeEvent, handling
// pagination, path reconstruction from parent chains, and change-type
// classification (create/modify/move/delete) against the baseline.
type RemoteObserver struct {
	fetcher  DeltaFetcher
	baseline *Baseline
	driveID  driveid.ID
	logger   *slog.Logger
}

// NewRemoteObserver builds an observer for one drive. baseline must already
// be loaded (BaselineManager.Load) and is only read, never written, during
// observation. driveID must already be normalized by the caller.
func NewRemoteObserver(fetcher DeltaFetcher, baseline *Baseline, driveID driveid.ID, logger *slog.Logger) *RemoteObserver {
	return &RemoteObserver{fetcher: fetcher, baseline: baseline, driveID: driveID, logger: logger}
}

// FullDelta walks every delta page until the server signals completion,
// returning the accumulated change events plus the token to save for the
// next cycle.
func (o *RemoteObserver) FullDelta(ctx context.Context, savedToken string) ([]ChangeEvent, string, error) {
	o.logger.Info("remote observer starting delta enumeration",
		slog.String("drive_id", o.driveID.String()),
		slog.Bool("has_token", savedToken != ""),
	)

	var events []ChangeEvent

	seen := make(map[driveid.ItemKey]seenParent)
	token := savedToken

	for page := 0; page < maxObserverPages; page++ {
		pageEvents, nextToken, final, err := o.fetchOnePage(ctx, token, page, seen)
		if err != nil {
			return nil, "", err
		}

		events = append(events, pageEvents...)

		if final {
			o.logger.Info("remote observer completed delta enumeration",
				slog.Int("pages", page+1), slog.Int("events", len(events)))

			return events, nextToken, nil
		}

		token = nextToken
	}

	return nil, "", fmt.Errorf("sync: exceeded maximum page count (%d)", maxObserverPages)
}

// fetchOnePage pulls a single delta page and converts its items to events.
// final is true once the server returns a DeltaLink (end of this
// enumeration); otherwise the returned token is a NextLink to keep paging
// with.
func (o *RemoteObserver) fetchOnePage(
	ctx context.Context, token string, page int, seen map[driveid.ItemKey]seenParent,
) ([]ChangeEvent, string, bool, error) {
	dp, err := o.fetcher.Delta(ctx, o.driveID, token)
	if err != nil {
		if errors.Is(err, graph.ErrGone) {
			return nil, "", false, ErrDeltaExpired
		}

		return nil, "", false, fmt.Errorf("sync: fetching delta page %d: %w", page, err)
	}

	var events []ChangeEvent

	for i := range dp.Items {
		if ev := o.convertItem(&dp.Items[i], seen); ev != nil {
			events = append(events, *ev)
		}
	}

	if dp.DeltaLink != "" {
		return events, dp.DeltaLink, true, nil
	}

	if dp.NextLink == "" {
		return nil, "", false, fmt.Errorf("sync: delta page %d has neither NextLink nor DeltaLink", page)
	}

	return events, dp.NextLink, false, nil
}

// convertItem turns one Graph item into a ChangeEvent, registering it in
// seen first so later items in the same page can resolve through it. Root
// items produce no event — they're structural, not a content change.
func (o *RemoteObserver) convertItem(item *graph.Item, seen map[driveid.ItemKey]seenParent) *ChangeEvent {
	itemDriveID := o.itemDriveID(item)
	key := driveid.NewItemKey(itemDriveID, item.ID)

	seen[key] = seenParent{
		name:          nfcNormalize(item.Name),
		parentID:      item.ParentID,
		parentDriveID: parentDriveIDOf(item, itemDriveID),
		isRoot:        item.IsRoot,
	}

	if item.IsRoot {
		o.logger.Debug("skipping root item", slog.String("item_id", item.ID))
		return nil
	}

	return o.classify(item, seen, itemDriveID)
}

// classify determines the change type for item against the baseline and
// builds the corresponding ChangeEvent.
func (o *RemoteObserver) classify(item *graph.Item, seen map[driveid.ItemKey]seenParent, itemDriveID driveid.ID) *ChangeEvent {
	name := nfcNormalize(item.Name)
	existing, _ := o.baseline.GetByID(driveid.NewItemKey(itemDriveID, item.ID))

	ev := ChangeEvent{
		Source:    SourceRemote,
		ItemID:    item.ID,
		ParentID:  item.ParentID,
		DriveID:   itemDriveID,
		ItemType:  classifyItemType(item),
		Name:      name,
		Size:      item.Size,
		Hash:      selectHash(item),
		Mtime:     toUnixNano(item.ModifiedAt),
		ETag:      item.ETag,
		CTag:      item.CTag,
		IsDeleted: item.IsDeleted,
	}

	switch {
	case item.IsDeleted:
		ev.Type = ChangeDelete

		if ev.Name == "" && existing != nil {
			ev.Name = path.Base(existing.Path) // deleted items can arrive with no Name
		}

		if existing != nil {
			ev.Path = existing.Path
		}

	case existing != nil:
		ev.Path = o.rebuildPath(item, seen, itemDriveID)
		if ev.Path != existing.Path {
			ev.Type = ChangeMove
			ev.OldPath = existing.Path
		} else {
			ev.Type = ChangeModify
		}

	default:
		ev.Type = ChangeCreate
		ev.Path = o.rebuildPath(item, seen, itemDriveID)
	}

	return &ev
}

// rebuildPath walks item's parent chain to reconstruct its full relative
// path, checking the in-batch seen map first and falling back to the
// baseline. It stops at the drive root, or as soon as a baseline entry
// supplies the remaining prefix as a shortcut.
func (o *RemoteObserver) rebuildPath(item *graph.Item, seen map[driveid.ItemKey]seenParent, itemDriveID driveid.ID) string {
	segments := []string{nfcNormalize(item.Name)}
	parentDriveID := parentDriveIDOf(item, itemDriveID)
	parentID := item.ParentID

	for depth := 0; depth < maxPathDepth; depth++ {
		if parentID == "" {
			break
		}

		parentKey := driveid.NewItemKey(parentDriveID, parentID)

		if p, ok := seen[parentKey]; ok {
			if p.isRoot {
				break
			}

			segments = append(segments, p.name)
			parentDriveID = p.parentDriveID
			parentID = p.parentID

			continue
		}

		if entry, ok := o.baseline.GetByID(driveid.NewItemKey(parentDriveID, parentID)); ok && entry.Path != "" {
			slices.Reverse(segments)
			return entry.Path + "/" + strings.Join(segments, "/")
		}

		o.logger.Warn("orphaned item: parent not found in current batch or baseline",
			slog.String("item_id", item.ID),
			slog.String("parent_id", parentID),
			slog.String("parent_drive_id", parentDriveID.String()),
		)

		break
	}

	slices.Reverse(segments)

	return strings.Join(segments, "/")
}

// itemDriveID resolves the drive an item belongs to, falling back to the
// observer's own drive when the item carries no explicit one.
func (o *RemoteObserver) itemDriveID(item *graph.Item) driveid.ID {
	if item.DriveID.IsZero() {
		return o.driveID
	}

	return item.DriveID
}

// parentDriveIDOf resolves the drive that holds item's parent, which can
// differ from the item's own drive for cross-drive references such as
// shared folders.
func parentDriveIDOf(item *graph.Item, itemDriveID driveid.ID) driveid.ID {
	if !item.ParentDriveID.IsZero() {
		return item.ParentDriveID
	}

	return itemDriveID
}

// classifyItemType maps Graph item flags to an ItemType.
func classifyItemType(item *graph.Item) ItemType {
	switch {
	case item.IsRoot:
		return ItemTypeRoot
	case item.IsFolder:
		return ItemTypeFolder
	default:
		return ItemTypeFile
	}
}

// selectHash prefers QuickXorHash, falling back to SHA256Hash, or "" if
// Graph reported neither.
func selectHash(item *graph.Item) string {
	if item.QuickXorHash != "" {
		return item.QuickXorHash
	}

	return item.SHA256Hash
}

// toUnixNano converts t to Unix nanoseconds, or 0 for the zero time.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// nfcNormalize applies Unicode NFC normalization to one name segment. Apply
// it per-segment, not to an already-joined path.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}
