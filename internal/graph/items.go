package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onedrivesync/engine/internal/driveid"
)

// childrenPageSize is the $top value for children listings — 200 is the
// Graph API's maximum page size for drive item collections.
const childrenPageSize = 200

// Timestamps outside this year range are treated as bogus and replaced with
// the current time.
const (
	earliestValidYear = 1970
	latestValidYear   = 2100
)

// ErrInvalidPath is returned when a remote path is empty or carries a
// leading slash — both are caller bugs, since path-based methods expect a
// relative path. Use the ID-based methods for root.
var ErrInvalidPath = errors.New("graph: invalid remote path (empty or has leading slash)")

// validateRemotePath rejects the path shapes that would otherwise produce a
// malformed Graph API URL (e.g. "/drives/d/root:/:" or ".../root://foo:").
func validateRemotePath(remotePath string) error {
	if remotePath == "" || strings.HasPrefix(remotePath, "/") {
		return ErrInvalidPath
	}

	return nil
}

// encodePathSegments URL-encodes each slash-separated segment of path
// independently, so characters like #, ?, %, and spaces survive
// interpolation into a Graph API URL.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// driveItemResponse mirrors the Graph API driveItem JSON shape, normalized
// into Item by toItem.
type driveItemResponse struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Size                 int64            `json:"size"`
	ETag                 string           `json:"eTag"`
	CTag                 string           `json:"cTag"`
	CreatedDateTime      string           `json:"createdDateTime"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	ParentReference      *parentRef       `json:"parentReference"`
	File                 *fileFacet       `json:"file"`
	Folder               *folderFacet     `json:"folder"`
	Root                 *json.RawMessage `json:"root"`
	Deleted              *json.RawMessage `json:"deleted"`
	Package              *json.RawMessage `json:"package"`
	DownloadURL          string           `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // Graph API annotation key
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA1Hash     string `json:"sha1Hash"`
	SHA256Hash   string `json:"sha256Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type childrenPageResponse struct {
	Value    []driveItemResponse `json:"value"`
	NextLink string              `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type newFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type moveRequest struct {
	ParentReference *moveTargetRef `json:"parentReference,omitempty"`
	Name            string         `json:"name,omitempty"`
}

type moveTargetRef struct {
	ID string `json:"id"`
}

// toItem normalizes a Graph API driveItem response into our Item type.
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          d.ID,
		Name:        d.Name,
		Size:        d.Size,
		ETag:        d.ETag,
		CTag:        d.CTag,
		IsFolder:    d.Folder != nil,
		IsRoot:      d.Root != nil,
		IsDeleted:   d.Deleted != nil,
		IsPackage:   d.Package != nil,
		ChildCount:  ChildCountUnknown,
		DownloadURL: d.DownloadURL,
	}

	// driveid.New lowercases and zero-pads the raw ID — the Graph API
	// returns inconsistent casing across endpoints.
	//
	// Both DriveID and ParentDriveID come from parentReference.driveId,
	// the only drive identifier an item carries; for same-drive items
	// these always match. Cross-drive resolution (shared items) happens
	// one layer up, in sync's resolveParentDriveID.
	if d.ParentReference != nil {
		item.DriveID = driveid.New(d.ParentReference.DriveID)
		item.ParentID = d.ParentReference.ID
		item.ParentDriveID = driveid.New(d.ParentReference.DriveID)
	}

	if d.Folder != nil {
		item.ChildCount = d.Folder.ChildCount
	}

	if d.File != nil {
		item.MimeType = d.File.MimeType

		if d.File.Hashes != nil {
			item.QuickXorHash = d.File.Hashes.QuickXorHash
			item.SHA1Hash = d.File.Hashes.SHA1Hash
			item.SHA256Hash = d.File.Hashes.SHA256Hash
		}
	}

	// Deleted items routinely carry empty timestamps, so anomalies there
	// log at DEBUG; the same anomaly on a live item logs at WARN.
	item.CreatedAt = parseItemTimestamp(d.CreatedDateTime, "createdDateTime", d.ID, item.IsDeleted, logger)
	item.ModifiedAt = parseItemTimestamp(d.LastModifiedDateTime, "lastModifiedDateTime", d.ID, item.IsDeleted, logger)

	return item
}

// parseItemTimestamp parses an RFC3339 timestamp and validates its year is
// in range, falling back to time.Now().UTC() (and logging) on any failure.
func parseItemTimestamp(raw, field, itemID string, isDeleted bool, logger *slog.Logger) time.Time {
	logFunc := logger.Warn
	if isDeleted {
		logFunc = logger.Debug
	}

	if raw == "" {
		logFunc("empty timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
		)

		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logFunc("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < earliestValidYear || t.Year() > latestValidYear {
		logFunc("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}

// getItemAt fetches and decodes a single item from apiPath. Shared by
// GetItem (ID-based) and GetItemByPath (path-based).
func (c *Client) getItemAt(ctx context.Context, apiPath string) (*Item, error) {
	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("graph: decoding item response: %w", err)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// collectChildren paginates through every child starting at apiPath,
// logging entryMsg/doneMsg with logAttrs. Shared by ListChildren (ID-based)
// and ListChildrenByPath (path-based).
func (c *Client) collectChildren(
	ctx context.Context,
	apiPath string,
	entryMsg string,
	doneMsg string,
	logAttrs []slog.Attr,
) ([]Item, error) {
	args := make([]any, 0, len(logAttrs))
	for _, a := range logAttrs {
		args = append(args, a)
	}

	c.logger.Info(entryMsg, args...)

	var items []Item

	page := 1

	for apiPath != "" {
		pageItems, nextPath, err := c.fetchChildrenPage(ctx, apiPath, page)
		if err != nil {
			return nil, err
		}

		items = append(items, pageItems...)
		apiPath = nextPath
		page++
	}

	args = append(args, slog.Int("total_items", len(items)))
	c.logger.Info(doneMsg, args...)

	return items, nil
}

// GetItem retrieves a single drive item by ID.
func (c *Client) GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*Item, error) {
	c.logger.Info("getting item",
		slog.String("drive_id", driveID.String()),
		slog.String("item_id", itemID),
	)

	return c.getItemAt(ctx, fmt.Sprintf("/drives/%s/items/%s", driveID, itemID))
}

// GetItemByPath retrieves a drive item by its path relative to the drive
// root. The path must not be empty or have a leading slash — see
// ErrInvalidPath. Use GetItem with itemID "root" for the root itself.
func (c *Client) GetItemByPath(ctx context.Context, driveID driveid.ID, remotePath string) (*Item, error) {
	if err := validateRemotePath(remotePath); err != nil {
		return nil, err
	}

	c.logger.Info("getting item by path",
		slog.String("drive_id", driveID.String()),
		slog.String("path", remotePath),
	)

	return c.getItemAt(ctx, fmt.Sprintf("/drives/%s/root:/%s:", driveID, encodePathSegments(remotePath)))
}

// ListChildren returns every child of a folder, paginating automatically.
func (c *Client) ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]Item, error) {
	return c.collectChildren(
		ctx,
		fmt.Sprintf("/drives/%s/items/%s/children?$top=%d", driveID, parentID, childrenPageSize),
		"listing children",
		"listed children complete",
		[]slog.Attr{
			slog.String("drive_id", driveID.String()),
			slog.String("parent_id", parentID),
		},
	)
}

// ListChildrenByPath returns every child of a folder identified by path,
// paginating automatically. The path must not be empty or have a leading
// slash — see ErrInvalidPath. Use ListChildren with parentID "root" for the
// root itself.
func (c *Client) ListChildrenByPath(ctx context.Context, driveID driveid.ID, remotePath string) ([]Item, error) {
	if err := validateRemotePath(remotePath); err != nil {
		return nil, err
	}

	return c.collectChildren(
		ctx,
		fmt.Sprintf("/drives/%s/root:/%s:/children?$top=%d", driveID, encodePathSegments(remotePath), childrenPageSize),
		"listing children by path",
		"listed children by path complete",
		[]slog.Attr{
			slog.String("drive_id", driveID.String()),
			slog.String("remote_path", remotePath),
		},
	)
}

// fetchChildrenPage fetches one page of children, returning the items and
// the next page's path (empty once exhausted).
func (c *Client) fetchChildrenPage(ctx context.Context, path string, page int) ([]Item, string, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var pageResp childrenPageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pageResp); err != nil {
		return nil, "", fmt.Errorf("graph: decoding children response: %w", err)
	}

	items := make([]Item, 0, len(pageResp.Value))
	for i := range pageResp.Value {
		items = append(items, pageResp.Value[i].toItem(c.logger))
	}

	c.logger.Debug("fetched children page",
		slog.Int("page", page),
		slog.Int("count", len(items)),
	)

	var nextPath string
	if pageResp.NextLink != "" {
		var stripErr error

		nextPath, stripErr = c.stripBaseURL(pageResp.NextLink)
		if stripErr != nil {
			return nil, "", stripErr
		}
	}

	return items, nextPath, nil
}

// stripBaseURL removes the client's base URL prefix from a full URL,
// leaving the path and query string for use with Do(). Errors if fullURL
// doesn't start with the expected base.
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("graph: nextLink URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}

// CreateFolder creates a new folder under parentID, failing with ErrConflict
// (409) on a name collision.
func (c *Client) CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*Item, error) {
	c.logger.Info("creating folder",
		slog.String("drive_id", driveID.String()),
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	path := fmt.Sprintf("/drives/%s/items/%s/children", driveID, parentID)

	reqBody := newFolderRequest{
		Name:             name,
		Folder:           folderFacet{},
		ConflictBehavior: "fail",
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling create folder request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("graph: decoding create folder response: %w", err)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// ErrMoveNoChanges is returned when MoveItem gets both newParentID and
// newName empty — at least one must be given.
var ErrMoveNoChanges = errors.New("graph: MoveItem requires at least one of newParentID or newName")

// MoveItem moves and/or renames an item; at least one of newParentID or
// newName must be non-empty.
func (c *Client) MoveItem(ctx context.Context, driveID driveid.ID, itemID, newParentID, newName string) (*Item, error) {
	if newParentID == "" && newName == "" {
		return nil, ErrMoveNoChanges
	}

	c.logger.Info("moving item",
		slog.String("drive_id", driveID.String()),
		slog.String("item_id", itemID),
		slog.String("new_parent_id", newParentID),
		slog.String("new_name", newName),
	)

	path := fmt.Sprintf("/drives/%s/items/%s", driveID, itemID)

	req := moveRequest{}
	if newParentID != "" {
		req.ParentReference = &moveTargetRef{ID: newParentID}
	}

	if newName != "" {
		req.Name = newName
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling move request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPatch, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("graph: decoding move response: %w", err)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// setModifiedTimeRequest is the PATCH body for updating fileSystemInfo.
// Reuses the fileSystemInfo type from upload.go.
type setModifiedTimeRequest struct {
	FileSystemInfo *fileSystemInfo `json:"fileSystemInfo"`
}

// UpdateFileSystemInfo sets a remote item's lastModifiedDateTime via PATCH.
// Called after a simple upload — whose PUT body carries no metadata — to
// preserve the local mtime server-side. Returns the patched item.
func (c *Client) UpdateFileSystemInfo(
	ctx context.Context, driveID driveid.ID, itemID string, mtime time.Time,
) (*Item, error) {
	c.logger.Debug("updating fileSystemInfo",
		slog.String("drive_id", driveID.String()),
		slog.String("item_id", itemID),
		slog.Time("mtime", mtime),
	)

	path := fmt.Sprintf("/drives/%s/items/%s", driveID, itemID)

	reqBody := setModifiedTimeRequest{
		FileSystemInfo: &fileSystemInfo{
			LastModifiedDateTime: mtime.UTC().Format(time.RFC3339),
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling fileSystemInfo request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPatch, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("graph: decoding fileSystemInfo response: %w", err)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// DeleteItem deletes a drive item. Returns nil on success (HTTP 204).
func (c *Client) DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error {
	c.logger.Info("deleting item",
		slog.String("drive_id", driveID.String()),
		slog.String("item_id", itemID),
	)

	path := fmt.Sprintf("/drives/%s/items/%s", driveID, itemID)

	resp, err := c.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("graph: draining delete response body: %w", copyErr)
	}

	return nil
}

// PermanentDeleteItem permanently deletes an item, bypassing the recycle
// bin. Only Business/SharePoint drives support this — Personal accounts
// always route deletes through the recycle bin.
func (c *Client) PermanentDeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error {
	c.logger.Info("permanently deleting item",
		slog.String("drive_id", driveID.String()),
		slog.String("item_id", itemID),
	)

	path := fmt.Sprintf("/drives/%s/items/%s/permanentDelete", driveID, itemID)

	resp, err := c.Do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("graph: draining permanent delete response body: %w", copyErr)
	}

	return nil
}
