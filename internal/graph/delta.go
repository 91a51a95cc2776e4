package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onedrivesync/engine/internal/driveid"
)

// remoteItemsAliasHeader asks the Graph API to report remote/shared items
// using stable alias IDs in delta responses. Personal accounts can return
// incomplete delta results for shared folders without it.
var remoteItemsAliasHeader = http.Header{
	"Prefer": {"deltashowremoteitemsaliasid"},
}

// rawDeltaPage mirrors the Graph API delta response JSON shape. Callers see
// only the normalized DeltaPage built from it.
type rawDeltaPage struct {
	Value     []driveItemResponse `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`  //nolint:tagliatelle // OData annotation key
	DeltaLink string              `json:"@odata.deltaLink"` //nolint:tagliatelle // OData annotation key
}

// urlTokenPrefix is the scheme prefix identifying a delta token that is
// actually a full URL rather than an initial-sync placeholder.
const urlTokenPrefix = "http"

// Delta fetches one page of delta changes for a drive. Pass an empty token
// for the initial sync (fetches all items); for later calls pass the
// DeltaLink or NextLink from the previous page — both are full URLs that get
// reduced to a relative path before the request goes out.
//
// The returned DeltaPage carries normalized items and either NextLink (more
// pages remain) or DeltaLink (this was the last page). HTTP 410 Gone means
// the token expired and the caller must restart from an empty token; Delta
// reports that case as ErrGone.
func (c *Client) Delta(ctx context.Context, driveID driveid.ID, token string) (*DeltaPage, error) {
	path, err := c.buildDeltaPath(driveID, token)
	if err != nil {
		return nil, err
	}

	c.logger.Info("fetching delta page",
		slog.String("drive_id", driveID.String()),
		slog.Bool("initial_sync", token == ""),
	)

	resp, err := c.DoWithHeaders(ctx, http.MethodGet, path, nil, remoteItemsAliasHeader)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page rawDeltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("graph: decoding delta response: %w", err)
	}

	items := make([]Item, 0, len(page.Value))
	for i := range page.Value {
		items = append(items, page.Value[i].toItem(c.logger))
	}

	// Delta-only quirk pipeline: package filtering, hash clearing, dedup,
	// and deletion reordering.
	items = normalizeDeltaItems(items, c.logger)

	c.logger.Debug("fetched delta page",
		slog.Int("raw_count", len(page.Value)),
		slog.Int("normalized_count", len(items)),
		slog.Bool("has_next_link", page.NextLink != ""),
		slog.Bool("has_delta_link", page.DeltaLink != ""),
	)

	return &DeltaPage{
		Items:     items,
		NextLink:  page.NextLink,
		DeltaLink: page.DeltaLink,
	}, nil
}

// buildDeltaPath builds the request path for a delta call: a fresh
// "/root/delta" path for an empty token, or the relative path carried by a
// prior page's full-URL token.
func (c *Client) buildDeltaPath(driveID driveid.ID, token string) (string, error) {
	if token == "" || !strings.HasPrefix(token, urlTokenPrefix) {
		return fmt.Sprintf("/drives/%s/root/delta", driveID), nil
	}

	path, err := c.stripBaseURL(token)
	if err != nil {
		return "", fmt.Errorf("graph: invalid delta token URL: %w", err)
	}

	return path, nil
}

// DeltaAll walks every page of delta changes and returns the combined item
// set plus the DeltaLink to use as the token for the next sync cycle. On
// success the returned token is always a non-empty DeltaLink.
func (c *Client) DeltaAll(ctx context.Context, driveID driveid.ID, token string) ([]Item, string, error) {
	c.logger.Info("starting full delta enumeration",
		slog.String("drive_id", driveID.String()),
		slog.Bool("initial_sync", token == ""),
	)

	var collected []Item

	next := token
	pageNum := 1

	for {
		page, err := c.Delta(ctx, driveID, next)
		if err != nil {
			return nil, "", err
		}

		collected = append(collected, page.Items...)

		c.logger.Debug("accumulated delta items",
			slog.Int("page", pageNum),
			slog.Int("page_items", len(page.Items)),
			slog.Int("total_items", len(collected)),
		)

		switch {
		case page.DeltaLink != "":
			c.logger.Info("full delta enumeration complete",
				slog.String("drive_id", driveID.String()),
				slog.Int("total_items", len(collected)),
				slog.Int("pages", pageNum),
			)

			return collected, page.DeltaLink, nil

		case page.NextLink != "":
			next = page.NextLink
			pageNum++

		default:
			c.logger.Warn("delta response has neither nextLink nor deltaLink",
				slog.String("drive_id", driveID.String()),
				slog.Int("page", pageNum),
			)

			return collected, "", nil
		}
	}
}
