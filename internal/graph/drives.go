package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/onedrivesync/engine/internal/driveid"
)

// driveListRetryAttempts caps the total attempts made against /me/drives when
// it answers with transient 403s. Microsoft Graph occasionally answers "accessDenied" while a
// freshly-issued token is still propagating, even though the token is valid.
const driveListRetryAttempts = 3

// userResponse mirrors the Graph API /me JSON response, normalized into
// User by toUser.
type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	// UPN backstops an empty mail field, which is common on Personal
	// accounts.
	UPN string `json:"userPrincipalName"`
}

// toUser normalizes a Graph API user response, preferring the authoritative
// `mail` field and falling back to `userPrincipalName` when it's empty.
func (u *userResponse) toUser() User {
	email := u.Mail
	if email == "" {
		email = u.UPN
	}

	return User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       email,
	}
}

// driveResponse mirrors the Graph API drive JSON response, normalized into
// Drive by toDrive.
type driveResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	DriveType string      `json:"driveType"`
	Owner     *ownerFacet `json:"owner"`
	Quota     *quotaFacet `json:"quota"`
}

// ownerFacet is the owner block of a Graph API drive response.
type ownerFacet struct {
	User struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	} `json:"user"`
}

// quotaFacet is the quota block of a Graph API drive response.
type quotaFacet struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// driveCollectionResponse wraps the `value` array shared by every endpoint
// that returns a list of drives.
type driveCollectionResponse struct {
	Value []driveResponse `json:"value"`
}

// toDrive normalizes a Graph API drive response, tolerating absent owner and
// quota facets.
func (d *driveResponse) toDrive() Drive {
	drive := Drive{
		ID:        driveid.New(d.ID),
		Name:      d.Name,
		DriveType: d.DriveType,
	}

	if d.Owner != nil {
		drive.OwnerName = d.Owner.User.DisplayName
		drive.OwnerEmail = d.Owner.User.Email
	}

	if d.Quota != nil {
		drive.QuotaUsed = d.Quota.Used
		drive.QuotaTotal = d.Quota.Total
	}

	return drive
}

// siteResponse mirrors the Graph API site JSON response, normalized into
// Site by toSite.
type siteResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
	WebURL      string `json:"webUrl"`
}

// siteCollectionResponse wraps the `value` array from GET /sites?search=.
type siteCollectionResponse struct {
	Value []siteResponse `json:"value"`
}

// toSite normalizes a Graph API site response.
func (s *siteResponse) toSite() Site {
	return Site{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		Name:        s.Name,
		WebURL:      s.WebURL,
	}
}

// organizationListResponse mirrors the Graph API /me/organization response.
type organizationListResponse struct {
	Value []struct {
		DisplayName string `json:"displayName"`
	} `json:"value"`
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.logger.Info("fetching authenticated user profile")

	resp, err := c.Do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ur userResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("graph: decoding user response: %w", err)
	}

	user := ur.toUser()

	c.logger.Debug("fetched user profile",
		slog.String("id", user.ID),
		slog.String("display_name", user.DisplayName),
	)

	return &user, nil
}

// Drives returns every drive accessible to the authenticated user, retrying
// on a transient 403 from /me/drives.
func (c *Client) Drives(ctx context.Context) ([]Drive, error) {
	c.logger.Info("listing accessible drives")

	var lastErr error

	for attempt := range driveListRetryAttempts {
		drives, err := c.fetchDriveList(ctx)
		if err == nil {
			return drives, nil
		}

		// Only accessDenied during token propagation is worth a retry.
		var ge *GraphError
		if !errors.As(err, &ge) || ge.StatusCode != http.StatusForbidden {
			return nil, err
		}

		lastErr = err

		if attempt >= driveListRetryAttempts-1 {
			break
		}

		backoff := c.calcBackoff(attempt)
		c.logger.Warn("retrying /me/drives after transient 403",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", driveListRetryAttempts),
			slog.Duration("backoff", backoff),
			slog.String("request_id", ge.RequestID),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("graph: drives discovery canceled: %w", sleepErr)
		}
	}

	return nil, lastErr
}

// fetchDriveList performs a single GET /me/drives call without retry.
func (c *Client) fetchDriveList(ctx context.Context) ([]Drive, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me/drives", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list driveCollectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("graph: decoding drives response: %w", err)
	}

	drives := make([]Drive, 0, len(list.Value))
	for i := range list.Value {
		drives = append(drives, list.Value[i].toDrive())
	}

	c.logger.Info("listed drives", slog.Int("count", len(drives)))

	return drives, nil
}

// PrimaryDrive returns the authenticated user's primary drive via the
// singular GET /me/drive. Login discovery must use this instead of Drives():
// the plural /me/drives also returns phantom system drives (Photos face
// crops, album metadata) that Microsoft creates on personal accounts.
func (c *Client) PrimaryDrive(ctx context.Context) (*Drive, error) {
	c.logger.Info("fetching primary drive")

	resp, err := c.Do(ctx, http.MethodGet, "/me/drive", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr driveResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding primary drive response: %w", err)
	}

	drive := dr.toDrive()

	c.logger.Debug("fetched primary drive",
		slog.String("id", drive.ID.String()),
		slog.String("drive_type", drive.DriveType),
	)

	return &drive, nil
}

// Drive returns a specific drive by ID.
func (c *Client) Drive(ctx context.Context, driveID driveid.ID) (*Drive, error) {
	c.logger.Info("fetching drive", slog.String("drive_id", driveID.String()))

	path := fmt.Sprintf("/drives/%s", driveID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr driveResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding drive response: %w", err)
	}

	drive := dr.toDrive()

	c.logger.Debug("fetched drive",
		slog.String("id", drive.ID.String()),
		slog.String("name", drive.Name),
		slog.String("drive_type", drive.DriveType),
	)

	return &drive, nil
}

// SearchSites searches for SharePoint sites matching query. Personal
// accounts have no SharePoint — callers should only reach this for business
// accounts.
func (c *Client) SearchSites(ctx context.Context, query string, limit int) ([]Site, error) {
	c.logger.Info("searching SharePoint sites", slog.String("query", query), slog.Int("limit", limit))

	path := fmt.Sprintf("/sites?search=%s&$top=%d&$select=id,displayName,name,webUrl", url.QueryEscape(query), limit)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list siteCollectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("graph: decoding sites response: %w", err)
	}

	sites := make([]Site, 0, len(list.Value))
	for _, sr := range list.Value {
		sites = append(sites, sr.toSite())
	}

	c.logger.Info("found SharePoint sites", slog.Int("count", len(sites)))

	return sites, nil
}

// SiteDrives lists the document libraries (drives) belonging to a SharePoint
// site.
func (c *Client) SiteDrives(ctx context.Context, siteID string) ([]Drive, error) {
	c.logger.Debug("listing site drives", slog.String("site_id", siteID))

	path := fmt.Sprintf("/sites/%s/drives?$select=id,name,driveType,quota", siteID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list driveCollectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("graph: decoding site drives response: %w", err)
	}

	drives := make([]Drive, 0, len(list.Value))
	for i := range list.Value {
		drives = append(drives, list.Value[i].toDrive())
	}

	c.logger.Debug("listed site drives", slog.String("site_id", siteID), slog.Int("count", len(drives)))

	return drives, nil
}

// Organization returns the authenticated user's organization. Personal
// accounts get a zero-value Organization (the API returns an empty array);
// business/education accounts get the first entry's display name, used for
// sync directory naming (e.g. "~/OneDrive - Contoso").
func (c *Client) Organization(ctx context.Context) (*Organization, error) {
	c.logger.Info("fetching user organization")

	resp, err := c.Do(ctx, http.MethodGet, "/me/organization", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list organizationListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("graph: decoding organization response: %w", err)
	}

	org := &Organization{}
	if len(list.Value) > 0 {
		org.DisplayName = list.Value[0].DisplayName
	}

	c.logger.Debug("fetched organization",
		slog.String("display_name", org.DisplayName),
		slog.Bool("has_org", len(list.Value) > 0),
	)

	return org, nil
}
