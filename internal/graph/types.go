package graph

import (
	"time"

	"github.com/onedrivesync/engine/internal/driveid"
)

// ChildCountUnknown marks a folder whose child count wasn't present in the
// API response.
const ChildCountUnknown = -1

// Item is a normalized OneDrive drive item — file, folder, or package.
// Callers never see the raw Graph API JSON; driveItemResponse.toItem
// produces this.
type Item struct {
	ID            string
	Name          string
	DriveID       driveid.ID // normalized (lowercase, zero-padded); Graph API casing is inconsistent
	ParentID      string
	ParentDriveID driveid.ID // drive holding the parent, for cross-drive references
	Size          int64
	ETag          string
	CTag          string
	IsFolder      bool
	IsDeleted     bool
	IsPackage     bool // OneNote package — sync skips these entirely
	MimeType      string
	QuickXorHash  string // base64
	SHA1Hash      string // hex, Personal accounts only
	SHA256Hash    string // hex, sometimes present on Business accounts
	CreatedAt     time.Time
	ModifiedAt    time.Time
	ChildCount    int    // ChildCountUnknown when absent from the response
	DownloadURL   string // pre-authenticated and short-lived; never log this
}

// User is the authenticated account, normalized from GET /me.
type User struct {
	ID          string
	DisplayName string
	Email       string // mail, or userPrincipalName when mail is blank (see toUser)
}

// Drive is a OneDrive drive — personal, business, or a SharePoint document
// library — normalized from a Graph API drive resource.
type Drive struct {
	ID         driveid.ID
	Name       string
	DriveType  string // "personal", "business", or "documentLibrary"
	OwnerName  string
	OwnerEmail string
	QuotaUsed  int64
	QuotaTotal int64
}

// Site is a SharePoint site returned by site search.
type Site struct {
	ID          string
	DisplayName string
	Name        string
	WebURL      string
}

// Organization is the authenticated user's tenant, from GET
// /me/organization. Personal accounts produce a zero-value Organization.
type Organization struct {
	DisplayName string
}
