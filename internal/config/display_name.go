package config

import (
	"github.com/onedrivesync/engine/internal/driveid"
)

// DefaultDisplayName derives a human-readable name for a drive that has no
// explicit alias configured:
//
//   - personal/business: the email address ("me@outlook.com")
//   - sharepoint with a known site and library: "site / library"
//   - sharepoint missing either: falls back to the email address
//   - shared: a placeholder naming the source drive, until the CLI
//     overrides it with the real name from the Graph API
func DefaultDisplayName(cid driveid.CanonicalID) string {
	switch {
	case cid.IsSharePoint() && cid.Site() != "" && cid.Library() != "":
		return cid.Site() + " / " + cid.Library()

	case cid.IsShared():
		return "Shared (" + cid.SourceDriveID() + ")"

	default:
		return cid.Email()
	}
}
