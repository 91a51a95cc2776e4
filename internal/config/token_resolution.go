package config

import (
	"fmt"

	"github.com/onedrivesync/engine/internal/driveid"
)

// TokenCanonicalID maps a drive's canonical ID to the canonical ID of the
// account whose OAuth token it should use. Personal and business drives
// authenticate with their own token. SharePoint drives share the business
// account's OAuth session. Shared drives piggyback on whichever of the
// owner's own drives (personal or business) is already configured, found by
// scanning cfg.Drives for a matching email.
//
// cfg is only consulted for shared drives — pass nil for every other type.
func TokenCanonicalID(cid driveid.CanonicalID, cfg *Config) (driveid.CanonicalID, error) {
	switch cid.DriveType() {
	case driveid.DriveTypePersonal, driveid.DriveTypeBusiness:
		return cid, nil

	case driveid.DriveTypeSharePoint:
		return driveid.Construct(driveid.DriveTypeBusiness, cid.Email())

	case driveid.DriveTypeShared:
		return sharedDriveToken(cid, cfg)

	default:
		return driveid.CanonicalID{}, fmt.Errorf("config: unknown drive type %q", cid.DriveType())
	}
}

// sharedDriveToken locates the owning personal or business drive for a
// shared drive's email among cfg's configured drives, since that's the
// account whose token the shared drive piggybacks on.
func sharedDriveToken(cid driveid.CanonicalID, cfg *Config) (driveid.CanonicalID, error) {
	if cfg == nil {
		return driveid.CanonicalID{}, fmt.Errorf(
			"config: config required to resolve token for shared drive %s", cid.Email())
	}

	for id := range cfg.Drives {
		if id.Email() != cid.Email() {
			continue
		}

		if id.IsPersonal() || id.IsBusiness() {
			return driveid.Construct(id.DriveType(), cid.Email())
		}
	}

	return driveid.CanonicalID{}, fmt.Errorf(
		"config: no personal or business account found for %s to resolve shared drive token", cid.Email())
}
