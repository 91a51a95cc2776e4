package driveid

import (
	"encoding"
	"fmt"
	"sort"
	"strings"
)

// Drive type prefixes accepted in a canonical ID string.
const (
	DriveTypePersonal   = "personal"
	DriveTypeBusiness   = "business"
	DriveTypeSharePoint = "sharepoint"
	DriveTypeShared     = "shared"
)

// maxCanonicalParts is the widest colon-separated layout any canonical ID
// format uses: SharePoint (type:email:site:library) and shared
// (type:email:sourceDriveID:sourceItemID) both have 4 parts.
const maxCanonicalParts = 4

// knownDriveTypes is the set of type prefixes NewCanonicalID accepts.
var knownDriveTypes = map[string]bool{
	DriveTypePersonal:   true,
	DriveTypeBusiness:   true,
	DriveTypeSharePoint: true,
	DriveTypeShared:     true,
}

// IsValidDriveType reports whether t is a recognized drive type prefix.
func IsValidDriveType(t string) bool {
	return knownDriveTypes[t]
}

// knownDriveTypeNames lists valid type prefixes, sorted, for error messages —
// derived from knownDriveTypes so the two can't drift apart.
func knownDriveTypeNames() string {
	names := make([]string, 0, len(knownDriveTypes))
	for t := range knownDriveTypes {
		names = append(names, t)
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}

// CanonicalID is the config-level drive identifier, in one of four shapes:
//
//   - "personal:email"
//   - "business:email"
//   - "sharepoint:email:site:library"
//   - "shared:email:sourceDriveID:sourceItemID"
//
// The zero value represents an absent canonical ID. Fields are parsed once
// at construction and routed into type-specific struct fields, so accessors
// return stored values rather than re-splitting the string on every call.
type CanonicalID struct {
	driveType     string
	email         string
	site          string // SharePoint only
	library       string // SharePoint only
	sourceDriveID string // shared only, e.g. "b!TG9yZW0"
	sourceItemID  string // shared only, e.g. "01ABCDEF"
}

// NewCanonicalID parses and validates a raw canonical ID string.
//
// Part-count rules per type:
//   - personal, business: exactly 2 parts (type:email)
//   - sharepoint: 2-4 parts (type:email[:site[:library]])
//   - shared: exactly 4 parts (type:email:sourceDriveID:sourceItemID)
func NewCanonicalID(raw string) (CanonicalID, error) {
	parts := strings.SplitN(raw, ":", maxCanonicalParts)
	if len(parts) < 2 || parts[1] == "" {
		return CanonicalID{}, fmt.Errorf("driveid: canonical ID %q must be \"type:email\" format", raw)
	}

	driveType := parts[0]
	if !knownDriveTypes[driveType] {
		return CanonicalID{}, fmt.Errorf(
			"driveid: canonical ID %q has unknown type %q (valid: %s)", raw, driveType, knownDriveTypeNames())
	}

	cid := CanonicalID{driveType: driveType, email: parts[1]}

	if err := cid.fillTypeSpecificParts(raw, parts); err != nil {
		return CanonicalID{}, err
	}

	return cid, nil
}

// fillTypeSpecificParts routes the segments beyond type:email into the
// fields specific to cid.driveType, validating part counts as it goes.
func (c *CanonicalID) fillTypeSpecificParts(raw string, parts []string) error {
	switch c.driveType {
	case DriveTypePersonal, DriveTypeBusiness:
		if len(parts) > 2 {
			return fmt.Errorf(
				"driveid: %s canonical ID %q must have exactly 2 parts (type:email), got %d",
				c.driveType, raw, len(parts))
		}

	case DriveTypeSharePoint:
		if len(parts) >= 3 {
			c.site = parts[2]
		}

		if len(parts) >= maxCanonicalParts {
			c.library = parts[3]
		}

	case DriveTypeShared:
		if len(parts) != maxCanonicalParts {
			return fmt.Errorf(
				"driveid: shared canonical ID %q must have exactly 4 parts "+
					"(shared:email:sourceDriveID:sourceItemID), got %d", raw, len(parts))
		}

		c.sourceDriveID = parts[2]
		c.sourceItemID = parts[3]

		if c.sourceDriveID == "" || c.sourceItemID == "" {
			return fmt.Errorf(
				"driveid: shared canonical ID %q requires non-empty source drive ID and item ID", raw)
		}
	}

	return nil
}

// MustCanonicalID is like NewCanonicalID but panics on invalid input. Use
// only in tests and initialization code where the value is known-good.
func MustCanonicalID(raw string) CanonicalID {
	cid, err := NewCanonicalID(raw)
	if err != nil {
		panic(err)
	}

	return cid
}

// Construct builds a personal/business canonical ID from separate parts.
// Use ConstructSharePoint or ConstructShared for those drive types — they
// enforce the extra required fields those formats need.
func Construct(driveType, email string) (CanonicalID, error) {
	if driveType == DriveTypeSharePoint || driveType == DriveTypeShared {
		return CanonicalID{}, fmt.Errorf(
			"driveid: Construct does not build %s canonical IDs; use ConstructSharePoint or ConstructShared", driveType)
	}

	return NewCanonicalID(driveType + ":" + email)
}

// ConstructSharePoint builds a SharePoint canonical ID, requiring a
// non-empty email, site, and library.
func ConstructSharePoint(email, site, library string) (CanonicalID, error) {
	if email == "" {
		return CanonicalID{}, fmt.Errorf("driveid: SharePoint canonical ID requires non-empty email")
	}

	if site == "" || library == "" {
		return CanonicalID{}, fmt.Errorf("driveid: SharePoint canonical ID requires non-empty site and library")
	}

	return CanonicalID{driveType: DriveTypeSharePoint, email: email, site: site, library: library}, nil
}

// ConstructShared builds a shared-drive canonical ID, requiring a non-empty
// email, source drive ID, and source item ID.
func ConstructShared(email, sourceDriveID, sourceItemID string) (CanonicalID, error) {
	if email == "" {
		return CanonicalID{}, fmt.Errorf("driveid: shared canonical ID requires non-empty email")
	}

	if sourceDriveID == "" || sourceItemID == "" {
		return CanonicalID{}, fmt.Errorf("driveid: shared canonical ID requires non-empty source drive ID and item ID")
	}

	return CanonicalID{
		driveType:     DriveTypeShared,
		email:         email,
		sourceDriveID: sourceDriveID,
		sourceItemID:  sourceItemID,
	}, nil
}

// String renders the canonical ID back to its "type:..." form.
func (c CanonicalID) String() string {
	switch c.driveType {
	case "":
		return ""

	case DriveTypeSharePoint:
		s := c.driveType + ":" + c.email
		if c.site != "" {
			s += ":" + c.site
		}

		if c.library != "" {
			s += ":" + c.library
		}

		return s

	case DriveTypeShared:
		return c.driveType + ":" + c.email + ":" + c.sourceDriveID + ":" + c.sourceItemID

	default:
		return c.driveType + ":" + c.email
	}
}

// IsZero reports whether c is the zero-value CanonicalID.
func (c CanonicalID) IsZero() bool {
	return c.driveType == ""
}

// Equal reports whether two CanonicalIDs describe the same drive.
func (c CanonicalID) Equal(other CanonicalID) bool {
	return c == other
}

// DriveType returns the type prefix, or "" for the zero value.
func (c CanonicalID) DriveType() string {
	return c.driveType
}

// Email returns the account email portion.
func (c CanonicalID) Email() string {
	return c.email
}

// IsPersonal reports whether c is a personal drive.
func (c CanonicalID) IsPersonal() bool {
	return c.driveType == DriveTypePersonal
}

// IsBusiness reports whether c is a business drive.
func (c CanonicalID) IsBusiness() bool {
	return c.driveType == DriveTypeBusiness
}

// IsSharePoint reports whether c is a SharePoint drive.
func (c CanonicalID) IsSharePoint() bool {
	return c.driveType == DriveTypeSharePoint
}

// IsShared reports whether c refers to a folder/item shared from another
// user's drive rather than a drive the account owns.
func (c CanonicalID) IsShared() bool {
	return c.driveType == DriveTypeShared
}

// Site returns the SharePoint site name, or "" for non-SharePoint IDs.
func (c CanonicalID) Site() string {
	if !c.IsSharePoint() {
		return ""
	}

	return c.site
}

// Library returns the SharePoint document library name, or "" for
// non-SharePoint IDs.
func (c CanonicalID) Library() string {
	if !c.IsSharePoint() {
		return ""
	}

	return c.library
}

// SourceDriveID returns the source drive ID for a shared-drive canonical ID
// (e.g. "b!TG9yZW0" from "shared:me@outlook.com:b!TG9yZW0:01ABCDEF"), or ""
// for non-shared IDs.
func (c CanonicalID) SourceDriveID() string {
	if !c.IsShared() {
		return ""
	}

	return c.sourceDriveID
}

// SourceItemID returns the source item ID for a shared-drive canonical ID
// (e.g. "01ABCDEF" from "shared:me@outlook.com:b!TG9yZW0:01ABCDEF"), or ""
// for non-shared IDs.
func (c CanonicalID) SourceItemID() string {
	if !c.IsShared() {
		return ""
	}

	return c.sourceItemID
}

// MarshalText implements encoding.TextMarshaler.
func (c CanonicalID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, validating the input
// exactly as NewCanonicalID does.
func (c *CanonicalID) UnmarshalText(text []byte) error {
	cid, err := NewCanonicalID(string(text))
	if err != nil {
		return err
	}

	*c = cid

	return nil
}

var (
	_ encoding.TextMarshaler   = CanonicalID{}
	_ encoding.TextUnmarshaler = (*CanonicalID)(nil)
	_ fmt.Stringer             = CanonicalID{}
)
