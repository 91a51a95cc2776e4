package driveid

// ItemKey pairs a drive ID with an item ID for use as a map key — baseline
// lookups and move detection both need to key on "this item on this drive",
// which ad-hoc "driveID:itemID" string concatenation used to stand in for.
//
// ID holds only an unexported string, so ItemKey is comparable and works
// directly as a map key without any extra hashing.
type ItemKey struct {
	DriveID ID
	ItemID  string
}

// NewItemKey pairs a normalized drive ID with a raw item ID.
func NewItemKey(driveID ID, itemID string) ItemKey {
	return ItemKey{DriveID: driveID, ItemID: itemID}
}

// String renders the "driveID:itemID" form used in logs and error messages.
func (k ItemKey) String() string {
	return k.DriveID.String() + ":" + k.ItemID
}

// IsZero reports whether both the drive and item components are empty.
func (k ItemKey) IsZero() bool {
	return k.DriveID.IsZero() && k.ItemID == ""
}
