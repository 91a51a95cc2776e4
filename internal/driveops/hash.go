package driveops

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/onedrivesync/engine/internal/graph"
	"github.com/onedrivesync/engine/pkg/quickxorhash"
)

// SelectHash picks the strongest content hash an item reports: QuickXorHash
// (what OneDrive returns almost always) first, then SHA256Hash, then
// SHA1Hash. An empty result means the item carries no hash at all, which
// callers generally handle by skipping verification rather than failing.
func SelectHash(item *graph.Item) string {
	switch {
	case item.QuickXorHash != "":
		return item.QuickXorHash
	case item.SHA256Hash != "":
		return item.SHA256Hash
	default:
		return item.SHA1Hash
	}
}

// ComputeQuickXorHash streams fsPath through QuickXorHash and returns the
// base64-encoded digest, using constant memory regardless of file size.
func ComputeQuickXorHash(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := quickxorhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
