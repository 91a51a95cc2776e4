package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const platformDarwin = "darwin"

// defaultTrashFunc moves a file or directory to the platform trash instead
// of deleting it outright. Only macOS (~/.Trash/) is supported today; every
// other OS reports an error so callers fall back to a hard delete.
func defaultTrashFunc(absPath string) error {
	if runtime.GOOS != platformDarwin {
		return fmt.Errorf("trash not available on %s", runtime.GOOS)
	}

	return moveToMacOSTrash(absPath)
}

// moveToMacOSTrash relocates absPath into the current user's ~/.Trash/,
// renaming it on collision the way Finder does ("name 2", "name 3", ...).
func moveToMacOSTrash(absPath string) error {
	trashDir, err := macOSTrashDir()
	if err != nil {
		return err
	}

	dest := uniqueTrashDest(trashDir, filepath.Base(absPath))

	return os.Rename(absPath, dest)
}

// macOSTrashDir resolves ~/.Trash/, confirming it exists rather than
// assuming the directory is always present.
func macOSTrashDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	trashDir := filepath.Join(home, ".Trash")

	if _, err := os.Stat(trashDir); err != nil {
		return "", fmt.Errorf("trash directory not found: %w", err)
	}

	return trashDir, nil
}

// uniqueTrashDest returns a path for name under trashDir, appending a
// " 2", " 3", ... suffix before the extension until it no longer collides.
func uniqueTrashDest(trashDir, name string) string {
	dest := filepath.Join(trashDir, name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}

	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]

	for i := 2; ; i++ {
		candidate := filepath.Join(trashDir, fmt.Sprintf("%s %d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
