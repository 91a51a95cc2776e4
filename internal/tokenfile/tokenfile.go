// Package tokenfile reads and writes the on-disk OAuth token files shared by
// config and graph. It is a leaf package deliberately: both of those packages
// import it, and giving token persistence its own package breaks what would
// otherwise be a config -> graph -> config import cycle.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts a token file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is applied when the tokens directory doesn't exist yet.
const DirPerms = 0o700

// File is the on-disk token file shape: the OAuth2 token plus whatever
// metadata (org name, display name, ...) has been cached from API responses
// alongside it. A bare oauth2.Token file with no wrapper is not supported —
// Load reports it as missing a token field and the caller must re-login.
type File struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads path and returns its token and metadata. A missing file is not
// an error: it returns (nil, nil, nil) so callers can treat "never logged
// in" and "read error" differently.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	tf, err := readFile(path)
	if err != nil || tf == nil {
		return nil, nil, err
	}

	if tf.Token == nil {
		return nil, nil, fmt.Errorf("tokenfile: %s missing token field (re-login required)", path)
	}

	return tf.Token, tf.Meta, nil
}

// ReadMeta reads only the metadata from path, skipping the OAuth token
// entirely. A missing file returns (nil, nil).
func ReadMeta(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var parsed struct {
		Meta map[string]string `json:"meta"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	return parsed.Meta, nil
}

// readFile loads and decodes the File at path, returning (nil, nil) if it
// doesn't exist.
func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	return &tf, nil
}

// Save writes tok and meta to path, creating the parent directory if
// needed. The write is atomic (temp file in the same directory, fsync,
// rename) and the file is never left world- or group-readable.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	data, err := json.MarshalIndent(File{Token: tok, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	return atomicWrite(dir, path, data)
}

// atomicWrite writes data to a temp file inside dir, then renames it onto
// path, so a reader never observes a partially-written token file. The temp
// file must share dir with path: rename(2) only guarantees atomicity within
// a single filesystem.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Sync before rename: otherwise a crash between close and rename could
	// leave the final path pointing at an empty or truncated file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	committed = true

	return nil
}

// LoadAndMergeMeta reads the token file at path, overlays meta onto its
// existing metadata (new keys win on conflict), and saves the result. It
// fails if path has no token file yet — there's nothing to attach metadata
// to.
func LoadAndMergeMeta(path string, meta map[string]string) error {
	tok, existingMeta, err := Load(path)
	if err != nil {
		return fmt.Errorf("reading token for metadata update: %w", err)
	}

	if tok == nil {
		return fmt.Errorf("no token file at %s", path)
	}

	if existingMeta == nil {
		existingMeta = make(map[string]string, len(meta))
	}

	maps.Copy(existingMeta, meta)

	return Save(path, tok, existingMeta)
}
