package config

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/onedrivesync/engine/internal/driveid"
	"github.com/onedrivesync/engine/internal/tokenfile"
)

// defaultRemotePath is used when a drive section doesn't specify one.
const defaultRemotePath = "/"

// ResolvedDrive is a drive's identity plus its effective config sections
// after merging global defaults with per-drive overrides. This is what the
// CLI and the sync engine actually consume — neither reads Config.Drives
// directly.
type ResolvedDrive struct {
	CanonicalID driveid.CanonicalID
	Alias       string
	Enabled     bool
	Paused      bool   // true when the drive section has paused = true
	SyncDir     string // absolute, tilde-expanded
	StateDir    string // override for the state DB directory; empty = platform default
	RemotePath  string
	DriveID     driveid.ID

	FilterConfig
	TransfersConfig
	SafetyConfig
	SyncConfig
	LoggingConfig
	NetworkConfig
}

// StatePath returns this drive's state DB file path. A configured StateDir
// places the DB there instead of the platform data directory, which is what
// lets e2e tests point each run at its own temp directory.
func (rd *ResolvedDrive) StatePath() string {
	if rd.StateDir != "" {
		sanitized := strings.ReplaceAll(rd.CanonicalID.String(), ":", "_")

		return filepath.Join(rd.StateDir, "state_"+sanitized+".db")
	}

	return DriveStatePath(rd.CanonicalID)
}

// MatchDrive picks a drive from cfg by selector, trying in order: exact
// canonical ID, then alias, then partial canonical-ID substring. An empty
// selector auto-selects when exactly one drive is configured.
//
// With no drives configured at all, the error message is tailored to
// whether a token already exists on disk, steering the user toward
// "drive add" versus "login" as appropriate.
func MatchDrive(cfg *Config, selector string, logger *slog.Logger) (driveid.CanonicalID, Drive, error) {
	if len(cfg.Drives) == 0 {
		return matchWithNoDrivesConfigured(selector, logger)
	}

	if selector == "" {
		return matchOnlyDrive(cfg, logger)
	}

	return matchDriveSelector(cfg, selector, logger)
}

// matchWithNoDrivesConfigured handles MatchDrive when cfg.Drives is empty.
func matchWithNoDrivesConfigured(selector string, logger *slog.Logger) (driveid.CanonicalID, Drive, error) {
	// A selector shaped like a canonical ID is allowed through even with
	// zero configured drives, so a CLI workflow can pass --drive directly.
	if strings.Contains(selector, ":") {
		logger.Debug("zero-config mode: using selector as canonical ID", "selector", selector)

		cid, err := driveid.NewCanonicalID(selector)
		if err != nil {
			return driveid.CanonicalID{}, Drive{}, fmt.Errorf("invalid drive selector: %w", err)
		}

		return cid, Drive{}, nil
	}

	if tokens := DiscoverTokens(logger); len(tokens) > 0 {
		return driveid.CanonicalID{}, Drive{},
			fmt.Errorf("no drives configured — run 'drivesync drive add' to add a drive")
	}

	return driveid.CanonicalID{}, Drive{},
		fmt.Errorf("no accounts configured — run 'drivesync login' to get started")
}

// matchOnlyDrive auto-selects when exactly one drive is configured.
func matchOnlyDrive(cfg *Config, logger *slog.Logger) (driveid.CanonicalID, Drive, error) {
	if len(cfg.Drives) == 1 {
		for id := range cfg.Drives {
			logger.Debug("auto-selected single drive", "canonical_id", id.String())

			return id, cfg.Drives[id], nil
		}
	}

	return driveid.CanonicalID{}, Drive{}, fmt.Errorf("multiple drives configured — specify with --drive")
}

// matchDriveSelector tries an exact canonical-ID match, then alias, then
// partial substring.
func matchDriveSelector(cfg *Config, selector string, logger *slog.Logger) (driveid.CanonicalID, Drive, error) {
	if exact, err := driveid.NewCanonicalID(selector); err == nil {
		if d, ok := cfg.Drives[exact]; ok {
			logger.Debug("drive matched by exact canonical ID", "canonical_id", selector)

			return exact, d, nil
		}
	}

	for id := range cfg.Drives {
		if cfg.Drives[id].Alias == selector {
			logger.Debug("drive matched by alias", "alias", selector, "canonical_id", id.String())

			return id, cfg.Drives[id], nil
		}
	}

	return matchDriveSubstring(cfg, selector, logger)
}

// matchDriveSubstring finds drives whose canonical ID contains selector.
func matchDriveSubstring(cfg *Config, selector string, logger *slog.Logger) (driveid.CanonicalID, Drive, error) {
	var matches []driveid.CanonicalID

	for id := range cfg.Drives {
		if strings.Contains(id.String(), selector) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 1:
		logger.Debug("drive matched by partial substring", "selector", selector, "canonical_id", matches[0].String())

		return matches[0], cfg.Drives[matches[0]], nil

	case 0:
		return driveid.CanonicalID{}, Drive{}, fmt.Errorf("no drive matching %q", selector)

	default:
		strs := make([]string, 0, len(matches))
		for _, m := range matches {
			strs = append(strs, m.String())
		}

		slices.Sort(strs)

		return driveid.CanonicalID{}, Drive{}, fmt.Errorf("ambiguous drive selector %q matches: %s",
			selector, strings.Join(strs, ", "))
	}
}

// buildResolvedDrive merges cfg's global sections with drive's per-drive
// overrides into a ResolvedDrive.
func buildResolvedDrive(cfg *Config, canonicalID driveid.CanonicalID, drive *Drive, logger *slog.Logger) *ResolvedDrive {
	resolved := &ResolvedDrive{
		CanonicalID:     canonicalID,
		Alias:           drive.Alias,
		Enabled:         drive.Enabled == nil || *drive.Enabled, // default true
		Paused:          drive.Paused != nil && *drive.Paused,
		SyncDir:         expandTilde(drive.SyncDir),
		StateDir:        expandTilde(drive.StateDir),
		RemotePath:      drive.RemotePath,
		DriveID:         driveid.New(drive.DriveID),
		FilterConfig:    cfg.FilterConfig,
		TransfersConfig: cfg.TransfersConfig,
		SafetyConfig:    cfg.SafetyConfig,
		SyncConfig:      cfg.SyncConfig,
		LoggingConfig:   cfg.LoggingConfig,
		NetworkConfig:   cfg.NetworkConfig,
	}

	if resolved.RemotePath == "" {
		resolved.RemotePath = defaultRemotePath
	}

	// No sync_dir configured — compute the runtime default. org_name comes
	// from the cached token metadata so a business drive gets
	// "~/OneDrive - Contoso" instead of the generic "~/OneDrive - Business".
	if resolved.SyncDir == "" {
		orgName, displayName := ReadTokenMetaForSyncDir(canonicalID, logger)
		otherDirs := CollectOtherSyncDirs(cfg, canonicalID, logger)
		resolved.SyncDir = expandTilde(DefaultSyncDir(canonicalID, orgName, displayName, otherDirs))
		logger.Debug("using default sync_dir",
			"sync_dir", resolved.SyncDir,
			"canonical_id", canonicalID.String(),
			"org_name", orgName,
		)
	}

	applyDriveOverrides(resolved, drive, logger)

	return resolved
}

// ReadTokenMetaForSyncDir reads org_name and display_name out of a token
// file's cached metadata, returning empty strings if the token is missing
// or carries no metadata. Goes through tokenfile.ReadMeta (a leaf package)
// rather than graph, to avoid an import cycle.
func ReadTokenMetaForSyncDir(cid driveid.CanonicalID, logger *slog.Logger) (orgName, displayName string) {
	tokenPath := DriveTokenPath(cid)
	if tokenPath == "" {
		return "", ""
	}

	meta, err := tokenfile.ReadMeta(tokenPath)
	if err != nil {
		logger.Debug("could not read token meta for sync_dir computation",
			"canonical_id", cid.String(), "error", err)

		return "", ""
	}

	return meta["org_name"], meta["display_name"]
}

// CollectOtherSyncDirs gathers the sync_dir of every drive in cfg except
// excludeID (pass the zero CanonicalID to include them all), computing the
// base default name for drives that haven't set one explicitly so the
// collision check sees every candidate, not just the explicit ones.
func CollectOtherSyncDirs(cfg *Config, excludeID driveid.CanonicalID, logger *slog.Logger) []string {
	var dirs []string

	for id := range cfg.Drives {
		if id == excludeID {
			continue
		}

		dir := cfg.Drives[id].SyncDir
		if dir == "" {
			orgName, _ := ReadTokenMetaForSyncDir(id, logger)
			dir = BaseSyncDir(id, orgName)
		}

		if dir != "" {
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

// applyDriveOverrides copies drive's explicitly-set fields over resolved's
// global-default values.
func applyDriveOverrides(resolved *ResolvedDrive, drive *Drive, logger *slog.Logger) {
	if drive.SkipDotfiles != nil {
		resolved.SkipDotfiles = *drive.SkipDotfiles
		logger.Debug("per-drive override applied", "field", "skip_dotfiles", "value", *drive.SkipDotfiles)
	}

	if drive.SkipDirs != nil {
		resolved.SkipDirs = drive.SkipDirs
		logger.Debug("per-drive override applied", "field", "skip_dirs", "count", len(drive.SkipDirs))
	}

	if drive.SkipFiles != nil {
		resolved.SkipFiles = drive.SkipFiles
		logger.Debug("per-drive override applied", "field", "skip_files", "count", len(drive.SkipFiles))
	}

	if drive.PollInterval != "" {
		resolved.PollInterval = drive.PollInterval
		logger.Debug("per-drive override applied", "field", "poll_interval", "value", drive.PollInterval)
	}
}

// expandTilde replaces a leading "~/" with the user's home directory. A
// failure to determine the home directory returns path unexpanded and logs
// at debug level — ValidateResolved catches an invalid sync_dir downstream
// and reports it to the user there.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Debug("expandTilde: could not determine home directory", "error", err)

		return path
	}

	return filepath.Join(home, path[2:])
}

// DiscoverTokens lists the token files under the default data directory and
// returns the canonical drive IDs their filenames encode. Used for smart
// error messages and "drive list" when a drive has a token but isn't (yet)
// in the config file.
func DiscoverTokens(logger *slog.Logger) []driveid.CanonicalID {
	return discoverTokensIn(DefaultDataDir(), logger)
}

// discoverTokensIn scans dir for token_{type}_{email}.json files, silently
// skipping anything that doesn't match the naming convention.
func discoverTokensIn(dir string, logger *slog.Logger) []driveid.CanonicalID {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("cannot read data directory for token discovery", "dir", dir, "error", err)

		return nil
	}

	var ids []driveid.CanonicalID

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		if !strings.HasPrefix(name, "token_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		// Strip "token_"/".json" and split on the first remaining "_" to
		// recover {type}_{email}; emails may themselves contain
		// underscores, so only the first one separates type from email.
		inner := strings.TrimSuffix(strings.TrimPrefix(name, "token_"), ".json")

		driveType, email, ok := strings.Cut(inner, "_")
		if !ok || driveType == "" || email == "" {
			logger.Debug("skipping malformed token filename", "name", name)

			continue
		}

		cid, err := driveid.Construct(driveType, email)
		if err != nil {
			logger.Debug("skipping token with invalid drive type", "name", name, "error", err)

			continue
		}

		ids = append(ids, cid)
	}

	slices.SortFunc(ids, func(a, b driveid.CanonicalID) int {
		return cmp.Compare(a.String(), b.String())
	})
	logger.Debug("token discovery complete", "dir", dir, "count", len(ids))

	return ids
}

// DriveTokenPath returns the on-disk token file path for canonicalID.
// SharePoint drives resolve to their business account's token (shared OAuth
// session); a shared drive needs cfg to find its owning personal/business
// account and resolves to "" without one — callers that only ever handle
// personal/business/sharepoint drives can omit cfg entirely.
//
//	"personal:toni@outlook.com" -> "{dataDir}/token_personal_toni@outlook.com.json"
//	"sharepoint:alice@contoso.com:marketing:Docs" -> "{dataDir}/token_business_alice@contoso.com.json"
func DriveTokenPath(canonicalID driveid.CanonicalID, cfg ...*Config) string {
	dataDir := DefaultDataDir()
	if dataDir == "" || canonicalID.IsZero() {
		return ""
	}

	var c *Config
	if len(cfg) > 0 {
		c = cfg[0]
	}

	tokenCID, err := TokenCanonicalID(canonicalID, c)
	if err != nil {
		return ""
	}

	sanitized := tokenCID.DriveType() + "_" + tokenCID.Email()

	return filepath.Join(dataDir, "token_"+sanitized+".json")
}

// DriveStatePathWithOverride returns a drive's state DB path, placing it
// under stateDir (tilde-expanded) instead of the platform default when
// stateDir is non-empty.
func DriveStatePathWithOverride(canonicalID driveid.CanonicalID, stateDir string) string {
	if stateDir != "" {
		expanded := expandTilde(stateDir)
		sanitized := strings.ReplaceAll(canonicalID.String(), ":", "_")

		return filepath.Join(expanded, "state_"+sanitized+".db")
	}

	return DriveStatePath(canonicalID)
}

// DriveStatePath returns the state DB path for canonicalID; each drive gets
// its own database file, with ":" replaced by "_" for filesystem safety.
//
//	"personal:toni@outlook.com" -> "{dataDir}/state_personal_toni@outlook.com.db"
//	"sharepoint:alice@contoso.com:marketing:Docs" -> "{dataDir}/state_sharepoint_alice@contoso.com_marketing_Docs.db"
func DriveStatePath(canonicalID driveid.CanonicalID) string {
	dataDir := DefaultDataDir()
	if dataDir == "" || canonicalID.IsZero() {
		return ""
	}

	sanitized := strings.ReplaceAll(canonicalID.String(), ":", "_")

	return filepath.Join(dataDir, "state_"+sanitized+".db")
}
