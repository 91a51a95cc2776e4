package config

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/onedrivesync/engine/internal/driveid"
)

// Load parses the TOML config file at path in two passes and validates the
// result. The first pass decodes the flat global settings straight into
// Config's embedded structs; the second walks the raw key/value map for
// drive sections, which are keyed by a canonical ID containing ":" and
// can't be expressed as Go struct tags. An unrecognized key at either level
// is a hard error, with a "did you mean?" suggestion where one applies.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	meta, err := toml.Decode(string(raw), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := decodeDriveSections(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&meta); err != nil {
		return nil, err
	}

	var asMap map[string]any
	if _, decErr := toml.Decode(string(raw), &asMap); decErr == nil {
		WarnDeprecatedKeys(asMap, logger)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully",
		"path", path,
		"drive_count", len(cfg.Drives),
	)

	return cfg, nil
}

// decodeDriveSections re-decodes the raw TOML into a generic map and pulls
// out every key containing ":" as a drive section, validating its
// canonical ID up front so a malformed section fails before sync starts.
func decodeDriveSections(data []byte, cfg *Config) error {
	var asMap map[string]any
	if _, err := toml.Decode(string(data), &asMap); err != nil {
		return fmt.Errorf("drive sections: %w", err)
	}

	for key, val := range asMap {
		if !strings.Contains(key, ":") {
			continue
		}

		cid, err := driveid.NewCanonicalID(key)
		if err != nil {
			return fmt.Errorf("drive section [%q]: invalid canonical ID: %w", key, err)
		}

		table, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("drive section [%q] must be a table", key)
		}

		if err := checkDriveUnknownKeys(table, key); err != nil {
			return err
		}

		var drive Drive
		if err := mapToDrive(table, &drive); err != nil {
			return fmt.Errorf("drive section [%q]: %w", key, err)
		}

		cfg.Drives[cid] = drive
	}

	return nil
}

// mapToDrive re-encodes a generic TOML table back to text and decodes it
// into a typed Drive, leaning on the TOML library's own type coercion
// instead of hand-rolling per-field extraction from the map.
func mapToDrive(m map[string]any, d *Drive) error {
	var buf bytes.Buffer

	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding drive data: %w", err)
	}

	if _, err := toml.Decode(buf.String(), d); err != nil {
		return fmt.Errorf("decoding drive data: %w", err)
	}

	return nil
}

// LoadOrDefault loads the config at path, or returns an all-defaults Config
// if no file exists there yet — the zero-config first run needs no file at
// all to start syncing.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// ResolveDrive loads the config and applies the override chain — defaults,
// then config file, then environment, then CLI flags — for a single drive.
// It returns both the resolved drive and the parsed Config, since
// DriveSession needs the latter for shared-drive token resolution.
func ResolveDrive(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*ResolvedDrive, *Config, error) {
	cfgPath := ResolveConfigPath(env, cli, logger)

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	selector := env.Drive
	if cli.Drive != "" {
		selector = cli.Drive
	}

	logger.Debug("drive selector resolved",
		"selector", selector,
		"source_env", env.Drive,
		"source_cli", cli.Drive,
	)

	canonicalID, drive, err := MatchDrive(cfg, selector, logger)
	if err != nil {
		return nil, nil, err
	}

	resolved := buildResolvedDrive(cfg, canonicalID, &drive, logger)

	if cli.DryRun != nil {
		resolved.DryRun = *cli.DryRun
		logger.Debug("CLI override applied", "dry_run", resolved.DryRun)
	}

	if err := ValidateResolved(resolved); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, cfg, nil
}

// ResolveDrives resolves every matching drive from cfg, applying global
// defaults plus per-drive overrides to each. When selectors is non-empty,
// only the drives it names (via MatchDrive) are returned; otherwise every
// configured drive is a candidate. Paused drives are dropped unless
// includePaused is set. Results come back sorted by canonical ID.
func ResolveDrives(cfg *Config, selectors []string, includePaused bool, logger *slog.Logger) ([]*ResolvedDrive, error) {
	if len(cfg.Drives) == 0 {
		return nil, nil
	}

	type candidate struct {
		cid   driveid.CanonicalID
		drive Drive
	}

	var candidates []candidate

	switch {
	case len(selectors) > 0:
		for _, sel := range selectors {
			cid, drive, err := MatchDrive(cfg, sel, logger)
			if err != nil {
				return nil, fmt.Errorf("resolving selector %q: %w", sel, err)
			}

			candidates = append(candidates, candidate{cid: cid, drive: drive})
		}
	default:
		for id := range cfg.Drives {
			candidates = append(candidates, candidate{cid: id, drive: cfg.Drives[id]})
		}
	}

	var out []*ResolvedDrive

	for i := range candidates {
		rd := buildResolvedDrive(cfg, candidates[i].cid, &candidates[i].drive, logger)

		if !includePaused && rd.Paused {
			logger.Debug("skipping paused drive", "canonical_id", candidates[i].cid.String())
			continue
		}

		out = append(out, rd)
	}

	slices.SortFunc(out, func(a, b *ResolvedDrive) int {
		return cmp.Compare(a.CanonicalID.String(), b.CanonicalID.String())
	})

	logger.Debug("resolved drives", "count", len(out), "total", len(cfg.Drives))

	return out, nil
}

// ResolveConfigPath picks the config file path by priority: CLI flag, then
// environment variable, then platform default. This is the one place that
// priority is decided — every caller (PersistentPreRunE, ResolveDrive, the
// auth commands) routes through it rather than re-deriving the order.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) string {
	path := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		path = env.ConfigPath
		source = "env"
	}

	if cli.ConfigPath != "" {
		path = cli.ConfigPath
		source = "cli"
	}

	logger.Debug("config path resolved", "path", path, "source", source)

	return path
}
