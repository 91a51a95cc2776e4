package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig = "ONEDRIVE_GO_CONFIG"
	EnvDrive  = "ONEDRIVE_GO_DRIVE"
	EnvSyncDir = "ONEDRIVE_GO_SYNC_DIR"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // ONEDRIVE_GO_CONFIG: override config file path
	Drive      string // ONEDRIVE_GO_DRIVE: drive selector (canonical ID, alias, or partial match)
	SyncDir    string // ONEDRIVE_GO_SYNC_DIR: sync directory override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	env := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Drive:      os.Getenv(EnvDrive),
		SyncDir:    os.Getenv(EnvSyncDir),
	}

	if logger != nil && (env.ConfigPath != "" || env.Drive != "" || env.SyncDir != "") {
		logger.Debug("environment overrides found",
			"config_path", env.ConfigPath, "drive", env.Drive, "sync_dir", env.SyncDir)
	}

	return env
}

// CLIOverrides holds values derived from command-line flags, the highest
// priority layer in the four-layer override chain (defaults < config file <
// env vars < CLI flags).
type CLIOverrides struct {
	ConfigPath string
	Drive      string
	DryRun     *bool
}
