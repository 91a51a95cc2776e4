// Package testutil holds shared helpers for integration and end-to-end
// tests. It imports nothing beyond the standard library so that e2e tests
// (built with a separate tag and unable to reach internal/) can still use
// it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv populates the process environment from KEY=VALUE lines in the
// file at envPath. A missing file is not an error — CI sets its variables
// directly rather than via a .env file. Variables already set in the
// environment win over whatever the file says.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist aborts the process unless ONEDRIVE_ALLOWED_TEST_ACCOUNTS
// is set and the drive named by driveEnvVar appears in it — a guard against
// an integration run accidentally pointed at a production account.
func ValidateAllowlist(driveEnvVar string) {
	allowlist := os.Getenv("ONEDRIVE_ALLOWED_TEST_ACCOUNTS")
	if allowlist == "" {
		fmt.Fprintln(os.Stderr, "FATAL: ONEDRIVE_ALLOWED_TEST_ACCOUNTS not set")
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintln(os.Stderr, "Example: ONEDRIVE_ALLOWED_TEST_ACCOUNTS=personal:user@outlook.com")
		os.Exit(1)
	}

	target := os.Getenv(driveEnvVar)
	if target == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", driveEnvVar)
		os.Exit(1)
	}

	for _, entry := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(entry) == target {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in ONEDRIVE_ALLOWED_TEST_ACCOUNTS=%q\n",
		driveEnvVar, target, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks upward from the working directory looking for
// go.mod, returning fallback if it hits the filesystem root first.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, statErr := os.Stat(filepath.Join(dir, "go.mod")); statErr == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ under moduleRoot, aborting the
// process if it isn't there.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL: .testdata/ directory not found at "+dir)
		fmt.Fprintln(os.Stderr, "Run scripts/bootstrap-test-credentials.sh to create test credentials.")
		os.Exit(1)
	}

	return dir
}

// TokenFileName derives the on-disk token filename for a canonical drive ID,
// e.g. "personal:user@outlook.com" becomes "token_personal_user@outlook.com.json".
func TokenFileName(driveID string) string {
	driveType, email, ok := strings.Cut(driveID, ":")
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: cannot parse drive %q for token filename\n", driveID)
		os.Exit(1)
	}

	return "token_" + driveType + "_" + email + ".json"
}

// CopyFile copies src to dst with the given permissions, aborting the
// process on failure since a test fixture can't proceed without the file.
func CopyFile(src, dst string, perm os.FileMode) {
	data, err := os.ReadFile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot read %s: %v\n", src, err)
		fmt.Fprintln(os.Stderr, "Run scripts/bootstrap-test-credentials.sh to create test credentials.")
		os.Exit(1)
	}

	if err := os.WriteFile(dst, data, perm); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", dst, err)
		os.Exit(1)
	}
}
