// Package driveops turns a resolved drive configuration into an
// authenticated Graph API session, and is the one place that glue lives —
// both the CLI's file commands and the sync engine's Orchestrator build on
// it rather than authenticating independently.
//
// SessionProvider caches TokenSources by token file path so that drives
// sharing one token file don't race each other's OAuth2 refresh. Session
// pairs a metadata graph.Client with a transfer graph.Client and adds
// convenience methods for path resolution and child listing.
//
// The hash helpers (SelectHash, ComputeQuickXorHash) and SessionStore round
// out the package with hash verification and on-disk upload session state.
package driveops
