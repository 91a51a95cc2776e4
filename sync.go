package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onedrivesync/engine/internal/config"
	"github.com/onedrivesync/engine/internal/driveid"
	"github.com/onedrivesync/engine/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var flagDownloadOnly, flagUploadOnly, flagDryRun, flagForce, flagWatch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize files with OneDrive",
		Long: `Run a one-shot sync cycle between the local directory and OneDrive.

By default, sync is bidirectional. Use --download-only or --upload-only for
one-way sync. Use --dry-run to preview what would happen without making changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), flagDownloadOnly, flagUploadOnly,
				flagDryRun, flagForce, flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagDownloadOnly, "download-only", false, "only download remote changes")
	cmd.Flags().BoolVar(&flagUploadOnly, "upload-only", false, "only upload local changes")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "preview sync actions without executing")
	cmd.Flags().BoolVar(&flagForce, "force", false, "override big-delete safety threshold")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "run continuously, polling for changes until interrupted")

	cmd.MarkFlagsMutuallyExclusive("download-only", "upload-only")

	return cmd
}

func runSync(ctx context.Context, downloadOnly, uploadOnly, dryRun, force, watch bool) error {
	mode := sync.SyncBidirectional
	if downloadOnly {
		mode = sync.SyncDownloadOnly
	}

	if uploadOnly {
		mode = sync.SyncUploadOnly
	}

	cc := mustCLIContext(ctx)
	logger := cc.Logger

	client, transferClient, driveID, err := transferClientAndDrive(ctx)
	if err != nil {
		return err
	}

	logger.Info("sync: starting", "mode", mode, "dry_run", dryRun, "force", force)

	syncDir := cc.Cfg.SyncDir
	if syncDir == "" {
		return fmt.Errorf("sync_dir not configured — set it in the config file or add a drive with 'drivesync drive add'")
	}

	dbPath := cc.Cfg.StatePath()
	if dbPath == "" {
		return fmt.Errorf("cannot determine state DB path for drive %q", cc.Cfg.CanonicalID)
	}

	engine, err := sync.NewEngine(&sync.EngineConfig{
		DBPath:        dbPath,
		SyncRoot:      syncDir,
		DataDir:       config.DefaultDataDir(),
		DriveID:       driveID,
		Fetcher:       client,
		Items:         client,
		Downloads:     transferClient,
		Uploads:       transferClient,
		Logger:         logger,
		UseLocalTrash:  cc.Cfg.UseLocalTrash,
		DriveVerifier:  client,
		TransferWorkers: cc.Cfg.ParallelUploads,
		CheckWorkers:    cc.Cfg.ParallelCheckers,
	})
	if err != nil {
		return fmt.Errorf("cannot initialize sync engine: %w", err)
	}
	defer engine.Close()

	if watch {
		return runWatchMode(ctx, engine, mode, cc, logger)
	}

	report, err := engine.RunOnce(ctx, mode, sync.RunOpts{Force: force, DryRun: dryRun})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if flagJSON {
		if err := printSyncJSON(report); err != nil {
			return err
		}
	} else {
		printSyncText(report)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("sync completed with %d errors", len(report.Errors))
	}

	return nil
}

func totalPlanActions(report *sync.SyncReport) int {
	return report.FolderCreates + report.Moves + report.Downloads + report.Uploads +
		report.LocalDeletes + report.RemoteDeletes + report.SyncedUpdates + report.Cleanups
}

func printSyncText(report *sync.SyncReport) {
	durationMs := report.Duration.Milliseconds()

	if report.DryRun {
		printDryRunText(report, durationMs)
		return
	}

	if totalPlanActions(report) == 0 && report.Conflicts == 0 && len(report.Errors) == 0 {
		statusf("Already in sync.\n")
		return
	}

	statusf("Sync complete (%s, %dms)\n", report.Mode, durationMs)
	printSyncCountsText(report)
}

func printDryRunText(report *sync.SyncReport, durationMs int64) {
	if totalPlanActions(report) == 0 && report.Conflicts == 0 {
		statusf("Dry run complete (%dms) — already in sync.\n", durationMs)
		return
	}

	statusf("Dry run — no changes made (%dms)\n", durationMs)
	printSyncCountsText(report)
}

func printSyncCountsText(report *sync.SyncReport) {
	if report.FolderCreates > 0 {
		statusf("  Folders created: %d\n", report.FolderCreates)
	}

	if report.Downloads > 0 {
		statusf("  Downloaded:  %d files\n", report.Downloads)
	}

	if report.Uploads > 0 {
		statusf("  Uploaded:    %d files\n", report.Uploads)
	}

	if report.Moves > 0 {
		statusf("  Moved:       %d\n", report.Moves)
	}

	if report.LocalDeletes > 0 || report.RemoteDeletes > 0 {
		statusf("  Deleted:     %d local, %d remote\n", report.LocalDeletes, report.RemoteDeletes)
	}

	if report.Conflicts > 0 {
		statusf("  Conflicts:   %d\n", report.Conflicts)
	}

	if len(report.Errors) > 0 {
		statusf("  Errors:      %d\n", len(report.Errors))
	}
}

// syncJSONOutput is the JSON output schema for the sync command.
type syncJSONOutput struct {
	Mode          string   `json:"mode"`
	DryRun        bool     `json:"dry_run"`
	DurationMs    int64    `json:"duration_ms"`
	FolderCreates int      `json:"folders_created"`
	Downloads     int      `json:"downloaded"`
	Uploads       int      `json:"uploaded"`
	LocalDeletes  int      `json:"local_deleted"`
	RemoteDeletes int      `json:"remote_deleted"`
	Moves         int      `json:"moved"`
	Conflicts     int      `json:"conflicts"`
	Errors        []string `json:"errors"`
}

func printSyncJSON(report *sync.SyncReport) error {
	errs := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		errs = append(errs, e.Error())
	}

	out := syncJSONOutput{
		Mode:          report.Mode.String(),
		DryRun:        report.DryRun,
		DurationMs:    report.Duration.Milliseconds(),
		FolderCreates: report.FolderCreates,
		Downloads:     report.Downloads,
		Uploads:       report.Uploads,
		LocalDeletes:  report.LocalDeletes,
		RemoteDeletes: report.RemoteDeletes,
		Moves:         report.Moves,
		Conflicts:     report.Conflicts,
		Errors:        errs,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// ---------------------------------------------------------------------------
// --watch (daemon) mode
// ---------------------------------------------------------------------------

// watchRunner is the interface runWatchMode and watchLoop use to run a
// continuous sync. Satisfied by *sync.Engine; mocked in tests.
type watchRunner interface {
	RunWatch(ctx context.Context, mode sync.SyncMode, opts sync.WatchOpts) error
}

// runWatchMode sets up the PID lock file and SIGHUP listener, then runs the
// single-drive watch loop until the process receives SIGINT/SIGTERM.
func runWatchMode(ctx context.Context, engine watchRunner, mode sync.SyncMode, cc *CLIContext, logger *slog.Logger) error {
	pidPath := config.PIDFilePath()
	if pidPath != "" {
		cleanup, err := writePIDFile(pidPath)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	watchCtx := shutdownContext(ctx, logger)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	interval, err := parsePollInterval(cc.Cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll_interval: %w", err)
	}

	statusf("Watching %s for changes (poll interval %s). Press Ctrl+C to stop.\n",
		cc.Cfg.CanonicalID, interval)

	opts := sync.WatchOpts{PollInterval: interval}

	loopErr := watchLoop(watchCtx, engine, mode, opts, cc.CfgPath, cc.Cfg.CanonicalID, sighup, logger)
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}

	statusf("Sync daemon stopped\n")

	return nil
}

// parsePollInterval parses a poll_interval config string, reusing the same
// duration syntax pause/resume accept ("5m", "2h", "1d", ...). Empty returns
// a zero duration so the caller falls back to the engine's own default.
func parsePollInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	return parseDuration(s)
}

// checkPausedState reads the drive's paused/paused_until keys directly from
// the config file on disk. Called by watchLoop before each cycle so pause
// commands issued by another process take effect without restarting the
// daemon — the daemon only reloads in-memory config via SIGHUP, but paused
// state is reread every time through watchLoop regardless.
func checkPausedState(cfgPath string, cid driveid.CanonicalID, logger *slog.Logger) (paused bool, pausedUntil string) {
	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return false, ""
	}

	d, ok := cfg.Drives[cid]
	if !ok {
		return false, ""
	}

	if d.Paused == nil || !*d.Paused {
		return false, ""
	}

	if d.PausedUntil != nil {
		pausedUntil = *d.PausedUntil
	}

	return true, pausedUntil
}

// waitForResume blocks until the drive should resume: a SIGHUP arrives
// (config may or may not have actually changed — the caller re-checks), a
// timed pause's deadline passes, or ctx is canceled. On timer expiry it
// clears the paused keys itself since no other process will. Returns the
// context error on cancellation, nil otherwise.
func waitForResume(
	ctx context.Context, sighup chan os.Signal, cfgPath string, cid driveid.CanonicalID,
	until string, logger *slog.Logger,
) error {
	var timerCh <-chan time.Time

	if until != "" {
		deadline, err := time.Parse(time.RFC3339, until)
		if err == nil {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				daemonClearPausedKeys(cfgPath, cid, logger)
				return nil
			}

			timer := time.NewTimer(remaining)
			defer timer.Stop()
			timerCh = timer.C
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-sighup:
		return nil

	case <-timerCh:
		daemonClearPausedKeys(cfgPath, cid, logger)
		return nil
	}
}

// daemonClearPausedKeys clears the paused/paused_until keys from the config
// file once a timed pause expires. Errors are logged, not returned — a
// failed write here shouldn't crash the daemon; the next manual resume or
// config edit will clean it up.
func daemonClearPausedKeys(cfgPath string, cid driveid.CanonicalID, logger *slog.Logger) {
	if err := clearPausedKeys(cfgPath, cid); err != nil {
		logger.Warn("clearing expired pause", "drive", cid.String(), "error", err)
	}
}

// watchLoop is the single-drive continuous-sync state machine: run while
// not paused, block in waitForResume while paused, and restart the run on
// every SIGHUP so pause/resume commands and config edits take effect without
// killing the daemon. Returns nil on clean shutdown (parent ctx canceled
// while actively running), or the cancellation error if ctx is canceled
// while blocked waiting to resume.
func watchLoop(
	ctx context.Context, runner watchRunner, mode sync.SyncMode, opts sync.WatchOpts,
	cfgPath string, cid driveid.CanonicalID, sighup chan os.Signal, logger *slog.Logger,
) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if paused, until := checkPausedState(cfgPath, cid, logger); paused {
			logger.Info("drive paused, waiting to resume", "drive", cid.String())

			if err := waitForResume(ctx, sighup, cfgPath, cid, until, logger); err != nil {
				return err
			}

			continue
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		runErrCh := make(chan error, 1)

		go func() {
			runErrCh <- runner.RunWatch(runCtx, mode, opts)
		}()

		select {
		case <-ctx.Done():
			cancelRun()
			<-runErrCh

			return nil

		case <-sighup:
			logger.Info("SIGHUP received, reloading drive state", "drive", cid.String())
			cancelRun()
			<-runErrCh

		case err := <-runErrCh:
			cancelRun()

			if err != nil && ctx.Err() == nil {
				logger.Error("watch run exited with error", "drive", cid.String(), "error", err)
			}

			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// driveReportsError summarizes a multi-drive sync result into a single error,
// or nil if every drive succeeded. A single-drive result returns the
// underlying error directly rather than wrapping it in "1 of 1" phrasing.
func driveReportsError(reports []*sync.DriveReport) error {
	var failed []*sync.DriveReport

	for _, r := range reports {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	if len(reports) == 1 {
		return failed[0].Err
	}

	names := make([]string, 0, len(failed))
	for _, r := range failed {
		name := r.DisplayName
		if name == "" {
			name = r.CanonicalID.String()
		}

		names = append(names, fmt.Sprintf("%s (%v)", name, r.Err))
	}

	return fmt.Errorf("%d of %d drives failed: %s", len(failed), len(reports), strings.Join(names, "; "))
}

// printDriveReports prints one summary line per drive. Single-drive results
// print without a per-drive header, matching the one-shot sync command's
// output; multi-drive results are labeled by display name so orchestrated
// output from multiple accounts stays attributable. timestamps prefixes
// each line with a wall-clock time, useful for distinguishing successive
// watch-mode cycles in daemon logs.
func printDriveReports(reports []*sync.DriveReport, timestamps bool) {
	multi := len(reports) > 1

	for _, r := range reports {
		prefix := ""
		if timestamps {
			prefix = time.Now().Format("15:04:05") + " "
		}

		if multi {
			statusf("%s[%s]\n", prefix, r.DisplayName)
		}

		if r.Err != nil {
			statusf("%s  error: %v\n", prefix, r.Err)
			continue
		}

		if r.Report == nil {
			continue
		}

		label := prefix
		if multi {
			label += "  "
		}

		statusf("%ssync complete (%s)\n", label, r.Report.Mode)
		printSyncCountsText(r.Report)
	}
}
