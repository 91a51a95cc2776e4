package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/onedrivesync/engine/internal/driveid"
)

// consecutiveFailureThreshold is how many cycles in a row must fail before
// the watch-mode scheduler starts backing off between attempts.
const consecutiveFailureThreshold = 3

const maxBackoff = 1 * time.Hour

// backoffLadder maps (consecutiveFailures - consecutiveFailureThreshold) to
// a wait duration: the 3rd failure waits 1m, the 4th 5m, the 5th 15m, and
// the 6th and beyond cap at maxBackoff.
var backoffLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	maxBackoff,
}

// DriveReport summarizes one drive's sync cycle. Report and Err are
// mutually exclusive: a non-nil Err always means a nil Report.
type DriveReport struct {
	CanonicalID driveid.CanonicalID
	DisplayName string
	Report      *SyncReport
	Err         error
}

// DriveRunner isolates one drive's sync lifecycle so that a panic or error
// surfaced while syncing it cannot take down any other drive's cycle.
type DriveRunner struct {
	canonID     driveid.CanonicalID
	displayName string
}

// run invokes cycle with panic recovery, converting either a returned error
// or a recovered panic into the report's Err field. cycle is a closure over
// the drive's engine.RunOnce call — injected so tests can exercise the
// recovery path without constructing a real Engine.
func (dr *DriveRunner) run(ctx context.Context, cycle func(context.Context) (*SyncReport, error)) (result *DriveReport) {
	result = &DriveReport{
		CanonicalID: dr.canonID,
		DisplayName: dr.displayName,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Report = nil
			result.Err = fmt.Errorf("panic in drive %s: %v", dr.canonID, r)
		}
	}()

	result.Report, result.Err = cycle(ctx)

	return result
}

// backoffDuration returns how long the watch-mode scheduler should wait
// before the next attempt, given the number of consecutive failed cycles.
// Below consecutiveFailureThreshold it returns 0 (retry immediately).
func backoffDuration(consecutiveFailures int) time.Duration {
	if consecutiveFailures < consecutiveFailureThreshold {
		return 0
	}

	step := consecutiveFailures - consecutiveFailureThreshold
	if step >= len(backoffLadder) {
		return maxBackoff
	}

	return backoffLadder[step]
}
