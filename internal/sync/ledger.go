package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Ledger gives the action queue crash-recoverable persistence through the
// action_queue SQLite table. It shares its *sql.DB with the baseline store
// (sole-writer via SetMaxOpenConns(1)), so a row written here and a baseline
// commit in the same cycle are never torn apart by a concurrent writer.
//
// A row's lifecycle is WriteActions -> Claim -> Complete/Fail, with Cancel
// reachable from any state when a dependency upstream fails first. On
// restart, LoadAllPending and ReclaimStale recover whatever a prior process
// left mid-flight.
const (
	ledgerStatusPending  = "pending"
	ledgerStatusClaimed  = "claimed"
	ledgerStatusDone     = "done"
	ledgerStatusFailed   = "failed"
	ledgerStatusCanceled = "canceled"
)

// LedgerRow is one action_queue row, as returned by the load/query methods
// below.
type LedgerRow struct {
	ID         int64
	CycleID    string
	ActionType string
	Path       string
	OldPath    string
	Status     string
	DependsOn  []int64 // indices into the originating action plan, JSON-encoded in depends_on
	DriveID    string
	ItemID     string
	ParentID   string
	Hash       string
	Size       int64
	Mtime      int64
	SessionURL string // resumable upload session URL, set once an upload begins
	BytesDone  int64
	ErrorMsg   string
}

// Ledger manages the action_queue table.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger wraps an existing database connection.
func NewLedger(db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// WriteActions inserts a full action batch as pending rows in one
// transaction and returns their assigned row IDs in the same order as
// actions.
//
// depends_on stores plan-relative indices (positions in the actions slice
// the planner produced), not row IDs — the caller is responsible for
// translating indices to row IDs, which is safe here only because all rows
// for one cycle are inserted in a single transaction and therefore get
// contiguous, ascending IDs.
func (l *Ledger) WriteActions(
	ctx context.Context, actions []Action, deps [][]int, cycleID string,
) ([]int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger begin write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO action_queue
			(cycle_id, action_type, path, old_path, status, depends_on,
			 drive_id, item_id, parent_id, hash, size, mtime)
			VALUES (?, ?, ?, ?, '`+ledgerStatusPending+`', ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger prepare: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, len(actions))

	for i := range actions {
		a := &actions[i]

		var depsJSON sql.NullString
		if len(deps) > i && len(deps[i]) > 0 {
			encoded, jsonErr := json.Marshal(deps[i])
			if jsonErr != nil {
				return nil, fmt.Errorf("sync: encoding deps for action %d: %w", i, jsonErr)
			}

			depsJSON = sql.NullString{String: string(encoded), Valid: true}
		}

		result, execErr := stmt.ExecContext(ctx, cycleID,
			a.Type.String(), a.Path, nullString(a.OldPath), depsJSON,
			nullString(a.DriveID.String()), nullString(a.ItemID),
			ledgerParentID(a), ledgerHash(a), ledgerSize(a), ledgerMtime(a),
		)
		if execErr != nil {
			return nil, fmt.Errorf("sync: ledger insert action %d (%s): %w", i, a.Path, execErr)
		}

		id, idErr := result.LastInsertId()
		if idErr != nil {
			return nil, fmt.Errorf("sync: ledger last insert ID: %w", idErr)
		}

		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sync: ledger commit write: %w", err)
	}

	l.logger.Info("ledger: actions written", slog.Int("count", len(actions)), slog.String("cycle_id", cycleID))

	return ids, nil
}

// Claim moves a row from pending to claimed. A worker must hold the claim
// before it starts acting on the row.
func (l *Ledger) Claim(ctx context.Context, id int64) error {
	return l.transition(ctx, "claim", id,
		`UPDATE action_queue SET status = '`+ledgerStatusClaimed+`', claimed_at = ?
		 WHERE id = ? AND status = '`+ledgerStatusPending+`'`, ledgerStatusPending,
		time.Now().UnixNano(), id)
}

// Complete moves a claimed row to done.
func (l *Ledger) Complete(ctx context.Context, id int64) error {
	return l.transition(ctx, "complete", id,
		`UPDATE action_queue SET status = '`+ledgerStatusDone+`', completed_at = ?
		 WHERE id = ? AND status = '`+ledgerStatusClaimed+`'`, ledgerStatusClaimed,
		time.Now().UnixNano(), id)
}

// Fail moves a claimed row to failed, recording the error message.
func (l *Ledger) Fail(ctx context.Context, id int64, errMsg string) error {
	return l.transition(ctx, "fail", id,
		`UPDATE action_queue SET status = '`+ledgerStatusFailed+`', completed_at = ?, error_msg = ?
		 WHERE id = ? AND status = '`+ledgerStatusClaimed+`'`, ledgerStatusClaimed,
		time.Now().UnixNano(), errMsg, id)
}

// transition runs a conditional UPDATE and reports an error when no row
// matched — that means id was not in expectFrom when the caller expected it
// to be.
func (l *Ledger) transition(ctx context.Context, verb string, id int64, query, expectFrom string, args ...any) error {
	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sync: ledger %s %d: %w", verb, id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("sync: ledger %s %d rows affected: %w", verb, id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("sync: ledger %s %d: action not %s", verb, id, expectFrom)
	}

	return nil
}

// Cancel forces a row to canceled regardless of its current status — used
// when an upstream dependency failed and the rest of its chain must be
// abandoned.
func (l *Ledger) Cancel(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `UPDATE action_queue SET status = '`+ledgerStatusCanceled+`' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sync: ledger cancel %d: %w", id, err)
	}

	return nil
}

// LoadPending returns the non-terminal (pending or claimed) rows for one
// cycle.
func (l *Ledger) LoadPending(ctx context.Context, cycleID string) ([]LedgerRow, error) {
	return l.queryRows(ctx,
		`WHERE cycle_id = ? AND status IN ('`+ledgerStatusPending+`', '`+ledgerStatusClaimed+`')`,
		"load pending", cycleID)
}

// LoadAllPending returns every non-terminal row across all cycles, oldest
// first — the recovery path an engine runs at startup before resuming
// anything new.
func (l *Ledger) LoadAllPending(ctx context.Context) ([]LedgerRow, error) {
	return l.queryRows(ctx,
		`WHERE status IN ('`+ledgerStatusPending+`', '`+ledgerStatusClaimed+`')`,
		"load all pending")
}

// ReclaimStale resets claimed rows whose claim is older than timeout back
// to pending, and returns how many it touched. A claim this old almost
// certainly belongs to a worker that crashed mid-action.
func (l *Ledger) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).UnixNano()

	result, err := l.db.ExecContext(ctx,
		`UPDATE action_queue SET status = '`+ledgerStatusPending+`', claimed_at = NULL
		 WHERE status = '`+ledgerStatusClaimed+`' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sync: ledger reclaim stale: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("sync: ledger reclaim rows affected: %w", rowsErr)
	}

	if n > 0 {
		l.logger.Warn("ledger: reclaimed stale actions", slog.Int64("count", n), slog.Duration("timeout", timeout))
	}

	return int(n), nil
}

// CountPendingForCycle counts non-terminal rows for one cycle.
func (l *Ledger) CountPendingForCycle(ctx context.Context, cycleID string) (int, error) {
	var count int

	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_queue
		 WHERE cycle_id = ? AND status IN ('`+ledgerStatusPending+`', '`+ledgerStatusClaimed+`')`, cycleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sync: ledger count pending: %w", err)
	}

	return count, nil
}

// CountFailedForCycle counts failed rows for one cycle — the signal the
// engine uses to decide whether a cycle's delta token is safe to commit.
func (l *Ledger) CountFailedForCycle(ctx context.Context, cycleID string) (int, error) {
	var count int

	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_queue
		 WHERE cycle_id = ? AND status = '`+ledgerStatusFailed+`'`, cycleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sync: ledger count failed: %w", err)
	}

	return count, nil
}

// UpdateSessionURL records the resumable upload session URL for a claimed
// row, so a restart mid-upload can pick the session back up instead of
// starting the transfer over.
func (l *Ledger) UpdateSessionURL(ctx context.Context, id int64, sessionURL string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE action_queue SET session_url = ? WHERE id = ?`, sessionURL, id)
	if err != nil {
		return fmt.Errorf("sync: ledger update session URL %d: %w", id, err)
	}

	return nil
}

// UpdateBytesDone records cumulative bytes transferred for a claimed row,
// called periodically during a chunked upload for progress reporting.
func (l *Ledger) UpdateBytesDone(ctx context.Context, id int64, bytesDone int64) error {
	_, err := l.db.ExecContext(ctx, `UPDATE action_queue SET bytes_done = ? WHERE id = ?`, bytesDone, id)
	if err != nil {
		return fmt.Errorf("sync: ledger update bytes done %d: %w", id, err)
	}

	return nil
}

// LoadCycleResults returns the terminal (done or failed) rows for one
// cycle, used to build a per-cycle outcome summary.
func (l *Ledger) LoadCycleResults(ctx context.Context, cycleID string) ([]LedgerRow, error) {
	return l.queryRows(ctx,
		`WHERE cycle_id = ? AND status IN ('`+ledgerStatusDone+`', '`+ledgerStatusFailed+`')`,
		"load cycle results", cycleID)
}

// ledgerSelectCols is the column list every row query shares.
const ledgerSelectCols = `SELECT id, cycle_id, action_type, path, old_path, status,
	depends_on, drive_id, item_id, parent_id, hash, size, mtime,
	session_url, bytes_done, error_msg
 FROM action_queue `

// queryRows runs a parameterized query against action_queue and scans the
// result set. whereClause is always a literal built from the constants
// above, never caller-supplied text.
func (l *Ledger) queryRows(ctx context.Context, whereClause, desc string, args ...any) ([]LedgerRow, error) {
	query := ledgerSelectCols + whereClause + ` ORDER BY id` //nolint:gosec // whereClause is always a compile-time constant, never user input

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger %s: %w", desc, err)
	}
	defer rows.Close()

	var result []LedgerRow

	for rows.Next() {
		row, scanErr := scanLedgerRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: ledger iterating %s rows: %w", desc, err)
	}

	return result, nil
}

// scanLedgerRow scans one row, unpacking nullable columns and the
// depends_on JSON array.
func scanLedgerRow(rows *sql.Rows) (*LedgerRow, error) {
	var (
		r          LedgerRow
		oldPath    sql.NullString
		depsJSON   sql.NullString
		driveID    sql.NullString
		itemID     sql.NullString
		parentID   sql.NullString
		hash       sql.NullString
		size       sql.NullInt64
		mtime      sql.NullInt64
		sessionURL sql.NullString
		bytesDone  sql.NullInt64
		errorMsg   sql.NullString
	)

	err := rows.Scan(
		&r.ID, &r.CycleID, &r.ActionType, &r.Path, &oldPath, &r.Status,
		&depsJSON, &driveID, &itemID, &parentID, &hash, &size, &mtime,
		&sessionURL, &bytesDone, &errorMsg,
	)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning ledger row: %w", err)
	}

	r.OldPath = oldPath.String
	r.DriveID = driveID.String
	r.ItemID = itemID.String
	r.ParentID = parentID.String
	r.Hash = hash.String
	r.SessionURL = sessionURL.String
	r.ErrorMsg = errorMsg.String

	if size.Valid {
		r.Size = size.Int64
	}

	if mtime.Valid {
		r.Mtime = mtime.Int64
	}

	if bytesDone.Valid {
		r.BytesDone = bytesDone.Int64
	}

	if depsJSON.Valid && depsJSON.String != "" {
		if jsonErr := json.Unmarshal([]byte(depsJSON.String), &r.DependsOn); jsonErr != nil {
			return nil, fmt.Errorf("sync: parsing depends_on for action %d: %w", r.ID, jsonErr)
		}
	}

	return &r, nil
}

// ledgerParentID picks the parent folder ID to persist for an action,
// preferring the remote observation and falling back to the baseline row.
func ledgerParentID(a *Action) string {
	if a.View != nil && a.View.Remote != nil {
		return a.View.Remote.ParentID
	}

	if a.View != nil && a.View.Baseline != nil {
		return a.View.Baseline.ParentID
	}

	return ""
}

// ledgerHash picks the content hash to persist. Uploads prefer the local
// hash (Remote may not exist yet for a brand-new file); everything else
// prefers the remote hash.
func ledgerHash(a *Action) string {
	if a.Type == ActionUpload && a.View != nil && a.View.Local != nil && a.View.Local.Hash != "" {
		return a.View.Local.Hash
	}

	if a.View != nil && a.View.Remote != nil {
		return a.View.Remote.Hash
	}

	return ""
}

// ledgerSize picks the size to persist, remote preferred.
func ledgerSize(a *Action) int64 {
	if a.View != nil && a.View.Remote != nil {
		return a.View.Remote.Size
	}

	if a.View != nil && a.View.Local != nil {
		return a.View.Local.Size
	}

	return 0
}

// ledgerMtime picks the modification time to persist, remote preferred.
func ledgerMtime(a *Action) int64 {
	if a.View != nil && a.View.Remote != nil {
		return a.View.Remote.Mtime
	}

	if a.View != nil && a.View.Local != nil {
		return a.View.Local.Mtime
	}

	return 0
}

// ParseActionType converts a persisted TEXT value back to an ActionType.
func ParseActionType(s string) (ActionType, error) {
	switch s {
	case ActionDownload.String():
		return ActionDownload, nil
	case ActionUpload.String():
		return ActionUpload, nil
	case ActionLocalDelete.String():
		return ActionLocalDelete, nil
	case ActionRemoteDelete.String():
		return ActionRemoteDelete, nil
	case ActionLocalMove.String():
		return ActionLocalMove, nil
	case ActionRemoteMove.String():
		return ActionRemoteMove, nil
	case ActionFolderCreate.String():
		return ActionFolderCreate, nil
	case ActionConflict.String():
		return ActionConflict, nil
	case ActionUpdateSynced.String():
		return ActionUpdateSynced, nil
	case ActionCleanup.String():
		return ActionCleanup, nil
	default:
		return ActionDownload, fmt.Errorf("sync: unknown action type %q", s)
	}
}

// LastCycleID returns the most recently written cycle_id, or "" when the
// table is empty — used by startup recovery to find the cycle to resume.
func (l *Ledger) LastCycleID(ctx context.Context) (string, error) {
	var cycleID sql.NullString

	err := l.db.QueryRowContext(ctx, `SELECT cycle_id FROM action_queue ORDER BY id DESC LIMIT 1`).Scan(&cycleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: ledger last cycle: %w", err)
	}

	return cycleID.String, nil
}
