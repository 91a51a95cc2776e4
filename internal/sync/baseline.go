package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/onedrivesync/engine/internal/driveid"
)

const (
	queryBaselineAll = `SELECT path, drive_id, item_id, parent_id, item_type,
		local_hash, remote_hash, size, mtime, synced_at, etag
		FROM baseline`

	queryDeltaTokenByDrive = `SELECT token FROM delta_tokens WHERE drive_id = ?` //nolint:gosec // G101: a sync cursor, not a credential

	queryBaselineUpsert = `INSERT INTO baseline
		(path, drive_id, item_id, parent_id, item_type, local_hash, remote_hash,
		 size, mtime, synced_at, etag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		 drive_id = excluded.drive_id,
		 item_id = excluded.item_id,
		 parent_id = excluded.parent_id,
		 item_type = excluded.item_type,
		 local_hash = excluded.local_hash,
		 remote_hash = excluded.remote_hash,
		 size = excluded.size,
		 mtime = excluded.mtime,
		 synced_at = excluded.synced_at,
		 etag = excluded.etag`

	queryBaselineDelete = `DELETE FROM baseline WHERE path = ?`

	queryConflictInsert = `INSERT INTO conflicts
		(id, drive_id, item_id, path, conflict_type, detected_at,
		 local_hash, remote_hash, local_mtime, remote_mtime,
		 resolution, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryDeltaTokenUpsert = `INSERT INTO delta_tokens (drive_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(drive_id) DO UPDATE SET
		 token = excluded.token,
		 updated_at = excluded.updated_at`

	queryConflictsUnresolved = `SELECT id, drive_id, item_id, path, conflict_type,
		detected_at, local_hash, remote_hash, local_mtime, remote_mtime,
		resolution, resolved_at, resolved_by
		FROM conflicts WHERE resolution = 'unresolved'
		ORDER BY detected_at`

	queryConflictsAll = `SELECT id, drive_id, item_id, path, conflict_type,
		detected_at, local_hash, remote_hash, local_mtime, remote_mtime,
		resolution, resolved_at, resolved_by
		FROM conflicts
		ORDER BY detected_at DESC`

	queryConflictByID = `SELECT id, drive_id, item_id, path, conflict_type,
		detected_at, local_hash, remote_hash, local_mtime, remote_mtime,
		resolution, resolved_at, resolved_by
		FROM conflicts WHERE id = ?`

	queryConflictByPath = `SELECT id, drive_id, item_id, path, conflict_type,
		detected_at, local_hash, remote_hash, local_mtime, remote_mtime,
		resolution, resolved_at, resolved_by
		FROM conflicts WHERE path = ? AND resolution = 'unresolved'
		ORDER BY detected_at DESC LIMIT 1`

	queryConflictResolve = `UPDATE conflicts
		SET resolution = ?, resolved_at = ?, resolved_by = 'user'
		WHERE id = ? AND resolution = 'unresolved'`
)

// BaselineManager is the sole writer of the sync database: it loads the
// three-way baseline once per process and commits each action's outcome
// back to disk as the action completes.
type BaselineManager struct {
	db      *sql.DB
	cached  *Baseline
	logger  *slog.Logger
	nowFunc func() time.Time // overridable in tests
}

// NewBaselineManager opens (and migrates, if needed) the SQLite database at
// dbPath. WAL plus synchronous=FULL costs some write throughput in exchange
// for surviving a crash mid-cycle without corruption.
func NewBaselineManager(dbPath string, logger *slog.Logger) (*BaselineManager, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// A single writer needs no connection pool to contend over.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("baseline manager ready", slog.String("db_path", dbPath))

	return &BaselineManager{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Load reads the baseline table into memory once, indexed by both path and
// (drive, item) key, and caches the result. CommitOutcome patches the cache
// in place afterward, which is only safe because this manager never shares
// its database with another writer.
func (m *BaselineManager) Load(ctx context.Context) (*Baseline, error) {
	if m.cached != nil {
		return m.cached, nil
	}

	rows, err := m.db.QueryContext(ctx, queryBaselineAll)
	if err != nil {
		return nil, fmt.Errorf("sync: loading baseline: %w", err)
	}
	defer rows.Close()

	b := &Baseline{
		ByPath: make(map[string]*BaselineEntry),
		ByID:   make(map[driveid.ItemKey]*BaselineEntry),
	}

	for rows.Next() {
		entry, err := readBaselineEntry(rows)
		if err != nil {
			return nil, err
		}

		b.ByPath[entry.Path] = entry
		b.ByID[driveid.NewItemKey(entry.DriveID, entry.ItemID)] = entry
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating baseline rows: %w", err)
	}

	m.cached = b
	m.logger.Debug("baseline loaded", slog.Int("entries", len(b.ByPath)))

	return b, nil
}

// readBaselineEntry scans a single baseline row, mapping SQL NULLs onto Go
// zero values via sql.Null* intermediaries.
func readBaselineEntry(rows *sql.Rows) (*BaselineEntry, error) {
	var (
		e          BaselineEntry
		itemType   string
		parentID   sql.NullString
		localHash  sql.NullString
		remoteHash sql.NullString
		size       sql.NullInt64
		mtime      sql.NullInt64
		etag       sql.NullString
	)

	err := rows.Scan(
		&e.Path, &e.DriveID, &e.ItemID, &parentID, &itemType,
		&localHash, &remoteHash, &size, &mtime, &e.SyncedAt, &etag,
	)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning baseline row: %w", err)
	}

	parsed, err := ParseItemType(itemType)
	if err != nil {
		return nil, err
	}

	e.ItemType = parsed
	e.ParentID = parentID.String
	e.LocalHash = localHash.String
	e.RemoteHash = remoteHash.String
	e.ETag = etag.String

	if size.Valid {
		e.Size = size.Int64
	}

	if mtime.Valid {
		e.Mtime = mtime.Int64
	}

	return &e, nil
}

// GetDeltaToken returns the saved delta token for a drive, or "" if none
// has been saved yet.
func (m *BaselineManager) GetDeltaToken(ctx context.Context, driveID string) (string, error) {
	var token string

	err := m.db.QueryRowContext(ctx, queryDeltaTokenByDrive, driveID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: getting delta token for drive %s: %w", driveID, err)
	}

	return token, nil
}

// CommitOutcome applies a single outcome to the baseline inside one SQLite
// transaction, then patches the in-memory cache (Put or Delete) to match.
func (m *BaselineManager) CommitOutcome(ctx context.Context, outcome *Outcome) error {
	if !outcome.Success {
		return nil
	}

	if m.cached == nil {
		if _, err := m.Load(ctx); err != nil {
			return fmt.Errorf("sync: loading baseline before commit outcome: %w", err)
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning commit outcome transaction: %w", err)
	}
	defer tx.Rollback()

	syncedAt := m.nowFunc().UnixNano()

	if err := applyOutcome(ctx, tx, outcome, syncedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing outcome transaction: %w", err)
	}

	m.patchCache(outcome, syncedAt)

	return nil
}

// applyOutcome dispatches one outcome to the DB helper matching its action.
func applyOutcome(ctx context.Context, tx *sql.Tx, o *Outcome, syncedAt int64) error {
	switch o.Action {
	case ActionDownload, ActionUpload, ActionFolderCreate, ActionUpdateSynced:
		return upsertBaselineRow(ctx, tx, o, syncedAt)
	case ActionLocalDelete, ActionRemoteDelete, ActionCleanup:
		return deleteBaselineRow(ctx, tx, o.Path)
	case ActionLocalMove, ActionRemoteMove:
		return moveBaselineRow(ctx, tx, o, syncedAt)
	case ActionConflict:
		return insertConflictRow(ctx, tx, o, syncedAt)
	default:
		return nil
	}
}

// patchCache mirrors a committed outcome onto the in-memory baseline so
// callers don't need a full reload after every write.
func (m *BaselineManager) patchCache(o *Outcome, syncedAt int64) {
	switch o.Action {
	case ActionDownload, ActionUpload, ActionFolderCreate, ActionUpdateSynced:
		m.cached.Put(entryFromOutcome(o, syncedAt))
	case ActionLocalDelete, ActionRemoteDelete, ActionCleanup:
		m.cached.Delete(o.Path)
	case ActionLocalMove, ActionRemoteMove:
		m.cached.Delete(o.OldPath)
		m.cached.Put(entryFromOutcome(o, syncedAt))
	case ActionConflict:
		switch {
		case o.ResolvedBy == ResolvedByAuto:
			m.cached.Put(entryFromOutcome(o, syncedAt))
		case o.ConflictType == ConflictEditDelete:
			// Unresolved edit-delete from a local delete: the original is
			// gone (renamed to a conflict copy), so drop its baseline row.
			m.cached.Delete(o.Path)
		}
	}
}

// entryFromOutcome builds the BaselineEntry a successful outcome implies.
func entryFromOutcome(o *Outcome, syncedAt int64) *BaselineEntry {
	return &BaselineEntry{
		Path:       o.Path,
		DriveID:    o.DriveID,
		ItemID:     o.ItemID,
		ParentID:   o.ParentID,
		ItemType:   o.ItemType,
		LocalHash:  o.LocalHash,
		RemoteHash: o.RemoteHash,
		Size:       o.Size,
		Mtime:      o.Mtime,
		SyncedAt:   syncedAt,
		ETag:       o.ETag,
	}
}

// CommitDeltaToken persists a delta token in its own transaction, separate
// from baseline writes. Called once all of a cycle's actions have landed.
func (m *BaselineManager) CommitDeltaToken(ctx context.Context, token, driveID string) error {
	if token == "" {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning delta token transaction: %w", err)
	}
	defer tx.Rollback()

	updatedAt := m.nowFunc().UnixNano()
	if err := writeDeltaToken(ctx, tx, driveID, token, updatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing delta token transaction: %w", err)
	}

	m.logger.Debug("delta token committed", slog.String("drive_id", driveID))

	return nil
}

// upsertBaselineRow inserts or updates the baseline row for a download,
// upload, folder-create, or update-synced outcome.
func upsertBaselineRow(ctx context.Context, tx *sql.Tx, o *Outcome, syncedAt int64) error {
	_, err := tx.ExecContext(ctx, queryBaselineUpsert,
		o.Path, o.DriveID, o.ItemID,
		nullString(o.ParentID),
		o.ItemType.String(),
		nullString(o.LocalHash),
		nullString(o.RemoteHash),
		nullInt64(o.Size),
		nullInt64(o.Mtime),
		syncedAt,
		nullString(o.ETag),
	)
	if err != nil {
		return fmt.Errorf("sync: upserting baseline for %s: %w", o.Path, err)
	}

	return nil
}

// deleteBaselineRow removes a baseline row for delete and cleanup outcomes.
func deleteBaselineRow(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx, queryBaselineDelete, path)
	if err != nil {
		return fmt.Errorf("sync: deleting baseline for %s: %w", path, err)
	}

	return nil
}

// moveBaselineRow deletes the old-path row and upserts the new-path row for
// a move outcome.
func moveBaselineRow(ctx context.Context, tx *sql.Tx, o *Outcome, syncedAt int64) error {
	if err := deleteBaselineRow(ctx, tx, o.OldPath); err != nil {
		return err
	}

	return upsertBaselineRow(ctx, tx, o, syncedAt)
}

// insertConflictRow inserts a conflict record. An auto-resolved conflict
// (Outcome.ResolvedBy == ResolvedByAuto) is inserted pre-resolved and also
// updates the baseline, since the auto-resolution uploaded a new remote item.
func insertConflictRow(ctx context.Context, tx *sql.Tx, o *Outcome, syncedAt int64) error {
	conflictID := uuid.New().String()

	resolution := ResolutionUnresolved
	var resolvedAt sql.NullInt64
	var resolvedBy sql.NullString

	if o.ResolvedBy == ResolvedByAuto {
		resolution = ResolutionKeepLocal
		resolvedAt = sql.NullInt64{Int64: syncedAt, Valid: true}
		resolvedBy = sql.NullString{String: ResolvedByAuto, Valid: true}
	}

	_, err := tx.ExecContext(ctx, queryConflictInsert,
		conflictID, o.DriveID,
		nullString(o.ItemID),
		o.Path, o.ConflictType, syncedAt,
		nullString(o.LocalHash),
		nullString(o.RemoteHash),
		nullInt64(o.Mtime),
		nullInt64(o.RemoteMtime),
		resolution, resolvedAt, resolvedBy,
	)
	if err != nil {
		return fmt.Errorf("sync: inserting conflict for %s: %w", o.Path, err)
	}

	if o.ResolvedBy == ResolvedByAuto {
		if err := upsertBaselineRow(ctx, tx, o, syncedAt); err != nil {
			return err
		}
	}

	// An unresolved edit-delete conflict means the local delete already ran
	// and the original was renamed to a conflict copy: its baseline row no
	// longer refers to anything real.
	if o.ResolvedBy == "" && o.ConflictType == ConflictEditDelete {
		if err := deleteBaselineRow(ctx, tx, o.Path); err != nil {
			return err
		}
	}

	return nil
}

// writeDeltaToken persists a delta token inside an already-open transaction.
func writeDeltaToken(ctx context.Context, tx *sql.Tx, driveID, token string, updatedAt int64) error {
	_, err := tx.ExecContext(ctx, queryDeltaTokenUpsert, driveID, token, updatedAt)
	if err != nil {
		return fmt.Errorf("sync: saving delta token for drive %s: %w", driveID, err)
	}

	return nil
}

// ListConflicts returns unresolved conflicts ordered by detection time.
func (m *BaselineManager) ListConflicts(ctx context.Context) ([]ConflictRecord, error) {
	return m.runConflictQuery(ctx, queryConflictsUnresolved)
}

// ListAllConflicts returns every conflict, resolved or not, newest first.
// Backs 'conflicts --history'.
func (m *BaselineManager) ListAllConflicts(ctx context.Context) ([]ConflictRecord, error) {
	return m.runConflictQuery(ctx, queryConflictsAll)
}

// runConflictQuery executes a multi-row conflict query and scans the results.
func (m *BaselineManager) runConflictQuery(ctx context.Context, query string) ([]ConflictRecord, error) {
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sync: querying conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord

	for rows.Next() {
		c, err := readConflictRow(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating conflict rows: %w", err)
	}

	return out, nil
}

// GetConflict looks up a conflict by UUID, falling back to the most recent
// unresolved conflict at that path if the ID lookup misses.
func (m *BaselineManager) GetConflict(ctx context.Context, idOrPath string) (*ConflictRecord, error) {
	byID := m.db.QueryRowContext(ctx, queryConflictByID, idOrPath)

	if c, err := readConflictRowSingle(byID); err == nil {
		return c, nil
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("sync: getting conflict by ID %q: %w", idOrPath, err)
	}

	byPath := m.db.QueryRowContext(ctx, queryConflictByPath, idOrPath)

	c, err := readConflictRowSingle(byPath)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync: conflict not found for %q", idOrPath)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: getting conflict by path %q: %w", idOrPath, err)
	}

	return c, nil
}

// ResolveConflict marks an unresolved conflict resolved. A no-op on an
// already-resolved or missing ID is reported as an error (idempotent-safe
// only in the sense that retrying a successful call is harmless).
func (m *BaselineManager) ResolveConflict(ctx context.Context, id, resolution string) error {
	resolvedAt := m.nowFunc().UnixNano()

	result, err := m.db.ExecContext(ctx, queryConflictResolve, resolution, resolvedAt, id)
	if err != nil {
		return fmt.Errorf("sync: resolving conflict %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sync: checking rows affected for conflict %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("sync: conflict %s not found or already resolved", id)
	}

	m.logger.Info("conflict resolved",
		slog.String("id", id),
		slog.String("resolution", resolution),
	)

	return nil
}

// rowScanner is satisfied by both *sql.Rows and *sql.Row, so one scan
// function serves both the list and single-row conflict queries.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConflict reads one conflict row from any rowScanner, mapping nullable
// columns onto zero values. The table's `history` column isn't read here —
// nothing in this file needs it yet.
func scanConflict(s rowScanner) (*ConflictRecord, error) {
	var (
		c           ConflictRecord
		itemID      sql.NullString
		localHash   sql.NullString
		remoteHash  sql.NullString
		localMtime  sql.NullInt64
		remoteMtime sql.NullInt64
		resolvedAt  sql.NullInt64
		resolvedBy  sql.NullString
	)

	err := s.Scan(
		&c.ID, &c.DriveID, &itemID, &c.Path, &c.ConflictType,
		&c.DetectedAt, &localHash, &remoteHash, &localMtime, &remoteMtime,
		&c.Resolution, &resolvedAt, &resolvedBy,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add their own context
	}

	c.ItemID = itemID.String
	c.LocalHash = localHash.String
	c.RemoteHash = remoteHash.String
	c.ResolvedBy = resolvedBy.String

	if localMtime.Valid {
		c.LocalMtime = localMtime.Int64
	}

	if remoteMtime.Valid {
		c.RemoteMtime = remoteMtime.Int64
	}

	if resolvedAt.Valid {
		c.ResolvedAt = resolvedAt.Int64
	}

	return &c, nil
}

// readConflictRow scans a conflict from a multi-row result set.
func readConflictRow(rows *sql.Rows) (*ConflictRecord, error) {
	c, err := scanConflict(rows)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning conflict row: %w", err)
	}

	return c, nil
}

// readConflictRowSingle scans a conflict from a single-row result, passing
// sql.ErrNoRows through unwrapped so GetConflict can branch on it.
func readConflictRowSingle(row *sql.Row) (*ConflictRecord, error) {
	return scanConflict(row)
}

// DB exposes the underlying connection so other components can share it.
func (m *BaselineManager) DB() *sql.DB {
	return m.db
}

// Close closes the underlying database connection.
func (m *BaselineManager) Close() error {
	return m.db.Close()
}

// nullString and nullInt64 map a Go zero value to SQL NULL so optional
// columns don't store a misleading empty string or 0.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// nullInt64 treats 0 as "absent" rather than "actually zero", which is fine
// for Size (an empty file is a rare edge case) and Mtime (epoch zero isn't a
// real modification time). Distinguishing a genuine zero from absence would
// need its own sentinel value.
func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}
