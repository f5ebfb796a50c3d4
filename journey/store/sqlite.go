package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It stores executions, values, computations, and sweep runs in a
// single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local executions requiring persistence across restarts
//   - Prototyping before migrating to PostgresStore
//
// SQLiteStore uses WAL mode for concurrent reads and proper transactions.
// SQLite serializes writers, so the row locking PostgresStore gets from
// SELECT ... FOR UPDATE falls out of the single-writer model here.
// Advisory locks are emulated in process: they exclude concurrent sweeps
// within this process, which is the only kind of concurrency a SQLite
// deployment has.
//
// Schema:
//   - executions: One row per graph instance
//   - "values": Current value per (execution, node)
//   - computations: Append-mostly attempt history per derived node
//   - sweep_runs: Audit trail and watermarks for background sweeps
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string

	advMu    sync.Mutex
	advisory map[int64]bool
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./journey.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the schema, enables WAL mode, and
// configures a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./journey.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also
	// keeps ":memory:" databases from vanishing between calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:       db,
		path:     path,
		advisory: make(map[int64]bool),
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
//
// All timestamps are epoch seconds stored as INTEGER. JSON payloads
// (node_value, metadata, computed_with) are stored as TEXT. "values" is
// quoted throughout: it is a reserved word in SQL.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT NOT NULL PRIMARY KEY,
			graph_name TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			graph_hash TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			archived_at INTEGER,
			inserted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_updated ON executions(updated_at) WHERE archived_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS "values" (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			node_name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_value TEXT NOT NULL DEFAULT 'null',
			set_time INTEGER,
			ex_revision INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			inserted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(execution_id, node_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_values_schedule ON "values"(node_type, set_time)
			WHERE node_type IN ('schedule_once', 'schedule_recurring', 'tick_once', 'tick_recurring') AND set_time IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS computations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			node_name TEXT NOT NULL,
			computation_type TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'not_set',
			ex_revision_at_start INTEGER NOT NULL DEFAULT 0,
			ex_revision_at_completion INTEGER NOT NULL DEFAULT 0,
			scheduled_time INTEGER,
			start_time INTEGER,
			completion_time INTEGER,
			deadline INTEGER,
			error_details TEXT NOT NULL DEFAULT '',
			computed_with TEXT,
			last_heartbeat_at INTEGER,
			heartbeat_deadline INTEGER,
			inserted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_computations_execution ON computations(execution_id, node_name)`,
		`CREATE INDEX IF NOT EXISTS idx_computations_pending ON computations(execution_id, node_name)
			WHERE state IN ('not_set', 'computing')`,
		`CREATE INDEX IF NOT EXISTS idx_computations_deadline ON computations(deadline)
			WHERE state = 'computing'`,

		`CREATE TABLE IF NOT EXISTS sweep_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sweep_type TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			executions_processed INTEGER,
			inserted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sweep_runs_type ON sweep_runs(sweep_type, started_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateExecution atomically inserts the execution with its initial
// value and computation rows.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, graph_name, graph_version, graph_hash, revision, archived_at, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.GraphName, exec.GraphVersion, exec.GraphHash,
		exec.Revision, exec.ArchivedAt, exec.InsertedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	st := &sqliteTx{store: s, tx: tx}
	for i := range exec.Values {
		exec.Values[i].ExecutionID = exec.ID
		if err := st.UpsertValue(ctx, &exec.Values[i]); err != nil {
			return err
		}
	}
	for i := range exec.Computations {
		exec.Computations[i].ExecutionID = exec.ID
		if err := st.InsertComputation(ctx, &exec.Computations[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const executionColumns = "id, graph_name, graph_version, graph_hash, revision, archived_at, inserted_at, updated_at"

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var e Execution
	var archived sql.NullInt64
	err := row.Scan(&e.ID, &e.GraphName, &e.GraphVersion, &e.GraphHash,
		&e.Revision, &archived, &e.InsertedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if archived.Valid {
		e.ArchivedAt = &archived.Int64
	}
	return &e, nil
}

// GetExecution eagerly loads an execution with values and computations.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string, states ...State) (*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	e.Values, err = queryValues(ctx, s.db, `SELECT `+valueColumns+` FROM "values" WHERE execution_id = ? ORDER BY node_name`, id)
	if err != nil {
		return nil, err
	}

	compQuery := "SELECT " + computationColumns + " FROM computations WHERE execution_id = ?"
	args := []any{id}
	if len(states) > 0 {
		compQuery += " AND state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	compQuery += " ORDER BY id"
	e.Computations, err = queryComputations(ctx, s.db, compQuery, args...)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetNode loads the value and computation history (newest first) for one node.
func (s *SQLiteStore) GetNode(ctx context.Context, executionID, nodeName string) (*Value, []Computation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions WHERE id = ?", executionID).Scan(&exists)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check execution: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrNotFound
	}

	var val *Value
	row := s.db.QueryRowContext(ctx, `SELECT `+valueColumns+` FROM "values" WHERE execution_id = ? AND node_name = ?`, executionID, nodeName)
	v, err := scanValue(row)
	if err == nil {
		val = v
	} else if err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to load value: %w", err)
	}

	history, err := queryComputations(ctx, s.db,
		"SELECT "+computationColumns+" FROM computations WHERE execution_id = ? AND node_name = ? ORDER BY id DESC",
		executionID, nodeName)
	if err != nil {
		return nil, nil, err
	}
	return val, history, nil
}

// WithTx runs fn inside a database transaction. Advisory locks taken
// within the callback are released when the transaction ends.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	st := &sqliteTx{store: s, tx: tx}
	// Advisory locks release at transaction end, after commit or
	// rollback, matching pg_try_advisory_xact_lock.
	defer func() { s.releaseAdvisory(st.held) }()
	err = fn(ctx, st)
	if err != nil {
		_ = tx.Rollback() // Ignore rollback error when already returning error
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) releaseAdvisory(keys []int64) {
	if len(keys) == 0 {
		return
	}
	s.advMu.Lock()
	defer s.advMu.Unlock()
	for _, k := range keys {
		delete(s.advisory, k)
	}
}

// UpdateHeartbeat records worker liveness on a computing row.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, computationID int64, at, deadline int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE computations
		SET last_heartbeat_at = ?, heartbeat_deadline = ?, updated_at = ?
		WHERE id = ? AND state = 'computing'`,
		at, deadline, at, computationID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// TouchExecutions bulk-updates updated_at.
func (s *SQLiteStore) TouchExecutions(ctx context.Context, ids []string, now int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
	query := fmt.Sprintf("UPDATE executions SET updated_at = ? WHERE id IN (%s)", placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to touch executions: %w", err)
	}
	return nil
}

// ExpiredComputations finds computing rows whose deadline or heartbeat
// deadline has passed, for non-archived executions.
func (s *SQLiteStore) ExpiredComputations(ctx context.Context, now int64, limit int) ([]Computation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return queryComputations(ctx, s.db, `
		SELECT `+prefixedComputationColumns("c")+`
		FROM computations c
		JOIN executions e ON e.id = c.execution_id
		WHERE e.archived_at IS NULL
		  AND c.state = 'computing'
		  AND ((c.deadline IS NOT NULL AND c.deadline < ?)
		    OR (c.heartbeat_deadline IS NOT NULL AND c.heartbeat_deadline < ?))
		ORDER BY c.id
		LIMIT ?`, now, now, limit)
}

// ExecutionsWithScheduleWork finds executions with pending schedule-kind
// computations, updated at or after updatedSince.
func (s *SQLiteStore) ExecutionsWithScheduleWork(ctx context.Context, updatedSince int64, limit int) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return queryIDs(ctx, s.db, `
		SELECT DISTINCT e.id
		FROM executions e
		JOIN computations c ON c.execution_id = e.id
		WHERE e.archived_at IS NULL
		  AND e.updated_at >= ?
		  AND c.state = 'not_set'
		  AND c.computation_type IN (`+scheduleTypeList+`)
		ORDER BY e.id
		LIMIT ?`, updatedSince, limit)
}

// ExecutionsUnblockedBySchedule finds executions with a schedule value
// that is due and was set within the recent window.
func (s *SQLiteStore) ExecutionsUnblockedBySchedule(ctx context.Context, now, window int64, limit int) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return queryIDs(ctx, s.db, `
		SELECT DISTINCT e.id
		FROM executions e
		JOIN "values" v ON v.execution_id = e.id
		WHERE e.archived_at IS NULL
		  AND v.node_type IN (`+scheduleTypeList+`)
		  AND v.set_time IS NOT NULL AND v.set_time >= ?
		  AND CAST(v.node_value AS INTEGER) <= ?
		ORDER BY e.id
		LIMIT ?`, now-window, now, limit)
}

// RecurringNeedingSuccessor finds latest success computations of
// recurring schedule nodes whose fire time has passed.
func (s *SQLiteStore) RecurringNeedingSuccessor(ctx context.Context, now int64, limit int) ([]Computation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return queryComputations(ctx, s.db, `
		SELECT `+prefixedComputationColumns("c")+`
		FROM computations c
		JOIN (
			SELECT execution_id, node_name, MAX(id) AS max_id
			FROM computations
			GROUP BY execution_id, node_name
		) latest ON latest.max_id = c.id
		JOIN executions e ON e.id = c.execution_id
		JOIN "values" v ON v.execution_id = c.execution_id AND v.node_name = c.node_name
		WHERE e.archived_at IS NULL
		  AND c.state = 'success'
		  AND c.computation_type IN ('schedule_recurring', 'tick_recurring')
		  AND v.set_time IS NOT NULL
		  AND CAST(v.node_value AS INTEGER) <= ?
		ORDER BY c.id
		LIMIT ?`, now, limit)
}

// StalledExecutions finds non-archived executions with updated_at in
// [updatedAfter, updatedBefore].
func (s *SQLiteStore) StalledExecutions(ctx context.Context, updatedAfter, updatedBefore int64, limit int) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return queryIDs(ctx, s.db, `
		SELECT id FROM executions
		WHERE archived_at IS NULL AND updated_at >= ? AND updated_at <= ?
		ORDER BY id
		LIMIT ?`, updatedAfter, updatedBefore, limit)
}

// ExecutionsWithPastSchedules finds executions with a schedule value in
// [since, now] that have not been touched since before.
func (s *SQLiteStore) ExecutionsWithPastSchedules(ctx context.Context, since, before, now int64, limit int) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return queryIDs(ctx, s.db, `
		SELECT DISTINCT e.id
		FROM executions e
		JOIN "values" v ON v.execution_id = e.id
		WHERE e.archived_at IS NULL
		  AND e.updated_at <= ?
		  AND v.node_type IN (`+scheduleTypeList+`)
		  AND v.set_time IS NOT NULL
		  AND CAST(v.node_value AS INTEGER) >= ?
		  AND CAST(v.node_value AS INTEGER) <= ?
		ORDER BY e.id
		LIMIT ?`, before, since, now, limit)
}

// LastSweepRun returns the most recent sweep run of the given type.
func (s *SQLiteStore) LastSweepRun(ctx context.Context, sweepType string, completedOnly bool) (*SweepRun, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return lastSweepRun(ctx, s.db, sweepType, completedOnly)
}

// UpdateSweepRun writes completed_at and executions_processed back.
func (s *SQLiteStore) UpdateSweepRun(ctx context.Context, run *SweepRun) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var processed sql.NullInt64
	if run.ExecutionsProcessed != nil {
		processed = sql.NullInt64{Int64: int64(*run.ExecutionsProcessed), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sweep_runs SET completed_at = ?, executions_processed = ?, updated_at = ?
		WHERE id = ?`,
		run.CompletedAt, processed, run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update sweep run: %w", err)
	}
	return nil
}

// Close closes the database connection.
//
// After Close, all operations will return an error. Calling Close
// multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Double-close is a no-op
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// sqliteTx implements Tx on a SQLite transaction. SQLite has no
// SELECT ... FOR UPDATE; the single-writer model makes the transaction
// itself the lock.
type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
	held  []int64
}

func (t *sqliteTx) LockExecution(ctx context.Context, id string) (*Execution, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock execution: %w", err)
	}
	return e, nil
}

func (t *sqliteTx) UpdateExecution(ctx context.Context, exec *Execution) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE executions SET graph_hash = ?, revision = ?, archived_at = ?, updated_at = ?
		WHERE id = ?`,
		exec.GraphHash, exec.Revision, exec.ArchivedAt, exec.UpdatedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetValue(ctx context.Context, executionID, nodeName string) (*Value, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+valueColumns+` FROM "values" WHERE execution_id = ? AND node_name = ?`, executionID, nodeName)
	v, err := scanValue(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load value: %w", err)
	}
	return v, nil
}

func (t *sqliteTx) ValuesFor(ctx context.Context, executionID string) ([]Value, error) {
	return queryValues(ctx, t.tx, `SELECT `+valueColumns+` FROM "values" WHERE execution_id = ? ORDER BY node_name`, executionID)
}

func (t *sqliteTx) UpsertValue(ctx context.Context, v *Value) error {
	nodeValue, metadata, err := marshalValueJSON(v)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO "values" (execution_id, node_name, node_type, node_value, set_time, ex_revision, metadata, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_name) DO UPDATE SET
			node_type = excluded.node_type,
			node_value = excluded.node_value,
			set_time = excluded.set_time,
			ex_revision = excluded.ex_revision,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		v.ExecutionID, v.NodeName, string(v.NodeType), nodeValue, v.SetTime,
		v.ExRevision, metadata, nonZero(v.InsertedAt, v.UpdatedAt), v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert value: %w", err)
	}
	if v.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			v.ID = id
		}
	}
	return nil
}

func (t *sqliteTx) ComputationsFor(ctx context.Context, executionID string, states ...State) ([]Computation, error) {
	query := "SELECT " + computationColumns + " FROM computations WHERE execution_id = ?"
	args := []any{executionID}
	if len(states) > 0 {
		query += " AND state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY id"
	return queryComputations(ctx, t.tx, query, args...)
}

func (t *sqliteTx) LatestComputations(ctx context.Context, executionID string) (map[string]*Computation, error) {
	rows, err := queryComputations(ctx, t.tx, `
		SELECT `+prefixedComputationColumns("c")+`
		FROM computations c
		JOIN (
			SELECT node_name, MAX(id) AS max_id
			FROM computations
			WHERE execution_id = ?
			GROUP BY node_name
		) latest ON latest.max_id = c.id`, executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Computation, len(rows))
	for i := range rows {
		out[rows[i].NodeName] = &rows[i]
	}
	return out, nil
}

func (t *sqliteTx) LockComputation(ctx context.Context, id int64) (*Computation, error) {
	rows, err := queryComputations(ctx, t.tx, "SELECT "+computationColumns+" FROM computations WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (t *sqliteTx) InsertComputation(ctx context.Context, c *Computation) error {
	computedWith, err := marshalComputedWith(c.ComputedWith)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO computations (execution_id, node_name, computation_type, state,
			ex_revision_at_start, ex_revision_at_completion, scheduled_time, start_time,
			completion_time, deadline, error_details, computed_with, last_heartbeat_at,
			heartbeat_deadline, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ExecutionID, c.NodeName, string(c.ComputationType), string(c.State),
		c.ExRevisionAtStart, c.ExRevisionAtCompletion, c.ScheduledTime, c.StartTime,
		c.CompletionTime, c.Deadline, c.ErrorDetails, computedWith, c.LastHeartbeatAt,
		c.HeartbeatDeadline, nonZero(c.InsertedAt, c.UpdatedAt), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert computation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

func (t *sqliteTx) UpdateComputation(ctx context.Context, c *Computation) error {
	computedWith, err := marshalComputedWith(c.ComputedWith)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE computations SET state = ?, ex_revision_at_start = ?, ex_revision_at_completion = ?,
			scheduled_time = ?, start_time = ?, completion_time = ?, deadline = ?,
			error_details = ?, computed_with = ?, last_heartbeat_at = ?, heartbeat_deadline = ?,
			updated_at = ?
		WHERE id = ?`,
		string(c.State), c.ExRevisionAtStart, c.ExRevisionAtCompletion,
		c.ScheduledTime, c.StartTime, c.CompletionTime, c.Deadline,
		c.ErrorDetails, computedWith, c.LastHeartbeatAt, c.HeartbeatDeadline,
		c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update computation: %w", err)
	}
	return nil
}

func (t *sqliteTx) TryAdvisoryLock(_ context.Context, key int64) (bool, error) {
	// Re-acquiring a key this transaction already holds succeeds, as
	// with pg_try_advisory_xact_lock.
	for _, k := range t.held {
		if k == key {
			return true, nil
		}
	}
	t.store.advMu.Lock()
	defer t.store.advMu.Unlock()
	if t.store.advisory[key] {
		return false, nil
	}
	t.store.advisory[key] = true
	t.held = append(t.held, key)
	return true, nil
}

func (t *sqliteTx) LastSweepRun(ctx context.Context, sweepType string, completedOnly bool) (*SweepRun, error) {
	return lastSweepRun(ctx, t.tx, sweepType, completedOnly)
}

func (t *sqliteTx) InsertSweepRun(ctx context.Context, run *SweepRun) error {
	var processed sql.NullInt64
	if run.ExecutionsProcessed != nil {
		processed = sql.NullInt64{Int64: int64(*run.ExecutionsProcessed), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sweep_runs (sweep_type, started_at, completed_at, executions_processed, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.SweepType, run.StartedAt, run.CompletedAt, processed,
		nonZero(run.InsertedAt, run.StartedAt), nonZero(run.UpdatedAt, run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert sweep run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const scheduleTypeList = "'schedule_once', 'schedule_recurring', 'tick_once', 'tick_recurring'"

const valueColumns = "id, execution_id, node_name, node_type, node_value, set_time, ex_revision, metadata, inserted_at, updated_at"

const computationColumns = "id, execution_id, node_name, computation_type, state, " +
	"ex_revision_at_start, ex_revision_at_completion, scheduled_time, start_time, " +
	"completion_time, deadline, error_details, computed_with, last_heartbeat_at, " +
	"heartbeat_deadline, inserted_at, updated_at"

func prefixedComputationColumns(alias string) string {
	cols := strings.Split(computationColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonZero(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}

func marshalValueJSON(v *Value) (nodeValue string, metadata sql.NullString, err error) {
	data, err := json.Marshal(v.NodeValue)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to marshal node value: %w", err)
	}
	nodeValue = string(data)

	if v.Metadata != nil {
		md, err := json.Marshal(v.Metadata)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(md), Valid: true}
	}
	return nodeValue, metadata, nil
}

func marshalComputedWith(cw map[string]int64) (sql.NullString, error) {
	if cw == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(cw)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal computed_with: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanValue(row interface{ Scan(...any) error }) (*Value, error) {
	var v Value
	var nodeValue string
	var setTime sql.NullInt64
	var metadata sql.NullString
	err := row.Scan(&v.ID, &v.ExecutionID, &v.NodeName, (*string)(&v.NodeType),
		&nodeValue, &setTime, &v.ExRevision, &metadata, &v.InsertedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if setTime.Valid {
		v.SetTime = &setTime.Int64
	}
	if err := json.Unmarshal([]byte(nodeValue), &v.NodeValue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node value: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &v.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &v, nil
}

func queryValues(ctx context.Context, q querier, query string, args ...any) ([]Value, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan value row: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating value rows: %w", err)
	}
	return out, nil
}

func scanComputation(row interface{ Scan(...any) error }) (*Computation, error) {
	var c Computation
	var scheduled, start, completion, deadline, heartbeat, hbDeadline sql.NullInt64
	var computedWith sql.NullString
	err := row.Scan(&c.ID, &c.ExecutionID, &c.NodeName, (*string)(&c.ComputationType),
		(*string)(&c.State), &c.ExRevisionAtStart, &c.ExRevisionAtCompletion,
		&scheduled, &start, &completion, &deadline, &c.ErrorDetails, &computedWith,
		&heartbeat, &hbDeadline, &c.InsertedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	assignNullable := func(dst **int64, src sql.NullInt64) {
		if src.Valid {
			n := src.Int64
			*dst = &n
		}
	}
	assignNullable(&c.ScheduledTime, scheduled)
	assignNullable(&c.StartTime, start)
	assignNullable(&c.CompletionTime, completion)
	assignNullable(&c.Deadline, deadline)
	assignNullable(&c.LastHeartbeatAt, heartbeat)
	assignNullable(&c.HeartbeatDeadline, hbDeadline)
	if computedWith.Valid {
		if err := json.Unmarshal([]byte(computedWith.String), &c.ComputedWith); err != nil {
			return nil, fmt.Errorf("failed to unmarshal computed_with: %w", err)
		}
	}
	return &c, nil
}

func queryComputations(ctx context.Context, q querier, query string, args ...any) ([]Computation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query computations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan computation row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating computation rows: %w", err)
	}
	return out, nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return out, nil
}

func lastSweepRun(ctx context.Context, q querier, sweepType string, completedOnly bool) (*SweepRun, error) {
	query := "SELECT id, sweep_type, started_at, completed_at, executions_processed, inserted_at, updated_at FROM sweep_runs WHERE sweep_type = ?"
	if completedOnly {
		query += " AND completed_at IS NOT NULL"
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT 1"

	var r SweepRun
	var completed sql.NullInt64
	var processed sql.NullInt64
	err := q.QueryRowContext(ctx, query, sweepType).Scan(
		&r.ID, &r.SweepType, &r.StartedAt, &completed, &processed, &r.InsertedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sweep run: %w", err)
	}
	if completed.Valid {
		r.CompletedAt = &completed.Int64
	}
	if processed.Valid {
		n := int(processed.Int64)
		r.ExecutionsProcessed = &n
	}
	return &r, nil
}
