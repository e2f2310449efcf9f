package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shellmind/internal/logging"
)

// Schema versions:
// v1: conversations and messages
// v2: tool_calls table
// v3: conversations.response
// v4: score columns (correctness, faithfulness, relevancy, user_feedback)
// v5: retrieval bookkeeping (retrieval_count, last_retrieved)
// v6: conversations.title and total_time
// v7: messages.duration (table recreated)
// v8: tool_calls.duration (table recreated), seq ordering column on both
//
//	transcript tables, conversation/timestamp indexes
const CurrentSchemaVersion = 8

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	FromVersion   int
	ToVersion     int
	MigrationsRun int

	// Statements counts every statement executed by migrations, including
	// the version record. An up-to-date store runs none.
	Statements int

	Duration time.Duration
	Warnings []string
}

// MigrationError reports the migration that failed, keyed by the version it
// upgrades from. The transaction was rolled back.
type MigrationError struct {
	From int
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration from schema v%d failed: %v", e.From, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// migration upgrades the schema from one version to the next. Each one checks
// for the tables and columns it creates so re-running it is harmless.
type migration struct {
	description string
	apply       func(ctx context.Context, m *migrator) error
}

// migrations is keyed by the version the entry upgrades from.
var migrations = map[int]migration{
	0: {"create conversations and messages", migrateV0ToV1},
	1: {"create tool_calls", migrateV1ToV2},
	2: {"add conversations.response", migrateV2ToV3},
	3: {"add score columns", migrateV3ToV4},
	4: {"add retrieval bookkeeping", migrateV4ToV5},
	5: {"add title and total_time", migrateV5ToV6},
	6: {"recreate messages with duration", migrateV6ToV7},
	7: {"recreate tool_calls with duration, add seq ordering", migrateV7ToV8},
}

// migrator runs statements inside the migration transaction and counts them.
// Every query goes through tx: the pool has a single connection.
type migrator struct {
	tx         *sql.Tx
	statements int
	warnings   []string
}

func (m *migrator) exec(ctx context.Context, query string, args ...any) error {
	m.statements++
	logging.StoreDebug("Executing: %s", query)
	_, err := m.tx.ExecContext(ctx, query, args...)
	return err
}

func (m *migrator) tableExists(ctx context.Context, table string) (bool, error) {
	return tableExists(ctx, m.tx, table)
}

func (m *migrator) columnExists(ctx context.Context, table, column string) (bool, error) {
	return columnExists(ctx, m.tx, table, column)
}

// addColumn adds table.column unless it is already there.
func (m *migrator) addColumn(ctx context.Context, table, column, def string) error {
	ok, err := m.columnExists(ctx, table, column)
	if err != nil {
		return err
	}
	if ok {
		logging.StoreDebug("Column already exists, skipping: %s.%s", table, column)
		return nil
	}
	if err := m.exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	logging.Store("Migration applied: added %s.%s", table, column)
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(ctx context.Context, q queryer, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("PRAGMA table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// tableExists checks if a table exists in the database.
func tableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("table existence check for %s: %w", table, err)
	}
	return count > 0, nil
}

// schemaVersion returns the highest recorded version, 0 for a fresh database.
func schemaVersion(ctx context.Context, q queryer) (int, error) {
	ok, err := tableExists(ctx, q, "schema_versions")
	if err != nil || !ok {
		return 0, err
	}
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_versions").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// migrate brings db up to target in one transaction. The version record is
// the last statement, so a crash leaves the old version and the same
// migrations run again on the next open.
func migrate(ctx context.Context, db *sql.DB, target int) (MigrationResult, error) {
	start := time.Now()

	from, err := schemaVersion(ctx, db)
	if err != nil {
		return MigrationResult{}, err
	}
	res := MigrationResult{FromVersion: from, ToVersion: from}

	if from > CurrentSchemaVersion {
		return res, fmt.Errorf("database schema v%d is newer than supported v%d", from, CurrentSchemaVersion)
	}
	if from >= target {
		logging.StoreDebug("Schema at v%d, no migrations needed", from)
		res.Duration = time.Since(start)
		return res, nil
	}

	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()
	logging.Store("Migrating schema v%d -> v%d", from, target)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	m := &migrator{tx: tx}
	err = m.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	)`)
	if err != nil {
		return res, fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	for v := from; v < target; v++ {
		mig, ok := migrations[v]
		if !ok {
			return res, &MigrationError{From: v, Err: errors.New("no migration registered")}
		}
		logging.Store("Migrating v%d -> v%d: %s", v, v+1, mig.description)
		if err := mig.apply(ctx, m); err != nil {
			return res, &MigrationError{From: v, Err: err}
		}
		res.MigrationsRun++
	}

	desc := fmt.Sprintf("Migrated from schema version %d to %d", from, target)
	if err := m.exec(ctx, "INSERT INTO schema_versions (version, description) VALUES (?, ?)", target, desc); err != nil {
		return res, fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit migration: %w", err)
	}

	res.ToVersion = target
	res.Statements = m.statements
	res.Warnings = m.warnings
	res.Duration = time.Since(start)
	logging.Store("Schema migrated v%d -> v%d (%d migrations, %d statements)", from, target, res.MigrationsRun, res.Statements)
	return res, nil
}

func migrateV0ToV1(ctx context.Context, m *migrator) error {
	if err := m.exec(ctx, `CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	return m.exec(ctx, `CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		step_number INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	)`)
}

func migrateV1ToV2(ctx context.Context, m *migrator) error {
	return m.exec(ctx, `CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		tool_call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)`)
}

func migrateV2ToV3(ctx context.Context, m *migrator) error {
	return m.addColumn(ctx, "conversations", "response", "TEXT")
}

func migrateV3ToV4(ctx context.Context, m *migrator) error {
	for _, col := range []string{"correctness", "faithfulness", "relevancy", "user_feedback"} {
		if err := m.addColumn(ctx, "conversations", col, "REAL NOT NULL DEFAULT 1"); err != nil {
			return err
		}
	}
	return nil
}

func migrateV4ToV5(ctx context.Context, m *migrator) error {
	if err := m.addColumn(ctx, "conversations", "retrieval_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return m.addColumn(ctx, "conversations", "last_retrieved", "INTEGER")
}

func migrateV5ToV6(ctx context.Context, m *migrator) error {
	if err := m.addColumn(ctx, "conversations", "title", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return m.addColumn(ctx, "conversations", "total_time", "INTEGER NOT NULL DEFAULT 0")
}

// migrateV6ToV7 recreates messages with a duration column.
func migrateV6ToV7(ctx context.Context, m *migrator) error {
	done, err := m.columnExists(ctx, "messages", "duration")
	if err != nil || done {
		return err
	}
	if err := m.dropIfExists(ctx, "messages_v6"); err != nil {
		return err
	}

	stmts := []string{
		"ALTER TABLE messages RENAME TO messages_v6",
		`CREATE TABLE messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			step_number INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO messages (id, conversation_id, role, content, step_number, timestamp)
			SELECT id, conversation_id, role, content, step_number, timestamp FROM messages_v6`,
		"DROP TABLE messages_v6",
	}
	for _, q := range stmts {
		if err := m.exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// migrateV7ToV8 recreates tool_calls with duration and seq, adds seq to
// messages and backfills both. Legacy rows are numbered per conversation by
// timestamp, messages before tool calls on equal timestamps, then row id.
func migrateV7ToV8(ctx context.Context, m *migrator) error {
	msgSeq, err := m.columnExists(ctx, "messages", "seq")
	if err != nil {
		return err
	}
	toolSeq, err := m.columnExists(ctx, "tool_calls", "seq")
	if err != nil {
		return err
	}

	if !msgSeq || !toolSeq {
		if !msgSeq {
			if err := m.exec(ctx, "ALTER TABLE messages ADD COLUMN seq INTEGER NOT NULL DEFAULT 0"); err != nil {
				return err
			}
		}
		if err := m.dropIfExists(ctx, "tool_calls_v7"); err != nil {
			return err
		}

		stmts := []string{
			"DROP TABLE IF EXISTS temp.seq_backfill",
			`CREATE TEMP TABLE seq_backfill AS
				SELECT kind, id, ROW_NUMBER() OVER (PARTITION BY conversation_id ORDER BY timestamp, kind, id) AS seq
				FROM (
					SELECT 'm' AS kind, id, conversation_id, timestamp FROM messages
					UNION ALL
					SELECT 't' AS kind, id, conversation_id, timestamp FROM tool_calls
				)`,
			`UPDATE messages SET seq = COALESCE(
				(SELECT b.seq FROM temp.seq_backfill b WHERE b.kind = 'm' AND b.id = messages.id), 0)`,
			"ALTER TABLE tool_calls RENAME TO tool_calls_v7",
			`CREATE TABLE tool_calls (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id INTEGER NOT NULL,
				tool_call_id TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				input TEXT NOT NULL DEFAULT '',
				output TEXT NOT NULL DEFAULT '',
				timestamp INTEGER NOT NULL,
				duration INTEGER NOT NULL DEFAULT 0,
				seq INTEGER NOT NULL DEFAULT 0
			)`,
			`INSERT INTO tool_calls (id, conversation_id, tool_call_id, tool_name, input, output, timestamp, seq)
				SELECT t.id, t.conversation_id, t.tool_call_id, t.tool_name, t.input, t.output, t.timestamp,
					COALESCE((SELECT b.seq FROM temp.seq_backfill b WHERE b.kind = 't' AND b.id = t.id), 0)
				FROM tool_calls_v7 t`,
			"DROP TABLE tool_calls_v7",
			"DROP TABLE temp.seq_backfill",
		}
		for _, q := range stmts {
			if err := m.exec(ctx, q); err != nil {
				return err
			}
		}
	}

	for _, q := range []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp, seq)",
		"CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, timestamp, seq)",
	} {
		if err := m.exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// dropIfExists removes a leftover table from an interrupted rename.
func (m *migrator) dropIfExists(ctx context.Context, table string) error {
	ok, err := m.tableExists(ctx, table)
	if err != nil || !ok {
		return err
	}
	m.warnings = append(m.warnings, fmt.Sprintf("dropped leftover table %s", table))
	logging.Get(logging.CategoryStore).Warn("Dropping leftover table %s", table)
	return m.exec(ctx, "DROP TABLE "+table)
}
