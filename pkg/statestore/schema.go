package statestore

import "fmt"

// Dialect selects the database/sql driver backing the store. sqlite is
// the default (<repo>/.ve/orchestrator/state.db); postgres and mysql
// are selectable via driver name for operators who want a shared
// external store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// placeholder returns the positional-parameter placeholder for index i
// (1-based) under the store's dialect: "?" for sqlite/mysql, "$i" for
// postgres.
func (d Dialect) placeholder(i int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

const createWorkUnitsTableSQL = `
CREATE TABLE IF NOT EXISTS work_units (
	chunk               VARCHAR(255) PRIMARY KEY,
	phase               VARCHAR(32) NOT NULL,
	status              VARCHAR(32) NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 0,
	blocked_by_json     TEXT NOT NULL DEFAULT '[]',
	worktree            TEXT,
	session_id          TEXT,
	pending_answer      TEXT,
	attention_reason    TEXT,
	conflict_verdicts_json TEXT NOT NULL DEFAULT '{}',
	conflict_override   VARCHAR(32),
	displaced_chunk     VARCHAR(255),
	completion_retries  INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
)`

const createStatusHistoryTableSQL = `
CREATE TABLE IF NOT EXISTS status_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chunk       VARCHAR(255) NOT NULL,
	old_status  VARCHAR(32),
	new_status  VARCHAR(32) NOT NULL,
	at          TIMESTAMP NOT NULL
)`

const createStatusHistoryIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_status_history_chunk_at ON status_history(chunk, at)`

const createConflictsTableSQL = `
CREATE TABLE IF NOT EXISTS conflicts (
	chunk_a    VARCHAR(255) NOT NULL,
	chunk_b    VARCHAR(255) NOT NULL,
	verdict    VARCHAR(32) NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (chunk_a, chunk_b)
)`

const createConfigTableSQL = `
CREATE TABLE IF NOT EXISTS config (
	key   VARCHAR(255) PRIMARY KEY,
	value TEXT NOT NULL
)`

// postgres uses SERIAL/BIGSERIAL rather than AUTOINCREMENT; mysql uses
// AUTO_INCREMENT. initSchema below rewrites the status_history DDL per
// dialect before executing it.
func statusHistoryDDL(d Dialect) string {
	switch d {
	case DialectPostgres:
		return `
CREATE TABLE IF NOT EXISTS status_history (
	id          BIGSERIAL PRIMARY KEY,
	chunk       VARCHAR(255) NOT NULL,
	old_status  VARCHAR(32),
	new_status  VARCHAR(32) NOT NULL,
	at          TIMESTAMP NOT NULL
)`
	case DialectMySQL:
		return `
CREATE TABLE IF NOT EXISTS status_history (
	id          BIGINT AUTO_INCREMENT PRIMARY KEY,
	chunk       VARCHAR(255) NOT NULL,
	old_status  VARCHAR(32),
	new_status  VARCHAR(32) NOT NULL,
	at          TIMESTAMP NOT NULL
)`
	default:
		return createStatusHistoryTableSQL
	}
}
