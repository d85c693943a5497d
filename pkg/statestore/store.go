// Package statestore implements the orchestrator's durable state store:
// work units, status-transition history, conflict analyses, and daemon
// config, behind a single-writer database/sql handle. Dialect is
// selected by driver name; sqlite is the default embedded engine,
// postgres/mysql are supported for operators who want a shared external
// store (a multi-dialect store design; see DESIGN.md).
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the single-writer work-unit/history/conflict/config store.
type Store struct {
	db      *sql.DB
	dialect Dialect

	// writeMu enforces single-writer discipline independent of whatever
	// concurrency the underlying driver allows.
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  []chan Event
}

// Open creates/migrates a Store. driverDSN is a database/sql DSN; the
// dialect is inferred from driverName ("sqlite3", "postgres", "mysql").
func Open(driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", driverName, err)
	}

	dialect := DialectSQLite
	switch driverName {
	case "postgres":
		dialect = DialectPostgres
	case "mysql":
		dialect = DialectMySQL
	default:
		// SQLite only tolerates a single writer connection; this also
		// enforces the single-writer discipline at the driver level.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmts := []string{
		createWorkUnitsTableSQL,
		statusHistoryDDL(s.dialect),
		createStatusHistoryIndexSQL,
		createConflictsTableSQL,
		createConfigTableSQL,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statestore: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Event is an in-process notification fanned out to subscribers (the
// WebSocket broker in pkg/api) whenever a work unit's status changes or
// a work unit is deleted.
type Event struct {
	Chunk           string  `json:"chunk"`
	Status          Status  `json:"status"` // "DELETED" literal on delete
	Phase           Phase   `json:"phase"`
	AttentionReason *string `json:"attention_reason,omitempty"`
	// OldStatus is the status before this change, for subscribers that
	// need to detect a transition (e.g. entering or leaving
	// NEEDS_ATTENTION). Empty on the initial creation and delete events.
	OldStatus Status `json:"-"`
}

// Subscribe registers a channel that receives every Event. The returned
// unsubscribe function must be called to release the channel.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	unsub := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Best-effort broadcast: a slow subscriber never blocks the
			// writer; it just misses an intermediate state.
		}
	}
}

type workUnitRow struct {
	Chunk                  string
	Phase                  string
	Status                 string
	Priority               int
	BlockedByJSON          string
	Worktree               sql.NullString
	SessionID              sql.NullString
	PendingAnswer          sql.NullString
	AttentionReason        sql.NullString
	ConflictVerdictsJSON   string
	ConflictOverride       sql.NullString
	DisplacedChunk         sql.NullString
	CompletionRetries      int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func rowFromWorkUnit(w *WorkUnit) (workUnitRow, error) {
	blockedJSON, err := json.Marshal(w.BlockedBy)
	if err != nil {
		return workUnitRow{}, err
	}
	verdictsJSON, err := json.Marshal(w.ConflictVerdicts)
	if err != nil {
		return workUnitRow{}, err
	}
	r := workUnitRow{
		Chunk:                w.Chunk,
		Phase:                string(w.Phase),
		Status:               string(w.Status),
		Priority:             w.Priority,
		BlockedByJSON:        string(blockedJSON),
		ConflictVerdictsJSON: string(verdictsJSON),
		CompletionRetries:    w.CompletionRetries,
		CreatedAt:            w.CreatedAt,
		UpdatedAt:            w.UpdatedAt,
	}
	if w.Worktree != nil {
		r.Worktree = sql.NullString{String: *w.Worktree, Valid: true}
	}
	if w.SessionID != nil {
		r.SessionID = sql.NullString{String: *w.SessionID, Valid: true}
	}
	if w.PendingAnswer != nil {
		r.PendingAnswer = sql.NullString{String: *w.PendingAnswer, Valid: true}
	}
	if w.AttentionReason != nil {
		r.AttentionReason = sql.NullString{String: *w.AttentionReason, Valid: true}
	}
	if w.ConflictOverride != nil {
		r.ConflictOverride = sql.NullString{String: string(*w.ConflictOverride), Valid: true}
	}
	if w.DisplacedChunk != nil {
		r.DisplacedChunk = sql.NullString{String: *w.DisplacedChunk, Valid: true}
	}
	return r, nil
}

func (r workUnitRow) toWorkUnit() (*WorkUnit, error) {
	var blockedBy []string
	if err := json.Unmarshal([]byte(r.BlockedByJSON), &blockedBy); err != nil {
		return nil, err
	}
	verdicts := make(map[string]Verdict)
	if r.ConflictVerdictsJSON != "" {
		if err := json.Unmarshal([]byte(r.ConflictVerdictsJSON), &verdicts); err != nil {
			return nil, err
		}
	}
	w := &WorkUnit{
		Chunk:             r.Chunk,
		Phase:             Phase(r.Phase),
		Status:            Status(r.Status),
		Priority:          r.Priority,
		BlockedBy:         blockedBy,
		ConflictVerdicts:  verdicts,
		CompletionRetries: r.CompletionRetries,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Worktree.Valid {
		w.Worktree = &r.Worktree.String
	}
	if r.SessionID.Valid {
		w.SessionID = &r.SessionID.String
	}
	if r.PendingAnswer.Valid {
		w.PendingAnswer = &r.PendingAnswer.String
	}
	if r.AttentionReason.Valid {
		w.AttentionReason = &r.AttentionReason.String
	}
	if r.ConflictOverride.Valid {
		v := Verdict(r.ConflictOverride.String)
		w.ConflictOverride = &v
	}
	if r.DisplacedChunk.Valid {
		w.DisplacedChunk = &r.DisplacedChunk.String
	}
	return w, nil
}

// CreateWorkUnit inserts a new work unit in READY status and logs the
// initial (null -> READY) history row. It fails with a *ConflictErr if
// the chunk already exists.
func (s *Store) CreateWorkUnit(ctx context.Context, chunk string, priority int) (*WorkUnit, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_units WHERE chunk = `+s.dialect.placeholder(1), chunk).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, &ConflictErr{Chunk: chunk}
	}

	now := time.Now().UTC()
	w := &WorkUnit{
		Chunk:            chunk,
		Phase:            PhaseGoal,
		Status:           StatusReady,
		Priority:         priority,
		BlockedBy:        []string{},
		ConflictVerdicts: map[string]Verdict{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	row, err := rowFromWorkUnit(w)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.insertWorkUnit(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, tx, chunk, nil, StatusReady, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notify(Event{Chunk: chunk, Status: StatusReady, Phase: PhaseGoal})
	return w, nil
}

func (s *Store) insertWorkUnit(ctx context.Context, tx *sql.Tx, r workUnitRow) error {
	ph := s.dialect.placeholder
	query := fmt.Sprintf(`
INSERT INTO work_units (chunk, phase, status, priority, blocked_by_json, worktree, session_id,
	pending_answer, attention_reason, conflict_verdicts_json, conflict_override, displaced_chunk,
	completion_retries, created_at, updated_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8), ph(9), ph(10), ph(11), ph(12), ph(13), ph(14), ph(15))
	_, err := tx.ExecContext(ctx, query,
		r.Chunk, r.Phase, r.Status, r.Priority, r.BlockedByJSON, r.Worktree, r.SessionID,
		r.PendingAnswer, r.AttentionReason, r.ConflictVerdictsJSON, r.ConflictOverride, r.DisplacedChunk,
		r.CompletionRetries, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *Store) appendHistory(ctx context.Context, tx *sql.Tx, chunk string, old *Status, newStatus Status, at time.Time) error {
	ph := s.dialect.placeholder
	var oldVal sql.NullString
	if old != nil {
		oldVal = sql.NullString{String: string(*old), Valid: true}
	}
	query := fmt.Sprintf(`INSERT INTO status_history (chunk, old_status, new_status, at) VALUES (%s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4))
	_, err := tx.ExecContext(ctx, query, chunk, oldVal, string(newStatus), at)
	return err
}

// GetWorkUnit retrieves a work unit by chunk name, or *NotFoundErr.
func (s *Store) GetWorkUnit(ctx context.Context, chunk string) (*WorkUnit, error) {
	return s.getWorkUnit(ctx, s.db, chunk)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) getWorkUnit(ctx context.Context, q queryer, chunk string) (*WorkUnit, error) {
	query := `
SELECT chunk, phase, status, priority, blocked_by_json, worktree, session_id, pending_answer,
	attention_reason, conflict_verdicts_json, conflict_override, displaced_chunk, completion_retries,
	created_at, updated_at
FROM work_units WHERE chunk = ` + s.dialect.placeholder(1)

	var r workUnitRow
	err := q.QueryRowContext(ctx, query, chunk).Scan(
		&r.Chunk, &r.Phase, &r.Status, &r.Priority, &r.BlockedByJSON, &r.Worktree, &r.SessionID,
		&r.PendingAnswer, &r.AttentionReason, &r.ConflictVerdictsJSON, &r.ConflictOverride, &r.DisplacedChunk,
		&r.CompletionRetries, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundErr{Chunk: chunk}
	}
	if err != nil {
		return nil, err
	}
	return r.toWorkUnit()
}

// UpdateWorkUnit applies mutate to the current work unit inside a
// transaction, persists the result, appends a history row if status
// changed, and fans out a notification. This is the store's single
// read-modify-write primitive; every status-changing caller in the
// scheduler and API goes through it so "every status change produces
// exactly one history row" holds by construction.
func (s *Store) UpdateWorkUnit(ctx context.Context, chunk string, mutate func(*WorkUnit) error) (*WorkUnit, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := s.getWorkUnitTx(ctx, tx, chunk)
	if err != nil {
		return nil, err
	}
	oldStatus := current.Status

	if err := mutate(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = time.Now().UTC()

	row, err := rowFromWorkUnit(current)
	if err != nil {
		return nil, err
	}
	if err := s.updateWorkUnitRow(ctx, tx, row); err != nil {
		return nil, err
	}

	statusChanged := oldStatus != current.Status
	if statusChanged {
		old := oldStatus
		if err := s.appendHistory(ctx, tx, chunk, &old, current.Status, current.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if statusChanged {
		s.notify(Event{Chunk: chunk, Status: current.Status, Phase: current.Phase, AttentionReason: current.AttentionReason, OldStatus: oldStatus})
	}
	return current, nil
}

func (s *Store) getWorkUnitTx(ctx context.Context, tx *sql.Tx, chunk string) (*WorkUnit, error) {
	return s.getWorkUnit(ctx, tx, chunk)
}

func (s *Store) updateWorkUnitRow(ctx context.Context, tx *sql.Tx, r workUnitRow) error {
	ph := s.dialect.placeholder
	query := fmt.Sprintf(`
UPDATE work_units SET phase=%s, status=%s, priority=%s, blocked_by_json=%s, worktree=%s, session_id=%s,
	pending_answer=%s, attention_reason=%s, conflict_verdicts_json=%s, conflict_override=%s,
	displaced_chunk=%s, completion_retries=%s, updated_at=%s
WHERE chunk=%s`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8), ph(9), ph(10), ph(11), ph(12), ph(13), ph(14))
	_, err := tx.ExecContext(ctx, query,
		r.Phase, r.Status, r.Priority, r.BlockedByJSON, r.Worktree, r.SessionID, r.PendingAnswer,
		r.AttentionReason, r.ConflictVerdictsJSON, r.ConflictOverride, r.DisplacedChunk, r.CompletionRetries,
		r.UpdatedAt, r.Chunk)
	return err
}

// DeleteWorkUnit removes a work unit's row (and best-effort, its
// conflicts). It does not touch the chunk's worktree or branch, and
// neither does pkg/api's delete handler, its only caller.
func (s *Store) DeleteWorkUnit(ctx context.Context, chunk string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.getWorkUnit(ctx, s.db, chunk); err != nil {
		return err
	}

	ph := s.dialect.placeholder
	if _, err := s.db.ExecContext(ctx, `DELETE FROM work_units WHERE chunk = `+ph(1), chunk); err != nil {
		return err
	}
	// Best-effort: a failure here leaves stale pair analyses but the
	// work unit itself is already gone.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE chunk_a = `+ph(1)+` OR chunk_b = `+ph(2), chunk, chunk)
	s.notify(Event{Chunk: chunk, Status: "DELETED"})
	return nil
}

// ListWorkUnits returns all work units, optionally filtered by status.
func (s *Store) ListWorkUnits(ctx context.Context, statusFilter Status) ([]*WorkUnit, error) {
	query := `
SELECT chunk, phase, status, priority, blocked_by_json, worktree, session_id, pending_answer,
	attention_reason, conflict_verdicts_json, conflict_override, displaced_chunk, completion_retries,
	created_at, updated_at
FROM work_units`
	var args []any
	if statusFilter != "" {
		query += ` WHERE status = ` + s.dialect.placeholder(1)
		args = append(args, string(statusFilter))
	}
	query += ` ORDER BY chunk ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkUnits(rows)
}

func scanWorkUnits(rows *sql.Rows) ([]*WorkUnit, error) {
	var out []*WorkUnit
	for rows.Next() {
		var r workUnitRow
		if err := rows.Scan(
			&r.Chunk, &r.Phase, &r.Status, &r.Priority, &r.BlockedByJSON, &r.Worktree, &r.SessionID,
			&r.PendingAnswer, &r.AttentionReason, &r.ConflictVerdictsJSON, &r.ConflictOverride, &r.DisplacedChunk,
			&r.CompletionRetries, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		w, err := r.toWorkUnit()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ReadyQueue runs the ready-queue query: READY work units ordered by
// priority desc, created_at asc, limited to limit. A limit of zero or
// less returns every READY work unit.
func (s *Store) ReadyQueue(ctx context.Context, limit int) ([]*WorkUnit, error) {
	query := `
SELECT chunk, phase, status, priority, blocked_by_json, worktree, session_id, pending_answer,
	attention_reason, conflict_verdicts_json, conflict_override, displaced_chunk, completion_retries,
	created_at, updated_at
FROM work_units WHERE status = ` + s.dialect.placeholder(1) + `
ORDER BY priority DESC, created_at ASC`
	args := []any{string(StatusReady)}
	if limit > 0 {
		query += ` LIMIT ` + s.dialect.placeholder(2)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkUnits(rows)
}

// AttentionQueue runs the attention-queue query: all NEEDS_ATTENTION
// work units enriched with blocks_count and time_waiting, ordered by
// (blocks_count DESC, updated_at ASC).
func (s *Store) AttentionQueue(ctx context.Context) ([]AttentionItem, error) {
	units, err := s.ListWorkUnits(ctx, StatusNeedsAttention)
	if err != nil {
		return nil, err
	}
	all, err := s.ListWorkUnits(ctx, "")
	if err != nil {
		return nil, err
	}
	blocksCount := make(map[string]int)
	for _, u := range all {
		for _, b := range u.BlockedBy {
			blocksCount[b]++
		}
	}

	now := time.Now().UTC()
	items := make([]AttentionItem, 0, len(units))
	for _, u := range units {
		items = append(items, AttentionItem{
			WorkUnit:    u,
			BlocksCount: blocksCount[u.Chunk],
			TimeWaiting: now.Sub(u.UpdatedAt),
		})
	}
	sortAttentionItems(items)
	return items, nil
}

func sortAttentionItems(items []AttentionItem) {
	// blocks_count DESC, updated_at ASC (i.e. TimeWaiting DESC).
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && lessAttention(items[j], items[j-1]) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}

func lessAttention(a, b AttentionItem) bool {
	if a.BlocksCount != b.BlocksCount {
		return a.BlocksCount > b.BlocksCount
	}
	return a.TimeWaiting > b.TimeWaiting
}

// History returns the status-transition log for a chunk, oldest first.
func (s *Store) History(ctx context.Context, chunk string) ([]HistoryRow, error) {
	query := `SELECT chunk, old_status, new_status, at FROM status_history WHERE chunk = ` +
		s.dialect.placeholder(1) + ` ORDER BY at ASC`
	rows, err := s.db.QueryContext(ctx, query, chunk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		var old sql.NullString
		var newStatus string
		if err := rows.Scan(&h.Chunk, &old, &newStatus, &h.At); err != nil {
			return nil, err
		}
		h.NewStatus = Status(newStatus)
		if old.Valid {
			s := Status(old.String)
			h.OldStatus = &s
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string { return uuid.NewString() }

// ConflictErr is returned by CreateWorkUnit when the chunk already exists.
type ConflictErr struct{ Chunk string }

func (e *ConflictErr) Error() string { return fmt.Sprintf("work unit %q already exists", e.Chunk) }

// NotFoundErr is returned when a chunk's work unit does not exist.
type NotFoundErr struct{ Chunk string }

func (e *NotFoundErr) Error() string { return fmt.Sprintf("work unit %q not found", e.Chunk) }
