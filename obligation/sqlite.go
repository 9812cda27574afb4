package obligation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS obligations (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	priority           INTEGER NOT NULL,
	due_at             TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	last_transition_at TEXT NOT NULL,
	source_ref         TEXT NOT NULL,
	contact            TEXT NOT NULL,
	escalation_target  TEXT NOT NULL DEFAULT '',
	notes              TEXT NOT NULL DEFAULT '',
	closed_reason      TEXT NOT NULL DEFAULT '',
	dispatch_state     TEXT NOT NULL DEFAULT 'NONE',
	dispatch_attempts  INTEGER NOT NULL DEFAULT 0,
	CHECK (last_transition_at >= created_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS obligations_active_source_ref
	ON obligations (source_ref) WHERE status IN ('OPEN', 'REMINDED', 'ESCALATED');
CREATE INDEX IF NOT EXISTS obligations_due ON obligations (status, due_at);
CREATE INDEX IF NOT EXISTS obligations_contact ON obligations (contact, created_at);

CREATE TABLE IF NOT EXISTS obligation_history (
	obligation_id TEXT NOT NULL REFERENCES obligations (id),
	seq           INTEGER NOT NULL,
	at            TEXT NOT NULL,
	actor         TEXT NOT NULL,
	action        TEXT NOT NULL,
	from_status   TEXT NOT NULL DEFAULT '',
	to_status     TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (obligation_id, seq)
);

CREATE TABLE IF NOT EXISTS dispatch_outbox (
	id                TEXT PRIMARY KEY,
	obligation_id     TEXT NOT NULL REFERENCES obligations (id),
	stage             TEXT NOT NULL,
	recipient         TEXT NOT NULL,
	escalation_target TEXT NOT NULL DEFAULT '',
	attempt           INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	claimed_until     TEXT,
	processed_at      TEXT
);
CREATE INDEX IF NOT EXISTS dispatch_outbox_status ON dispatch_outbox (status, created_at);

CREATE TRIGGER IF NOT EXISTS obligation_history_no_update
BEFORE UPDATE ON obligation_history
BEGIN
	SELECT RAISE(ABORT, 'obligation_history is append-only');
END;
CREATE TRIGGER IF NOT EXISTS obligation_history_no_delete
BEFORE DELETE ON obligation_history
BEGIN
	SELECT RAISE(ABORT, 'obligation_history is append-only');
END;
CREATE TRIGGER IF NOT EXISTS obligations_terminal_frozen
BEFORE UPDATE OF status, last_transition_at ON obligations
WHEN OLD.status IN ('COMPLETED', 'CANCELLED')
BEGIN
	SELECT RAISE(ABORT, 'obligation is closed');
END;
`

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("obligation: parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// SQLiteStore persists obligations in a single SQLite file for
// single-node deployments.
type SQLiteStore struct {
	db  *sql.DB
	cfg storeConfig
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("obligation: open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // serializes writers, so a transaction owns the file
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("obligation: create schema: %w", err)
	}
	return newSQLStore(db, opts...), nil
}

func newSQLStore(db *sql.DB, opts ...StoreOption) *SQLiteStore {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SQLiteStore{db: db, cfg: cfg}
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const sqliteObligationColumns = `id, kind, title, status, priority, due_at, created_at, last_transition_at,
	source_ref, contact, escalation_target, notes, closed_reason, dispatch_state, dispatch_attempts`

func scanSQLiteObligation(row scanner) (Obligation, error) {
	var (
		o                        Obligation
		priority                 int
		dueAt, createdAt, lastAt string
	)
	err := row.Scan(&o.ID, &o.Kind, &o.Title, &o.Status, &priority, &dueAt, &createdAt, &lastAt,
		&o.SourceRef, &o.Contact, &o.EscalationTarget, &o.Notes, &o.ClosedReason, &o.DispatchState, &o.DispatchAttempts)
	if err != nil {
		return Obligation{}, err
	}
	o.Priority = Priority(priority)
	if o.DueAt, err = parseTS(dueAt); err != nil {
		return Obligation{}, err
	}
	if o.CreatedAt, err = parseTS(createdAt); err != nil {
		return Obligation{}, err
	}
	if o.LastTransitionAt, err = parseTS(lastAt); err != nil {
		return Obligation{}, err
	}
	return o, nil
}

func collectSQLiteObligations(rows *sql.Rows) ([]Obligation, error) {
	defer rows.Close()
	var out []Obligation
	for rows.Next() {
		o, err := scanSQLiteObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// sqliteError maps driver failures onto the package sentinels.
func sqliteError(op string, err error) error {
	var liteErr *sqlite.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("obligation: %s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("obligation: %s: %w", op, err)
	case errors.As(err, &liteErr):
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("obligation: %s: %w", op, ErrDuplicate)
		}
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
			return fmt.Errorf("obligation: %s: %w: %w", op, ErrStoreUnavailable, err)
		}
		return fmt.Errorf("obligation: %s: %w", op, err)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("obligation: %s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("obligation: %s: %w: %w", op, ErrStoreUnavailable, err)
}

func (s *SQLiteStore) Create(ctx context.Context, o *Obligation, actor Actor) (string, error) {
	if err := prepareCreate(o, s.cfg.now()); err != nil {
		return "", err
	}
	if o.ID == "" {
		o.ID = s.cfg.newID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sqliteError("begin create", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO obligations
			(id, kind, title, status, priority, due_at, created_at, last_transition_at,
			 source_ref, contact, escalation_target, notes, closed_reason, dispatch_state, dispatch_attempts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,'','NONE',0)`,
		o.ID, string(o.Kind), o.Title, string(o.Status), int(o.Priority),
		formatTS(o.DueAt), formatTS(o.CreatedAt), formatTS(o.LastTransitionAt),
		o.SourceRef, o.Contact, o.EscalationTarget, o.Notes,
	); err != nil {
		return "", sqliteError("insert obligation", err)
	}

	entry := HistoryEntry{
		ObligationID: o.ID,
		At:           o.CreatedAt,
		Actor:        actor,
		Action:       ActionCreated,
		ToStatus:     StatusOpen,
		Payload:      map[string]any{"source_ref": o.SourceRef, "priority": o.Priority.String()},
	}
	if err := sqliteAppendHistory(ctx, tx, entry); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", sqliteError("commit create", err)
	}
	return o.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Obligation, error) {
	return sqliteGet(ctx, s.db, id)
}

func sqliteGet(ctx context.Context, q sqlQuerier, id string) (Obligation, error) {
	o, err := scanSQLiteObligation(q.QueryRowContext(ctx,
		`SELECT `+sqliteObligationColumns+` FROM obligations WHERE id = ?`, id))
	if err != nil {
		return Obligation{}, sqliteError("get", err)
	}
	return o, nil
}

func (s *SQLiteStore) FindActiveBySourceRef(ctx context.Context, sourceRef string) (Obligation, error) {
	o, err := scanSQLiteObligation(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteObligationColumns+` FROM obligations
		 WHERE source_ref = ? AND status IN (?,?,?)`,
		sourceRef, string(StatusOpen), string(StatusReminded), string(StatusEscalated)))
	if err != nil {
		return Obligation{}, sqliteError("find by source_ref", err)
	}
	return o, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, filter DueFilter) ([]Obligation, error) {
	statuses := filter.statuses()
	args := make([]any, 0, len(statuses)+6)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, formatTS(now))
	where := `status IN (` + placeholders(len(statuses)) + `) AND created_at <= ? AND ` + dueActionable
	if c := filter.After; c != nil {
		args = append(args, formatTS(c.DueAt), -int(c.Priority), formatTS(c.CreatedAt), c.ID)
		where += ` AND (due_at, -priority, created_at, id) > (?, ?, ?, ?)`
	}
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteObligationColumns+`
		FROM obligations
		WHERE `+where+`
		ORDER BY due_at ASC, priority DESC, created_at ASC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, sqliteError("list due", err)
	}
	out, err := collectSQLiteObligations(rows)
	if err != nil {
		return nil, sqliteError("scan due", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListActiveByContact(ctx context.Context, contact string, createdBefore time.Time) ([]Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteObligationColumns+`
		FROM obligations
		WHERE contact = ? AND status IN (?,?,?) AND created_at <= ?
		ORDER BY created_at ASC, id ASC`,
		NormalizeContact(contact), string(StatusOpen), string(StatusReminded), string(StatusEscalated), formatTS(createdBefore))
	if err != nil {
		return nil, sqliteError("list by contact", err)
	}
	out, err := collectSQLiteObligations(rows)
	if err != nil {
		return nil, sqliteError("scan by contact", err)
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]Obligation, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, string(*filter.Kind))
	}
	if filter.Contact != "" {
		where = append(where, "contact = ?")
		args = append(args, NormalizeContact(filter.Contact))
	}
	if filter.SourceRef != "" {
		where = append(where, "source_ref = ?")
		args = append(args, filter.SourceRef)
	}

	query := `SELECT ` + sqliteObligationColumns + ` FROM obligations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteError("list", err)
	}
	out, err := collectSQLiteObligations(rows)
	if err != nil {
		return nil, sqliteError("scan list", err)
	}
	return out, nil
}

func (s *SQLiteStore) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, obligation_id, at, actor, action, from_status, to_status, reason, payload
		FROM obligation_history
		WHERE obligation_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, sqliteError("history", err)
	}

	var out []HistoryEntry
	for rows.Next() {
		var (
			e           HistoryEntry
			at, payload string
		)
		if err := rows.Scan(&e.Seq, &e.ObligationID, &at, &e.Actor, &e.Action, &e.FromStatus, &e.ToStatus, &e.Reason, &payload); err != nil {
			rows.Close()
			return nil, sqliteError("scan history", err)
		}
		if e.At, err = parseTS(at); err != nil {
			rows.Close()
			return nil, err
		}
		if e.Payload, err = decodePayload([]byte(payload)); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sqliteError("history rows", err)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin history", err)
	}
	defer tx.Rollback()

	if _, err := sqliteGet(ctx, tx, id); err != nil {
		return err
	}
	entry.ObligationID = id
	if entry.At.IsZero() {
		entry.At = s.cfg.now()
	}
	if err := sqliteAppendHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteError("commit history", err)
	}
	return nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, expected, next Status, effect Effect) (Obligation, error) {
	if err := ValidateTransition(expected, next); err != nil {
		return Obligation{}, err
	}
	if effect.At.IsZero() {
		effect.At = s.cfg.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Obligation{}, sqliteError("begin transition", err)
	}
	defer tx.Rollback()

	var row *sql.Row
	if next.Terminal() {
		row = tx.QueryRowContext(ctx, `
			UPDATE obligations
			SET status = ?, last_transition_at = MAX(?, created_at), closed_reason = ?
			WHERE id = ? AND status = ?
			RETURNING `+sqliteObligationColumns,
			string(next), formatTS(effect.At), effect.Reason, id, string(expected))
	} else {
		state, attempts := DispatchNone, 0
		if effect.Dispatch {
			state, attempts = DispatchPending, 1
		}
		row = tx.QueryRowContext(ctx, `
			UPDATE obligations
			SET status = ?, last_transition_at = MAX(?, created_at), dispatch_state = ?, dispatch_attempts = ?
			WHERE id = ? AND status = ?
			RETURNING `+sqliteObligationColumns,
			string(next), formatTS(effect.At), string(state), attempts, id, string(expected))
	}
	o, err := scanSQLiteObligation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Obligation{}, sqliteMissOrStale(ctx, tx, id, expected)
		}
		return Obligation{}, sqliteError("update status", err)
	}

	entry := historyFor(id, expected, next, ActionTransitioned, effect)
	entry.At = o.LastTransitionAt
	if err := sqliteAppendHistory(ctx, tx, entry); err != nil {
		return Obligation{}, err
	}
	if effect.Dispatch && !next.Terminal() {
		if err := s.sqliteEnqueue(ctx, tx, NewDispatchRequest(o, next), o.LastTransitionAt); err != nil {
			return Obligation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Obligation{}, sqliteError("commit transition", err)
	}
	return o, nil
}

func (s *SQLiteStore) UpdateDetails(ctx context.Context, id string, update DetailsUpdate) (Obligation, error) {
	if update.At.IsZero() {
		update.At = s.cfg.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Obligation{}, sqliteError("begin update", err)
	}
	defer tx.Rollback()

	o, err := sqliteGet(ctx, tx, id)
	if err != nil {
		return Obligation{}, err
	}
	if !o.Active() {
		return Obligation{}, fmt.Errorf("%w: %s", ErrTerminal, o.Status)
	}
	changed, err := update.apply(&o)
	if err != nil {
		return Obligation{}, err
	}
	if len(changed) == 0 {
		return o, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE obligations SET title = ?, notes = ?, due_at = ?, priority = ? WHERE id = ?`,
		o.Title, o.Notes, formatTS(o.DueAt), int(o.Priority), id); err != nil {
		return Obligation{}, sqliteError("update details", err)
	}
	entry := HistoryEntry{
		ObligationID: id,
		At:           update.At.UTC(),
		Actor:        update.Actor,
		Action:       ActionUpdated,
		Payload:      map[string]any{"fields": changed},
	}
	if err := sqliteAppendHistory(ctx, tx, entry); err != nil {
		return Obligation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Obligation{}, sqliteError("commit update", err)
	}
	return o, nil
}

func (s *SQLiteStore) Redispatch(ctx context.Context, id string, expected Status, effect Effect) (Obligation, error) {
	return s.dispatchStateChange(ctx, id, expected, effect, `
		UPDATE obligations
		SET dispatch_state = 'PENDING', dispatch_attempts = dispatch_attempts + 1
		WHERE id = ? AND status = ? AND dispatch_state = 'FAILED'
		RETURNING `+sqliteObligationColumns, ActionRedispatched, true)
}

func (s *SQLiteStore) AbandonDispatch(ctx context.Context, id string, expected Status, effect Effect) (Obligation, error) {
	return s.dispatchStateChange(ctx, id, expected, effect, `
		UPDATE obligations
		SET dispatch_state = 'ABANDONED'
		WHERE id = ? AND status = ? AND dispatch_state = 'FAILED'
		RETURNING `+sqliteObligationColumns, ActionDispatchAbandoned, false)
}

func (s *SQLiteStore) dispatchStateChange(ctx context.Context, id string, expected Status, effect Effect, query string, action Action, enqueue bool) (Obligation, error) {
	if effect.At.IsZero() {
		effect.At = s.cfg.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Obligation{}, sqliteError("begin "+string(action), err)
	}
	defer tx.Rollback()

	o, err := scanSQLiteObligation(tx.QueryRowContext(ctx, query, id, string(expected)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Obligation{}, sqliteMissOrStale(ctx, tx, id, expected)
		}
		return Obligation{}, sqliteError(string(action), err)
	}

	entry := historyFor(id, expected, expected, action, effect)
	entry.Payload = mergePayload(effect.Payload, map[string]any{"attempts": o.DispatchAttempts})
	if err := sqliteAppendHistory(ctx, tx, entry); err != nil {
		return Obligation{}, err
	}
	if enqueue {
		if err := s.sqliteEnqueue(ctx, tx, NewDispatchRequest(o, o.Status), effect.At); err != nil {
			return Obligation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Obligation{}, sqliteError("commit "+string(action), err)
	}
	return o, nil
}

func (s *SQLiteStore) ClaimDispatches(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]DispatchRequest, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteError("begin claim", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT d.id, d.obligation_id, d.stage, d.recipient, d.escalation_target, d.attempt, d.status,
		       d.last_error, d.created_at, o.status
		FROM dispatch_outbox d
		JOIN obligations o ON o.id = d.obligation_id
		WHERE d.status = 'pending' OR (d.status = 'in_flight' AND d.claimed_until < ?)
		ORDER BY d.created_at ASC, d.id ASC
		LIMIT ?`, formatTS(now), limit)
	if err != nil {
		return nil, sqliteError("claim dispatches", err)
	}
	var out []DispatchRequest
	for rows.Next() {
		var (
			d         DispatchRequest
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.ObligationID, &d.Stage, &d.Recipient, &d.EscalationTarget, &d.Attempt,
			&d.Status, &d.LastError, &createdAt, &d.ObligationStatus); err != nil {
			rows.Close()
			return nil, sqliteError("scan dispatch", err)
		}
		if d.CreatedAt, err = parseTS(createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sqliteError("dispatch rows", err)
	}

	until := now.UTC().Add(lease)
	for i := range out {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_outbox SET status = 'in_flight', claimed_until = ? WHERE id = ?`,
			formatTS(until), out[i].ID); err != nil {
			return nil, sqliteError("lease dispatch", err)
		}
		out[i].Status = DispatchRowInFlight
		claimed := until
		out[i].ClaimedUntil = &claimed
	}
	if err := tx.Commit(); err != nil {
		return nil, sqliteError("commit claim", err)
	}
	return out, nil
}

func (s *SQLiteStore) AckDispatch(ctx context.Context, dispatchID string, at time.Time) error {
	return s.finishDispatch(ctx, dispatchID, at, DispatchRowProcessed, "", ActionDispatchAcked, DispatchAcked)
}

func (s *SQLiteStore) FailDispatch(ctx context.Context, dispatchID string, at time.Time, cause string) error {
	return s.finishDispatch(ctx, dispatchID, at, DispatchRowFailed, cause, ActionDispatchFailed, DispatchFailed)
}

func (s *SQLiteStore) SkipDispatch(ctx context.Context, dispatchID string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_outbox
		SET status = 'skipped', last_error = ?, claimed_until = NULL, processed_at = ?
		WHERE id = ? AND status IN ('pending', 'in_flight')`, reason, formatTS(at), dispatchID)
	if err != nil {
		return sqliteError("skip dispatch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("obligation: dispatch %s already settled: %w", dispatchID, ErrStaleState)
	}
	return nil
}

func (s *SQLiteStore) finishDispatch(ctx context.Context, dispatchID string, at time.Time, rowStatus DispatchStatus, cause string, action Action, state DispatchState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin "+string(action), err)
	}
	defer tx.Rollback()

	var (
		obligationID string
		stage        Status
		attempt      int
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE dispatch_outbox
		SET status = ?, last_error = ?, claimed_until = NULL, processed_at = ?
		WHERE id = ? AND status = 'in_flight'
		RETURNING obligation_id, stage, attempt`, string(rowStatus), cause, formatTS(at), dispatchID).
		Scan(&obligationID, &stage, &attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("obligation: dispatch %s not in flight: %w", dispatchID, ErrStaleState)
		}
		return sqliteError(string(action), err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE obligations SET dispatch_state = ?
		WHERE id = ? AND status = ? AND dispatch_state = 'PENDING'`, string(state), obligationID, string(stage)); err != nil {
		return sqliteError("record dispatch outcome", err)
	}
	entry := HistoryEntry{
		ObligationID: obligationID,
		At:           at.UTC(),
		Actor:        ActorDispatcher,
		Action:       action,
		Reason:       cause,
		Payload:      map[string]any{"dispatch_id": dispatchID, "stage": string(stage), "attempt": attempt},
	}
	if err := sqliteAppendHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteError("commit "+string(action), err)
	}
	return nil
}

func (s *SQLiteStore) sqliteEnqueue(ctx context.Context, tx *sql.Tx, req DispatchRequest, at time.Time) error {
	req.ID = s.cfg.newID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispatch_outbox (id, obligation_id, stage, recipient, escalation_target, attempt, status, created_at)
		VALUES (?,?,?,?,?,?,'pending',?)`,
		req.ID, req.ObligationID, string(req.Stage), req.Recipient, req.EscalationTarget, req.Attempt, formatTS(at)); err != nil {
		return sqliteError("enqueue dispatch", err)
	}
	return nil
}

func sqliteAppendHistory(ctx context.Context, tx *sql.Tx, e HistoryEntry) error {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO obligation_history (obligation_id, seq, at, actor, action, from_status, to_status, reason, payload)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM obligation_history WHERE obligation_id = ?`,
		e.ObligationID, formatTS(e.At), string(e.Actor), string(e.Action),
		string(e.FromStatus), string(e.ToStatus), e.Reason, payload, e.ObligationID,
	); err != nil {
		return sqliteError("insert history", err)
	}
	return nil
}

func sqliteMissOrStale(ctx context.Context, tx *sql.Tx, id string, expected Status) error {
	var current Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM obligations WHERE id = ?`, id).Scan(&current); err != nil {
		return sqliteError("check status", err)
	}
	return fmt.Errorf("obligation: %s expected %s, found %s: %w", id, expected, current, ErrStaleState)
}
