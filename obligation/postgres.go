package obligation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGPool is the subset of pgxpool.Pool used by PGStore.
type PGPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the Postgres-backed Store. The pool is owned by the caller.
type PGStore struct {
	pool PGPool
	cfg  storeConfig
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool PGPool, opts ...StoreOption) *PGStore {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &PGStore{pool: pool, cfg: cfg}
}

func (s *PGStore) Close() error { return nil }

const pgObligationColumns = `id::text, kind, title, status, priority, due_at, created_at, last_transition_at,
	source_ref, contact, escalation_target, notes, closed_reason, dispatch_state, dispatch_attempts`

const pgDispatchColumns = `d.id::text, d.obligation_id::text, d.stage, d.recipient, d.escalation_target,
	d.attempt, d.status, d.last_error, d.created_at, d.claimed_until`

func scanPGObligation(row pgx.Row) (Obligation, error) {
	var (
		o        Obligation
		priority int
	)
	err := row.Scan(&o.ID, &o.Kind, &o.Title, &o.Status, &priority, &o.DueAt, &o.CreatedAt, &o.LastTransitionAt,
		&o.SourceRef, &o.Contact, &o.EscalationTarget, &o.Notes, &o.ClosedReason, &o.DispatchState, &o.DispatchAttempts)
	if err != nil {
		return Obligation{}, err
	}
	o.Priority = Priority(priority)
	o.DueAt = o.DueAt.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	o.LastTransitionAt = o.LastTransitionAt.UTC()
	return o, nil
}

func collectPGObligations(rows pgx.Rows) ([]Obligation, error) {
	defer rows.Close()
	var out []Obligation
	for rows.Next() {
		o, err := scanPGObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// pgError maps driver failures onto the package sentinels. Anything that is
// not a server-side error is treated as the store being unreachable.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("obligation: %s: %w", op, ErrNotFound)
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("obligation: %s: %w", op, ErrDuplicate)
		case "22P02":
			return fmt.Errorf("obligation: %s: %w", op, ErrNotFound)
		}
		return fmt.Errorf("obligation: %s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("obligation: %s: %w", op, err)
	}
	return fmt.Errorf("obligation: %s: %w: %w", op, ErrStoreUnavailable, err)
}

func encodePayload(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("obligation: encode history payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("obligation: decode history payload: %w", err)
	}
	return m, nil
}

const pgInsertObligationSQL = `
INSERT INTO obligations (id, kind, title, status, priority, due_at, created_at, last_transition_at,
	source_ref, contact, escalation_target, notes, closed_reason, dispatch_state, dispatch_attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, '', 'NONE', 0)`

func (s *PGStore) Create(ctx context.Context, o *Obligation, actor Actor) (string, error) {
	if err := prepareCreate(o, s.cfg.now()); err != nil {
		return "", err
	}
	if o.ID == "" {
		o.ID = s.cfg.newID()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", pgError("begin create", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgInsertObligationSQL,
		o.ID, string(o.Kind), o.Title, string(o.Status), int(o.Priority), o.DueAt, o.CreatedAt, o.LastTransitionAt,
		o.SourceRef, o.Contact, o.EscalationTarget, o.Notes,
	); err != nil {
		return "", pgError("insert obligation", err)
	}

	entry := HistoryEntry{
		ObligationID: o.ID,
		At:           o.CreatedAt,
		Actor:        actor,
		Action:       ActionCreated,
		ToStatus:     StatusOpen,
		Payload:      map[string]any{"source_ref": o.SourceRef, "priority": o.Priority.String()},
	}
	if err := pgAppendHistory(ctx, tx, entry); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", pgError("commit create", err)
	}
	return o.ID, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Obligation, error) {
	o, err := scanPGObligation(s.pool.QueryRow(ctx,
		`SELECT `+pgObligationColumns+` FROM obligations WHERE id = $1`, id))
	if err != nil {
		return Obligation{}, pgError("get", err)
	}
	return o, nil
}

func (s *PGStore) FindActiveBySourceRef(ctx context.Context, sourceRef string) (Obligation, error) {
	o, err := scanPGObligation(s.pool.QueryRow(ctx,
		`SELECT `+pgObligationColumns+` FROM obligations WHERE source_ref = $1 AND status = ANY($2)`,
		sourceRef, statusStrings(ActiveStatuses)))
	if err != nil {
		return Obligation{}, pgError("find by source_ref", err)
	}
	return o, nil
}

func (s *PGStore) ListDue(ctx context.Context, now time.Time, filter DueFilter) ([]Obligation, error) {
	args := []any{statusStrings(filter.statuses()), now.UTC()}
	where := `status = ANY($1) AND created_at <= $2 AND ` + dueActionable
	if c := filter.After; c != nil {
		args = append(args, c.DueAt.UTC(), -int(c.Priority), c.CreatedAt.UTC(), c.ID)
		where += ` AND (due_at, -priority::int, created_at, id) > ($3, $4::int, $5, $6::uuid)`
	}
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, `
SELECT `+pgObligationColumns+`
FROM obligations
WHERE `+where+`
ORDER BY due_at ASC, priority DESC, created_at ASC, id ASC
LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, pgError("list due", err)
	}
	out, err := collectPGObligations(rows)
	if err != nil {
		return nil, pgError("scan due", err)
	}
	return out, nil
}

func (s *PGStore) ListActiveByContact(ctx context.Context, contact string, createdBefore time.Time) ([]Obligation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+pgObligationColumns+`
FROM obligations
WHERE contact = $1 AND status = ANY($2) AND created_at <= $3
ORDER BY created_at ASC, id ASC`, NormalizeContact(contact), statusStrings(ActiveStatuses), createdBefore.UTC())
	if err != nil {
		return nil, pgError("list by contact", err)
	}
	out, err := collectPGObligations(rows)
	if err != nil {
		return nil, pgError("scan by contact", err)
	}
	return out, nil
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Obligation, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Kind != nil {
		add("kind = $%d", string(*filter.Kind))
	}
	if filter.Contact != "" {
		add("contact = $%d", NormalizeContact(filter.Contact))
	}
	if filter.SourceRef != "" {
		add("source_ref = $%d", filter.SourceRef)
	}

	query := `SELECT ` + pgObligationColumns + ` FROM obligations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit(), max(filter.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgError("list", err)
	}
	out, err := collectPGObligations(rows)
	if err != nil {
		return nil, pgError("scan list", err)
	}
	return out, nil
}

func (s *PGStore) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT seq, obligation_id::text, at, actor, action, from_status, to_status, reason, payload
FROM obligation_history
WHERE obligation_id = $1
ORDER BY seq ASC`, id)
	if err != nil {
		return nil, pgError("history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e       HistoryEntry
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.ObligationID, &e.At, &e.Actor, &e.Action, &e.FromStatus, &e.ToStatus, &e.Reason, &payload); err != nil {
			return nil, pgError("scan history", err)
		}
		e.At = e.At.UTC()
		if e.Payload, err = decodePayload(payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("history rows", err)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin history", err)
	}
	defer tx.Rollback(ctx)

	if err := pgLockObligation(ctx, tx, id); err != nil {
		return err
	}
	entry.ObligationID = id
	if entry.At.IsZero() {
		entry.At = s.cfg.now()
	}
	if err := pgAppendHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError("commit history", err)
	}
	return nil
}

const pgAdvanceSQL = `
UPDATE obligations
SET status = $3,
    last_transition_at = GREATEST($4::timestamptz, created_at),
    dispatch_state = $5,
    dispatch_attempts = $6
WHERE id = $1 AND status = $2
RETURNING ` + pgObligationColumns

const pgCloseSQL = `
UPDATE obligations
SET status = $3,
    last_transition_at = GREATEST($4::timestamptz, created_at),
    closed_reason = $5
WHERE id = $1 AND status = $2
RETURNING ` + pgObligationColumns

func (s *PGStore) Transition(ctx context.Context, id string, expected, next Status, effect Effect) (Obligation, error) {
	if err := ValidateTransition(expected, next); err != nil {
		return Obligation{}, err
	}
	if effect.At.IsZero() {
		effect.At = s.cfg.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Obligation{}, pgError("begin transition", err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if next.Terminal() {
		row = tx.QueryRow(ctx, pgCloseSQL, id, string(expected), string(next), effect.At.UTC(), effect.Reason)
	} else {
		state, attempts := DispatchNone, 0
		if effect.Dispatch {
			state, attempts = DispatchPending, 1
		}
		row = tx.QueryRow(ctx, pgAdvanceSQL, id, string(expected), string(next), effect.At.UTC(), string(state), attempts)
	}
	o, err := scanPGObligation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Obligation{}, pgMissOrStale(ctx, tx, id, expected)
		}
		return Obligation{}, pgError("update status", err)
	}

	entry := historyFor(id, expected, next, ActionTransitioned, effect)
	entry.At = o.LastTransitionAt
	if err := pgAppendHistory(ctx, tx, entry); err != nil {
		return Obligation{}, err
	}
	if effect.Dispatch && !next.Terminal() {
		if err := s.pgEnqueue(ctx, tx, NewDispatchRequest(o, next), o.LastTransitionAt); err != nil {
			return Obligation{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Obligation{}, pgError("commit transition", err)
	}
	return o, nil
}

func (s *PGStore) UpdateDetails(ctx context.Context, id string, update DetailsUpdate) (Obligation, error) {
	if update.At.IsZero() {
		update.At = s.cfg.now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Obligation{}, pgError("begin update", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanPGObligation(tx.QueryRow(ctx,
		`SELECT `+pgObligationColumns+` FROM obligations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Obligation{}, pgError("load for update", err)
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

	if _, err := tx.Exec(ctx, `
UPDATE obligations SET title = $2, notes = $3, due_at = $4, priority = $5 WHERE id = $1`,
		id, o.Title, o.Notes, o.DueAt, int(o.Priority)); err != nil {
		return Obligation{}, pgError("update details", err)
	}
	entry := HistoryEntry{
		ObligationID: id,
		At:           update.At.UTC(),
		Actor:        update.Actor,
		Action:       ActionUpdated,
		Payload:      map[string]any{"fields": changed},
	}
	if err := pgAppendHistory(ctx, tx, entry); err != nil {
		return Obligation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Obligation{}, pgError("commit update", err)
	}
	return o, nil
}

func (s *PGStore) Redispatch(ctx context.Context, id string, expected Status, effect Effect) (Obligation, error) {
	return s.dispatchStateChange(ctx, id, expected, effect, `
UPDATE obligations
SET dispatch_state = 'PENDING', dispatch_attempts = dispatch_attempts + 1
WHERE id = $1 AND status = $2 AND dispatch_state = 'FAILED'
RETURNING `+pgObligationColumns, ActionRedispatched, true)
}

func (s *PGStore) AbandonDispatch(ctx context.Context, id string, expected Status, effect Effect) (Obligation, error) {
	return s.dispatchStateChange(ctx, id, expected, effect, `
UPDATE obligations
SET dispatch_state = 'ABANDONED'
WHERE id = $1 AND status = $2 AND dispatch_state = 'FAILED'
RETURNING `+pgObligationColumns, ActionDispatchAbandoned, false)
}

func (s *PGStore) dispatchStateChange(ctx context.Context, id string, expected Status, effect Effect, query string, action Action, enqueue bool) (Obligation, error) {
	if effect.At.IsZero() {
		effect.At = s.cfg.now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Obligation{}, pgError("begin "+string(action), err)
	}
	defer tx.Rollback(ctx)

	o, err := scanPGObligation(tx.QueryRow(ctx, query, id, string(expected)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Obligation{}, pgMissOrStale(ctx, tx, id, expected)
		}
		return Obligation{}, pgError(string(action), err)
	}

	entry := historyFor(id, expected, expected, action, effect)
	entry.Payload = mergePayload(effect.Payload, map[string]any{"attempts": o.DispatchAttempts})
	if err := pgAppendHistory(ctx, tx, entry); err != nil {
		return Obligation{}, err
	}
	if enqueue {
		if err := s.pgEnqueue(ctx, tx, NewDispatchRequest(o, o.Status), effect.At.UTC()); err != nil {
			return Obligation{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Obligation{}, pgError("commit "+string(action), err)
	}
	return o, nil
}

func (s *PGStore) ClaimDispatches(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]DispatchRequest, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
UPDATE dispatch_outbox d
SET status = 'in_flight', claimed_until = $2
FROM obligations o
WHERE o.id = d.obligation_id AND d.id IN (
	SELECT id FROM dispatch_outbox
	WHERE status = 'pending' OR (status = 'in_flight' AND claimed_until < $1)
	ORDER BY created_at ASC, id ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING `+pgDispatchColumns+`, o.status`, now.UTC(), now.UTC().Add(lease), limit)
	if err != nil {
		return nil, pgError("claim dispatches", err)
	}
	defer rows.Close()

	var out []DispatchRequest
	for rows.Next() {
		var d DispatchRequest
		if err := rows.Scan(&d.ID, &d.ObligationID, &d.Stage, &d.Recipient, &d.EscalationTarget,
			&d.Attempt, &d.Status, &d.LastError, &d.CreatedAt, &d.ClaimedUntil, &d.ObligationStatus); err != nil {
			return nil, pgError("scan dispatch", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("dispatch rows", err)
	}
	sortDispatches(out)
	return out, nil
}

func (s *PGStore) AckDispatch(ctx context.Context, dispatchID string, at time.Time) error {
	return s.finishDispatch(ctx, dispatchID, at, DispatchRowProcessed, "", ActionDispatchAcked, DispatchAcked)
}

func (s *PGStore) FailDispatch(ctx context.Context, dispatchID string, at time.Time, cause string) error {
	return s.finishDispatch(ctx, dispatchID, at, DispatchRowFailed, cause, ActionDispatchFailed, DispatchFailed)
}

func (s *PGStore) SkipDispatch(ctx context.Context, dispatchID string, at time.Time, reason string) error {
	var skipped string
	err := s.pool.QueryRow(ctx, `
UPDATE dispatch_outbox
SET status = 'skipped', last_error = $2, claimed_until = NULL, processed_at = $3
WHERE id = $1 AND status IN ('pending', 'in_flight')
RETURNING id::text`, dispatchID, reason, at.UTC()).Scan(&skipped)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("obligation: dispatch %s already settled: %w", dispatchID, ErrStaleState)
	}
	if err != nil {
		return pgError("skip dispatch", err)
	}
	return nil
}

// finishDispatch settles an in-flight request and, when the obligation is
// still at the request's stage, records the outcome on the obligation.
func (s *PGStore) finishDispatch(ctx context.Context, dispatchID string, at time.Time, rowStatus DispatchStatus, cause string, action Action, state DispatchState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin "+string(action), err)
	}
	defer tx.Rollback(ctx)

	var (
		obligationID string
		stage        Status
		attempt      int
	)
	err = tx.QueryRow(ctx, `
UPDATE dispatch_outbox
SET status = $2, last_error = $3, claimed_until = NULL, processed_at = $4
WHERE id = $1 AND status = 'in_flight'
RETURNING obligation_id::text, stage, attempt`, dispatchID, string(rowStatus), cause, at.UTC()).
		Scan(&obligationID, &stage, &attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("obligation: dispatch %s not in flight: %w", dispatchID, ErrStaleState)
		}
		return pgError(string(action), err)
	}

	if err := pgLockObligation(ctx, tx, obligationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE obligations SET dispatch_state = $3
WHERE id = $1 AND status = $2 AND dispatch_state = 'PENDING'`, obligationID, string(stage), string(state)); err != nil {
		return pgError("record dispatch outcome", err)
	}

	entry := HistoryEntry{
		ObligationID: obligationID,
		At:           at.UTC(),
		Actor:        ActorDispatcher,
		Action:       action,
		Reason:       cause,
		Payload:      map[string]any{"dispatch_id": dispatchID, "stage": string(stage), "attempt": attempt},
	}
	if err := pgAppendHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError("commit "+string(action), err)
	}
	return nil
}

func (s *PGStore) pgEnqueue(ctx context.Context, tx pgx.Tx, req DispatchRequest, at time.Time) error {
	req.ID = s.cfg.newID()
	if _, err := tx.Exec(ctx, `
INSERT INTO dispatch_outbox (id, obligation_id, stage, recipient, escalation_target, attempt, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)`,
		req.ID, req.ObligationID, string(req.Stage), req.Recipient, req.EscalationTarget, req.Attempt, at); err != nil {
		return pgError("enqueue dispatch", err)
	}
	return nil
}

// pgAppendHistory assigns the next per-obligation sequence number. Callers
// hold the obligation row lock so concurrent writers cannot interleave.
func pgAppendHistory(ctx context.Context, tx pgx.Tx, e HistoryEntry) error {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO obligation_history (obligation_id, seq, at, actor, action, from_status, to_status, reason, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8::jsonb
FROM obligation_history WHERE obligation_id = $1`,
		e.ObligationID, e.At.UTC(), string(e.Actor), string(e.Action), string(e.FromStatus), string(e.ToStatus), e.Reason, payload,
	); err != nil {
		return pgError("insert history", err)
	}
	return nil
}

func pgLockObligation(ctx context.Context, tx pgx.Tx, id string) error {
	var locked string
	if err := tx.QueryRow(ctx, `SELECT id::text FROM obligations WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
		return pgError("lock obligation", err)
	}
	return nil
}

// pgMissOrStale explains why a conditional update matched no row.
func pgMissOrStale(ctx context.Context, tx pgx.Tx, id string, expected Status) error {
	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM obligations WHERE id = $1`, id).Scan(&current); err != nil {
		return pgError("check status", err)
	}
	return fmt.Errorf("obligation: %s expected %s, found %s: %w", id, expected, current, ErrStaleState)
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func mergePayload(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sortDispatches(in []DispatchRequest) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].CreatedAt.Before(in[j].CreatedAt)
		}
		return in[i].ID < in[j].ID
	})
}
