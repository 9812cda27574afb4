package obligation

import (
	"context"
	"time"
)

// Store is the single source of truth for obligations, their history and
// the dispatch requests raised by stage transitions.
type Store interface {
	// Create persists a new OPEN obligation and its "created" history entry.
	// It returns ErrDuplicate when another active obligation holds SourceRef.
	Create(ctx context.Context, o *Obligation, actor Actor) (string, error)

	// Get returns the obligation with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (Obligation, error)

	// ListDue returns actionable obligations in the filter's statuses created
	// at or before now, ordered by due_at ascending then priority descending.
	// A row is actionable while a pass could still move it: OPEN, REMINDED
	// with an escalation target, or any stage whose last dispatch FAILED.
	ListDue(ctx context.Context, now time.Time, filter DueFilter) ([]Obligation, error)

	// Transition moves id from expected to next in one transaction together
	// with its history entry and, when requested, a dispatch request.
	// It returns ErrStaleState when the stored status is no longer expected.
	Transition(ctx context.Context, id string, expected, next Status, effect Effect) (Obligation, error)

	// AppendHistory appends an audit entry to an existing obligation.
	AppendHistory(ctx context.Context, id string, entry HistoryEntry) error

	FindActiveBySourceRef(ctx context.Context, sourceRef string) (Obligation, error)
	ListActiveByContact(ctx context.Context, contact string, createdBefore time.Time) ([]Obligation, error)
	List(ctx context.Context, filter ListFilter) ([]Obligation, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	UpdateDetails(ctx context.Context, id string, update DetailsUpdate) (Obligation, error)

	// Redispatch re-enqueues the current stage's request for an obligation whose
	// last dispatch failed. It is conditional on status and dispatch state.
	Redispatch(ctx context.Context, id string, expected Status, effect Effect) (Obligation, error)

	// AbandonDispatch stops re-dispatching a stage once the attempt cap is hit.
	AbandonDispatch(ctx context.Context, id string, expected Status, effect Effect) (Obligation, error)

	DispatchQueue

	Close() error
}

// DispatchQueue is the outbox side of the store drained by the dispatcher.
type DispatchQueue interface {
	// ClaimDispatches leases up to limit pending (or lease-expired) requests.
	ClaimDispatches(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]DispatchRequest, error)
	// AckDispatch records a delivered request and acknowledges the stage.
	AckDispatch(ctx context.Context, dispatchID string, at time.Time) error
	// FailDispatch records a failed request so the next scan re-dispatches it.
	FailDispatch(ctx context.Context, dispatchID string, at time.Time, cause string) error
	// SkipDispatch drops a request that no longer needs sending.
	SkipDispatch(ctx context.Context, dispatchID string, at time.Time, reason string) error
}

// Effect describes the history entry written alongside a state change.
type Effect struct {
	At      time.Time
	Actor   Actor
	Reason  string
	Payload map[string]any
	// Dispatch enqueues a request for the new stage in the same transaction.
	Dispatch bool
}

// DueFilter narrows ListDue. After resumes the scan past a row of the
// previous page.
type DueFilter struct {
	Statuses []Status
	Limit    int
	After    *DueCursor
}

// DueCursor is a position in ListDue order. Transitions never change the
// keys, so a cursor stays valid while a pass writes behind it.
type DueCursor struct {
	DueAt     time.Time
	Priority  Priority
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the position just past o in ListDue order.
func CursorAfter(o Obligation) *DueCursor {
	return &DueCursor{DueAt: o.DueAt, Priority: o.Priority, CreatedAt: o.CreatedAt, ID: o.ID}
}

// dueActionable drops rows no pass can act on. ESCALATED rows and REMINDED
// rows without a target only come back once a dispatch fails.
const dueActionable = `(status = 'OPEN' OR (status = 'REMINDED' AND escalation_target <> '') OR dispatch_state = 'FAILED')`

// ListFilter narrows List for the control surface.
type ListFilter struct {
	Status    *Status
	Kind      *Kind
	Contact   string
	SourceRef string
	Limit     int
	Offset    int
}

// DetailsUpdate carries the mutable, non-lifecycle fields of an obligation.
// Nil fields are left unchanged.
type DetailsUpdate struct {
	Title    *string
	Notes    *string
	DueAt    *time.Time
	Priority *Priority

	At    time.Time
	Actor Actor
}

func (u DetailsUpdate) empty() bool {
	return u.Title == nil && u.Notes == nil && u.DueAt == nil && u.Priority == nil
}

// apply folds the update into o and returns the changed field names.
func (u DetailsUpdate) apply(o *Obligation) ([]string, error) {
	var changed []string
	if u.Title != nil && *u.Title != o.Title {
		o.Title = *u.Title
		changed = append(changed, "title")
	}
	if u.Notes != nil && *u.Notes != o.Notes {
		o.Notes = *u.Notes
		changed = append(changed, "notes")
	}
	if u.DueAt != nil {
		if u.DueAt.IsZero() {
			return nil, wrapValidation("due_at must be set")
		}
		if !u.DueAt.UTC().Equal(o.DueAt) {
			o.DueAt = u.DueAt.UTC()
			changed = append(changed, "due_at")
		}
	}
	if u.Priority != nil {
		if !u.Priority.Valid() {
			return nil, wrapValidation("unknown priority")
		}
		if *u.Priority != o.Priority {
			o.Priority = *u.Priority
			changed = append(changed, "priority")
		}
	}
	return changed, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultDueLimit  = 1000
)

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	if f.Limit > maxListLimit {
		return maxListLimit
	}
	return f.Limit
}

func (f DueFilter) limit() int {
	if f.Limit <= 0 {
		return defaultDueLimit
	}
	return f.Limit
}

func (f DueFilter) statuses() []Status {
	if len(f.Statuses) == 0 {
		return ActiveStatuses
	}
	return f.Statuses
}

// prepareCreate validates and normalizes a new obligation in place.
func prepareCreate(o *Obligation, now time.Time) error {
	o.Contact = NormalizeContact(o.Contact)
	o.EscalationTarget = NormalizeContact(o.EscalationTarget)
	if o.SourceRef == "" {
		return wrapValidation("source_ref required")
	}
	if o.Contact == "" {
		return wrapValidation("contact required")
	}
	if o.Kind == "" {
		o.Kind = KindFollowup
	}
	if o.Kind != KindFollowup && o.Kind != KindTodo {
		return wrapValidation("unknown kind " + string(o.Kind))
	}
	if !o.Priority.Valid() {
		return wrapValidation("unknown priority")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.CreatedAt = o.CreatedAt.UTC()
	if o.DueAt.IsZero() {
		return wrapValidation("due_at required")
	}
	o.DueAt = o.DueAt.UTC()
	o.Status = StatusOpen
	o.LastTransitionAt = o.CreatedAt
	o.DispatchState = DispatchNone
	o.DispatchAttempts = 0
	o.ClosedReason = ""
	return nil
}

// transitionAt clamps the transition time so last_transition_at never
// precedes created_at.
func transitionAt(at, createdAt time.Time) time.Time {
	at = at.UTC()
	if at.Before(createdAt) {
		return createdAt
	}
	return at
}

func historyFor(id string, from, to Status, action Action, effect Effect) HistoryEntry {
	return HistoryEntry{
		ObligationID: id,
		At:           effect.At.UTC(),
		Actor:        effect.Actor,
		Action:       action,
		FromStatus:   from,
		ToStatus:     to,
		Reason:       effect.Reason,
		Payload:      effect.Payload,
	}
}
