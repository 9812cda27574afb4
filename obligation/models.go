// Package obligation holds the obligation model, its status rules and the
// durable store every other component reads and writes through.
package obligation

import (
	"encoding/json"
	"net/mail"
	"strings"
	"time"
)

// Kind tags where an obligation came from. It does not affect escalation.
type Kind string

const (
	KindFollowup Kind = "FOLLOWUP"
	KindTodo     Kind = "TODO"
)

// Status is the position of an obligation in its lifecycle.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusReminded  Status = "REMINDED"
	StatusEscalated Status = "ESCALATED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// ActiveStatuses lists every non-terminal status in stage order.
var ActiveStatuses = []Status{StatusOpen, StatusReminded, StatusEscalated}

// Priority is ordered: a larger value is more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"LOW", "NORMAL", "HIGH", "URGENT"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return "UNKNOWN"
	}
	return priorityNames[p]
}

// ParsePriority accepts the upper- or lower-case name of a priority.
func ParsePriority(s string) (Priority, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), true
		}
	}
	return PriorityNormal, false
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*p = Priority(n)
		if !p.Valid() {
			return ErrValidation
		}
		return nil
	}
	parsed, ok := ParsePriority(s)
	if !ok {
		return ErrValidation
	}
	*p = parsed
	return nil
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// DispatchState records whether the message for the current stage reached
// the notify collaborator. It is tracked separately from Status.
type DispatchState string

const (
	DispatchNone    DispatchState = "NONE"
	DispatchPending DispatchState = "PENDING"
	DispatchAcked   DispatchState = "ACKED"
	DispatchFailed  DispatchState = "FAILED"
	// DispatchAbandoned means the attempt cap was reached for the stage.
	DispatchAbandoned DispatchState = "ABANDONED"
)

// Obligation is a tracked follow-up or todo.
type Obligation struct {
	ID               string        `json:"id"`
	Kind             Kind          `json:"kind"`
	Title            string        `json:"title,omitempty"`
	Status           Status        `json:"status"`
	Priority         Priority      `json:"priority"`
	DueAt            time.Time     `json:"due_at"`
	CreatedAt        time.Time     `json:"created_at"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	SourceRef        string        `json:"source_ref"`
	Contact          string        `json:"contact"`
	EscalationTarget string        `json:"escalation_target,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	ClosedReason     string        `json:"closed_reason,omitempty"`
	DispatchState    DispatchState `json:"dispatch_state"`
	DispatchAttempts int           `json:"dispatch_attempts"`
}

// Active reports whether the obligation can still change.
func (o Obligation) Active() bool {
	return !o.Status.Terminal()
}

// HasEscalationTarget reports whether an escalation recipient was set at creation.
func (o Obligation) HasEscalationTarget() bool {
	return strings.TrimSpace(o.EscalationTarget) != ""
}

// Actor names who caused a history entry.
type Actor string

const (
	ActorIngestor   Actor = "ingestor"
	ActorScheduler  Actor = "scheduler"
	ActorReconciler Actor = "reconciler"
	ActorDispatcher Actor = "dispatcher"
)

// UserActor builds the actor recorded for an explicit control-surface call.
func UserActor(subject string) Actor {
	if subject == "" {
		subject = "anonymous"
	}
	return Actor("user:" + subject)
}

// Action is what a history entry records.
type Action string

const (
	ActionCreated           Action = "created"
	ActionTransitioned      Action = "transitioned"
	ActionRedispatched      Action = "redispatched"
	ActionDispatchAcked     Action = "dispatch_acked"
	ActionDispatchFailed    Action = "dispatch_failed"
	ActionDispatchAbandoned Action = "dispatch_abandoned"
	ActionUpdated           Action = "updated"
	ActionNote              Action = "note"
)

// HistoryEntry is one append-only audit record.
type HistoryEntry struct {
	Seq          int            `json:"seq"`
	ObligationID string         `json:"obligation_id"`
	At           time.Time      `json:"at"`
	Actor        Actor          `json:"actor"`
	Action       Action         `json:"action"`
	FromStatus   Status         `json:"from_status,omitempty"`
	ToStatus     Status         `json:"to_status,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// DispatchStatus is the queue state of a dispatch request row.
type DispatchStatus string

const (
	DispatchRowPending   DispatchStatus = "pending"
	DispatchRowInFlight  DispatchStatus = "in_flight"
	DispatchRowProcessed DispatchStatus = "processed"
	DispatchRowFailed    DispatchStatus = "failed"
	DispatchRowSkipped   DispatchStatus = "skipped"
)

// DispatchRequest asks the notify collaborator to send the message for a stage.
type DispatchRequest struct {
	ID               string         `json:"id"`
	ObligationID     string         `json:"obligation_id"`
	Stage            Status         `json:"stage"`
	Recipient        string         `json:"recipient"`
	EscalationTarget string         `json:"escalation_target,omitempty"`
	Attempt          int            `json:"attempt"`
	Status           DispatchStatus `json:"status"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ClaimedUntil     *time.Time     `json:"claimed_until,omitempty"`

	// ObligationStatus is the owning obligation's status at claim time.
	ObligationStatus Status `json:"-"`
}

// IdempotencyKey identifies one stage message attempt for the collaborator.
func (d DispatchRequest) IdempotencyKey() string {
	return d.ObligationID + ":" + string(d.Stage)
}

// NewDispatchRequest builds the request for a stage from the obligation as
// stored after the transition or re-dispatch that raised it. The escalation
// target is only included for ESCALATED.
func NewDispatchRequest(o Obligation, stage Status) DispatchRequest {
	attempt := o.DispatchAttempts
	if attempt < 1 {
		attempt = 1
	}
	req := DispatchRequest{
		ObligationID: o.ID,
		Stage:        stage,
		Recipient:    o.Contact,
		Attempt:      attempt,
		Status:       DispatchRowPending,
	}
	if stage == StatusEscalated {
		req.EscalationTarget = o.EscalationTarget
	}
	return req
}

// NormalizeContact lower-cases an address and strips any display name, so
// "Ann <Ann@Example.com>" and "ann@example.com" compare equal.
func NormalizeContact(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		s = addr.Address
	}
	return strings.ToLower(s)
}
