package escalation

import (
	"time"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
)

// Action is what the scheduler should apply.
type Action string

const (
	// ActionAdvance moves the obligation one stage forward and dispatches
	// the new stage's message.
	ActionAdvance Action = "advance"
	// ActionRedispatch re-sends the current stage after a failed dispatch.
	ActionRedispatch Action = "redispatch"
	// ActionAbandon stops re-dispatching once the attempt cap is reached.
	ActionAbandon Action = "abandon"
)

const (
	ReasonReminderDue   = "reminder delay elapsed"
	ReasonEscalationDue = "escalation delay elapsed"
	ReasonRedispatch    = "previous dispatch failed"
	ReasonAbandon       = "dispatch attempts exhausted"
)

// Transition is the outcome of Decide.
type Transition struct {
	Action Action
	From   obligation.Status
	To     obligation.Status
	Reason string
}

// Decide returns the automatic step due for o at now under policy, if any.
// Stage advancement takes precedence over re-dispatching the current stage.
func Decide(o obligation.Obligation, now time.Time, policy Policy) (Transition, bool) {
	if o.Status.Terminal() {
		return Transition{}, false
	}
	d := policy.DelaysFor(o.Priority)
	elapsed := now.Sub(o.CreatedAt)

	switch o.Status {
	case obligation.StatusOpen:
		if elapsed >= d.Reminder {
			return Transition{Action: ActionAdvance, From: o.Status, To: obligation.StatusReminded, Reason: ReasonReminderDue}, true
		}
		return Transition{}, false
	case obligation.StatusReminded:
		// Without a target the obligation stays REMINDED indefinitely.
		if elapsed >= d.Escalation && o.HasEscalationTarget() {
			return Transition{Action: ActionAdvance, From: o.Status, To: obligation.StatusEscalated, Reason: ReasonEscalationDue}, true
		}
	case obligation.StatusEscalated:
	default:
		return Transition{}, false
	}

	if o.DispatchState != obligation.DispatchFailed {
		return Transition{}, false
	}
	if o.DispatchAttempts < policy.maxAttempts() {
		return Transition{Action: ActionRedispatch, From: o.Status, To: o.Status, Reason: ReasonRedispatch}, true
	}
	return Transition{Action: ActionAbandon, From: o.Status, To: o.Status, Reason: ReasonAbandon}, true
}
