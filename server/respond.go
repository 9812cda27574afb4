package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError hides internal error text behind 5xx responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = http.StatusText(status)
	}
	writeErrorMessage(w, status, msg)
}

type obligationResponse struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Title            string `json:"title,omitempty"`
	Status           string `json:"status"`
	Priority         string `json:"priority"`
	DueAt            string `json:"due_at"`
	CreatedAt        string `json:"created_at"`
	LastTransitionAt string `json:"last_transition_at"`
	SourceRef        string `json:"source_ref"`
	Contact          string `json:"contact"`
	EscalationTarget string `json:"escalation_target,omitempty"`
	Notes            string `json:"notes,omitempty"`
	ClosedReason     string `json:"closed_reason,omitempty"`
	DispatchState    string `json:"dispatch_state"`
	DispatchAttempts int    `json:"dispatch_attempts"`
}

func toObligationResponse(o obligation.Obligation) obligationResponse {
	return obligationResponse{
		ID:               o.ID,
		Kind:             string(o.Kind),
		Title:            o.Title,
		Status:           string(o.Status),
		Priority:         o.Priority.String(),
		DueAt:            o.DueAt.UTC().Format(time.RFC3339),
		CreatedAt:        o.CreatedAt.UTC().Format(time.RFC3339),
		LastTransitionAt: o.LastTransitionAt.UTC().Format(time.RFC3339),
		SourceRef:        o.SourceRef,
		Contact:          o.Contact,
		EscalationTarget: o.EscalationTarget,
		Notes:            o.Notes,
		ClosedReason:     o.ClosedReason,
		DispatchState:    string(o.DispatchState),
		DispatchAttempts: o.DispatchAttempts,
	}
}

type historyResponse struct {
	Seq        int            `json:"seq"`
	At         string         `json:"at"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func toHistoryResponse(h obligation.HistoryEntry) historyResponse {
	return historyResponse{
		Seq:        h.Seq,
		At:         h.At.UTC().Format(time.RFC3339Nano),
		Actor:      string(h.Actor),
		Action:     string(h.Action),
		FromStatus: string(h.FromStatus),
		ToStatus:   string(h.ToStatus),
		Reason:     h.Reason,
		Payload:    h.Payload,
	}
}
