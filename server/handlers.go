package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DaveLoeffel/sage-app-sub001/auth"
	"github.com/DaveLoeffel/sage-app-sub001/ingest"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/reconcile"
	"github.com/DaveLoeffel/sage-app-sub001/scheduler"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", obligation.ErrValidation)
		}
		return fmt.Errorf("%w: %v", obligation.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.auth.IssueToken(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Version   string             `json:"version"`
	StartedAt string             `json:"started_at"`
	Uptime    string             `json:"uptime"`
	LastPass  *scheduler.Summary `json:"last_pass,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:   s.version,
		StartedAt: s.started.Format(time.RFC3339),
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.scanner != nil {
		if last, ok := s.scanner.LastPass(); ok {
			resp.LastPass = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseListFilter(r *http.Request) (obligation.ListFilter, error) {
	q := r.URL.Query()
	var f obligation.ListFilter
	if v := q.Get("status"); v != "" {
		st := obligation.Status(strings.ToUpper(v))
		if !st.Valid() {
			return f, fmt.Errorf("%w: unknown status %q", obligation.ErrValidation, v)
		}
		f.Status = &st
	}
	if v := q.Get("kind"); v != "" {
		k := obligation.Kind(strings.ToUpper(v))
		if k != obligation.KindFollowup && k != obligation.KindTodo {
			return f, fmt.Errorf("%w: unknown kind %q", obligation.ErrValidation, v)
		}
		f.Kind = &k
	}
	f.Contact = q.Get("contact")
	f.SourceRef = q.Get("source_ref")
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: %s must be a non-negative integer", obligation.ErrValidation, name)
		}
		*dst = n
	}
	return f, nil
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.obligations.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]obligationResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toObligationResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

type createObligationRequest struct {
	Kind             obligation.Kind      `json:"kind"`
	Title            string               `json:"title"`
	SourceRef        string               `json:"source_ref"`
	Contact          string               `json:"contact"`
	EscalationTarget string               `json:"escalation_target"`
	Notes            string               `json:"notes"`
	Priority         *obligation.Priority `json:"priority"`
	DueAt            *time.Time           `json:"due_at"`
}

func (s *Server) handleCreateObligation(w http.ResponseWriter, r *http.Request) {
	var req createObligationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params := obligation.CreateParams{
		Kind:             obligation.Kind(strings.ToUpper(string(req.Kind))),
		Title:            req.Title,
		SourceRef:        req.SourceRef,
		Contact:          req.Contact,
		EscalationTarget: req.EscalationTarget,
		Notes:            req.Notes,
		Priority:         obligation.PriorityNormal,
		Actor:            actorFrom(r.Context()),
	}
	if req.Priority != nil {
		params.Priority = *req.Priority
	}
	if req.DueAt != nil {
		params.DueAt = *req.DueAt
	}
	o, err := s.obligations.Create(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toObligationResponse(o))
}

func (s *Server) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	o, err := s.obligations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationResponse(o))
}

type updateObligationRequest struct {
	Title    *string              `json:"title"`
	Notes    *string              `json:"notes"`
	DueAt    *time.Time           `json:"due_at"`
	Priority *obligation.Priority `json:"priority"`
}

func (s *Server) handleUpdateObligation(w http.ResponseWriter, r *http.Request) {
	var req updateObligationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.obligations.Update(r.Context(), r.PathValue("id"), obligation.DetailsUpdate{
		Title:    req.Title,
		Notes:    req.Notes,
		DueAt:    req.DueAt,
		Priority: req.Priority,
		Actor:    actorFrom(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationResponse(o))
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleClose(target obligation.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req closeRequest
		// The body is optional: an empty POST closes without a reason.
		if r.ContentLength != 0 {
			if err := decodeBody(w, r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		id := r.PathValue("id")
		actor := actorFrom(r.Context())

		var (
			o   obligation.Obligation
			err error
		)
		if target == obligation.StatusCompleted {
			o, err = s.obligations.Complete(r.Context(), id, actor, req.Reason)
		} else {
			o, err = s.obligations.Cancel(r.Context(), id, actor, req.Reason)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toObligationResponse(o))
	}
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.obligations.AddNote(r.Context(), r.PathValue("id"), actorFrom(r.Context()), req.Note); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.obligations.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyResponse, 0, len(hist))
	for _, h := range hist {
		out = append(out, toHistoryResponse(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	sum, err := s.scanner.Trigger(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type ingestResponse struct {
	Outcome      string `json:"outcome"`
	ObligationID string `json:"obligation_id,omitempty"`
}

func (s *Server) handleClassificationEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", obligation.ErrValidation, err))
		return
	}
	ev, err := ingest.DecodeEvent(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ingestor.Ingest(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == ingest.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ingestResponse{Outcome: string(res.Outcome), ObligationID: res.Obligation.ID})
}

type reconcileResponse struct {
	Match        string `json:"match"`
	Closed       bool   `json:"closed"`
	ObligationID string `json:"obligation_id,omitempty"`
}

func (s *Server) handleInboundEvent(w http.ResponseWriter, r *http.Request) {
	var msg reconcile.InboundMessage
	if err := decodeBody(w, r, &msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if msg.SourceRef == "" && msg.Contact == "" {
		s.writeError(w, r, fmt.Errorf("%w: source_ref or contact required", obligation.ErrValidation))
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	out, err := s.reconciler.Reconcile(r.Context(), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Match:        string(out.Match),
		Closed:       out.Closed,
		ObligationID: out.Obligation.ID,
	})
}
