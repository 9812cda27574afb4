package obligation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultCloseRetries = 3

// Service is the control-surface entry point: thin pass-throughs to the
// store plus the bounded retry used by explicit completion.
type Service struct {
	store   Store
	now     func() time.Time
	retries int
}

type CreateParams struct {
	Kind             Kind
	Title            string
	SourceRef        string
	Contact          string
	EscalationTarget string
	Notes            string
	Priority         Priority
	DueAt            time.Time
	Actor            Actor
}

func NewService(store Store) *Service {
	return &Service{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		retries: defaultCloseRetries,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCloseRetries bounds how often Complete and Cancel re-read after
// losing a race to another writer.
func (s *Service) WithCloseRetries(n int) *Service {
	if n >= 0 {
		s.retries = n
	}
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Obligation, error) {
	now := s.now().UTC()
	o := Obligation{
		Kind:             params.Kind,
		Title:            strings.TrimSpace(params.Title),
		SourceRef:        strings.TrimSpace(params.SourceRef),
		Contact:          params.Contact,
		EscalationTarget: params.EscalationTarget,
		Notes:            params.Notes,
		Priority:         params.Priority,
		DueAt:            params.DueAt,
		CreatedAt:        now,
	}
	if o.DueAt.IsZero() {
		o.DueAt = AddBusinessDays(now, DefaultDueBusinessDays)
	}
	if _, err := s.store.Create(ctx, &o, params.Actor); err != nil {
		return Obligation{}, err
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (Obligation, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]Obligation, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	return s.store.History(ctx, id)
}

func (s *Service) Update(ctx context.Context, id string, update DetailsUpdate) (Obligation, error) {
	if update.empty() {
		return Obligation{}, wrapValidation("nothing to update")
	}
	update.At = s.now()
	return s.store.UpdateDetails(ctx, id, update)
}

// AddNote appends a free-text note to the audit trail. Notes are accepted on
// closed obligations too.
func (s *Service) AddNote(ctx context.Context, id string, actor Actor, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return wrapValidation("note is empty")
	}
	return s.store.AppendHistory(ctx, id, HistoryEntry{
		At:      s.now(),
		Actor:   actor,
		Action:  ActionNote,
		Payload: map[string]any{"note": note},
	})
}

func (s *Service) Complete(ctx context.Context, id string, actor Actor, reason string) (Obligation, error) {
	return s.close(ctx, id, StatusCompleted, actor, reason)
}

func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (Obligation, error) {
	return s.close(ctx, id, StatusCancelled, actor, reason)
}

// close re-reads and retries on ErrStaleState while the obligation is still
// active: a concurrent stage advance must not swallow an explicit close.
func (s *Service) close(ctx context.Context, id string, target Status, actor Actor, reason string) (Obligation, error) {
	for attempt := 0; attempt <= s.retries; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return Obligation{}, err
		}
		if current.Status.Terminal() {
			return current, fmt.Errorf("obligation: close %s: %w: %s", id, ErrTerminal, current.Status)
		}
		o, err := s.store.Transition(ctx, id, current.Status, target, Effect{
			At:     s.now(),
			Actor:  actor,
			Reason: reason,
		})
		if errors.Is(err, ErrStaleState) {
			continue
		}
		if err != nil {
			return Obligation{}, err
		}
		return o, nil
	}
	return Obligation{}, fmt.Errorf("obligation: close %s: retries exhausted: %w", id, ErrStaleState)
}
