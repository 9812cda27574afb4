// Package ingest turns classifier output into OPEN obligations.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/telemetry"
)

// ClassificationEvent is what the classifier emits for one message.
type ClassificationEvent struct {
	RequiresResponse bool                `json:"requires_response"`
	DueHint          *time.Time          `json:"due_hint,omitempty"`
	DueHintText      string              `json:"due_hint_text,omitempty"`
	Contact          string              `json:"contact"`
	SourceRef        string              `json:"source_ref"`
	Priority         obligation.Priority `json:"priority"`
	Kind             obligation.Kind     `json:"kind,omitempty"`
	Title            string              `json:"title,omitempty"`
	EscalationTarget string              `json:"escalation_target,omitempty"`
	// ReceivedAt anchors relative due hints. Defaults to the ingest time.
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Outcome says what Ingest did with an event.
type Outcome string

const (
	Created        Outcome = "created"
	AlreadyTracked Outcome = "already_tracked"
	NotRequired    Outcome = "not_required"
	Ignored        Outcome = "ignored"
)

// DecodeEvent parses a JSON classification event. Priority defaults to
// NORMAL when the field is absent.
func DecodeEvent(data []byte) (ClassificationEvent, error) {
	ev := ClassificationEvent{Priority: obligation.PriorityNormal}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ClassificationEvent{}, fmt.Errorf("ingest: %w: %v", obligation.ErrValidation, err)
	}
	return ev, nil
}

type Result struct {
	Outcome    Outcome
	Obligation obligation.Obligation
}

// Store is the subset of obligation.Store the ingestor writes through.
type Store interface {
	FindActiveBySourceRef(ctx context.Context, sourceRef string) (obligation.Obligation, error)
	Create(ctx context.Context, o *obligation.Obligation, actor obligation.Actor) (string, error)
}

type Config struct {
	// Ignore lists contacts that never create obligations. An entry is a full
	// address, a local-part prefix ending in "@" ("noreply@") or a domain
	// starting with "@" ("@notifications.example.com").
	Ignore          []string
	DueBusinessDays int
}

type Ingestor struct {
	store   Store
	cfg     Config
	parser  *when.Parser
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(store Store, cfg Config, logger *slog.Logger) *Ingestor {
	if cfg.DueBusinessDays <= 0 {
		cfg.DueBusinessDays = obligation.DefaultDueBusinessDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	ignore := make([]string, 0, len(cfg.Ignore))
	for _, entry := range cfg.Ignore {
		ignore = append(ignore, strings.ToLower(strings.TrimSpace(entry)))
	}
	cfg.Ignore = ignore
	parser := when.New(nil)
	parser.Add(en.All...)
	parser.Add(common.All...)
	return &Ingestor{
		store:  store,
		cfg:    cfg,
		parser: parser,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

func (i *Ingestor) WithMetrics(m *telemetry.Metrics) *Ingestor {
	i.metrics = m
	return i
}

// Ingest creates an OPEN obligation for ev unless one is already active for
// its source_ref. Re-processing the same event is a no-op.
func (i *Ingestor) Ingest(ctx context.Context, ev ClassificationEvent) (Result, error) {
	res, err := i.ingest(ctx, ev)
	if err != nil {
		i.metrics.Ingest(ctx, "error")
		return Result{}, err
	}
	i.metrics.Ingest(ctx, string(res.Outcome))
	return res, nil
}

func (i *Ingestor) ingest(ctx context.Context, ev ClassificationEvent) (Result, error) {
	if !ev.RequiresResponse {
		return Result{Outcome: NotRequired}, nil
	}
	ev.SourceRef = strings.TrimSpace(ev.SourceRef)
	if ev.SourceRef == "" {
		return Result{}, fmt.Errorf("ingest: %w: source_ref required", obligation.ErrValidation)
	}
	contact := obligation.NormalizeContact(ev.Contact)
	if i.ignored(contact) {
		i.logger.Debug("ingest: contact ignored", slog.String("source_ref", ev.SourceRef), slog.String("contact", contact))
		return Result{Outcome: Ignored}, nil
	}

	existing, err := i.store.FindActiveBySourceRef(ctx, ev.SourceRef)
	switch {
	case err == nil:
		return Result{Outcome: AlreadyTracked, Obligation: existing}, nil
	case !errors.Is(err, obligation.ErrNotFound):
		return Result{}, fmt.Errorf("ingest: lookup %s: %w", ev.SourceRef, err)
	}

	now := i.now().UTC()
	o := obligation.Obligation{
		Kind:             ev.Kind,
		Title:            strings.TrimSpace(ev.Title),
		SourceRef:        ev.SourceRef,
		Contact:          contact,
		EscalationTarget: ev.EscalationTarget,
		Priority:         ev.Priority,
		CreatedAt:        now,
		DueAt:            i.dueAt(ev, now),
	}
	if _, err := i.store.Create(ctx, &o, obligation.ActorIngestor); err != nil {
		if errors.Is(err, obligation.ErrDuplicate) {
			// Lost the creation race to a concurrent delivery of the same thread.
			existing, lookupErr := i.store.FindActiveBySourceRef(ctx, ev.SourceRef)
			if lookupErr != nil {
				return Result{Outcome: AlreadyTracked}, nil
			}
			return Result{Outcome: AlreadyTracked, Obligation: existing}, nil
		}
		return Result{}, fmt.Errorf("ingest: create %s: %w", ev.SourceRef, err)
	}

	i.logger.Info("obligation created",
		slog.String("id", o.ID),
		slog.String("source_ref", o.SourceRef),
		slog.String("priority", o.Priority.String()),
		slog.Time("due_at", o.DueAt),
	)
	return Result{Outcome: Created, Obligation: o}, nil
}

// dueAt prefers the structured hint, then a parsed text hint, then the
// business-day default.
func (i *Ingestor) dueAt(ev ClassificationEvent, now time.Time) time.Time {
	if ev.DueHint != nil && !ev.DueHint.IsZero() {
		return ev.DueHint.UTC()
	}
	base := ev.ReceivedAt
	if base.IsZero() {
		base = now
	}
	if text := strings.TrimSpace(ev.DueHintText); text != "" {
		r, err := i.parser.Parse(text, base)
		if err == nil && r != nil && r.Time.After(base) {
			return r.Time.UTC()
		}
		i.logger.Debug("ingest: due hint not understood", slog.String("hint", text))
	}
	return obligation.AddBusinessDays(base.UTC(), i.cfg.DueBusinessDays)
}

func (i *Ingestor) ignored(contact string) bool {
	if contact == "" {
		return false
	}
	for _, entry := range i.cfg.Ignore {
		switch {
		case entry == "":
		case strings.HasPrefix(entry, "@"):
			if strings.HasSuffix(contact, entry) {
				return true
			}
		case strings.HasSuffix(entry, "@"):
			if strings.HasPrefix(contact, entry) {
				return true
			}
		case contact == entry:
			return true
		}
	}
	return false
}
