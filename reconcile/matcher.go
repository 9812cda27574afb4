// Package reconcile closes obligations when an inbound reply shows the
// counterparty has already responded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/telemetry"
)

// ReasonReplyDetected is recorded as the closed reason of reconciled obligations.
const ReasonReplyDetected = "reply detected"

// InboundMessage is the minimal view of a received message.
type InboundMessage struct {
	MessageID  string    `json:"message_id,omitempty"`
	SourceRef  string    `json:"source_ref"`
	Contact    string    `json:"contact"`
	ReceivedAt time.Time `json:"received_at"`
}

type Match string

const (
	MatchNone    Match = "none"
	MatchThread  Match = "thread"
	MatchContact Match = "contact"
)

type Outcome struct {
	Match      Match
	Closed     bool
	Obligation obligation.Obligation
}

type Store interface {
	FindActiveBySourceRef(ctx context.Context, sourceRef string) (obligation.Obligation, error)
	ListActiveByContact(ctx context.Context, contact string, createdBefore time.Time) ([]obligation.Obligation, error)
}

// Completer closes an obligation, retrying when it loses a race with the
// scheduler. obligation.Service satisfies it.
type Completer interface {
	Complete(ctx context.Context, id string, actor obligation.Actor, reason string) (obligation.Obligation, error)
}

type Matcher struct {
	store           Store
	completer       Completer
	contactFallback bool
	logger          *slog.Logger
	metrics         *telemetry.Metrics
}

func NewMatcher(store Store, completer Completer, contactFallback bool, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		store:           store,
		completer:       completer,
		contactFallback: contactFallback,
		logger:          logger,
	}
}

func (m *Matcher) WithMetrics(metrics *telemetry.Metrics) *Matcher {
	m.metrics = metrics
	return m
}

// Reconcile matches msg by thread first and, when enabled, falls back to the
// oldest active obligation of the same contact created before the message.
// The contact fallback can close the wrong obligation when one contact has
// several open threads.
func (m *Matcher) Reconcile(ctx context.Context, msg InboundMessage) (Outcome, error) {
	target, match, err := m.find(ctx, msg)
	if err != nil {
		return Outcome{}, err
	}
	if match == MatchNone {
		m.metrics.Reconcile(ctx, string(MatchNone))
		return Outcome{Match: MatchNone}, nil
	}

	closed, err := m.completer.Complete(ctx, target.ID, obligation.ActorReconciler, ReasonReplyDetected)
	if errors.Is(err, obligation.ErrTerminal) {
		// Closed by someone else between lookup and completion.
		m.metrics.Reconcile(ctx, string(MatchNone))
		return Outcome{Match: match, Obligation: closed}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: complete %s: %w", target.ID, err)
	}

	m.metrics.Reconcile(ctx, string(match))
	m.metrics.Transition(ctx, "reconcile", string(obligation.StatusCompleted))
	m.logger.Info("obligation reconciled",
		slog.String("id", closed.ID),
		slog.String("match", string(match)),
		slog.String("source_ref", msg.SourceRef),
		slog.String("message_id", msg.MessageID),
	)
	return Outcome{Match: match, Closed: true, Obligation: closed}, nil
}

func (m *Matcher) find(ctx context.Context, msg InboundMessage) (obligation.Obligation, Match, error) {
	if ref := strings.TrimSpace(msg.SourceRef); ref != "" {
		o, err := m.store.FindActiveBySourceRef(ctx, ref)
		switch {
		case err == nil:
			return o, MatchThread, nil
		case !errors.Is(err, obligation.ErrNotFound):
			return obligation.Obligation{}, MatchNone, fmt.Errorf("reconcile: thread lookup: %w", err)
		}
	}

	contact := obligation.NormalizeContact(msg.Contact)
	if !m.contactFallback || contact == "" || msg.ReceivedAt.IsZero() {
		return obligation.Obligation{}, MatchNone, nil
	}
	candidates, err := m.store.ListActiveByContact(ctx, contact, msg.ReceivedAt)
	if err != nil {
		return obligation.Obligation{}, MatchNone, fmt.Errorf("reconcile: contact lookup: %w", err)
	}
	for _, o := range candidates {
		if o.CreatedAt.Before(msg.ReceivedAt) {
			return o, MatchContact, nil
		}
	}
	return obligation.Obligation{}, MatchNone, nil
}
