// Package events consumes classification and inbound-message events from
// NATS JetStream and routes them to the ingestor and the reconciler.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DaveLoeffel/sage-app-sub001/ingest"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/reconcile"
)

const (
	// StreamName is the JetStream stream holding both event families.
	StreamName = "SAGE_EVENTS"

	SubjectClassificationPrefix = "sage.classification."
	SubjectInboundPrefix        = "sage.inbound."
)

// ErrMalformed marks an event that can never be processed. It is terminated
// instead of redelivered.
var ErrMalformed = errors.New("events: malformed event")

type Ingestor interface {
	Ingest(ctx context.Context, ev ingest.ClassificationEvent) (ingest.Result, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, msg reconcile.InboundMessage) (reconcile.Outcome, error)
}

// Router decodes a payload by subject and hands it to the right component.
type Router struct {
	ingestor   Ingestor
	reconciler Reconciler
	logger     *slog.Logger
}

func NewRouter(ingestor Ingestor, reconciler Reconciler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{ingestor: ingestor, reconciler: reconciler, logger: logger}
}

// Handle processes one event. Errors wrapping ErrMalformed are permanent;
// any other error is worth a redelivery.
func (r *Router) Handle(ctx context.Context, subject string, data []byte) error {
	switch {
	case strings.HasPrefix(subject, SubjectClassificationPrefix):
		ev, err := ingest.DecodeEvent(data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, subject, err)
		}
		res, err := r.ingestor.Ingest(ctx, ev)
		if err != nil {
			if errors.Is(err, obligation.ErrValidation) {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, subject, err)
			}
			return fmt.Errorf("events: ingest %s: %w", ev.SourceRef, err)
		}
		r.logger.Debug("classification event handled",
			slog.String("subject", subject),
			slog.String("source_ref", ev.SourceRef),
			slog.String("outcome", string(res.Outcome)),
		)
		return nil

	case strings.HasPrefix(subject, SubjectInboundPrefix):
		var msg reconcile.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, subject, err)
		}
		if msg.SourceRef == "" && msg.Contact == "" {
			return fmt.Errorf("%w: %s: source_ref or contact required", ErrMalformed, subject)
		}
		out, err := r.reconciler.Reconcile(ctx, msg)
		if err != nil {
			return fmt.Errorf("events: reconcile %s: %w", msg.SourceRef, err)
		}
		r.logger.Debug("inbound event handled",
			slog.String("subject", subject),
			slog.String("source_ref", msg.SourceRef),
			slog.String("match", string(out.Match)),
			slog.Bool("closed", out.Closed),
		)
		return nil
	}
	return fmt.Errorf("%w: unknown subject %s", ErrMalformed, subject)
}
