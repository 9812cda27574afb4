// Package dispatch drains the dispatch outbox and hands each stage message
// to the notify collaborator.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/telemetry"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultLease     = 5 * time.Minute
	DefaultBatchSize = 8
	DefaultRate      = 5.0
)

const (
	skipClosed     = "obligation closed"
	skipSuperseded = "stage superseded"
)

// Notifier sends one stage message. Implementations must be safe to call
// again with the same request; the idempotency key is stable per stage.
type Notifier interface {
	Notify(ctx context.Context, req obligation.DispatchRequest) error
}

type Config struct {
	Interval  time.Duration
	Lease     time.Duration
	BatchSize int
	// Rate is the sustained number of notifications per second.
	Rate  float64
	Burst int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Stats counts what one drain did.
type Stats struct {
	Claimed int
	Sent    int
	Failed  int
	Skipped int
}

type Dispatcher struct {
	queue    obligation.DispatchQueue
	notifier Notifier
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	kick     chan struct{}
}

func New(queue obligation.DispatchQueue, notifier Notifier, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		kick:     make(chan struct{}, 1),
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Kick asks Run to drain now instead of waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every tick or kick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", slog.Duration("interval", d.cfg.Interval))
	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch drain failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// Drain claims batches until the outbox has nothing claimable left.
func (d *Dispatcher) Drain(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		st, err := d.DrainOnce(ctx)
		total.Claimed += st.Claimed
		total.Sent += st.Sent
		total.Failed += st.Failed
		total.Skipped += st.Skipped
		if err != nil || st.Claimed < d.cfg.BatchSize {
			return total, err
		}
	}
}

// DrainOnce claims one batch and settles every claimed request.
func (d *Dispatcher) DrainOnce(ctx context.Context) (Stats, error) {
	batch, err := d.queue.ClaimDispatches(ctx, d.now(), d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Claimed: len(batch)}
	for _, req := range batch {
		if err := ctx.Err(); err != nil {
			// Unsettled claims are picked up again once their lease expires.
			return st, err
		}
		switch d.handle(ctx, req) {
		case "sent":
			st.Sent++
		case "failed":
			st.Failed++
		case "skipped":
			st.Skipped++
		}
	}
	return st, nil
}

func (d *Dispatcher) handle(ctx context.Context, req obligation.DispatchRequest) string {
	log := d.logger.With(
		slog.String("dispatch_id", req.ID),
		slog.String("obligation_id", req.ObligationID),
		slog.String("stage", string(req.Stage)),
		slog.Int("attempt", req.Attempt),
	)

	if reason := skipReason(req); reason != "" {
		if err := d.queue.SkipDispatch(ctx, req.ID, d.now(), reason); err != nil {
			log.Warn("skip dispatch failed", slog.Any("err", err))
		}
		d.metrics.Dispatch(ctx, string(req.Stage), "skipped")
		log.Info("dispatch skipped", slog.String("reason", reason))
		return "skipped"
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return ""
	}

	if sendErr := d.notifier.Notify(ctx, req); sendErr != nil {
		if err := d.queue.FailDispatch(ctx, req.ID, d.now(), sendErr.Error()); err != nil {
			log.Error("record dispatch failure", slog.Any("err", err), slog.Any("cause", sendErr))
		}
		d.metrics.Dispatch(ctx, string(req.Stage), "failed")
		log.Warn("dispatch failed", slog.Any("err", sendErr))
		return "failed"
	}

	if err := d.queue.AckDispatch(ctx, req.ID, d.now()); err != nil {
		if errors.Is(err, obligation.ErrStaleState) {
			// The lease expired and another dispatcher owns the row now.
			log.Warn("dispatch ack lost lease", slog.Any("err", err))
		} else {
			log.Error("record dispatch ack", slog.Any("err", err))
		}
	}
	d.metrics.Dispatch(ctx, string(req.Stage), "sent")
	log.Info("dispatch sent", slog.String("recipient", req.Recipient))
	return "sent"
}

func skipReason(req obligation.DispatchRequest) string {
	switch {
	case req.ObligationStatus.Terminal():
		return skipClosed
	case req.ObligationStatus != "" && req.ObligationStatus != req.Stage:
		return skipSuperseded
	}
	return ""
}
