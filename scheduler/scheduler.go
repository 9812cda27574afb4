// Package scheduler runs the recurring scan-and-advance pass over active
// obligations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DaveLoeffel/sage-app-sub001/escalation"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/telemetry"
)

// ErrPassInProgress is returned by Trigger when another pass holds the guard.
var ErrPassInProgress = errors.New("scheduler: pass already running")

const (
	DefaultInterval    = 5 * time.Minute
	DefaultPassTimeout = 2 * time.Minute
	DefaultWorkers     = 8
	DefaultBatchLimit  = 1000
)

// Store is the subset of obligation.Store a pass needs.
type Store interface {
	ListDue(ctx context.Context, now time.Time, filter obligation.DueFilter) ([]obligation.Obligation, error)
	Transition(ctx context.Context, id string, expected, next obligation.Status, effect obligation.Effect) (obligation.Obligation, error)
	Redispatch(ctx context.Context, id string, expected obligation.Status, effect obligation.Effect) (obligation.Obligation, error)
	AbandonDispatch(ctx context.Context, id string, expected obligation.Status, effect obligation.Effect) (obligation.Obligation, error)
}

// Kicker is notified after a pass enqueued dispatch requests.
type Kicker interface {
	Kick()
}

type Config struct {
	Interval    time.Duration
	PassTimeout time.Duration
	Workers     int
	BatchLimit  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = DefaultPassTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	return c
}

// Summary describes one finished pass.
type Summary struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Scanned      int       `json:"scanned"`
	Advanced     int       `json:"advanced"`
	Redispatched int       `json:"redispatched"`
	Abandoned    int       `json:"abandoned"`
	Stale        int       `json:"stale"`
	Failed       int       `json:"failed"`
	// Deferred counts obligations not started before the pass deadline.
	Deferred int    `json:"deferred"`
	Error    string `json:"error,omitempty"`
}

func (s Summary) enqueued() bool {
	return s.Advanced+s.Redispatched > 0
}

type Scheduler struct {
	store   Store
	policy  *escalation.Holder
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	kicker  Kicker
	now     func() time.Time

	guard sync.Mutex

	mu   sync.Mutex
	last *Summary
}

func New(store Store, policy *escalation.Holder, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		policy: policy,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) WithMetrics(m *telemetry.Metrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) WithKicker(k Kicker) *Scheduler {
	s.kicker = k
	return s
}

// LastPass returns the summary of the most recent finished pass.
func (s *Scheduler) LastPass() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Run executes a pass every interval until ctx is cancelled. A pass that
// fails is logged; the next tick starts from scratch.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval), slog.Int("workers", s.cfg.Workers))
	for {
		if _, err := s.Trigger(ctx); err != nil && !errors.Is(err, ErrPassInProgress) && ctx.Err() == nil {
			s.logger.Error("scan pass failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Trigger runs one pass unless another is already running, in which case it
// returns ErrPassInProgress.
func (s *Scheduler) Trigger(ctx context.Context) (Summary, error) {
	if !s.guard.TryLock() {
		return Summary{}, ErrPassInProgress
	}
	defer s.guard.Unlock()
	return s.RunPass(ctx)
}

// RunPass pages through actionable obligations and applies the step Decide
// returns for each. Callers must not run passes concurrently; use Trigger
// for that.
func (s *Scheduler) RunPass(ctx context.Context) (Summary, error) {
	now := s.now()
	policy := s.policy.Policy()
	sum := Summary{StartedAt: now}

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results []result
		listErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	filter := obligation.DueFilter{Limit: s.cfg.BatchLimit}
	for passCtx.Err() == nil {
		due, err := s.store.ListDue(ctx, now, filter)
		if err != nil {
			listErr = err
			break
		}
		sum.Scanned += len(due)
		for _, o := range due {
			if passCtx.Err() != nil {
				sum.Deferred++
				continue
			}
			step, ok := escalation.Decide(o, now, policy)
			if !ok {
				continue
			}
			g.Go(func() error {
				// In-flight writes outlive the pass deadline; only ctx stops them.
				r := s.apply(ctx, o, step, now)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				return nil
			})
		}
		if len(due) < s.cfg.BatchLimit {
			break
		}
		filter.After = obligation.CursorAfter(due[len(due)-1])
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.err == nil:
			switch r.action {
			case escalation.ActionAdvance:
				sum.Advanced++
			case escalation.ActionRedispatch:
				sum.Redispatched++
			case escalation.ActionAbandon:
				sum.Abandoned++
			}
		case errors.Is(r.err, obligation.ErrStaleState), errors.Is(r.err, obligation.ErrTerminal):
			sum.Stale++
		default:
			sum.Failed++
		}
	}
	if sum.enqueued() && s.kicker != nil {
		s.kicker.Kick()
	}

	if listErr != nil {
		if !errors.Is(listErr, obligation.ErrStoreUnavailable) {
			listErr = fmt.Errorf("%w: %w", obligation.ErrStoreUnavailable, listErr)
		}
		sum.Error = listErr.Error()
		s.finish(ctx, &sum, "aborted")
		return sum, fmt.Errorf("scheduler: list due: %w", listErr)
	}

	outcome := "ok"
	if sum.Failed > 0 {
		outcome = "partial"
	}
	s.finish(ctx, &sum, outcome)
	return sum, nil
}

type result struct {
	action escalation.Action
	err    error
}

func (s *Scheduler) apply(ctx context.Context, o obligation.Obligation, step escalation.Transition, now time.Time) result {
	effect := obligation.Effect{
		At:     now,
		Actor:  obligation.ActorScheduler,
		Reason: step.Reason,
	}

	var err error
	switch step.Action {
	case escalation.ActionAdvance:
		effect.Dispatch = true
		_, err = s.store.Transition(ctx, o.ID, step.From, step.To, effect)
	case escalation.ActionRedispatch:
		_, err = s.store.Redispatch(ctx, o.ID, step.From, effect)
	case escalation.ActionAbandon:
		_, err = s.store.AbandonDispatch(ctx, o.ID, step.From, effect)
	}

	log := s.logger.With(
		slog.String("id", o.ID),
		slog.String("action", string(step.Action)),
		slog.String("from", string(step.From)),
		slog.String("to", string(step.To)),
	)
	switch {
	case err == nil:
		s.metrics.Transition(ctx, string(step.Action), string(step.To))
		log.Info("obligation stepped", slog.String("reason", step.Reason))
	case errors.Is(err, obligation.ErrStaleState), errors.Is(err, obligation.ErrTerminal):
		// Another writer got there first; its outcome stands.
		s.metrics.StaleDrop(ctx)
		log.Debug("stale write dropped", slog.Any("err", err))
	default:
		log.Error("obligation step failed", slog.Any("err", err))
	}
	return result{action: step.Action, err: err}
}

func (s *Scheduler) finish(ctx context.Context, sum *Summary, outcome string) {
	sum.FinishedAt = s.now()
	elapsed := sum.FinishedAt.Sub(sum.StartedAt)
	s.metrics.ScanPass(ctx, elapsed, outcome)

	s.mu.Lock()
	last := *sum
	s.last = &last
	s.mu.Unlock()

	s.logger.Info("scan pass finished",
		slog.String("outcome", outcome),
		slog.Int("scanned", sum.Scanned),
		slog.Int("advanced", sum.Advanced),
		slog.Int("redispatched", sum.Redispatched),
		slog.Int("abandoned", sum.Abandoned),
		slog.Int("stale", sum.Stale),
		slog.Int("failed", sum.Failed),
		slog.Int("deferred", sum.Deferred),
	)
}
