package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DaveLoeffel/sage-app-sub001/dispatch"
	"github.com/DaveLoeffel/sage-app-sub001/ingest"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/reconcile"
	"github.com/DaveLoeffel/sage-app-sub001/scheduler"
)

// Clock is a shared simulated clock. Advance moves it forward so escalation
// delays measured in hours elapse within a short run.
type Clock struct {
	nanos atomic.Int64
}

func NewClock(start time.Time) *Clock {
	c := &Clock{}
	c.nanos.Store(start.UnixNano())
	return c
}

func (c *Clock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

func (c *Clock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

// Refs is the pool of thread identifiers the actors contend over.
type Refs []string

func NewRefs(n int) Refs {
	refs := make(Refs, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("thread-%03d", i)
	}
	return refs
}

func (r Refs) Pick(rng *rand.Rand) string { return r[rng.Intn(len(r))] }

// ContactFor keeps one contact per thread so the contact fallback has
// something to find.
func ContactFor(ref string) string { return ref + "@example.com" }

// tolerable reports errors the engine is expected to return under
// contention or while chaos is killing backends.
func tolerable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, obligation.ErrStaleState),
		errors.Is(err, obligation.ErrTerminal),
		errors.Is(err, obligation.ErrDuplicate),
		errors.Is(err, obligation.ErrNotFound),
		errors.Is(err, obligation.ErrStoreUnavailable):
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P01 admin_shutdown, 08xxx connection exceptions
		return pgErr.Code == "57P01" || pgErr.Code[:2] == "08"
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Ticker advances the clock by step every interval.
func Ticker(ctx context.Context, clock *Clock, step, interval time.Duration, stop <-chan struct{}) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-t.C:
			clock.Advance(step)
		}
	}
}

// Classifier publishes classification events for random threads; most of
// them collide with an obligation that is already active.
func Classifier(ctx context.Context, ing *ingest.Ingestor, refs Refs, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		ref := refs.Pick(rng)
		ev := ingest.ClassificationEvent{
			RequiresResponse: true,
			Contact:          ContactFor(ref),
			SourceRef:        ref,
			Priority:         obligation.Priority(rng.Intn(4)),
		}
		if rng.Intn(3) == 0 {
			ev.EscalationTarget = "manager@example.com"
		}
		if _, err := ing.Ingest(ctx, ev); !tolerable(err) {
			return fmt.Errorf("classifier ingest %s: %w", ref, err)
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
}

// Scanner runs scheduler passes back to back.
func Scanner(ctx context.Context, sched *scheduler.Scheduler, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := sched.RunPass(ctx); err != nil && !tolerable(err) {
			return fmt.Errorf("scanner pass: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Replier feeds inbound replies to the matcher, half of them by thread and
// half by contact only.
func Replier(ctx context.Context, m *reconcile.Matcher, clock *Clock, refs Refs, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		ref := refs.Pick(rng)
		msg := reconcile.InboundMessage{
			Contact:    ContactFor(ref),
			ReceivedAt: clock.Now(),
		}
		if rng.Intn(2) == 0 {
			msg.SourceRef = ref
		}
		if _, err := m.Reconcile(ctx, msg); !tolerable(err) {
			return fmt.Errorf("replier %s: %w", ref, err)
		}
		time.Sleep(time.Duration(20+rng.Intn(40)) * time.Millisecond)
	}
}

// Operator cancels or completes whatever is active on a random thread, the
// way a user would from the control surface.
func Operator(ctx context.Context, svc *obligation.Service, store obligation.Store, refs Refs, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	actor := obligation.UserActor("stress")
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		ref := refs.Pick(rng)
		o, err := store.FindActiveBySourceRef(ctx, ref)
		if err == nil {
			if rng.Intn(2) == 0 {
				_, err = svc.Cancel(ctx, o.ID, actor, "stress cancel")
			} else {
				_, err = svc.Complete(ctx, o.ID, actor, "stress complete")
			}
		}
		if !tolerable(err) {
			return fmt.Errorf("operator %s: %w", ref, err)
		}
		time.Sleep(time.Duration(30+rng.Intn(60)) * time.Millisecond)
	}
}

// Dispatcher drains the outbox repeatedly.
func Dispatcher(ctx context.Context, d *dispatch.Dispatcher, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := d.Drain(ctx); err != nil && !tolerable(err) {
			return fmt.Errorf("dispatcher drain: %w", err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// FlakyNotifier fails roughly one send in failEvery.
type FlakyNotifier struct {
	failEvery int
	calls     atomic.Int64
	Sent      atomic.Int64
}

func NewFlakyNotifier(failEvery int) *FlakyNotifier {
	return &FlakyNotifier{failEvery: failEvery}
}

func (n *FlakyNotifier) Notify(ctx context.Context, req obligation.DispatchRequest) error {
	if c := n.calls.Add(1); n.failEvery > 0 && c%int64(n.failEvery) == 0 {
		return fmt.Errorf("notify %s: simulated outage", req.IdempotencyKey())
	}
	n.Sent.Add(1)
	return nil
}
