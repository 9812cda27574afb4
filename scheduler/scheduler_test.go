package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaveLoeffel/sage-app-sub001/escalation"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/reconcile"
)

// Monday 09:00 UTC.
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newSQLite(t *testing.T) *obligation.SQLiteStore {
	t.Helper()
	store, err := obligation.NewSQLiteStore(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createAt(t *testing.T, store obligation.Store, ref string, created time.Time, target string) string {
	t.Helper()
	id, err := store.Create(context.Background(), &obligation.Obligation{
		SourceRef:        ref,
		Contact:          "ann@example.com",
		EscalationTarget: target,
		Priority:         obligation.PriorityNormal,
		CreatedAt:        created,
		DueAt:            obligation.AddBusinessDays(created, 2),
	}, obligation.ActorIngestor)
	require.NoError(t, err)
	return id
}

func TestRunPass_NormalPriorityScenario(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{Workers: 2}, nil).WithClock(clk.Now)

	id := createAt(t, store, "thread-7", t0, "boss@example.com")

	clk.Set(t0.Add(time.Hour))
	sum, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Zero(t, sum.Advanced)

	clk.Set(t0.Add(49 * time.Hour))
	sum, err = sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Advanced)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusReminded, got.Status)
	assert.Equal(t, obligation.DispatchPending, got.DispatchState)
	assert.Equal(t, t0.Add(49*time.Hour), got.LastTransitionAt)

	claimed, err := store.ClaimDispatches(ctx, clk.Now(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, obligation.StatusReminded, claimed[0].Stage)
	assert.Empty(t, claimed[0].EscalationTarget)
	require.NoError(t, store.AckDispatch(ctx, claimed[0].ID, clk.Now()))

	clk.Set(t0.Add(7*24*time.Hour + time.Hour))
	sum, err = sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Advanced)

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusEscalated, got.Status)

	claimed, err = store.ClaimDispatches(ctx, clk.Now(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, obligation.StatusEscalated, claimed[0].Stage)
	assert.Equal(t, "boss@example.com", claimed[0].EscalationTarget)

	hist, err := store.History(ctx, id)
	require.NoError(t, err)
	var transitions []obligation.Status
	for _, h := range hist {
		if h.Action == obligation.ActionTransitioned {
			transitions = append(transitions, h.ToStatus)
			assert.Equal(t, obligation.ActorScheduler, h.Actor)
		}
	}
	assert.Equal(t, []obligation.Status{obligation.StatusReminded, obligation.StatusEscalated}, transitions)
}

func TestRunPass_Idempotent(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0.Add(49 * time.Hour)}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{}, nil).WithClock(clk.Now)

	id := createAt(t, store, "thread-1", t0, "")

	first, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Advanced)

	second, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Advanced)

	hist, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "created + one transition")
}

func TestRunPass_ReplyThenScanIsNoop(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0.Add(49 * time.Hour)}
	svc := obligation.NewService(store).WithClock(clk.Now)
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{}, nil).WithClock(clk.Now)

	id := createAt(t, store, "thread-42", t0, "boss@example.com")
	_, err := sched.RunPass(ctx)
	require.NoError(t, err)

	out, err := reconcile.NewMatcher(store, svc, false, nil).Reconcile(ctx, reconcile.InboundMessage{
		SourceRef:  "thread-42",
		Contact:    "ann@example.com",
		ReceivedAt: t0.Add(50 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, out.Closed)

	before, err := store.History(ctx, id)
	require.NoError(t, err)

	clk.Set(t0.Add(30 * 24 * time.Hour))
	sum, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Scanned)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusCompleted, got.Status)
	assert.Equal(t, reconcile.ReasonReplyDetected, got.ClosedReason)

	after, err := store.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestRunPass_EscalationWithoutTargetRedispatchesUntilCap(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0.Add(49 * time.Hour)}
	policy := escalation.DefaultPolicy()
	policy.MaxDispatchAttempts = 2
	sched := New(store, escalation.NewHolder(policy), Config{}, nil).WithClock(clk.Now)

	id := createAt(t, store, "thread-9", t0, "")
	_, err := sched.RunPass(ctx)
	require.NoError(t, err)

	fail := func() {
		claimed, err := store.ClaimDispatches(ctx, clk.Now(), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, store.FailDispatch(ctx, claimed[0].ID, clk.Now(), "notify: 503"))
	}

	fail()
	clk.Set(t0.Add(8 * 24 * time.Hour))
	sum, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Redispatched)

	fail()
	sum, err = sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Abandoned)

	sum, err = sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Abandoned+sum.Redispatched+sum.Advanced)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusReminded, got.Status)
	assert.Equal(t, obligation.DispatchAbandoned, got.DispatchState)
	assert.Equal(t, 2, got.DispatchAttempts)
}

// racingStore closes the obligation right before the scheduler's write.
type racingStore struct {
	*obligation.SQLiteStore
	svc *obligation.Service
}

func (r racingStore) Transition(ctx context.Context, id string, expected, next obligation.Status, effect obligation.Effect) (obligation.Obligation, error) {
	if _, err := r.svc.Complete(ctx, id, obligation.ActorReconciler, "reply detected"); err != nil {
		return obligation.Obligation{}, err
	}
	return r.SQLiteStore.Transition(ctx, id, expected, next, effect)
}

func TestRunPass_LostRaceIsDropped(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0.Add(49 * time.Hour)}
	svc := obligation.NewService(store).WithClock(clk.Now)
	sched := New(racingStore{SQLiteStore: store, svc: svc}, escalation.NewHolder(escalation.DefaultPolicy()), Config{}, nil).WithClock(clk.Now)

	id := createAt(t, store, "thread-3", t0, "")
	sum, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stale)
	assert.Zero(t, sum.Advanced)
	assert.Zero(t, sum.Failed)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusCompleted, got.Status)
}

type fakeStore struct {
	listErr error
	due     []obligation.Obligation
	delay   time.Duration
	writes  atomic.Int32
}

func (f *fakeStore) ListDue(context.Context, time.Time, obligation.DueFilter) ([]obligation.Obligation, error) {
	return f.due, f.listErr
}

func (f *fakeStore) Transition(_ context.Context, id string, _, next obligation.Status, _ obligation.Effect) (obligation.Obligation, error) {
	time.Sleep(f.delay)
	f.writes.Add(1)
	return obligation.Obligation{ID: id, Status: next}, nil
}

func (f *fakeStore) Redispatch(context.Context, string, obligation.Status, obligation.Effect) (obligation.Obligation, error) {
	return obligation.Obligation{}, errors.New("unexpected redispatch")
}

func (f *fakeStore) AbandonDispatch(context.Context, string, obligation.Status, obligation.Effect) (obligation.Obligation, error) {
	return obligation.Obligation{}, errors.New("unexpected abandon")
}

func TestRunPass_StoreUnavailableAbortsPass(t *testing.T) {
	store := &fakeStore{listErr: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{}, nil)

	_, err := sched.RunPass(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, obligation.ErrStoreUnavailable)
	assert.Zero(t, store.writes.Load())

	last, ok := sched.LastPass()
	require.True(t, ok)
	assert.NotEmpty(t, last.Error)
}

func TestRunPass_DeadlineDefersRemainingWork(t *testing.T) {
	due := make([]obligation.Obligation, 3)
	for i := range due {
		due[i] = obligation.Obligation{
			ID:        string(rune('a' + i)),
			Status:    obligation.StatusOpen,
			Priority:  obligation.PriorityNormal,
			CreatedAt: t0,
		}
	}
	store := &fakeStore{due: due, delay: 100 * time.Millisecond}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{Workers: 1, PassTimeout: 50 * time.Millisecond}, nil).
		WithClock(func() time.Time { return t0.Add(49 * time.Hour) })

	sum, err := sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sum.Deferred, 1)
	assert.GreaterOrEqual(t, sum.Advanced, 1)
	assert.Equal(t, 3, sum.Advanced+sum.Deferred)
	assert.EqualValues(t, sum.Advanced, store.writes.Load())
}

type blockingStore struct {
	fakeStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ListDue(context.Context, time.Time, obligation.DueFilter) ([]obligation.Obligation, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestTrigger_SingleFlight(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sched.Trigger(context.Background())
		done <- err
	}()
	<-store.entered

	_, err := sched.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(store.release)
	require.NoError(t, <-done)
}

type countingKicker struct{ n atomic.Int32 }

func (k *countingKicker) Kick() { k.n.Add(1) }

func TestRunPass_KicksDispatcherWhenEnqueued(t *testing.T) {
	store := newSQLite(t)
	kicker := &countingKicker{}
	clk := &clock{now: t0.Add(time.Hour)}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{}, nil).WithClock(clk.Now).WithKicker(kicker)

	createAt(t, store, "thread-5", t0, "")
	_, err := sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, kicker.n.Load())

	clk.Set(t0.Add(49 * time.Hour))
	_, err = sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, kicker.n.Load())
}

func TestRunPass_StuckObligationsDoNotStarveNewOnes(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0.Add(49 * time.Hour)}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{BatchLimit: 2}, nil).WithClock(clk.Now)

	for _, ref := range []string{"thread-old-1", "thread-old-2", "thread-old-3"} {
		createAt(t, store, ref, t0, "boss@example.com")
	}
	createAt(t, store, "thread-old-4", t0, "")
	sum, err := sched.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, sum.Advanced)

	clk.Set(t0.Add(7*24*time.Hour + time.Hour))
	sum, err = sched.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Advanced)

	fresh := createAt(t, store, "thread-fresh", t0.Add(200*time.Hour), "")
	clk.Set(t0.Add(260 * time.Hour))
	for i := 0; i < 3; i++ {
		_, err = sched.RunPass(ctx)
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusReminded, got.Status)
}

func TestRunPass_PagesThroughEveryDueObligation(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	clk := &clock{now: t0.Add(49 * time.Hour)}
	sched := New(store, escalation.NewHolder(escalation.DefaultPolicy()), Config{BatchLimit: 2, Workers: 1}, nil).WithClock(clk.Now)

	var created []string
	for _, ref := range []string{"thread-p1", "thread-p2", "thread-p3", "thread-p4", "thread-p5"} {
		created = append(created, createAt(t, store, ref, t0, ""))
	}

	sum, err := sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Scanned)
	assert.Equal(t, 5, sum.Advanced)

	for _, id := range created {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusReminded, got.Status, id)
	}
}
