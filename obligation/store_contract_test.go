package obligation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
)

// t0 is a Monday morning.
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) obligation.Store

func newObligation(ref string, created time.Time) *obligation.Obligation {
	return &obligation.Obligation{
		Kind:      obligation.KindFollowup,
		Title:     "reply about " + ref,
		SourceRef: ref,
		Contact:   "Ann <Ann@Example.com>",
		Priority:  obligation.PriorityNormal,
		CreatedAt: created,
		DueAt:     obligation.AddBusinessDays(created, 2),
	}
}

func mustCreate(t *testing.T, s obligation.Store, o *obligation.Obligation) string {
	t.Helper()
	id, err := s.Create(context.Background(), o, obligation.ActorIngestor)
	require.NoError(t, err)
	return id
}

func effectAt(at time.Time, dispatch bool) obligation.Effect {
	return obligation.Effect{At: at, Actor: obligation.ActorScheduler, Dispatch: dispatch}
}

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		o := newObligation("thread-1", t0)
		o.EscalationTarget = "Boss@Example.com"
		id := mustCreate(t, s, o)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusOpen, got.Status)
		assert.Equal(t, "ann@example.com", got.Contact)
		assert.Equal(t, "boss@example.com", got.EscalationTarget)
		assert.Equal(t, "thread-1", got.SourceRef)
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.True(t, got.LastTransitionAt.Equal(t0))
		assert.True(t, got.DueAt.Equal(t0.AddDate(0, 0, 2)))
		assert.Equal(t, obligation.DispatchNone, got.DispatchState)

		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, 1, hist[0].Seq)
		assert.Equal(t, obligation.ActionCreated, hist[0].Action)
		assert.Equal(t, obligation.ActorIngestor, hist[0].Actor)
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, obligation.ErrNotFound)
		_, err = s.History(ctx, uuid.NewString())
		assert.ErrorIs(t, err, obligation.ErrNotFound)
	})

	t.Run("active source_ref is unique", func(t *testing.T) {
		s := newStore(t)
		first := mustCreate(t, s, newObligation("thread-dup", t0))

		_, err := s.Create(ctx, newObligation("thread-dup", t0.Add(time.Minute)), obligation.ActorIngestor)
		require.ErrorIs(t, err, obligation.ErrDuplicate)

		found, err := s.FindActiveBySourceRef(ctx, "thread-dup")
		require.NoError(t, err)
		assert.Equal(t, first, found.ID)

		_, err = s.Transition(ctx, first, obligation.StatusOpen, obligation.StatusCompleted, effectAt(t0.Add(time.Hour), false))
		require.NoError(t, err)

		_, err = s.FindActiveBySourceRef(ctx, "thread-dup")
		assert.ErrorIs(t, err, obligation.ErrNotFound)

		reopened := mustCreate(t, s, newObligation("thread-dup", t0.Add(2*time.Hour)))
		assert.NotEqual(t, first, reopened)
	})

	t.Run("create validates input", func(t *testing.T) {
		s := newStore(t)
		o := newObligation("", t0)
		_, err := s.Create(ctx, o, obligation.ActorIngestor)
		assert.ErrorIs(t, err, obligation.ErrValidation)

		o = newObligation("thread-bad", t0)
		o.Contact = " "
		_, err = s.Create(ctx, o, obligation.ActorIngestor)
		assert.ErrorIs(t, err, obligation.ErrValidation)

		o = newObligation("thread-bad", t0)
		o.Priority = obligation.Priority(9)
		_, err = s.Create(ctx, o, obligation.ActorIngestor)
		assert.ErrorIs(t, err, obligation.ErrValidation)
	})

	t.Run("conditional transition", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-cas", t0))

		next, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(49*time.Hour), false))
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusReminded, next.Status)
		assert.True(t, next.LastTransitionAt.Equal(t0.Add(49*time.Hour)))

		_, err = s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(50*time.Hour), false))
		assert.ErrorIs(t, err, obligation.ErrStaleState)

		_, err = s.Transition(ctx, id, obligation.StatusReminded, obligation.StatusOpen, effectAt(t0.Add(50*time.Hour), false))
		assert.ErrorIs(t, err, obligation.ErrInvalidTransition)

		_, err = s.Transition(ctx, uuid.NewString(), obligation.StatusOpen, obligation.StatusReminded, effectAt(t0, false))
		assert.ErrorIs(t, err, obligation.ErrNotFound)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusReminded, got.Status)

		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, obligation.StatusOpen, hist[1].FromStatus)
		assert.Equal(t, obligation.StatusReminded, hist[1].ToStatus)
	})

	t.Run("open cannot skip to escalated", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-skip", t0))
		_, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusEscalated, effectAt(t0.Add(time.Hour), false))
		assert.ErrorIs(t, err, obligation.ErrInvalidTransition)
	})

	t.Run("terminal status is frozen", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-closed", t0))
		closed, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusCancelled, obligation.Effect{
			At: t0.Add(time.Hour), Actor: obligation.UserActor("ann"), Reason: "not needed",
		})
		require.NoError(t, err)
		assert.Equal(t, "not needed", closed.ClosedReason)

		_, err = s.Transition(ctx, id, obligation.StatusCancelled, obligation.StatusCompleted, effectAt(t0.Add(2*time.Hour), false))
		assert.ErrorIs(t, err, obligation.ErrTerminal)
		_, err = s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusCompleted, effectAt(t0.Add(2*time.Hour), false))
		assert.ErrorIs(t, err, obligation.ErrStaleState)

		title := "renamed"
		_, err = s.UpdateDetails(ctx, id, obligation.DetailsUpdate{Title: &title})
		assert.ErrorIs(t, err, obligation.ErrTerminal)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.LastTransitionAt.Equal(t0.Add(time.Hour)))
	})

	t.Run("transition time never precedes creation", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-clock", t0))
		got, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusCompleted, effectAt(t0.Add(-time.Hour), false))
		require.NoError(t, err)
		assert.True(t, got.LastTransitionAt.Equal(t0))
	})

	t.Run("list due ordering", func(t *testing.T) {
		s := newStore(t)
		late := newObligation("thread-late", t0)
		late.DueAt = t0.Add(72 * time.Hour)
		lateID := mustCreate(t, s, late)

		soonLow := newObligation("thread-soon-low", t0)
		soonLow.DueAt = t0.Add(24 * time.Hour)
		soonLow.Priority = obligation.PriorityLow
		soonLowID := mustCreate(t, s, soonLow)

		soonHigh := newObligation("thread-soon-high", t0)
		soonHigh.DueAt = t0.Add(24 * time.Hour)
		soonHigh.Priority = obligation.PriorityHigh
		soonHighID := mustCreate(t, s, soonHigh)

		closed := newObligation("thread-done", t0)
		closedID := mustCreate(t, s, closed)
		_, err := s.Transition(ctx, closedID, obligation.StatusOpen, obligation.StatusCompleted, effectAt(t0, false))
		require.NoError(t, err)

		future := newObligation("thread-future", t0.Add(10*24*time.Hour))
		mustCreate(t, s, future)

		due, err := s.ListDue(ctx, t0.Add(time.Hour), obligation.DueFilter{})
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, []string{soonHighID, soonLowID, lateID}, ids(due))

		limited, err := s.ListDue(ctx, t0.Add(time.Hour), obligation.DueFilter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{soonHighID}, ids(limited))

		reminded, err := s.ListDue(ctx, t0.Add(time.Hour), obligation.DueFilter{Statuses: []obligation.Status{obligation.StatusReminded}})
		require.NoError(t, err)
		assert.Empty(t, reminded)
	})

	t.Run("list due skips obligations with nothing left to do", func(t *testing.T) {
		s := newStore(t)
		at := t0.Add(49 * time.Hour)
		remind := func(ref, target string, dispatch bool) string {
			o := newObligation(ref, t0)
			o.EscalationTarget = target
			id := mustCreate(t, s, o)
			_, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(at, dispatch))
			require.NoError(t, err)
			return id
		}

		openID := mustCreate(t, s, newObligation("thread-open", t0))
		remind("thread-no-target", "", false)
		withTarget := remind("thread-target", "boss@example.com", false)
		escalated := remind("thread-escalated", "boss@example.com", false)
		_, err := s.Transition(ctx, escalated, obligation.StatusReminded, obligation.StatusEscalated, effectAt(at.Add(time.Hour), true))
		require.NoError(t, err)
		failedID := remind("thread-failed", "", true)

		claimed, err := s.ClaimDispatches(ctx, at.Add(time.Hour), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		for _, req := range claimed {
			if req.ObligationID == failedID {
				require.NoError(t, s.FailDispatch(ctx, req.ID, at.Add(time.Hour), "notify: 503"))
			} else {
				require.NoError(t, s.AckDispatch(ctx, req.ID, at.Add(time.Hour)))
			}
		}

		due, err := s.ListDue(ctx, at.Add(2*time.Hour), obligation.DueFilter{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{openID, withTarget, failedID}, ids(due))
	})

	t.Run("list due resumes after a cursor", func(t *testing.T) {
		s := newStore(t)
		var want []string
		for i, p := range []obligation.Priority{obligation.PriorityUrgent, obligation.PriorityHigh, obligation.PriorityNormal, obligation.PriorityLow} {
			o := newObligation(uuid.NewString(), t0)
			o.Priority = p
			o.DueAt = t0.Add(time.Duration(i/2) * 24 * time.Hour)
			want = append(want, mustCreate(t, s, o))
		}

		var got []string
		filter := obligation.DueFilter{Limit: 3}
		for {
			page, err := s.ListDue(ctx, t0.Add(time.Hour), filter)
			require.NoError(t, err)
			got = append(got, ids(page)...)
			if len(page) < filter.Limit {
				break
			}
			filter.After = obligation.CursorAfter(page[len(page)-1])
		}
		assert.Equal(t, want, got)
	})

	t.Run("concurrent transitions have one winner", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 10; i++ {
			id := mustCreate(t, s, newObligation(fmt.Sprintf("thread-race-%d", i), t0))
			at := t0.Add(49 * time.Hour)

			targets := []obligation.Status{obligation.StatusReminded, obligation.StatusCompleted}
			errs := make([]error, len(targets))
			start := make(chan struct{})
			var wg sync.WaitGroup
			for j, next := range targets {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, errs[j] = s.Transition(ctx, id, obligation.StatusOpen, next, effectAt(at, next == obligation.StatusReminded))
				}()
			}
			close(start)
			wg.Wait()

			var winner obligation.Status
			switch {
			case errs[0] == nil:
				winner = obligation.StatusReminded
				assert.ErrorIs(t, errs[1], obligation.ErrStaleState)
			case errs[1] == nil:
				winner = obligation.StatusCompleted
				assert.ErrorIs(t, errs[0], obligation.ErrStaleState)
			default:
				t.Fatalf("no transition won: %v, %v", errs[0], errs[1])
			}

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, winner, got.Status)

			hist, err := s.History(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []obligation.Action{obligation.ActionCreated, obligation.ActionTransitioned}, actions(hist))
			assert.Equal(t, winner, hist[1].ToStatus)

			claimed, err := s.ClaimDispatches(ctx, at, 10, time.Minute)
			require.NoError(t, err)
			if winner == obligation.StatusReminded {
				require.Len(t, claimed, 1)
				assert.Equal(t, id, claimed[0].ObligationID)
				require.NoError(t, s.AckDispatch(ctx, claimed[0].ID, at))
			} else {
				assert.Empty(t, claimed)
			}
		}
	})

	t.Run("active by contact", func(t *testing.T) {
		s := newStore(t)
		older := mustCreate(t, s, newObligation("thread-a", t0))
		newer := mustCreate(t, s, newObligation("thread-b", t0.Add(time.Hour)))
		later := newObligation("thread-c", t0.Add(5*time.Hour))
		mustCreate(t, s, later)
		other := newObligation("thread-d", t0)
		other.Contact = "bob@example.com"
		mustCreate(t, s, other)

		got, err := s.ListActiveByContact(ctx, "ANN@example.com", t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{older, newer}, ids(got))
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		a := mustCreate(t, s, newObligation("thread-l1", t0))
		todo := newObligation("thread-l2", t0.Add(time.Minute))
		todo.Kind = obligation.KindTodo
		b := mustCreate(t, s, todo)
		_, err := s.Transition(ctx, a, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(time.Hour), false))
		require.NoError(t, err)

		all, err := s.List(ctx, obligation.ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{b, a}, ids(all))

		reminded := obligation.StatusReminded
		got, err := s.List(ctx, obligation.ListFilter{Status: &reminded})
		require.NoError(t, err)
		assert.Equal(t, []string{a}, ids(got))

		kind := obligation.KindTodo
		got, err = s.List(ctx, obligation.ListFilter{Kind: &kind})
		require.NoError(t, err)
		assert.Equal(t, []string{b}, ids(got))

		got, err = s.List(ctx, obligation.ListFilter{SourceRef: "thread-l1"})
		require.NoError(t, err)
		assert.Equal(t, []string{a}, ids(got))

		got, err = s.List(ctx, obligation.ListFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{a}, ids(got))
	})

	t.Run("update details", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-upd", t0))
		urgent := obligation.PriorityUrgent
		notes := "call instead"
		got, err := s.UpdateDetails(ctx, id, obligation.DetailsUpdate{
			Priority: &urgent, Notes: &notes, At: t0.Add(time.Minute), Actor: obligation.UserActor("ann"),
		})
		require.NoError(t, err)
		assert.Equal(t, obligation.PriorityUrgent, got.Priority)
		assert.Equal(t, "call instead", got.Notes)

		stored, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.PriorityUrgent, stored.Priority)

		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, obligation.ActionUpdated, hist[1].Action)
		assert.Equal(t, obligation.Actor("user:ann"), hist[1].Actor)

		bad := obligation.Priority(7)
		_, err = s.UpdateDetails(ctx, id, obligation.DetailsUpdate{Priority: &bad})
		assert.ErrorIs(t, err, obligation.ErrValidation)
	})

	t.Run("history sequence is monotonic", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-hist", t0))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendHistory(ctx, id, obligation.HistoryEntry{
				At: t0.Add(time.Duration(i) * time.Minute), Actor: obligation.UserActor("ann"),
				Action: obligation.ActionNote, Payload: map[string]any{"note": "n"},
			}))
		}
		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, hist, 4)
		for i, e := range hist {
			assert.Equal(t, i+1, e.Seq)
		}
		assert.Equal(t, "n", hist[3].Payload["note"])

		err = s.AppendHistory(ctx, uuid.NewString(), obligation.HistoryEntry{Action: obligation.ActionNote})
		assert.ErrorIs(t, err, obligation.ErrNotFound)
	})

	t.Run("dispatch is enqueued with the transition", func(t *testing.T) {
		s := newStore(t)
		o := newObligation("thread-disp", t0)
		o.EscalationTarget = "boss@example.com"
		id := mustCreate(t, s, o)

		got, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(49*time.Hour), true))
		require.NoError(t, err)
		assert.Equal(t, obligation.DispatchPending, got.DispatchState)
		assert.Equal(t, 1, got.DispatchAttempts)

		now := t0.Add(49 * time.Hour)
		claimed, err := s.ClaimDispatches(ctx, now, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		req := claimed[0]
		assert.Equal(t, id, req.ObligationID)
		assert.Equal(t, obligation.StatusReminded, req.Stage)
		assert.Equal(t, "ann@example.com", req.Recipient)
		assert.Empty(t, req.EscalationTarget)
		assert.Equal(t, 1, req.Attempt)
		assert.Equal(t, obligation.StatusReminded, req.ObligationStatus)
		assert.Equal(t, id+":REMINDED", req.IdempotencyKey())

		again, err := s.ClaimDispatches(ctx, now.Add(30*time.Second), 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "leased request must not be claimed twice")

		recovered, err := s.ClaimDispatches(ctx, now.Add(2*time.Minute), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, recovered, 1, "expired lease is reclaimed")

		require.NoError(t, s.AckDispatch(ctx, req.ID, now.Add(2*time.Minute)))
		assert.ErrorIs(t, s.AckDispatch(ctx, req.ID, now.Add(3*time.Minute)), obligation.ErrStaleState)

		acked, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.DispatchAcked, acked.DispatchState)

		escalated, err := s.Transition(ctx, id, obligation.StatusReminded, obligation.StatusEscalated, effectAt(t0.Add(169*time.Hour), true))
		require.NoError(t, err)
		assert.Equal(t, obligation.DispatchPending, escalated.DispatchState)

		claimed, err = s.ClaimDispatches(ctx, t0.Add(169*time.Hour), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, obligation.StatusEscalated, claimed[0].Stage)
		assert.Equal(t, "boss@example.com", claimed[0].EscalationTarget)

		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []obligation.Action{
			obligation.ActionCreated, obligation.ActionTransitioned, obligation.ActionDispatchAcked, obligation.ActionTransitioned,
		}, actions(hist))
	})

	t.Run("failed dispatch is redispatched then abandoned", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-fail", t0))
		_, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(49*time.Hour), true))
		require.NoError(t, err)

		now := t0.Add(49 * time.Hour)
		claimed, err := s.ClaimDispatches(ctx, now, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, s.FailDispatch(ctx, claimed[0].ID, now, "notify: 503"))

		failed, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.DispatchFailed, failed.DispatchState)
		assert.Equal(t, 1, failed.DispatchAttempts)

		redone, err := s.Redispatch(ctx, id, obligation.StatusReminded, effectAt(now.Add(5*time.Minute), true))
		require.NoError(t, err)
		assert.Equal(t, obligation.DispatchPending, redone.DispatchState)
		assert.Equal(t, 2, redone.DispatchAttempts)

		_, err = s.Redispatch(ctx, id, obligation.StatusReminded, effectAt(now.Add(6*time.Minute), true))
		assert.ErrorIs(t, err, obligation.ErrStaleState, "only a FAILED dispatch can be redispatched")

		claimed, err = s.ClaimDispatches(ctx, now.Add(5*time.Minute), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 2, claimed[0].Attempt)
		assert.Equal(t, id+":REMINDED", claimed[0].IdempotencyKey())
		require.NoError(t, s.FailDispatch(ctx, claimed[0].ID, now.Add(5*time.Minute), "notify: 503"))

		abandoned, err := s.AbandonDispatch(ctx, id, obligation.StatusReminded, effectAt(now.Add(10*time.Minute), false))
		require.NoError(t, err)
		assert.Equal(t, obligation.DispatchAbandoned, abandoned.DispatchState)

		_, err = s.AbandonDispatch(ctx, id, obligation.StatusReminded, effectAt(now.Add(11*time.Minute), false))
		assert.ErrorIs(t, err, obligation.ErrStaleState)

		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []obligation.Action{
			obligation.ActionCreated, obligation.ActionTransitioned, obligation.ActionDispatchFailed,
			obligation.ActionRedispatched, obligation.ActionDispatchFailed, obligation.ActionDispatchAbandoned,
		}, actions(hist))
	})

	t.Run("ack after close leaves the obligation untouched", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-race", t0))
		_, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(49*time.Hour), true))
		require.NoError(t, err)
		claimed, err := s.ClaimDispatches(ctx, t0.Add(49*time.Hour), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		_, err = s.Transition(ctx, id, obligation.StatusReminded, obligation.StatusCompleted, effectAt(t0.Add(50*time.Hour), false))
		require.NoError(t, err)
		require.NoError(t, s.AckDispatch(ctx, claimed[0].ID, t0.Add(51*time.Hour)))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusCompleted, got.Status)
		assert.True(t, got.LastTransitionAt.Equal(t0.Add(50*time.Hour)))
	})

	t.Run("skip dispatch", func(t *testing.T) {
		s := newStore(t)
		id := mustCreate(t, s, newObligation("thread-skipd", t0))
		_, err := s.Transition(ctx, id, obligation.StatusOpen, obligation.StatusReminded, effectAt(t0.Add(49*time.Hour), true))
		require.NoError(t, err)
		claimed, err := s.ClaimDispatches(ctx, t0.Add(49*time.Hour), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, s.SkipDispatch(ctx, claimed[0].ID, t0.Add(49*time.Hour), "obligation closed"))
		assert.ErrorIs(t, s.SkipDispatch(ctx, claimed[0].ID, t0.Add(49*time.Hour), "again"), obligation.ErrStaleState)

		rest, err := s.ClaimDispatches(ctx, t0.Add(100*time.Hour), 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})
}

func ids(in []obligation.Obligation) []string {
	out := make([]string, len(in))
	for i, o := range in {
		out[i] = o.ID
	}
	return out
}

func actions(in []obligation.HistoryEntry) []obligation.Action {
	out := make([]obligation.Action, len(in))
	for i, e := range in {
		out[i] = e.Action
	}
	return out
}
