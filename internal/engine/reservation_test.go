package engine_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liblending/internal/engine"
	"liblending/internal/model"
)

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("fails while copies are available", func(t *testing.T) {
		env := newTestEnv(t)
		env.addBook(t, "b1", 1)

		_, err := env.eng.Reserve(ctx, "alice", "b1")
		assert.ErrorIs(t, err, engine.ErrCopyAvailable)
	})

	t.Run("queues when the shelf is empty", func(t *testing.T) {
		env := newTestEnv(t)
		env.addBook(t, "b1", 1)
		env.borrow(t, "alice", "b1")

		res, err := env.eng.Reserve(ctx, "bob", "b1")
		require.NoError(t, err)
		assert.Equal(t, model.ReservationActive, res.Status)
		assert.Equal(t, env.clock.Now().Add(3*24*time.Hour), res.ExpiresAt)

		queue, err := env.eng.BookQueue("b1")
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.Equal(t, "bob", queue[0].UserID)
	})

	t.Run("unknown book", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.eng.Reserve(ctx, "alice", "nope")
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})
}

func TestReservationFIFO(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addBook(t, "b1", 1)
	holder := env.borrow(t, "dave", "b1")

	// U1, U2, U3 reserve in order.
	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := env.eng.Reserve(ctx, user, "b1")
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	// First free copy goes to u1 as a new PENDING request.
	result, err := env.eng.Return(ctx, holder.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Fulfilled)
	assert.Equal(t, "u1", result.Fulfilled.UserID)
	assert.Equal(t, model.ReservationFulfilled, result.Fulfilled.Status)
	require.NotNil(t, result.Promoted)
	assert.Equal(t, "u1", result.Promoted.UserID)
	assert.Equal(t, model.BorrowPending, result.Promoted.Status)

	// The copy stays available until the promoted request is approved.
	available, err := env.eng.Available("b1")
	require.NoError(t, err)
	assert.Equal(t, 1, available)

	// Approve u1, return again: u2 is next.
	approved, err := env.eng.Approve(ctx, result.Promoted.ID)
	require.NoError(t, err)
	result, err = env.eng.Return(ctx, approved.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Fulfilled)
	assert.Equal(t, "u2", result.Fulfilled.UserID)

	queue, err := env.eng.BookQueue("b1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "u3", queue[0].UserID)
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addBook(t, "b1", 1)
	holder := env.borrow(t, "dave", "b1")

	res1, err := env.eng.Reserve(ctx, "u1", "b1")
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.eng.Reserve(ctx, "u2", "b1")
	require.NoError(t, err)

	// Cancelling u1 removes it from consideration; u2 is promoted.
	cancelled, err := env.eng.Cancel(ctx, res1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCancelled, cancelled.Status)

	result, err := env.eng.Return(ctx, holder.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Fulfilled)
	assert.Equal(t, "u2", result.Fulfilled.UserID)

	// Cancel is only valid from ACTIVE.
	_, err = env.eng.Cancel(ctx, res1.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
	_, err = env.eng.Cancel(ctx, result.Fulfilled.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = env.eng.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestReservationExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("sweep expires stale reservations", func(t *testing.T) {
		env := newTestEnv(t)
		env.addBook(t, "b1", 1)
		env.borrow(t, "dave", "b1")

		res, err := env.eng.Reserve(ctx, "u1", "b1")
		require.NoError(t, err)

		env.clock.Advance(4 * 24 * time.Hour) // TTL is 3 days

		expired, err := env.eng.ExpireReservations(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		got, err := env.eng.Reservation(res.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReservationExpired, got.Status)

		// Idempotent.
		expired, err = env.eng.ExpireReservations(ctx)
		require.NoError(t, err)
		assert.Zero(t, expired)
	})

	t.Run("fulfilment skips reservations past expiry without a sweep", func(t *testing.T) {
		env := newTestEnv(t)
		env.addBook(t, "b1", 1)
		holder := env.borrow(t, "dave", "b1")

		stale, err := env.eng.Reserve(ctx, "u1", "b1")
		require.NoError(t, err)
		env.clock.Advance(4 * 24 * time.Hour)
		fresh, err := env.eng.Reserve(ctx, "u2", "b1")
		require.NoError(t, err)

		result, err := env.eng.Return(ctx, holder.ID)
		require.NoError(t, err)
		require.NotNil(t, result.Fulfilled)
		assert.Equal(t, fresh.ID, result.Fulfilled.ID)

		got, err := env.eng.Reservation(stale.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReservationExpired, got.Status)
	})

	t.Run("empty queue leaves the copy on the shelf", func(t *testing.T) {
		env := newTestEnv(t)
		env.addBook(t, "b1", 1)
		holder := env.borrow(t, "dave", "b1")

		result, err := env.eng.Return(ctx, holder.ID)
		require.NoError(t, err)
		assert.Nil(t, result.Fulfilled)
		assert.Nil(t, result.Promoted)

		available, err := env.eng.Available("b1")
		require.NoError(t, err)
		assert.Equal(t, 1, available)
	})
}

func TestReservationTieBreak(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addBook(t, "b1", 1)
	env.borrow(t, "dave", "b1")

	// The frozen clock gives every reservation the same created_at, so the
	// fulfilment order must fall back to the id: lower id first.
	var ids []string
	for _, user := range []string{"u1", "u2", "u3"} {
		res, err := env.eng.Reserve(ctx, user, "b1")
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	sort.Strings(ids)

	queue, err := env.eng.BookQueue("b1")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i, res := range queue {
		assert.Equal(t, ids[i], res.ID)
	}
}
