package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBorrowStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to BorrowStatus
		ok       bool
	}{
		{BorrowPending, BorrowActive, true},
		{BorrowPending, BorrowRejected, true},
		{BorrowPending, BorrowReturned, false},
		{BorrowPending, BorrowOverdue, false},
		{BorrowActive, BorrowReturned, true},
		{BorrowActive, BorrowOverdue, true},
		{BorrowActive, BorrowRejected, false},
		{BorrowOverdue, BorrowReturned, true},
		{BorrowOverdue, BorrowActive, false},
		{BorrowReturned, BorrowActive, false},
		{BorrowRejected, BorrowActive, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestBorrowStatusPredicates(t *testing.T) {
	assert.True(t, BorrowPending.Open())
	assert.True(t, BorrowActive.Open())
	assert.True(t, BorrowOverdue.Open())
	assert.False(t, BorrowReturned.Open())
	assert.False(t, BorrowRejected.Open())

	// A pending request holds a claim but not a physical copy.
	assert.False(t, BorrowPending.CheckedOut())
	assert.True(t, BorrowActive.CheckedOut())
	assert.True(t, BorrowOverdue.CheckedOut())
	assert.False(t, BorrowReturned.CheckedOut())
}

func TestReservationStatusTransitions(t *testing.T) {
	for _, target := range []ReservationStatus{ReservationFulfilled, ReservationExpired, ReservationCancelled} {
		assert.True(t, ReservationActive.CanTransitionTo(target))
		assert.False(t, target.CanTransitionTo(ReservationActive))
		assert.False(t, target.CanTransitionTo(ReservationFulfilled))
	}
}

func TestReservationBefore(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	earlier := &Reservation{ID: "z", CreatedAt: t0}
	later := &Reservation{ID: "a", CreatedAt: t0.Add(time.Second)}
	assert.True(t, earlier.Before(later))
	assert.False(t, later.Before(earlier))

	// Equal timestamps fall back to the id.
	low := &Reservation{ID: "a", CreatedAt: t0}
	high := &Reservation{ID: "b", CreatedAt: t0}
	assert.True(t, low.Before(high))
	assert.False(t, high.Before(low))
}
