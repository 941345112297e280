package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"liblending/internal/model"
	"liblending/internal/store"
)

// Reserve appends an ACTIVE reservation to a book's queue. Reservations are
// only meaningful when nothing is on the shelf, so this fails with
// ErrCopyAvailable while stock exists.
func (e *Engine) Reserve(ctx context.Context, userID, bookID string) (model.Reservation, error) {
	bs, err := e.bookState(bookID)
	if err != nil {
		return model.Reservation{}, err
	}
	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	if bs.book.AvailableCopies > 0 {
		return model.Reservation{}, ErrCopyAvailable
	}

	now := e.clock.Now()
	res := model.Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		BookID:    bookID,
		Status:    model.ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.ReservationTTL),
	}

	err = e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.InsertReservation(ctx, &res)
	})
	if err != nil {
		return model.Reservation{}, fmt.Errorf("persist reservation: %w", err)
	}

	e.mu.Lock()
	stored := res
	e.reservations[res.ID] = &stored
	bs.queue = insertQueued(bs.queue, e.reservations, &stored)
	e.mu.Unlock()

	e.stage(&events, "CREATE_RESERVATION", userID, "reservation", res.ID,
		fmt.Sprintf("user %s reserved book %s", userID, bookID))
	return res, nil
}

// Cancel moves an ACTIVE reservation to CANCELLED, removing it from
// fulfilment consideration.
func (e *Engine) Cancel(ctx context.Context, reservationID string) (model.Reservation, error) {
	e.mu.RLock()
	res, ok := e.reservations[reservationID]
	var bs *bookState
	if ok {
		bs = e.books[res.BookID]
	}
	e.mu.RUnlock()
	if !ok || bs == nil {
		return model.Reservation{}, ErrNotFound
	}

	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	e.mu.RLock()
	cur := *res
	e.mu.RUnlock()
	if !cur.Status.CanTransitionTo(model.ReservationCancelled) {
		return model.Reservation{}, fmt.Errorf("%w: cannot cancel %s reservation", ErrInvalidState, cur.Status)
	}

	updated := cur
	updated.Status = model.ReservationCancelled

	err := e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.UpdateReservation(ctx, &updated)
	})
	if err != nil {
		return model.Reservation{}, fmt.Errorf("persist cancellation: %w", err)
	}

	e.mu.Lock()
	*res = updated
	bs.queue = removeQueued(bs.queue, updated.ID)
	e.mu.Unlock()

	e.stage(&events, "CANCEL_RESERVATION", updated.UserID, "reservation", updated.ID,
		fmt.Sprintf("reservation for book %s cancelled", updated.BookID))
	return updated, nil
}

// ExpireReservations flips every ACTIVE reservation whose expiry has passed
// to EXPIRED. Idempotent. Returns the number of reservations expired.
func (e *Engine) ExpireReservations(ctx context.Context) (int, error) {
	now := e.clock.Now()

	e.mu.RLock()
	var candidates []string
	for id, res := range e.reservations {
		if res.Status == model.ReservationActive && res.ExpiresAt.Before(now) {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()

	var expired int
	var errs []error
	for _, id := range candidates {
		e.mu.RLock()
		res, ok := e.reservations[id]
		var bs *bookState
		if ok {
			bs = e.books[res.BookID]
		}
		e.mu.RUnlock()
		if !ok || bs == nil {
			continue
		}

		bs.latch.Lock()

		e.mu.RLock()
		cur := *res
		e.mu.RUnlock()
		if cur.Status != model.ReservationActive || !cur.ExpiresAt.Before(now) {
			bs.latch.Unlock()
			continue
		}

		updated := cur
		updated.Status = model.ReservationExpired

		err := e.store.Transact(ctx, func(tx store.Tx) error {
			return tx.UpdateReservation(ctx, &updated)
		})
		if err != nil {
			bs.latch.Unlock()
			errs = append(errs, fmt.Errorf("persist expiry for %s: %w", id, err))
			continue
		}

		e.mu.Lock()
		*res = updated
		bs.queue = removeQueued(bs.queue, updated.ID)
		e.mu.Unlock()
		bs.latch.Unlock()

		expired++
		e.record(ctx, "EXPIRE_RESERVATION", updated.UserID, "reservation", updated.ID,
			fmt.Sprintf("reservation for book %s expired", updated.BookID))
	}
	return expired, errors.Join(errs...)
}

// popQueueLocked walks a book's queue from the head and stages the outcome
// of a freed copy: reservations past their expiry become EXPIRED, the first
// live one becomes FULFILLED. Caller holds the book latch.
func (e *Engine) popQueueLocked(bs *bookState, now time.Time) (expired []model.Reservation, fulfilled *model.Reservation) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, id := range bs.queue {
		res, ok := e.reservations[id]
		if !ok || res.Status != model.ReservationActive {
			continue
		}
		cur := *res
		if cur.ExpiresAt.Before(now) {
			cur.Status = model.ReservationExpired
			expired = append(expired, cur)
			continue
		}
		cur.Status = model.ReservationFulfilled
		fulfilled = &cur
		return expired, fulfilled
	}
	return expired, nil
}

// insertQueued places a reservation id into the queue keeping it sorted by
// (created_at, id). The id tie-break makes fulfilment order total and
// deterministic under coarse clocks.
func insertQueued(queue []string, reservations map[string]*model.Reservation, res *model.Reservation) []string {
	i := sort.Search(len(queue), func(i int) bool {
		other, ok := reservations[queue[i]]
		if !ok {
			return true
		}
		return res.Before(other)
	})
	queue = append(queue, "")
	copy(queue[i+1:], queue[i:])
	queue[i] = res.ID
	return queue
}

// removeQueued drops an id from the queue, preserving order.
func removeQueued(queue []string, id string) []string {
	for i, q := range queue {
		if q == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}
