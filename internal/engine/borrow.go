package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"liblending/internal/model"
	"liblending/internal/store"
)

// ReturnResult reports everything a return triggered: the closed record,
// the fine (if the return was late) and the reservation promoted into a new
// pending request (if anyone was waiting).
type ReturnResult struct {
	Record    model.BorrowRecord  `json:"record"`
	Fine      *model.Fine         `json:"fine,omitempty"`
	Fulfilled *model.Reservation  `json:"fulfilled,omitempty"`
	Promoted  *model.BorrowRecord `json:"promoted,omitempty"`
}

// Request creates a PENDING borrow record for (user, book). The inventory
// is untouched: the copy is reserved on approval, not on request, so many
// pending requests may queue for the same last copy and approval order
// decides the winner.
func (e *Engine) Request(ctx context.Context, userID, bookID string) (model.BorrowRecord, error) {
	approved, err := e.dir.IsApproved(ctx, userID)
	if err != nil {
		return model.BorrowRecord{}, fmt.Errorf("check user standing: %w", err)
	}
	if !approved {
		return model.BorrowRecord{}, ErrUserNotApproved
	}

	bs, err := e.bookState(bookID)
	if err != nil {
		return model.BorrowRecord{}, err
	}
	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	e.mu.RLock()
	_, dup := e.openBorrows[openKey(userID, bookID)]
	e.mu.RUnlock()
	if dup {
		return model.BorrowRecord{}, ErrDuplicateActiveBorrow
	}

	rec := model.BorrowRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		BookID:      bookID,
		Status:      model.BorrowPending,
		RequestedAt: e.clock.Now(),
	}

	err = e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.InsertBorrow(ctx, &rec)
	})
	if err != nil {
		return model.BorrowRecord{}, fmt.Errorf("persist borrow request: %w", err)
	}

	e.mu.Lock()
	stored := rec
	e.borrows[rec.ID] = &stored
	e.openBorrows[openKey(userID, bookID)] = rec.ID
	e.mu.Unlock()

	e.stage(&events, "REQUEST_BORROW", userID, "borrow", rec.ID,
		fmt.Sprintf("user %s requested book %s", userID, bookID))
	return rec, nil
}

// Approve moves a PENDING record to ACTIVE, reserving a copy. When the book
// has no copy left the approval fails with ErrNoCopyAvailable and the
// record stays PENDING for a later retry.
func (e *Engine) Approve(ctx context.Context, borrowID string) (model.BorrowRecord, error) {
	rec, bs, err := e.borrowState(borrowID)
	if err != nil {
		return model.BorrowRecord{}, err
	}
	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	cur := e.snapshotBorrow(rec)
	if !cur.Status.CanTransitionTo(model.BorrowActive) {
		return model.BorrowRecord{}, fmt.Errorf("%w: cannot approve %s record", ErrInvalidState, cur.Status)
	}

	newAvailable, err := bs.reserveCopy()
	if err != nil {
		return model.BorrowRecord{}, err
	}

	due := e.clock.Now().Add(e.cfg.LoanPeriod)
	updated := cur
	updated.Status = model.BorrowActive
	updated.DueAt = &due

	err = e.store.Transact(ctx, func(tx store.Tx) error {
		if err := tx.UpdateBorrow(ctx, &updated); err != nil {
			return err
		}
		return tx.SetAvailableCopies(ctx, cur.BookID, newAvailable)
	})
	if err != nil {
		// Nothing was applied in memory, so the staged reservation simply
		// evaporates with the failed transaction.
		return model.BorrowRecord{}, fmt.Errorf("persist approval: %w", err)
	}

	e.mu.Lock()
	*rec = updated
	bs.book.AvailableCopies = newAvailable
	bs.checkedOut++
	e.mu.Unlock()

	e.stage(&events, "APPROVE_BORROW", updated.UserID, "borrow", updated.ID,
		fmt.Sprintf("book %s issued, due %s", updated.BookID, due.Format("2006-01-02")))
	return updated, nil
}

// Reject moves a PENDING record to REJECTED. No ledger interaction.
func (e *Engine) Reject(ctx context.Context, borrowID string) (model.BorrowRecord, error) {
	rec, bs, err := e.borrowState(borrowID)
	if err != nil {
		return model.BorrowRecord{}, err
	}
	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	cur := e.snapshotBorrow(rec)
	if !cur.Status.CanTransitionTo(model.BorrowRejected) {
		return model.BorrowRecord{}, fmt.Errorf("%w: cannot reject %s record", ErrInvalidState, cur.Status)
	}

	updated := cur
	updated.Status = model.BorrowRejected

	err = e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.UpdateBorrow(ctx, &updated)
	})
	if err != nil {
		return model.BorrowRecord{}, fmt.Errorf("persist rejection: %w", err)
	}

	e.mu.Lock()
	*rec = updated
	e.closeOpenBorrowLocked(&updated)
	e.mu.Unlock()

	e.stage(&events, "REJECT_BORROW", updated.UserID, "borrow", updated.ID,
		fmt.Sprintf("request for book %s rejected", updated.BookID))
	return updated, nil
}

// Return closes an ACTIVE or OVERDUE record: the copy goes back on the
// shelf, a fine is created if the return is late, and the oldest waiting
// reservation (if any) is promoted into a new PENDING request. The whole
// transition is durable as one unit.
func (e *Engine) Return(ctx context.Context, borrowID string) (*ReturnResult, error) {
	rec, bs, err := e.borrowState(borrowID)
	if err != nil {
		return nil, err
	}
	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	cur := e.snapshotBorrow(rec)
	if !cur.Status.CanTransitionTo(model.BorrowReturned) {
		return nil, fmt.Errorf("%w: cannot return %s record", ErrInvalidState, cur.Status)
	}
	if cur.DueAt == nil {
		// An ACTIVE or OVERDUE row can only lack a due date if storage was
		// edited by hand; refuse it rather than panic on the fine.
		return nil, fmt.Errorf("%w: record has no due date", ErrInvalidState)
	}

	now := e.clock.Now()
	newAvailable, capped := bs.releaseCopy()
	if capped {
		e.log.Warn("release capped at total copies", "book_id", cur.BookID, "borrow_id", cur.ID)
	}

	updated := cur
	updated.Status = model.BorrowReturned
	updated.ReturnedAt = &now

	var fine *model.Fine
	if amount := ComputeFine(*cur.DueAt, now, e.cfg.DailyFineRate); amount > 0 {
		updated.FineAmount = &amount
		fine = &model.Fine{
			ID:        uuid.New().String(),
			BorrowID:  cur.ID,
			UserID:    cur.UserID,
			Amount:    amount,
			CreatedAt: now,
		}
	}

	// A freed copy goes to the head of the reservation queue, skipping
	// entries whose expiry has passed. The promoted request is PENDING and
	// the copy stays available until it is explicitly approved.
	expired, fulfilled := e.popQueueLocked(bs, now)
	var promoted *model.BorrowRecord
	if fulfilled != nil {
		promoted = &model.BorrowRecord{
			ID:          uuid.New().String(),
			UserID:      fulfilled.UserID,
			BookID:      fulfilled.BookID,
			Status:      model.BorrowPending,
			RequestedAt: now,
		}
	}

	err = e.store.Transact(ctx, func(tx store.Tx) error {
		if err := tx.UpdateBorrow(ctx, &updated); err != nil {
			return err
		}
		if err := tx.SetAvailableCopies(ctx, cur.BookID, newAvailable); err != nil {
			return err
		}
		if fine != nil {
			if err := tx.InsertFine(ctx, fine); err != nil {
				return err
			}
		}
		for i := range expired {
			if err := tx.UpdateReservation(ctx, &expired[i]); err != nil {
				return err
			}
		}
		if fulfilled != nil {
			if err := tx.UpdateReservation(ctx, fulfilled); err != nil {
				return err
			}
		}
		if promoted != nil {
			if err := tx.InsertBorrow(ctx, promoted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist return: %w", err)
	}

	e.mu.Lock()
	*rec = updated
	e.closeOpenBorrowLocked(&updated)
	bs.book.AvailableCopies = newAvailable
	bs.checkedOut--
	if fine != nil {
		f := *fine
		e.fines[f.ID] = &f
	}
	for i := range expired {
		*e.reservations[expired[i].ID] = expired[i]
		bs.queue = removeQueued(bs.queue, expired[i].ID)
	}
	if fulfilled != nil {
		*e.reservations[fulfilled.ID] = *fulfilled
		bs.queue = removeQueued(bs.queue, fulfilled.ID)
	}
	if promoted != nil {
		p := *promoted
		e.borrows[p.ID] = &p
		e.openBorrows[openKey(p.UserID, p.BookID)] = p.ID
	}
	e.mu.Unlock()

	e.stage(&events, "RETURN_BOOK", updated.UserID, "borrow", updated.ID,
		fmt.Sprintf("book %s returned by user %s", updated.BookID, updated.UserID))
	if fine != nil {
		e.stage(&events, "CREATE_FINE", updated.UserID, "fine", fine.ID,
			fmt.Sprintf("fine of %.2f for late return of book %s", fine.Amount, updated.BookID))
	}
	for i := range expired {
		e.stage(&events, "EXPIRE_RESERVATION", expired[i].UserID, "reservation", expired[i].ID,
			fmt.Sprintf("reservation for book %s expired", expired[i].BookID))
	}
	if fulfilled != nil {
		e.stage(&events, "FULFILL_RESERVATION", fulfilled.UserID, "reservation", fulfilled.ID,
			fmt.Sprintf("book %s auto-assigned from reservation", fulfilled.BookID))
	}

	return &ReturnResult{Record: updated, Fine: fine, Fulfilled: fulfilled, Promoted: promoted}, nil
}

// MarkOverdue flips every ACTIVE record whose due date has passed to
// OVERDUE. Idempotent; overdue books still occupy a copy slot until
// returned. Returns the number of records flipped.
func (e *Engine) MarkOverdue(ctx context.Context) (int, error) {
	now := e.clock.Now()

	e.mu.RLock()
	var candidates []string
	for id, rec := range e.borrows {
		if rec.Status == model.BorrowActive && rec.DueAt != nil && rec.DueAt.Before(now) {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()

	var flipped int
	var errs []error
	for _, id := range candidates {
		rec, bs, err := e.borrowState(id)
		if err != nil {
			continue
		}
		bs.latch.Lock()

		// Re-check under the latch: the record may have been returned
		// between the scan and now.
		cur := e.snapshotBorrow(rec)
		if cur.Status != model.BorrowActive || cur.DueAt == nil || !cur.DueAt.Before(now) {
			bs.latch.Unlock()
			continue
		}

		updated := cur
		updated.Status = model.BorrowOverdue

		err = e.store.Transact(ctx, func(tx store.Tx) error {
			return tx.UpdateBorrow(ctx, &updated)
		})
		if err != nil {
			bs.latch.Unlock()
			errs = append(errs, fmt.Errorf("persist overdue flip for %s: %w", id, err))
			continue
		}

		e.mu.Lock()
		*rec = updated
		e.mu.Unlock()
		bs.latch.Unlock()

		flipped++
		e.record(ctx, "MARK_OVERDUE", updated.UserID, "borrow", updated.ID,
			fmt.Sprintf("book %s is overdue", updated.BookID))
	}
	return flipped, errors.Join(errs...)
}

// borrowState resolves a borrow id to its record pointer and book entry.
func (e *Engine) borrowState(borrowID string) (*model.BorrowRecord, *bookState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.borrows[borrowID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	bs, ok := e.books[rec.BookID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return rec, bs, nil
}

// snapshotBorrow copies a record's fields under the structural lock.
func (e *Engine) snapshotBorrow(rec *model.BorrowRecord) model.BorrowRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *rec
}

// closeOpenBorrowLocked drops the (user, book) claim when the record that
// holds it reaches a terminal state. Callers hold e.mu.
func (e *Engine) closeOpenBorrowLocked(rec *model.BorrowRecord) {
	key := openKey(rec.UserID, rec.BookID)
	if e.openBorrows[key] == rec.ID {
		delete(e.openBorrows, key)
	}
}
