// Package engine implements the lending and reservation engine: copy-count
// accounting, the borrow-request approval state machine, the per-book FIFO
// reservation queue, and fine computation at return time.
//
// The engine holds authoritative state in memory. Each book has its own
// latch; every operation that reads-then-writes a book's counts, queue head
// or borrow records runs under that latch, so operations on different books
// proceed in parallel while two approvals for the last copy of the same
// book cannot both succeed. Transitions are written through the store
// before memory is touched: a failed durable write leaves no partial state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"liblending/internal/model"
	"liblending/internal/store"
)

// Clock supplies the current time. Injectable for deterministic tests of
// due dates, overdue sweeps and reservation expiry.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used in production.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Directory is the user-status collaborator: users not in approved standing
// are ineligible to borrow.
type Directory interface {
	IsApproved(ctx context.Context, userID string) (bool, error)
}

// Recorder is the audit sink. Writes are fire-and-forget: the engine never
// fails a transition because the audit write failed.
type Recorder interface {
	Record(ctx context.Context, event model.AuditEvent) error
}

// Config holds the engine's tunable policy values. Tests inject their own.
type Config struct {
	LoanPeriod     time.Duration
	DailyFineRate  float64
	ReservationTTL time.Duration
}

// bookState is everything the engine tracks per book. Its latch is the
// unit of mutual exclusion: the only I/O permitted while holding it is the
// durable write of a state transition.
type bookState struct {
	latch sync.Mutex

	book       model.Book
	checkedOut int      // borrows in ACTIVE or OVERDUE for this book
	queue      []string // ACTIVE reservation ids, FIFO by (created_at, id)
}

// Engine is the lending and reservation engine.
type Engine struct {
	cfg   Config
	store store.Store
	dir   Directory
	audit Recorder
	clock Clock
	log   *slog.Logger

	// mu guards the maps structurally. It is held only for map access and
	// field copies, never across store I/O; the per-book latch provides
	// the logical critical section.
	mu           sync.RWMutex
	books        map[string]*bookState
	borrows      map[string]*model.BorrowRecord
	reservations map[string]*model.Reservation
	fines        map[string]*model.Fine
	openBorrows  map[string]string // userID + "\x00" + bookID -> open borrow id
}

// New hydrates an Engine from the store's snapshot.
func New(ctx context.Context, cfg Config, st store.Store, dir Directory, audit Recorder, clock Clock, log *slog.Logger) (*Engine, error) {
	snap, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		store:        st,
		dir:          dir,
		audit:        audit,
		clock:        clock,
		log:          log,
		books:        make(map[string]*bookState),
		borrows:      make(map[string]*model.BorrowRecord),
		reservations: make(map[string]*model.Reservation),
		fines:        make(map[string]*model.Fine),
		openBorrows:  make(map[string]string),
	}

	for i := range snap.Books {
		b := snap.Books[i]
		e.books[b.ID] = &bookState{book: b}
	}
	for i := range snap.Borrows {
		rec := snap.Borrows[i]
		e.borrows[rec.ID] = &rec
		if rec.Status.Open() {
			e.openBorrows[openKey(rec.UserID, rec.BookID)] = rec.ID
		}
		if rec.Status.CheckedOut() {
			if bs, ok := e.books[rec.BookID]; ok {
				bs.checkedOut++
			}
		}
	}
	for i := range snap.Reservations {
		res := snap.Reservations[i]
		e.reservations[res.ID] = &res
		if res.Status == model.ReservationActive {
			if bs, ok := e.books[res.BookID]; ok {
				bs.queue = insertQueued(bs.queue, e.reservations, &res)
			}
		}
	}
	for i := range snap.Fines {
		f := snap.Fines[i]
		e.fines[f.ID] = &f
	}

	// The conservation invariant (available + checked-out == total) is
	// recomputed from the borrow records; a stored count that disagrees is
	// corrected and reported.
	for id, bs := range e.books {
		want := bs.book.TotalCopies - bs.checkedOut
		if want < 0 {
			want = 0
		}
		if bs.book.AvailableCopies != want {
			log.Warn("correcting available copies on hydrate",
				"book_id", id, "stored", bs.book.AvailableCopies, "computed", want)
			bs.book.AvailableCopies = want
		}
	}

	return e, nil
}

func openKey(userID, bookID string) string {
	return userID + "\x00" + bookID
}

// bookState returns the per-book entry, or ErrNotFound for unknown books.
func (e *Engine) bookState(bookID string) (*bookState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bs, ok := e.books[bookID]
	if !ok {
		return nil, ErrNotFound
	}
	return bs, nil
}

// record hands an audit event to the sink; a failed write is logged and
// otherwise ignored.
func (e *Engine) record(ctx context.Context, kind, actorID, entityType, entityID, description string) {
	event := model.AuditEvent{
		Kind:        kind,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: description,
		Timestamp:   e.clock.Now(),
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.log.Error("audit write failed", "kind", kind, "entity_id", entityID, "error", err)
	}
}

// stage buffers an audit event while a book latch is held. Operations
// register emit with defer before taking the latch, so the sink is reached
// only after the latch is released and a slow sink cannot serialize
// traffic on the book.
func (e *Engine) stage(events *[]model.AuditEvent, kind, actorID, entityType, entityID, description string) {
	*events = append(*events, model.AuditEvent{
		Kind:        kind,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: description,
		Timestamp:   e.clock.Now(),
	})
}

// emit drains staged events into the sink, log-and-continue on failure.
func (e *Engine) emit(ctx context.Context, events []model.AuditEvent) {
	for _, event := range events {
		if err := e.audit.Record(ctx, event); err != nil {
			e.log.Error("audit write failed", "kind", event.Kind, "entity_id", event.EntityID, "error", err)
		}
	}
}

// SyncBook is the catalog collaborator's entry point: it creates a book or
// applies a title/total-copies change. The available count is recomputed
// from the invariant and clamped at zero when copies are withdrawn while
// still checked out.
func (e *Engine) SyncBook(ctx context.Context, bookID, title string, totalCopies int) (model.Book, error) {
	if totalCopies < 0 {
		return model.Book{}, fmt.Errorf("%w: total_copies must be >= 0", ErrInvalidState)
	}

	e.mu.Lock()
	bs, ok := e.books[bookID]
	if !ok {
		bs = &bookState{book: model.Book{ID: bookID, CreatedAt: e.clock.Now()}}
		e.books[bookID] = bs
	}
	e.mu.Unlock()

	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	updated := bs.book
	updated.Title = title
	updated.TotalCopies = totalCopies
	updated.AvailableCopies = totalCopies - bs.checkedOut
	if updated.AvailableCopies < 0 {
		updated.AvailableCopies = 0
	}

	err := e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.UpsertBook(ctx, &updated)
	})
	if err != nil {
		return model.Book{}, fmt.Errorf("persist book: %w", err)
	}

	e.mu.Lock()
	bs.book = updated
	e.mu.Unlock()

	e.stage(&events, "SYNC_BOOK", "catalog", "book", bookID,
		fmt.Sprintf("book %q synced with %d total copies", title, totalCopies))
	return updated, nil
}

// Book returns a snapshot of a book's engine state.
func (e *Engine) Book(bookID string) (model.Book, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bs, ok := e.books[bookID]
	if !ok {
		return model.Book{}, ErrNotFound
	}
	return bs.book, nil
}

// Books returns all books known to the engine, ordered by id.
func (e *Engine) Books() []model.Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Book, 0, len(e.books))
	for _, bs := range e.books {
		out = append(out, bs.book)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Borrow returns one borrow record by id.
func (e *Engine) Borrow(borrowID string) (model.BorrowRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.borrows[borrowID]
	if !ok {
		return model.BorrowRecord{}, ErrNotFound
	}
	return *rec, nil
}

// UserBorrows returns a user's borrow records, all of them or only the open
// (PENDING/ACTIVE/OVERDUE) ones.
func (e *Engine) UserBorrows(userID string, openOnly bool) []model.BorrowRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.BorrowRecord
	for _, rec := range e.borrows {
		if rec.UserID != userID {
			continue
		}
		if openOnly && !rec.Status.Open() {
			continue
		}
		out = append(out, *rec)
	}
	sortBorrows(out)
	return out
}

// PendingBorrows returns every PENDING request, oldest first, for the
// approval surface.
func (e *Engine) PendingBorrows() []model.BorrowRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.BorrowRecord
	for _, rec := range e.borrows {
		if rec.Status == model.BorrowPending {
			out = append(out, *rec)
		}
	}
	sortBorrows(out)
	return out
}

// Reservation returns one reservation by id.
func (e *Engine) Reservation(reservationID string) (model.Reservation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res, ok := e.reservations[reservationID]
	if !ok {
		return model.Reservation{}, ErrNotFound
	}
	return *res, nil
}

// BookQueue returns a book's ACTIVE reservations in fulfilment order.
func (e *Engine) BookQueue(bookID string) ([]model.Reservation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bs, ok := e.books[bookID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Reservation, 0, len(bs.queue))
	for _, id := range bs.queue {
		if res, ok := e.reservations[id]; ok {
			out = append(out, *res)
		}
	}
	return out, nil
}

// UserFines returns a user's fines, optionally only the unpaid ones.
func (e *Engine) UserFines(userID string, unpaidOnly bool) []model.Fine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.Fine
	for _, f := range e.fines {
		if f.UserID != userID {
			continue
		}
		if unpaidOnly && f.PaidStatus {
			continue
		}
		out = append(out, *f)
	}
	sortFines(out)
	return out
}

// PayFine marks a fine paid. The amount is immutable and must be nonzero;
// a fine can be paid once.
func (e *Engine) PayFine(ctx context.Context, fineID string) (model.Fine, error) {
	e.mu.RLock()
	f, ok := e.fines[fineID]
	if !ok {
		e.mu.RUnlock()
		return model.Fine{}, ErrNotFound
	}
	rec, ok := e.borrows[f.BorrowID]
	e.mu.RUnlock()
	if !ok {
		return model.Fine{}, ErrNotFound
	}

	// Fines are serialised under the latch of the book they arose from.
	bs, err := e.bookState(rec.BookID)
	if err != nil {
		return model.Fine{}, err
	}
	var events []model.AuditEvent
	defer func() { e.emit(ctx, events) }()
	bs.latch.Lock()
	defer bs.latch.Unlock()

	e.mu.RLock()
	updated := *f
	e.mu.RUnlock()
	if updated.PaidStatus {
		return model.Fine{}, fmt.Errorf("%w: fine already paid", ErrInvalidState)
	}
	if updated.Amount <= 0 {
		return model.Fine{}, fmt.Errorf("%w: fine amount must be nonzero", ErrInvalidState)
	}

	now := e.clock.Now()
	updated.PaidStatus = true
	updated.PaidAt = &now

	err = e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.UpdateFine(ctx, &updated)
	})
	if err != nil {
		return model.Fine{}, fmt.Errorf("persist fine payment: %w", err)
	}

	e.mu.Lock()
	*f = updated
	e.mu.Unlock()

	e.stage(&events, "PAY_FINE", updated.UserID, "fine", updated.ID,
		fmt.Sprintf("fine of %.2f paid", updated.Amount))
	return updated, nil
}

func sortBorrows(recs []model.BorrowRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].RequestedAt.Equal(recs[j].RequestedAt) {
			return recs[i].RequestedAt.Before(recs[j].RequestedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func sortFines(fines []model.Fine) {
	sort.Slice(fines, func(i, j int) bool {
		if !fines[i].CreatedAt.Equal(fines[j].CreatedAt) {
			return fines[i].CreatedAt.Before(fines[j].CreatedAt)
		}
		return fines[i].ID < fines[j].ID
	})
}
