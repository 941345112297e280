package store

import (
	"context"
	"sync"

	"liblending/internal/model"
)

// Memory is an in-process Store used by tests and single-node runs without
// Postgres. Writes are buffered per transaction and applied on commit, so a
// transaction that fails mid-way leaves no trace, matching the Postgres
// driver's semantics.
type Memory struct {
	mu           sync.Mutex
	books        map[string]model.Book
	borrows      map[string]model.BorrowRecord
	reservations map[string]model.Reservation
	fines        map[string]model.Fine

	// FailNext makes the next transaction fail at commit. Tests use it to
	// exercise the engine's rollback path.
	FailNext error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		books:        make(map[string]model.Book),
		borrows:      make(map[string]model.BorrowRecord),
		reservations: make(map[string]model.Reservation),
		fines:        make(map[string]model.Fine),
	}
}

// Load returns a copy of everything currently held.
func (m *Memory) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{}
	for _, b := range m.books {
		snap.Books = append(snap.Books, b)
	}
	for _, r := range m.borrows {
		snap.Borrows = append(snap.Borrows, r)
	}
	for _, r := range m.reservations {
		snap.Reservations = append(snap.Reservations, r)
	}
	for _, f := range m.fines {
		snap.Fines = append(snap.Fines, f)
	}
	return snap, nil
}

// Transact buffers fn's writes and applies them under the store lock.
func (m *Memory) Transact(_ context.Context, fn func(Tx) error) error {
	tx := &memoryTx{}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	for _, apply := range tx.ops {
		apply(m)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() {}

type memoryTx struct {
	ops []func(*Memory)
}

func (t *memoryTx) UpsertBook(_ context.Context, book *model.Book) error {
	b := *book
	t.ops = append(t.ops, func(m *Memory) { m.books[b.ID] = b })
	return nil
}

func (t *memoryTx) SetAvailableCopies(_ context.Context, bookID string, available int) error {
	t.ops = append(t.ops, func(m *Memory) {
		b := m.books[bookID]
		b.AvailableCopies = available
		m.books[bookID] = b
	})
	return nil
}

func (t *memoryTx) InsertBorrow(_ context.Context, rec *model.BorrowRecord) error {
	r := *rec
	t.ops = append(t.ops, func(m *Memory) { m.borrows[r.ID] = r })
	return nil
}

func (t *memoryTx) UpdateBorrow(ctx context.Context, rec *model.BorrowRecord) error {
	return t.InsertBorrow(ctx, rec)
}

func (t *memoryTx) InsertReservation(_ context.Context, res *model.Reservation) error {
	r := *res
	t.ops = append(t.ops, func(m *Memory) { m.reservations[r.ID] = r })
	return nil
}

func (t *memoryTx) UpdateReservation(ctx context.Context, res *model.Reservation) error {
	return t.InsertReservation(ctx, res)
}

func (t *memoryTx) InsertFine(_ context.Context, fine *model.Fine) error {
	f := *fine
	t.ops = append(t.ops, func(m *Memory) { m.fines[f.ID] = f })
	return nil
}

func (t *memoryTx) UpdateFine(ctx context.Context, fine *model.Fine) error {
	return t.InsertFine(ctx, fine)
}
