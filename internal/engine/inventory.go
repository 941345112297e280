package engine

// Inventory ledger: the only place copy counts are mutated. All three
// helpers require the caller to hold the book's latch; they touch memory
// only, so the caller stages the new count, persists it, then applies.

// reserveCopy stages a decrement of the available count. It fails with
// ErrNoCopyAvailable when nothing is on the shelf and mutates nothing.
func (b *bookState) reserveCopy() (int, error) {
	if b.book.AvailableCopies <= 0 {
		return 0, ErrNoCopyAvailable
	}
	return b.book.AvailableCopies - 1, nil
}

// releaseCopy stages an increment of the available count, capped at the
// total. The cap guards against double-release bugs; capped reports
// whether the increment was swallowed so the caller can log it.
func (b *bookState) releaseCopy() (available int, capped bool) {
	next := b.book.AvailableCopies + 1
	if next > b.book.TotalCopies {
		return b.book.TotalCopies, true
	}
	return next, false
}

// Available returns a read-only snapshot of a book's available count.
func (e *Engine) Available(bookID string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bs, ok := e.books[bookID]
	if !ok {
		return 0, ErrNotFound
	}
	return bs.book.AvailableCopies, nil
}
