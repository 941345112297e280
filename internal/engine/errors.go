package engine

import "errors"

// All engine failures are recoverable, caller-facing conditions returned as
// typed errors for the HTTP layer to translate. Only a durable-storage
// failure mid-transition surfaces as a plain wrapped error.
var (
	// ErrNotFound means the book, borrow, reservation or fine id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means a transition was attempted from a state that
	// forbids it, e.g. approving an already-ACTIVE record.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNoCopyAvailable means an approval raced for the last copy and lost.
	ErrNoCopyAvailable = errors.New("no copy available")

	// ErrDuplicateActiveBorrow means the user already has an open borrow
	// record for this book.
	ErrDuplicateActiveBorrow = errors.New("user already has an open borrow for this book")

	// ErrUserNotApproved means the user directory reports the user is not
	// in approved standing.
	ErrUserNotApproved = errors.New("user is not approved to borrow")

	// ErrCopyAvailable means a reservation was attempted while copies are
	// still available.
	ErrCopyAvailable = errors.New("copies are available, reservation not needed")
)
