// Package model defines the core domain types for the lending engine.
package model

import "time"

// BorrowStatus is the closed set of borrow-record states.
type BorrowStatus string

const (
	BorrowPending  BorrowStatus = "PENDING"
	BorrowActive   BorrowStatus = "ACTIVE"
	BorrowReturned BorrowStatus = "RETURNED"
	BorrowRejected BorrowStatus = "REJECTED"
	BorrowOverdue  BorrowStatus = "OVERDUE"
)

// borrowTransitions lists the legal source→target moves of the borrow
// lifecycle. RETURNED and REJECTED are terminal.
var borrowTransitions = map[BorrowStatus][]BorrowStatus{
	BorrowPending: {BorrowActive, BorrowRejected},
	BorrowActive:  {BorrowReturned, BorrowOverdue},
	BorrowOverdue: {BorrowReturned},
}

// CanTransitionTo reports whether a record in status s may move to target.
func (s BorrowStatus) CanTransitionTo(target BorrowStatus) bool {
	for _, t := range borrowTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Open reports whether the status occupies a claim on a (user, book) pair:
// a user may hold at most one open record per book.
func (s BorrowStatus) Open() bool {
	return s == BorrowPending || s == BorrowActive || s == BorrowOverdue
}

// CheckedOut reports whether the status occupies a physical copy slot.
// Overdue books are still checked out until returned.
func (s BorrowStatus) CheckedOut() bool {
	return s == BorrowActive || s == BorrowOverdue
}

// ReservationStatus is the closed set of reservation states.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationFulfilled ReservationStatus = "FULFILLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// reservationTransitions: ACTIVE is the only non-terminal state.
var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationActive: {ReservationFulfilled, ReservationExpired, ReservationCancelled},
}

// CanTransitionTo reports whether a reservation in status s may move to target.
func (s ReservationStatus) CanTransitionTo(target ReservationStatus) bool {
	for _, t := range reservationTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Book carries the engine's view of a title: the catalog owns the title and
// the total copy count, the engine owns the available count.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
}

// BorrowRecord is the historical record of one borrow request. Records are
// never deleted; terminal states close them.
type BorrowRecord struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	BookID      string       `json:"book_id"`
	Status      BorrowStatus `json:"status"`
	RequestedAt time.Time    `json:"requested_at"`
	DueAt       *time.Time   `json:"due_at,omitempty"`
	ReturnedAt  *time.Time   `json:"returned_at,omitempty"`
	FineAmount  *float64     `json:"fine_amount,omitempty"`
}

// Reservation is a queued claim on the next copy of a book to free up.
// Ordering among reservations for the same book is FIFO by CreatedAt with
// ID as tie-break.
type Reservation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	BookID    string            `json:"book_id"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Before reports whether r is ahead of other in the fulfilment order.
func (r *Reservation) Before(other *Reservation) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.Before(other.CreatedAt)
	}
	return r.ID < other.ID
}

// Fine is an overdue fee attached to a returned borrow. The amount is
// immutable once created; only PaidStatus may change, via an explicit
// payment.
type Fine struct {
	ID         string     `json:"id"`
	BorrowID   string     `json:"borrow_id"`
	UserID     string     `json:"user_id"`
	Amount     float64    `json:"amount"`
	PaidStatus bool       `json:"paid_status"`
	CreatedAt  time.Time  `json:"created_at"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
}

// AuditEvent is the immutable record handed to the audit sink for every
// state transition.
type AuditEvent struct {
	Kind        string    `json:"kind"`
	ActorID     string    `json:"actor_id"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
