// Package store persists lending-engine state transitions. The engine holds
// authoritative state in memory and writes every transition through a Store
// before applying it, so a driver only needs two things: a full snapshot at
// startup and an atomic transaction for each logical unit of work.
package store

import (
	"context"

	"liblending/internal/model"
)

// Snapshot is the full durable state loaded at engine startup.
type Snapshot struct {
	Books        []model.Book
	Borrows      []model.BorrowRecord
	Reservations []model.Reservation
	Fines        []model.Fine
}

// Tx is the set of writes available inside a transaction. Every method
// persists the given row as-is; validation happens in the engine before the
// transaction starts.
type Tx interface {
	UpsertBook(ctx context.Context, book *model.Book) error
	SetAvailableCopies(ctx context.Context, bookID string, available int) error
	InsertBorrow(ctx context.Context, rec *model.BorrowRecord) error
	UpdateBorrow(ctx context.Context, rec *model.BorrowRecord) error
	InsertReservation(ctx context.Context, res *model.Reservation) error
	UpdateReservation(ctx context.Context, res *model.Reservation) error
	InsertFine(ctx context.Context, fine *model.Fine) error
	UpdateFine(ctx context.Context, fine *model.Fine) error
}

// Store is implemented by the Postgres and in-memory drivers.
type Store interface {
	// Load returns the durable state for engine hydration.
	Load(ctx context.Context) (*Snapshot, error)

	// Transact runs fn atomically: either every write fn issued is durable
	// when Transact returns nil, or none is.
	Transact(ctx context.Context, fn func(Tx) error) error

	// Close releases driver resources.
	Close()
}
