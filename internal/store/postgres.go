package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liblending/internal/model"
)

// Postgres is the durable Store driver. It uses pgx directly (no ORM); each
// Transact call maps to one database transaction.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps a connected pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the engine's tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS books (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			total_copies     INT NOT NULL CHECK (total_copies >= 0),
			available_copies INT NOT NULL CHECK (available_copies >= 0),
			created_at       TIMESTAMPTZ NOT NULL,
			CHECK (available_copies <= total_copies)
		);
		CREATE TABLE IF NOT EXISTS borrows (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			book_id      TEXT NOT NULL REFERENCES books(id),
			status       TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL,
			due_at       TIMESTAMPTZ,
			returned_at  TIMESTAMPTZ,
			fine_amount  DOUBLE PRECISION
		);
		CREATE INDEX IF NOT EXISTS borrows_user_idx ON borrows (user_id);
		CREATE INDEX IF NOT EXISTS borrows_book_status_idx ON borrows (book_id, status);
		CREATE TABLE IF NOT EXISTS reservations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			book_id    TEXT NOT NULL REFERENCES books(id),
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS reservations_book_queue_idx
			ON reservations (book_id, created_at, id) WHERE status = 'ACTIVE';
		CREATE TABLE IF NOT EXISTS fines (
			id          TEXT PRIMARY KEY,
			borrow_id   TEXT NOT NULL REFERENCES borrows(id),
			user_id     TEXT NOT NULL,
			amount      DOUBLE PRECISION NOT NULL,
			paid_status BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			paid_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS fines_user_idx ON fines (user_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Load reads every table into a hydration snapshot.
func (p *Postgres) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	rows, err := p.db.Query(ctx,
		`SELECT id, title, total_copies, available_copies, created_at FROM books`)
	if err != nil {
		return nil, fmt.Errorf("load books: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b model.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.TotalCopies, &b.AvailableCopies, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		snap.Books = append(snap.Books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load books: %w", err)
	}
	rows.Close()

	rows, err = p.db.Query(ctx,
		`SELECT id, user_id, book_id, status, requested_at, due_at, returned_at, fine_amount
		 FROM borrows`)
	if err != nil {
		return nil, fmt.Errorf("load borrows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.BorrowRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.BookID, &r.Status,
			&r.RequestedAt, &r.DueAt, &r.ReturnedAt, &r.FineAmount); err != nil {
			return nil, fmt.Errorf("scan borrow: %w", err)
		}
		snap.Borrows = append(snap.Borrows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load borrows: %w", err)
	}
	rows.Close()

	rows, err = p.db.Query(ctx,
		`SELECT id, user_id, book_id, status, created_at, expires_at FROM reservations`)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.Reservation
		if err := rows.Scan(&r.ID, &r.UserID, &r.BookID, &r.Status, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		snap.Reservations = append(snap.Reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	rows.Close()

	rows, err = p.db.Query(ctx,
		`SELECT id, borrow_id, user_id, amount, paid_status, created_at, paid_at FROM fines`)
	if err != nil {
		return nil, fmt.Errorf("load fines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f model.Fine
		if err := rows.Scan(&f.ID, &f.BorrowID, &f.UserID, &f.Amount, &f.PaidStatus, &f.CreatedAt, &f.PaidAt); err != nil {
			return nil, fmt.Errorf("scan fine: %w", err)
		}
		snap.Fines = append(snap.Fines, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fines: %w", err)
	}
	return snap, nil
}

// Transact runs fn inside one database transaction. The engine already
// serialises writers per book, so plain row updates are sufficient here;
// the transaction exists so a multi-row transition (return + fine +
// fulfilment) is durable as one unit or not at all.
func (p *Postgres) Transact(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.db.Close() }

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertBook(ctx context.Context, book *model.Book) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO books (id, title, total_copies, available_copies, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title,
		     total_copies = EXCLUDED.total_copies,
		     available_copies = EXCLUDED.available_copies`,
		book.ID, book.Title, book.TotalCopies, book.AvailableCopies, book.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert book: %w", err)
	}
	return nil
}

func (t *pgTx) SetAvailableCopies(ctx context.Context, bookID string, available int) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE books SET available_copies = $2 WHERE id = $1`,
		bookID, available,
	)
	if err != nil {
		return fmt.Errorf("set available copies: %w", err)
	}
	return nil
}

func (t *pgTx) InsertBorrow(ctx context.Context, rec *model.BorrowRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO borrows (id, user_id, book_id, status, requested_at, due_at, returned_at, fine_amount)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.BookID, rec.Status, rec.RequestedAt, rec.DueAt, rec.ReturnedAt, rec.FineAmount,
	)
	if err != nil {
		return fmt.Errorf("insert borrow: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBorrow(ctx context.Context, rec *model.BorrowRecord) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE borrows
		 SET status = $2, due_at = $3, returned_at = $4, fine_amount = $5
		 WHERE id = $1`,
		rec.ID, rec.Status, rec.DueAt, rec.ReturnedAt, rec.FineAmount,
	)
	if err != nil {
		return fmt.Errorf("update borrow: %w", err)
	}
	return nil
}

func (t *pgTx) InsertReservation(ctx context.Context, res *model.Reservation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reservations (id, user_id, book_id, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ID, res.UserID, res.BookID, res.Status, res.CreatedAt, res.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateReservation(ctx context.Context, res *model.Reservation) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE reservations SET status = $2 WHERE id = $1`,
		res.ID, res.Status,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return nil
}

func (t *pgTx) InsertFine(ctx context.Context, fine *model.Fine) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO fines (id, borrow_id, user_id, amount, paid_status, created_at, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fine.ID, fine.BorrowID, fine.UserID, fine.Amount, fine.PaidStatus, fine.CreatedAt, fine.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("insert fine: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateFine(ctx context.Context, fine *model.Fine) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE fines SET paid_status = $2, paid_at = $3 WHERE id = $1`,
		fine.ID, fine.PaidStatus, fine.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("update fine: %w", err)
	}
	return nil
}
