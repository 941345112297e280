// Package directory implements the user-status collaborator: the engine
// asks it whether a user is in approved standing before accepting a borrow
// request.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Static approves a fixed set of users, or everyone when AllowAll is set.
// Used in memory-backed runs and tests.
type Static struct {
	AllowAll bool
	Approved map[string]bool
}

// IsApproved reports whether the user may borrow.
func (s *Static) IsApproved(_ context.Context, userID string) (bool, error) {
	if s.AllowAll {
		return true, nil
	}
	return s.Approved[userID], nil
}

// Postgres reads approval standing from a users table maintained by the
// registration system.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps a connected pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// IsApproved reports whether the user exists and is approved. An unknown
// user is simply not approved, not an error.
func (p *Postgres) IsApproved(ctx context.Context, userID string) (bool, error) {
	var approved bool
	err := p.db.QueryRow(ctx,
		`SELECT is_approved FROM users WHERE id = $1`, userID,
	).Scan(&approved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("look up user %s: %w", userID, err)
	}
	return approved, nil
}
