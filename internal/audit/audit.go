// Package audit provides sinks for the engine's state-transition events.
// Audit writes are fire-and-forget: the engine logs a failed write and
// carries on, so sinks here never need to be transactional with the
// transition itself.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"liblending/internal/model"
)

// SlogRecorder writes audit events to a structured logger.
type SlogRecorder struct {
	Log *slog.Logger
}

// Record logs the event at info level.
func (r *SlogRecorder) Record(_ context.Context, event model.AuditEvent) error {
	r.Log.Info("audit",
		"kind", event.Kind,
		"actor_id", event.ActorID,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"description", event.Description,
		"timestamp", event.Timestamp,
	)
	return nil
}

// PostgresRecorder appends audit events to an audit_logs table.
type PostgresRecorder struct {
	db *pgxpool.Pool
}

// NewPostgresRecorder wraps a connected pool.
func NewPostgresRecorder(db *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// EnsureSchema creates the audit_logs table when it does not exist yet.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Record inserts one immutable audit row.
func (r *PostgresRecorder) Record(ctx context.Context, event model.AuditEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_logs (id, kind, actor_id, entity_type, entity_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), event.Kind, event.ActorID, event.EntityType,
		event.EntityID, event.Description, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
