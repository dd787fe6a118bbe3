package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository implements Repository using Postgres.
type PostgresRepository struct {
	db DB
}

// NewRepository creates an outbox Repository backed by the given pool.
func NewRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append writes a new pending event.
func (r *PostgresRepository) Append(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding outbox payload: %w", err)
	}

	query := `INSERT INTO outbox_events (event_type, payload) VALUES ($1, $2)`
	if _, err := r.db.Exec(ctx, query, eventType, body); err != nil {
		return fmt.Errorf("inserting outbox event: %w", err)
	}

	return nil
}

// ListPending returns unprocessed events, oldest first.
func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT id, event_type, payload, created_at, processed_at
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}

	return events, nil
}

// MarkProcessed stamps an event as handled.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	return nil
}
