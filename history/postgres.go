package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id         BIGSERIAL PRIMARY KEY,
	room_id    TEXT        NOT NULL,
	user_id    TEXT        NOT NULL,
	message    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chats_room_id_id_idx ON chats (room_id, id);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the chats table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (room_id, user_id, message) VALUES ($1, $2, $3)`,
		rec.RoomID, rec.UserID, rec.Message,
	)
	if err != nil {
		return fmt.Errorf("insert chat for room %s: %w", rec.RoomID, err)
	}
	return nil
}

func (s *PostgresStore) ReadRoom(ctx context.Context, roomID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, user_id, message, created_at FROM chats WHERE room_id = $1 ORDER BY id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chats for room %s: %w", roomID, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.RoomID, &r.UserID, &r.Message, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan chats for room %s: %w", roomID, err)
	}
	return records, nil
}
