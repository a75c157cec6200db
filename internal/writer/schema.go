package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS position_events (
	event_id    UUID PRIMARY KEY,
	recorded_at BIGINT NOT NULL,
	position    BIGINT NOT NULL,
	symbol      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	cmd         INTEGER,
	volume      NUMERIC,
	open_price  NUMERIC,
	close_price NUMERIC,
	sl          NUMERIC,
	tp          NUMERIC,
	profit      NUMERIC,
	closed      BOOLEAN NOT NULL,
	payload     JSONB
);
CREATE INDEX IF NOT EXISTS position_events_position_idx ON position_events (position, recorded_at);
`

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create position_events: %w", err)
	}
	return nil
}
