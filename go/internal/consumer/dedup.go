package consumer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresDedup records consumed event ids in processed_events. The primary
// key on (event_id, consumer_name) makes the insert the claim: exactly one
// transaction per delivery set gets a row, everyone else gets zero.
type PostgresDedup struct{}

func NewPostgresDedup() *PostgresDedup {
	return &PostgresDedup{}
}

func (d *PostgresDedup) ClaimTx(ctx context.Context, tx *sql.Tx, eventID uuid.UUID, consumerName string) (bool, error) {
	const query = `
		INSERT INTO processed_events (event_id, consumer_name, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id, consumer_name) DO NOTHING`

	result, err := tx.ExecContext(ctx, query, eventID, consumerName)
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return affected == 1, nil
}
