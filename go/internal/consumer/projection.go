package consumer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/link"
)

// AnalyticsProjection maintains link_analytics, one row per link aggregate.
// Upserts keep it tolerant of events arriving for links it has never seen,
// which happens when a click outruns the create on a different shard.
type AnalyticsProjection struct{}

func NewAnalyticsProjection() *AnalyticsProjection {
	return &AnalyticsProjection{}
}

func (p *AnalyticsProjection) ApplyCreatedTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.CreatedPayload) error {
	const query = `
		INSERT INTO link_analytics (link_id, short_code, target_url, total_clicks, expired, updated_at)
		VALUES ($1, $2, $3, 0, FALSE, NOW())
		ON CONFLICT (link_id) DO UPDATE SET
			short_code = EXCLUDED.short_code,
			target_url = EXCLUDED.target_url,
			updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, aggregateID, payload.ShortCode, payload.TargetURL); err != nil {
		return fmt.Errorf("upsert link analytics: %w", err)
	}

	return nil
}

func (p *AnalyticsProjection) ApplyClickedTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.ClickedPayload) error {
	const query = `
		INSERT INTO link_analytics (link_id, short_code, total_clicks, last_clicked_at, expired, updated_at)
		VALUES ($1, $2, 1, $3, FALSE, NOW())
		ON CONFLICT (link_id) DO UPDATE SET
			total_clicks = link_analytics.total_clicks + 1,
			last_clicked_at = EXCLUDED.last_clicked_at,
			updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, aggregateID, payload.ShortCode, payload.ClickedAt); err != nil {
		return fmt.Errorf("record click: %w", err)
	}

	return nil
}

func (p *AnalyticsProjection) ApplyExpiredTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.ExpiredPayload) error {
	const query = `
		INSERT INTO link_analytics (link_id, short_code, total_clicks, expired, expired_at, updated_at)
		VALUES ($1, $2, 0, TRUE, $3, NOW())
		ON CONFLICT (link_id) DO UPDATE SET
			expired = TRUE,
			expired_at = EXCLUDED.expired_at,
			updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, aggregateID, payload.ShortCode, payload.ExpiredAt); err != nil {
		return fmt.Errorf("mark link expired: %w", err)
	}

	return nil
}
