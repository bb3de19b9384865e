package link

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/sqlutil"
)

var ErrLinkNotFound = errors.New("link not found")

// Repository implements link data access. Mutations take the caller's
// transaction so the outbox recorder can share it; reads go through the
// bound handle.
type Repository struct {
	db sqlutil.DBTX
}

// NewRepository creates a links repository on the given handle.
func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}

// InsertTx writes a new link row.
func (r *Repository) InsertTx(ctx context.Context, tx *sql.Tx, l *Link) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO links (id, short_code, target_url, tenant_id, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.ShortCode, l.TargetURL, l.TenantID, l.CreatedBy, l.CreatedAt, sqlutil.NullTime(l.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}

	return nil
}

// IncrementClicksTx bumps the click counter of a live link and returns the
// updated row.
func (r *Repository) IncrementClicksTx(ctx context.Context, tx *sql.Tx, shortCode string) (*Link, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE links
		SET click_count = click_count + 1
		WHERE short_code = $1 AND NOT expired
		RETURNING id, short_code, target_url, tenant_id, created_by, created_at, expires_at, click_count, expired`,
		shortCode)

	return scanLink(row)
}

// MarkExpiredTx flips a link to expired and returns the updated row.
func (r *Repository) MarkExpiredTx(ctx context.Context, tx *sql.Tx, shortCode string) (*Link, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE links
		SET expired = TRUE
		WHERE short_code = $1 AND NOT expired
		RETURNING id, short_code, target_url, tenant_id, created_by, created_at, expires_at, click_count, expired`,
		shortCode)

	return scanLink(row)
}

// ListExpirable returns short codes of live links whose expiry passed.
func (r *Repository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT short_code FROM links
		WHERE NOT expired AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable links: %w", err)
	}
	defer rows.Close()

	var codes []string

	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan short code: %w", err)
		}

		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expirable links: %w", err)
	}

	return codes, nil
}

func scanLink(row *sql.Row) (*Link, error) {
	var (
		l         Link
		id        uuid.UUID
		expiresAt sql.NullTime
	)

	err := row.Scan(&id, &l.ShortCode, &l.TargetURL, &l.TenantID, &l.CreatedBy,
		&l.CreatedAt, &expiresAt, &l.ClickCount, &l.Expired)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLinkNotFound
		}

		return nil, fmt.Errorf("scan link: %w", err)
	}

	l.ID = id
	l.ExpiresAt = sqlutil.TimePtr(expiresAt)

	return &l, nil
}
