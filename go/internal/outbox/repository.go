package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/sqlutil"
)

// ErrEventNotFound is returned when a ledger row does not exist.
var ErrEventNotFound = errors.New("outbox event not found")

const eventColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	trace_id, span_id, trace_flags, trace_state, context,
	created_at, created_by, tenant_id, status, retry_count, error_message, processed_at`

// Repository persists ledger rows in Postgres. Status mutations are guarded
// by the current status in the WHERE clause, so a concurrent marker loses the
// race cleanly instead of double-flipping a row.
type Repository struct {
	db sqlutil.DBTX
}

// NewRepository creates a ledger repository on the given handle.
func NewRepository(db sqlutil.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// InsertTx writes one ledger row on the caller's transaction. It is the only
// write the producer path ever performs against the ledger.
func (r *Repository) InsertTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	contextJSON, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_id, aggregate_type, event_type, payload,
			trace_id, span_id, trace_flags, trace_state, context,
			created_at, created_by, tenant_id, status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0)`,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		[]byte(event.Payload),
		sqlutil.NullString(event.TraceID),
		sqlutil.NullString(event.SpanID),
		sqlutil.NullString(event.TraceFlags),
		sqlutil.NullString(event.TraceState),
		contextJSON,
		event.CreatedAt,
		event.CreatedBy,
		event.TenantID,
		string(event.Status),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	return nil
}

// FetchByID loads one ledger row.
func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}

		return nil, fmt.Errorf("fetch outbox event: %w", err)
	}

	return event, nil
}

// FetchPendingForUpdate locks and returns PENDING rows older than the grace
// cutoff, oldest first. SKIP LOCKED keeps concurrent pollers off the same
// rows; must run inside a transaction.
func (r *Repository) FetchPendingForUpdate(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []*Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	return events, nil
}

// MarkProcessed flips a PENDING row to PROCESSED. Returns false without error
// when another marker already won the race; callers treat that as success.
func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSED', processed_at = $2, error_message = NULL
		WHERE id = $1 AND status = 'PENDING'`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("mark outbox event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outbox event processed: %w", err)
	}

	return affected == 1, nil
}

// MarkFailed flips a PENDING row to FAILED and bumps its retry counter.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1, error_message = $2
		WHERE id = $1 AND status = 'PENDING'`,
		id, message)
	if err != nil {
		return false, fmt.Errorf("mark outbox event failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark outbox event failed: %w", err)
	}

	return affected == 1, nil
}

// ResetForRetry flips FAILED rows back to PENDING while they still have
// retries left. Rows at or past maxRetries stay FAILED for an operator; they
// are never silently dropped.
func (r *Repository) ResetForRetry(ctx context.Context, maxRetries, limit int) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING'
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'FAILED' AND retry_count < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`,
		maxRetries, limit)
	if err != nil {
		return 0, fmt.Errorf("reset failed outbox events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset failed outbox events: %w", err)
	}

	return affected, nil
}

// DeleteProcessedBefore removes PROCESSED rows whose processed_at is older
// than the cutoff. PENDING and FAILED rows are never touched.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'PROCESSED' AND processed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}

	return affected, nil
}

// StatusCounts returns ledger totals per status.
func (r *Repository) StatusCounts(ctx context.Context) (StatusCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return StatusCounts{}, fmt.Errorf("scan outbox counts: %w", err)
		}

		switch Status(status) {
		case StatusPending:
			counts.Pending = count
		case StatusProcessed:
			counts.Processed = count
		case StatusFailed:
			counts.Failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return StatusCounts{}, fmt.Errorf("iterate outbox counts: %w", err)
	}

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event        Event
		payload      []byte
		traceID      sql.NullString
		spanID       sql.NullString
		traceFlags   sql.NullString
		traceState   sql.NullString
		contextJSON  []byte
		status       string
		errorMessage sql.NullString
		processedAt  sql.NullTime
	)

	err := row.Scan(
		&event.ID,
		&event.AggregateID,
		&event.AggregateType,
		&event.EventType,
		&payload,
		&traceID,
		&spanID,
		&traceFlags,
		&traceState,
		&contextJSON,
		&event.CreatedAt,
		&event.CreatedBy,
		&event.TenantID,
		&status,
		&event.RetryCount,
		&errorMessage,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Payload = json.RawMessage(payload)
	event.TraceID = traceID.String
	event.SpanID = spanID.String
	event.TraceFlags = traceFlags.String
	event.TraceState = traceState.String
	event.Status = Status(status)
	event.ErrorMessage = errorMessage.String

	event.ProcessedAt = sqlutil.TimePtr(processedAt)

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &event.Context); err != nil {
			return nil, fmt.Errorf("unmarshal event context: %w", err)
		}
	}

	return &event, nil
}
