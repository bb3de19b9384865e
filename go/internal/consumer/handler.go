package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/link"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/relay"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/sqlutil"
)

// DedupStore claims an event id for a named consumer. A claim that was
// already taken returns false without error.
type DedupStore interface {
	ClaimTx(ctx context.Context, tx *sql.Tx, eventID uuid.UUID, consumerName string) (bool, error)
}

// Projection applies event side effects to the analytics read model.
type Projection interface {
	ApplyCreatedTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.CreatedPayload) error
	ApplyClickedTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.ClickedPayload) error
	ApplyExpiredTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.ExpiredPayload) error
}

// Handler makes event consumption idempotent: the dedup claim and the
// projection update commit in one transaction, so a redelivered event either
// sees its claim already taken or reapplies cleanly after a rollback.
type Handler struct {
	runner       sqlutil.TxRunner
	dedup        DedupStore
	proj         Projection
	consumerName string
}

func NewHandler(runner sqlutil.TxRunner, dedup DedupStore, proj Projection, consumerName string) *Handler {
	return &Handler{
		runner:       runner,
		dedup:        dedup,
		proj:         proj,
		consumerName: consumerName,
	}
}

// Apply processes one delivery. It reports duplicate=true when the event id
// was already claimed by this consumer, in which case no side effect ran.
func (h *Handler) Apply(ctx context.Context, logger zerolog.Logger, env *relay.Envelope) (duplicate bool, err error) {
	err = h.runner.RunTx(ctx, func(tx *sql.Tx) error {
		claimed, claimErr := h.dedup.ClaimTx(ctx, tx, env.EventID, h.consumerName)
		if claimErr != nil {
			return fmt.Errorf("claim event %s: %w", env.EventID, claimErr)
		}

		if !claimed {
			duplicate = true
			return nil
		}

		return h.apply(ctx, tx, logger, env)
	})

	return duplicate, err
}

func (h *Handler) apply(ctx context.Context, tx *sql.Tx, logger zerolog.Logger, env *relay.Envelope) error {
	switch env.EventType {
	case link.EventLinkCreated:
		var payload link.CreatedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.EventType, err)
		}

		if err := h.proj.ApplyCreatedTx(ctx, tx, env.AggregateID, payload); err != nil {
			return fmt.Errorf("apply %s: %w", env.EventType, err)
		}

	case link.EventLinkClicked:
		var payload link.ClickedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.EventType, err)
		}

		if err := h.proj.ApplyClickedTx(ctx, tx, env.AggregateID, payload); err != nil {
			return fmt.Errorf("apply %s: %w", env.EventType, err)
		}

	case link.EventLinkExpired:
		var payload link.ExpiredPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.EventType, err)
		}

		if err := h.proj.ApplyExpiredTx(ctx, tx, env.AggregateID, payload); err != nil {
			return fmt.Errorf("apply %s: %w", env.EventType, err)
		}

	default:
		// Unknown event types are claimed and acked so a schema-ahead
		// producer cannot wedge the consumer with redeliveries.
		logger.Warn().Str("event_type", env.EventType).Msg("unknown event type, skipping")
	}

	logger.Info().Msg("event applied")

	return nil
}
