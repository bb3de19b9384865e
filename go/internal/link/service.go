package link

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/reqctx"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/sqlutil"
)

var (
	ErrShortCodeRequired = errors.New("short code is required")
	ErrTargetURLRequired = errors.New("target url is required")
)

// LinkStore defines what the service needs from the links repository.
type LinkStore interface {
	InsertTx(ctx context.Context, tx *sql.Tx, l *Link) error
	IncrementClicksTx(ctx context.Context, tx *sql.Tx, shortCode string) (*Link, error)
	MarkExpiredTx(ctx context.Context, tx *sql.Tx, shortCode string) (*Link, error)
}

// EventRecorder defines what the service needs from the outbox recorder.
type EventRecorder interface {
	Record(ctx context.Context, tx *sql.Tx, params outbox.RecordParams) (*outbox.Event, error)
}

// Service mutates links and records the matching ledger event in the same
// transaction. Either both commit or neither does.
type Service struct {
	runner   sqlutil.TxRunner
	store    LinkStore
	recorder EventRecorder
}

// NewService creates a link service.
func NewService(runner sqlutil.TxRunner, store LinkStore, recorder EventRecorder) *Service {
	return &Service{
		runner:   runner,
		store:    store,
		recorder: recorder,
	}
}

// CreateLinkRequest holds the fields for a new short link.
type CreateLinkRequest struct {
	ShortCode string
	TargetURL string
	ExpiresAt *time.Time
}

// CreateLink creates a short link and records LINK_CREATED.
func (s *Service) CreateLink(ctx context.Context, req CreateLinkRequest) (*Link, error) {
	if req.ShortCode == "" {
		return nil, ErrShortCodeRequired
	}

	if req.TargetURL == "" {
		return nil, ErrTargetURLRequired
	}

	l := &Link{
		ID:        uuid.New(),
		ShortCode: req.ShortCode,
		TargetURL: req.TargetURL,
		TenantID:  reqctx.Tenant(ctx),
		CreatedBy: reqctx.Actor(ctx),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: req.ExpiresAt,
	}

	err := s.runner.RunTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.InsertTx(ctx, tx, l); err != nil {
			return err
		}

		payload := mustMarshal(CreatedPayload{
			ShortCode: l.ShortCode,
			TargetURL: l.TargetURL,
			ExpiresAt: l.ExpiresAt,
		})

		_, err := s.recorder.Record(ctx, tx, outbox.RecordParams{
			AggregateID:   l.ShortCode,
			AggregateType: AggregateType,
			EventType:     EventLinkCreated,
			Payload:       payload,
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create link %s: %w", req.ShortCode, err)
	}

	log.Info().
		Str("short_code", l.ShortCode).
		Str("event_type", EventLinkCreated).
		Msg("link created")

	return l, nil
}

// RecordClick bumps a link's click counter and records LINK_CLICKED.
func (s *Service) RecordClick(ctx context.Context, shortCode string) (*Link, error) {
	if shortCode == "" {
		return nil, ErrShortCodeRequired
	}

	var l *Link

	err := s.runner.RunTx(ctx, func(tx *sql.Tx) error {
		updated, err := s.store.IncrementClicksTx(ctx, tx, shortCode)
		if err != nil {
			return err
		}

		l = updated

		payload := mustMarshal(ClickedPayload{
			ShortCode: shortCode,
			ClickedAt: time.Now().UTC(),
		})

		_, err = s.recorder.Record(ctx, tx, outbox.RecordParams{
			AggregateID:   shortCode,
			AggregateType: AggregateType,
			EventType:     EventLinkClicked,
			Payload:       payload,
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record click on %s: %w", shortCode, err)
	}

	return l, nil
}

// ExpireLink marks a link expired and records LINK_EXPIRED.
func (s *Service) ExpireLink(ctx context.Context, shortCode string) (*Link, error) {
	if shortCode == "" {
		return nil, ErrShortCodeRequired
	}

	var l *Link

	err := s.runner.RunTx(ctx, func(tx *sql.Tx) error {
		updated, err := s.store.MarkExpiredTx(ctx, tx, shortCode)
		if err != nil {
			return err
		}

		l = updated

		payload := mustMarshal(ExpiredPayload{
			ShortCode: shortCode,
			ExpiredAt: time.Now().UTC(),
		})

		_, err = s.recorder.Record(ctx, tx, outbox.RecordParams{
			AggregateID:   shortCode,
			AggregateType: AggregateType,
			EventType:     EventLinkExpired,
			Payload:       payload,
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire link %s: %w", shortCode, err)
	}

	log.Info().
		Str("short_code", shortCode).
		Str("event_type", EventLinkExpired).
		Msg("link expired")

	return l, nil
}
