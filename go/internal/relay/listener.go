package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
)

// Store is what the capture path needs from the ledger.
type Store interface {
	FetchByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error)
}

type ListenerConfig struct {
	DatabaseURL   string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        // Channel name to LISTEN on
	SubjectPrefix string        // Broker subject prefix for routed events
	PingInterval  time.Duration // Connection liveness check cadence
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:   "",
		NotifyChannel: "outbox_events",
		SubjectPrefix: "link.events",
		PingInterval:  90 * time.Second,
	}
}

// Listener consumes the ledger's commit notifications and runs the per-row
// transform. It performs no retries of its own; a row that fails to publish
// is marked FAILED for the fallback poller to pick back up.
type Listener struct {
	store     Store
	listener  *pq.Listener
	publisher Publisher
	cfg       ListenerConfig

	stopOnce sync.Once
	stopErr  error
}

func NewListener(store Store, publisher Publisher, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for ledger notifications")

	return &Listener{
		store:     store,
		listener:  l,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Msg("relay listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means channel connection was lost so reconnect
				continue
			}
			if err := l.HandleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// Stop closes the notification connection. Both the Start loop and the
// process shutdown path call it, so it must be safe to call more than once.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() {
		if l.listener != nil {
			l.stopErr = l.listener.Close()
		}
	})

	return l.stopErr
}

// HandleNotification processes one commit notification. Extra carries the
// ledger row id. Redeliveries are harmless: a row that is no longer PENDING
// is skipped, and the guarded status update means only one marker ever wins.
func (l *Listener) HandleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	event, err := l.store.FetchByID(ctx, id)
	if err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			// Row already reaped; nothing to relay.
			log.Debug().Str("event_id", id.String()).Msg("notified event no longer exists")
			return nil
		}

		return fmt.Errorf("fetch outbox event: %w", err)
	}

	if event.Status != outbox.StatusPending {
		log.Debug().
			Str("event_id", id.String()).
			Str("status", event.Status.String()).
			Msg("notified event already handled")
		return nil
	}

	msg, err := Transform(event, l.cfg.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("transform outbox event: %w", err)
	}

	if err := l.publisher.Publish(ctx, msg); err != nil {
		if _, markErr := l.store.MarkFailed(ctx, id, outbox.SanitizeErrorForStorage(err)); markErr != nil {
			log.Error().Err(markErr).Str("event_id", id.String()).Msg("failed to mark outbox event failed")
		}

		return fmt.Errorf("publish outbox event: %w", err)
	}

	won, err := l.store.MarkProcessed(ctx, id, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Str("event_id", id.String()).Msg("failed to mark outbox event processed")
		return err
	}

	if !won {
		// Fallback poller got there first; the broker's duplicate window
		// absorbs the second publish.
		log.Debug().Str("event_id", id.String()).Msg("event already marked by another path")
		return nil
	}

	log.Info().Str("event_id", id.String()).Msg("relayed and marked event processed")
	return nil
}
