package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
)

type PollerConfig struct {
	PollInterval  time.Duration
	GracePeriod   time.Duration // How long a PENDING row may wait for the capture path
	SubjectPrefix string
	BatchSize     int
	MaxRetries    int
	BatchTimeout  time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:  30 * time.Second,
		GracePeriod:   time.Minute,
		SubjectPrefix: "link.events",
		BatchSize:     100,
		MaxRetries:    3,
		BatchTimeout:  20 * time.Second,
	}
}

// Poller is the fallback publication path: it picks up PENDING rows the
// capture path missed and FAILED rows with retries left. Rows are locked
// with SKIP LOCKED inside a batch transaction, so the poller and the capture
// path can never both mark the same row.
type Poller struct {
	db        *sql.DB
	repo      *outbox.Repository
	publisher Publisher
	cfg       PollerConfig
	clock     clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(db *sql.DB, repo *outbox.Repository, publisher Publisher, cfg PollerConfig, clock clockwork.Clock) *Poller {
	return &Poller{
		db:        db,
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		clock:     clock,
		stopChan:  make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox poller already running")
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Dur("grace_period", p.cfg.GracePeriod).
		Int("batch_size", p.cfg.BatchSize).
		Msg("outbox poller started")

	return nil
}

func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox poller not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	log.Info().Msg("outbox poller stopped")
	return nil
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce runs one fallback batch under a bounded timeout. A timed-out
// or failed batch rolls back whole and is retried at the next tick.
func (p *Poller) ProcessOnce(ctx context.Context) {
	batchCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	if reset, err := p.repo.ResetForRetry(batchCtx, p.cfg.MaxRetries, p.cfg.BatchSize); err != nil {
		log.Error().Err(err).Msg("failed to reset failed events for retry")
	} else if reset > 0 {
		log.Info().Int64("count", reset).Msg("reset failed events for retry")
	}

	if err := p.processBatch(batchCtx); err != nil {
		log.Error().Err(err).Msg("fallback batch failed")
	}
}

func (p *Poller) processBatch(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fallback batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	repo := p.repo.WithTx(tx)
	cutoff := p.clock.Now().UTC().Add(-p.cfg.GracePeriod)

	events, err := repo.FetchPendingForUpdate(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch eligible events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	log.Debug().Int("count", len(events)).Msg("processing fallback batch")

	published := 0
	failed := 0

	for _, event := range events {
		if ctx.Err() != nil {
			return fmt.Errorf("fallback batch interrupted: %w", ctx.Err())
		}

		msg, err := Transform(event, p.cfg.SubjectPrefix)
		if err != nil {
			// Transform is pure; a failure here never fixes itself.
			if _, markErr := repo.MarkFailed(ctx, event.ID, outbox.SanitizeErrorForStorage(err)); markErr != nil {
				return fmt.Errorf("mark event failed: %w", markErr)
			}

			failed++
			continue
		}

		if err := p.publisher.Publish(ctx, msg); err != nil {
			if _, markErr := repo.MarkFailed(ctx, event.ID, outbox.SanitizeErrorForStorage(err)); markErr != nil {
				return fmt.Errorf("mark event failed: %w", markErr)
			}

			failed++
			continue
		}

		if _, err := repo.MarkProcessed(ctx, event.ID, p.clock.Now().UTC()); err != nil {
			return fmt.Errorf("mark event processed: %w", err)
		}

		published++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fallback batch: %w", err)
	}

	log.Info().
		Int("total", len(events)).
		Int("published", published).
		Int("failed", failed).
		Msg("processed fallback batch")

	return nil
}
