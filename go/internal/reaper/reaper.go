// Package reaper trims PROCESSED ledger rows past their retention window.
// PENDING and FAILED rows are never touched: undelivered work and its
// forensics stay in the ledger until they resolve.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
)

type Store interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	StatusCounts(ctx context.Context) (outbox.StatusCounts, error)
}

type Config struct {
	Retention    time.Duration
	Interval     time.Duration
	BatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retention:    7 * 24 * time.Hour,
		Interval:     time.Hour,
		BatchTimeout: 30 * time.Second,
	}
}

type Reaper struct {
	store Store
	cfg   Config
	clock clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(store Store, cfg Config) *Reaper {
	return &Reaper{
		store: store,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
	}
}

// NewWithClock is for tests that need to drive the ticker.
func NewWithClock(store Store, cfg Config, clock clockwork.Clock) *Reaper {
	r := New(store, cfg)
	r.clock = clock
	return r
}

func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.running = true
	r.stopChan = make(chan struct{})
	r.wg.Add(1)

	go r.run(ctx)

	log.Info().
		Dur("retention", r.cfg.Retention).
		Dur("interval", r.cfg.Interval).
		Msg("retention reaper started")
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	close(r.stopChan)
	r.wg.Wait()
	r.running = false

	log.Info().Msg("retention reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			// A failed sweep is retried on the next tick; it never
			// takes the process down.
			if err := r.ReapOnce(ctx); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// ReapOnce runs a single retention sweep.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	cutoff := r.clock.Now().Add(-r.cfg.Retention)

	deleted, err := r.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	event := log.Info().
		Int64("deleted", deleted).
		Time("cutoff", cutoff)

	if counts, err := r.store.StatusCounts(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to read ledger status counts")
	} else {
		event = event.
			Int64("pending", counts.Pending).
			Int64("processed", counts.Processed).
			Int64("failed", counts.Failed)
	}

	event.Msg("retention sweep complete")

	return nil
}
