package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ExpirableLister finds live links whose expiry timestamp has passed.
type ExpirableLister interface {
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Expirer expires one link and records its LINK_EXPIRED event.
type Expirer interface {
	ExpireLink(ctx context.Context, shortCode string) (*Link, error)
}

type SweepConfig struct {
	Interval     time.Duration
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:     time.Minute,
		BatchSize:    100,
		BatchTimeout: 30 * time.Second,
	}
}

// Sweeper expires links past their expires_at on a ticker. Each expiry goes
// through the service, so the flag flip and its event commit together like
// any other mutation.
type Sweeper struct {
	lister  ExpirableLister
	expirer Expirer
	cfg     SweepConfig
	clock   clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(lister ExpirableLister, expirer Expirer, cfg SweepConfig) *Sweeper {
	return &Sweeper{
		lister:  lister,
		expirer: expirer,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
	}
}

// NewSweeperWithClock is for tests that need to drive the ticker.
func NewSweeperWithClock(lister ExpirableLister, expirer Expirer, cfg SweepConfig, clock clockwork.Clock) *Sweeper {
	s := NewSweeper(lister, expirer, cfg)
	s.clock = clock
	return s
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx)

	log.Info().
		Dur("interval", s.cfg.Interval).
		Msg("link expiry sweeper started")
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopChan)
	s.wg.Wait()
	s.running = false

	log.Info().Msg("link expiry sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.Chan():
			if err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// SweepOnce expires one batch of due links.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	codes, err := s.lister.ListExpirable(ctx, s.clock.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	if len(codes) == 0 {
		return nil
	}

	expired := 0

	for _, code := range codes {
		if _, err := s.expirer.ExpireLink(ctx, code); err != nil {
			if errors.Is(err, ErrLinkNotFound) {
				// Another sweep got there between list and expire.
				continue
			}

			log.Error().Err(err).Str("short_code", code).Msg("failed to expire link")
			continue
		}

		expired++
	}

	log.Info().
		Int("due", len(codes)).
		Int("expired", expired).
		Msg("expiry sweep complete")

	return nil
}
