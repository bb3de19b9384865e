package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	codes   []string
	listErr error
	asOf    chan time.Time
	limit   int
}

func newFakeLister(codes ...string) *fakeLister {
	return &fakeLister{codes: codes, asOf: make(chan time.Time, 8)}
}

func (l *fakeLister) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}

	l.asOf <- now
	l.limit = limit
	return l.codes, nil
}

type fakeExpirer struct {
	expired []string
	errs    map[string]error
}

func newFakeExpirer() *fakeExpirer {
	return &fakeExpirer{errs: map[string]error{}}
}

func (e *fakeExpirer) ExpireLink(ctx context.Context, shortCode string) (*Link, error) {
	if err := e.errs[shortCode]; err != nil {
		return nil, err
	}

	e.expired = append(e.expired, shortCode)
	return &Link{ShortCode: shortCode, Expired: true}, nil
}

func TestSweepOnceExpiresDueLinks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lister := newFakeLister("abc1234", "def5678")
	expirer := newFakeExpirer()

	cfg := DefaultSweepConfig()
	s := NewSweeperWithClock(lister, expirer, cfg, clock)

	require.NoError(t, s.SweepOnce(context.Background()))
	require.Equal(t, []string{"abc1234", "def5678"}, expirer.expired)
	require.Equal(t, cfg.BatchSize, lister.limit)

	asOf := <-lister.asOf
	require.Equal(t, clock.Now().UTC(), asOf)
}

func TestSweepOnceToleratesVanishedLink(t *testing.T) {
	lister := newFakeLister("gone123", "abc1234")
	expirer := newFakeExpirer()
	expirer.errs["gone123"] = ErrLinkNotFound

	s := NewSweeperWithClock(lister, expirer, DefaultSweepConfig(), clockwork.NewFakeClock())

	// A link expired by a concurrent sweep is not a failure.
	require.NoError(t, s.SweepOnce(context.Background()))
	require.Equal(t, []string{"abc1234"}, expirer.expired)
}

func TestSweepOnceContinuesPastExpireFailure(t *testing.T) {
	lister := newFakeLister("bad1234", "abc1234")
	expirer := newFakeExpirer()
	expirer.errs["bad1234"] = errors.New("serialization failure")

	s := NewSweeperWithClock(lister, expirer, DefaultSweepConfig(), clockwork.NewFakeClock())

	require.NoError(t, s.SweepOnce(context.Background()))
	require.Equal(t, []string{"abc1234"}, expirer.expired)
}

func TestSweepOnceReturnsListFailure(t *testing.T) {
	lister := newFakeLister()
	lister.listErr = errors.New("connection refused")

	s := NewSweeperWithClock(lister, newFakeExpirer(), DefaultSweepConfig(), clockwork.NewFakeClock())

	require.Error(t, s.SweepOnce(context.Background()))
}

func TestSweeperSweepsOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lister := newFakeLister("abc1234")
	expirer := newFakeExpirer()

	cfg := DefaultSweepConfig()
	s := NewSweeperWithClock(lister, expirer, cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	clock.BlockUntil(1)
	clock.Advance(cfg.Interval)

	select {
	case <-lister.asOf:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not run after a full interval")
	}
}

func TestSweeperStartIsIdempotent(t *testing.T) {
	s := NewSweeperWithClock(newFakeLister(), newFakeExpirer(), DefaultSweepConfig(), clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
}
