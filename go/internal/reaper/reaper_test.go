package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
)

type fakeStore struct {
	cutoffs   chan time.Time
	deleted   int64
	deleteErr error
	counts    outbox.StatusCounts
	countsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{cutoffs: make(chan time.Time, 8)}
}

func (s *fakeStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}

	s.cutoffs <- cutoff
	return s.deleted, nil
}

func (s *fakeStore) StatusCounts(ctx context.Context) (outbox.StatusCounts, error) {
	return s.counts, s.countsErr
}

func TestReapOnceUsesRetentionCutoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	store.deleted = 42

	cfg := DefaultConfig()
	r := NewWithClock(store, cfg, clock)

	require.NoError(t, r.ReapOnce(context.Background()))

	cutoff := <-store.cutoffs
	require.Equal(t, clock.Now().Add(-cfg.Retention), cutoff)
}

func TestReapOnceSurvivesCountFailure(t *testing.T) {
	store := newFakeStore()
	store.countsErr = errors.New("counts unavailable")

	r := NewWithClock(store, DefaultConfig(), clockwork.NewFakeClock())

	// A failed snapshot is reporting only; the sweep itself succeeded.
	require.NoError(t, r.ReapOnce(context.Background()))
	require.Len(t, store.cutoffs, 1)
}

func TestReapOnceReturnsDeleteFailure(t *testing.T) {
	store := newFakeStore()
	store.deleteErr = errors.New("deadlock detected")

	r := NewWithClock(store, DefaultConfig(), clockwork.NewFakeClock())

	require.Error(t, r.ReapOnce(context.Background()))
}

func TestReaperSweepsOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newFakeStore()

	cfg := DefaultConfig()
	r := NewWithClock(store, cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	clock.BlockUntil(1)
	clock.Advance(cfg.Interval)

	select {
	case cutoff := <-store.cutoffs:
		require.Equal(t, clock.Now().Add(-cfg.Retention), cutoff)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not sweep after a full interval")
	}
}

func TestReaperStartIsIdempotent(t *testing.T) {
	r := NewWithClock(newFakeStore(), DefaultConfig(), clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.Start(ctx)
	r.Stop()
	r.Stop()
}
