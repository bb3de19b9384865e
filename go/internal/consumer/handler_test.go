package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/link"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/relay"
)

// fakeRunner executes the transactional function without a database. A
// returned error stands in for a rollback: the fake dedup store undoes its
// claim the way an aborted insert would.
type fakeRunner struct {
	dedup *fakeDedup
}

func (r *fakeRunner) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := fn(nil); err != nil {
		if r.dedup != nil {
			r.dedup.rollback()
		}
		return err
	}
	return nil
}

type fakeDedup struct {
	claimed   map[uuid.UUID]bool
	lastClaim uuid.UUID
	err       error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{claimed: make(map[uuid.UUID]bool)}
}

func (d *fakeDedup) ClaimTx(ctx context.Context, tx *sql.Tx, eventID uuid.UUID, consumerName string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}

	if d.claimed[eventID] {
		return false, nil
	}

	d.claimed[eventID] = true
	d.lastClaim = eventID
	return true, nil
}

func (d *fakeDedup) rollback() {
	delete(d.claimed, d.lastClaim)
}

type fakeProjection struct {
	mu           sync.Mutex
	created      []string
	clicked      []string
	clickedCodes []string
	expired      []string
	err          error
}

func (p *fakeProjection) ApplyCreatedTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.CreatedPayload) error {
	if p.err != nil {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, aggregateID)
	return nil
}

func (p *fakeProjection) ApplyClickedTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.ClickedPayload) error {
	if p.err != nil {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = append(p.clicked, aggregateID)
	p.clickedCodes = append(p.clickedCodes, payload.ShortCode)
	return nil
}

func (p *fakeProjection) ApplyExpiredTx(ctx context.Context, tx *sql.Tx, aggregateID string, payload link.ExpiredPayload) error {
	if p.err != nil {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired = append(p.expired, aggregateID)
	return nil
}

func testEnvelope(eventType string, payload any) *relay.Envelope {
	data, _ := json.Marshal(payload)

	return &relay.Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		AggregateID:   "link-7",
		AggregateType: "link",
		TenantID:      "tenant-1",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}
}

func newTestHandler(dedup *fakeDedup, proj *fakeProjection) *Handler {
	return NewHandler(&fakeRunner{dedup: dedup}, dedup, proj, "test-consumer")
}

func TestApplyRoutesEventTypes(t *testing.T) {
	tests := []struct {
		eventType string
		payload   any
		applied   func(*fakeProjection) []string
	}{
		{link.EventLinkCreated, link.CreatedPayload{ShortCode: "abc", TargetURL: "https://example.com"},
			func(p *fakeProjection) []string { return p.created }},
		{link.EventLinkClicked, link.ClickedPayload{ShortCode: "abc", ClickedAt: time.Now()},
			func(p *fakeProjection) []string { return p.clicked }},
		{link.EventLinkExpired, link.ExpiredPayload{ShortCode: "abc", ExpiredAt: time.Now()},
			func(p *fakeProjection) []string { return p.expired }},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			proj := &fakeProjection{}
			handler := newTestHandler(newFakeDedup(), proj)

			duplicate, err := handler.Apply(context.Background(), zerolog.Nop(), testEnvelope(tt.eventType, tt.payload))
			require.NoError(t, err)
			require.False(t, duplicate)
			require.Equal(t, []string{"link-7"}, tt.applied(proj))
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	proj := &fakeProjection{}
	handler := newTestHandler(newFakeDedup(), proj)

	env := testEnvelope(link.EventLinkClicked, link.ClickedPayload{ShortCode: "abc", ClickedAt: time.Now()})

	for i := 0; i < 5; i++ {
		duplicate, err := handler.Apply(context.Background(), zerolog.Nop(), env)
		require.NoError(t, err)
		require.Equal(t, i > 0, duplicate)
	}

	// Five deliveries, one click.
	require.Len(t, proj.clicked, 1)
}

func TestApplyFailureReleasesClaim(t *testing.T) {
	dedup := newFakeDedup()
	proj := &fakeProjection{err: errors.New("analytics table locked")}
	handler := newTestHandler(dedup, proj)

	env := testEnvelope(link.EventLinkCreated, link.CreatedPayload{ShortCode: "abc"})

	_, err := handler.Apply(context.Background(), zerolog.Nop(), env)
	require.Error(t, err)

	// The rolled-back claim leaves the event retryable.
	proj.err = nil
	duplicate, err := handler.Apply(context.Background(), zerolog.Nop(), env)
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, []string{"link-7"}, proj.created)
}

func TestApplyUnknownEventTypeIsClaimedAndSkipped(t *testing.T) {
	dedup := newFakeDedup()
	proj := &fakeProjection{}
	handler := newTestHandler(dedup, proj)

	env := testEnvelope("LINK_RENAMED", map[string]string{"shortCode": "abc"})

	duplicate, err := handler.Apply(context.Background(), zerolog.Nop(), env)
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Empty(t, proj.created)

	// A redelivery of the unknown event is a duplicate, not a retry loop.
	duplicate, err = handler.Apply(context.Background(), zerolog.Nop(), env)
	require.NoError(t, err)
	require.True(t, duplicate)
}

func TestApplyMalformedPayloadFails(t *testing.T) {
	handler := newTestHandler(newFakeDedup(), &fakeProjection{})

	env := testEnvelope(link.EventLinkCreated, nil)
	env.Payload = json.RawMessage(`{broken`)

	_, err := handler.Apply(context.Background(), zerolog.Nop(), env)
	require.Error(t, err)
}

func TestApplyClaimErrorPropagates(t *testing.T) {
	dedup := newFakeDedup()
	dedup.err = errors.New("connection reset")
	handler := newTestHandler(dedup, &fakeProjection{})

	env := testEnvelope(link.EventLinkCreated, link.CreatedPayload{ShortCode: "abc"})

	_, err := handler.Apply(context.Background(), zerolog.Nop(), env)
	require.Error(t, err)
}
