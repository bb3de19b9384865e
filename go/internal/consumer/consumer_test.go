package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/link"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/relay"
)

type fakeMsg struct {
	subject string
	header  nats.Header
	data    []byte
	acks    int
	naks    int
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return nil, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return m.header }
func (m *fakeMsg) Subject() string                           { return m.subject }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { m.acks++; return nil }
func (m *fakeMsg) DoubleAck(ctx context.Context) error       { m.acks++; return nil }
func (m *fakeMsg) Nak() error                                { m.naks++; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error        { m.naks++; return nil }
func (m *fakeMsg) InProgress() error                         { return nil }
func (m *fakeMsg) Term() error                               { return nil }
func (m *fakeMsg) TermWithReason(reason string) error        { return nil }

// clickMsg builds a LINK_CLICKED delivery for one aggregate; seq is encoded
// into the short code so tests can observe processing order.
func clickMsg(t *testing.T, aggregateID string, seq int) *fakeMsg {
	t.Helper()

	payload := link.ClickedPayload{
		ShortCode: fmt.Sprintf("%s-%d", aggregateID, seq),
		ClickedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	body, err := json.Marshal(relay.Envelope{
		EventID:       uuid.New(),
		EventType:     link.EventLinkClicked,
		AggregateID:   aggregateID,
		AggregateType: "link",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	})
	require.NoError(t, err)

	header := nats.Header{}
	header.Set(relay.HeaderAggregateID, aggregateID)
	header.Set(relay.HeaderTraceparent, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	return &fakeMsg{
		subject: "link.events.link." + aggregateID,
		header:  header,
		data:    body,
	}
}

func newWorkerConsumer(proj *fakeProjection) *Consumer {
	dedup := newFakeDedup()
	handler := NewHandler(&fakeRunner{dedup: dedup}, dedup, proj, "test-consumer")

	return &Consumer{
		handler: handler,
		tracer:  noop.NewTracerProvider().Tracer("test"),
		cfg:     DefaultConfig(),
	}
}

func runWorker(c *Consumer, shard chan jetstream.Msg) {
	var wg sync.WaitGroup
	wg.Add(1)
	go c.worker(context.Background(), &wg, 0, shard)
	wg.Wait()
}

func TestShardForIsDeterministic(t *testing.T) {
	for _, key := range []string{"link-1", "link-2", "a", ""} {
		first := shardFor(key, 4)
		for i := 0; i < 10; i++ {
			require.Equal(t, first, shardFor(key, 4))
		}
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 4)
	}
}

func TestShardForSpreadsKeys(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		seen[shardFor(uuid.NewString(), 4)] = true
	}

	// 100 random keys across 4 shards should hit more than one.
	require.Greater(t, len(seen), 1)
}

func TestParseEnvelopeHeadersWinOverBody(t *testing.T) {
	body, err := json.Marshal(relay.Envelope{
		EventID:     uuid.New(),
		EventType:   "LINK_CREATED",
		AggregateID: "body-aggregate",
		TenantID:    "body-tenant",
		Payload:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	header := nats.Header{}
	header.Set(relay.HeaderAggregateID, "header-aggregate")
	header.Set(relay.HeaderTenantID, "header-tenant")
	header.Set(relay.HeaderActorID, "header-actor")

	env, err := parseEnvelope(header, body)
	require.NoError(t, err)

	require.Equal(t, "header-aggregate", env.AggregateID)
	require.Equal(t, "header-tenant", env.TenantID)
	require.Equal(t, "header-actor", env.ActorID)
	require.Equal(t, "LINK_CREATED", env.EventType)
}

func TestParseEnvelopeFallsBackToBody(t *testing.T) {
	body, err := json.Marshal(relay.Envelope{
		EventID:     uuid.New(),
		EventType:   "LINK_CLICKED",
		AggregateID: "body-aggregate",
		TenantID:    "body-tenant",
		ActorID:     "body-actor",
		RequestID:   "body-request",
		Payload:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	env, err := parseEnvelope(nats.Header{}, body)
	require.NoError(t, err)

	require.Equal(t, "body-aggregate", env.AggregateID)
	require.Equal(t, "body-tenant", env.TenantID)
	require.Equal(t, "body-actor", env.ActorID)
	require.Equal(t, "body-request", env.RequestID)
}

func TestParseEnvelopeRejectsBadJSON(t *testing.T) {
	_, err := parseEnvelope(nats.Header{}, []byte(`{broken`))
	require.Error(t, err)
}

func TestSameAggregateAlwaysSameShard(t *testing.T) {
	for _, key := range []string{"link-1", "link-2", "abc123"} {
		shard := shardFor(key, 4)
		for i := 0; i < 20; i++ {
			require.Equal(t, shard, shardFor(key, 4))
		}
	}
}

func TestWorkerPreservesPerAggregateOrder(t *testing.T) {
	proj := &fakeProjection{}
	c := newWorkerConsumer(proj)

	shard := make(chan jetstream.Msg, 8)

	msgs := make([]*fakeMsg, 5)
	for i := range msgs {
		msgs[i] = clickMsg(t, "link-7", i)
		shard <- msgs[i]
	}
	close(shard)

	runWorker(c, shard)

	// One worker per shard means same-aggregate events apply serially, in
	// the order they were recorded.
	require.Equal(t,
		[]string{"link-7-0", "link-7-1", "link-7-2", "link-7-3", "link-7-4"},
		proj.clickedCodes)

	for i, msg := range msgs {
		require.Equal(t, 1, msg.acks, "message %d should be acked", i)
		require.Zero(t, msg.naks)
	}
}

func TestWorkerDrainsShardAfterClose(t *testing.T) {
	proj := &fakeProjection{}
	c := newWorkerConsumer(proj)

	// Everything buffered before the close must still be processed; shutdown
	// closes shards only after dispatch has quiesced.
	shard := make(chan jetstream.Msg, 8)
	for i := 0; i < 3; i++ {
		shard <- clickMsg(t, "link-9", i)
	}
	close(shard)

	runWorker(c, shard)

	require.Len(t, proj.clicked, 3)
}

func TestTwoAggregatesInterleaveAcrossShards(t *testing.T) {
	proj := &fakeProjection{}
	c := newWorkerConsumer(proj)

	shardA := make(chan jetstream.Msg, 8)
	shardB := make(chan jetstream.Msg, 8)

	for i := 0; i < 3; i++ {
		shardA <- clickMsg(t, "link-a", i)
		shardB <- clickMsg(t, "link-b", i)
	}
	close(shardA)
	close(shardB)

	var wg sync.WaitGroup
	wg.Add(2)
	go c.worker(context.Background(), &wg, 0, shardA)
	go c.worker(context.Background(), &wg, 1, shardB)
	wg.Wait()

	// Six events total; cross-aggregate order is unspecified but each
	// aggregate's own events stay in order.
	require.Len(t, proj.clickedCodes, 6)

	var aCodes, bCodes []string
	for _, code := range proj.clickedCodes {
		if code[:6] == "link-a" {
			aCodes = append(aCodes, code)
		} else {
			bCodes = append(bCodes, code)
		}
	}

	require.Equal(t, []string{"link-a-0", "link-a-1", "link-a-2"}, aCodes)
	require.Equal(t, []string{"link-b-0", "link-b-1", "link-b-2"}, bCodes)
}

func TestWorkerNaksFailedMessageAndContinues(t *testing.T) {
	proj := &fakeProjection{}
	c := newWorkerConsumer(proj)

	broken := &fakeMsg{header: nats.Header{}, data: []byte(`{broken`)}
	good := clickMsg(t, "link-3", 0)

	shard := make(chan jetstream.Msg, 2)
	shard <- broken
	shard <- good
	close(shard)

	runWorker(c, shard)

	require.Equal(t, 1, broken.naks)
	require.Zero(t, broken.acks)
	require.Equal(t, 1, good.acks)
	require.Len(t, proj.clicked, 1)
}
