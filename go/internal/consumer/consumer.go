// Package consumer reads routed link events off the stream, reconstructs the
// producer's trace as a remote parent, and applies business side effects
// exactly once per event id.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/relay"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/tracing"
)

type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	Workers       int
	BufferSize    int
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "LINK_EVENTS",
		ConsumerName:  "link-event-consumer",
		FilterSubject: "link.events.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 256,
		Workers:       4,
		BufferSize:    64,
	}
}

// Consumer is a durable JetStream consumer fanning messages to shard workers.
// Messages are sharded by aggregate id: events of the same aggregate always
// land on the same worker and are processed serially, which is what preserves
// per-aggregate order. Different aggregates run in parallel; no cross-
// aggregate order is promised.
type Consumer struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	handler  *Handler
	tracer   trace.Tracer
	cfg      Config
}

func New(handler *Handler, tracer trace.Tracer, cfg Config) (*Consumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Consumer{
		nc:      nc,
		js:      js,
		handler: handler,
		tracer:  tracer,
		cfg:     cfg,
	}, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          c.cfg.ConsumerName,
		Durable:       c.cfg.ConsumerName,
		Description:   "Link event consumer with trace reconstruction",
		FilterSubject: c.cfg.FilterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		MaxAckPending: c.cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, c.cfg.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().Msg("created JetStream consumer")
	} else {
		log.Info().Msg("using existing JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureConsumer(ctx); err != nil {
		return err
	}

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	shards := make([]chan jetstream.Msg, workers)
	for i := range shards {
		shards[i] = make(chan jetstream.Msg, c.cfg.BufferSize)
	}

	var wg sync.WaitGroup

	for i, shard := range shards {
		wg.Add(1)
		go c.worker(ctx, &wg, i, shard)
	}

	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		shard := shards[shardFor(aggregateKey(msg), workers)]
		select {
		case shard <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start JetStream consumer: %w", err)
	}

	log.Info().
		Str("consumer", c.cfg.ConsumerName).
		Int("workers", workers).
		Msg("event consumer started")

	<-ctx.Done()

	// Stop is asynchronous; dispatch callbacks may still be running until
	// Closed fires. The shard channels must stay open until then or an
	// in-flight callback could send on a closed channel.
	consumeCtx.Stop()
	<-consumeCtx.Closed()

	for _, shard := range shards {
		close(shard)
	}

	wg.Wait()
	log.Info().Msg("event consumer stopped")

	return nil
}

func (c *Consumer) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, wg *sync.WaitGroup, workerID int, shard <-chan jetstream.Msg) {
	defer wg.Done()

	for msg := range shard {
		if err := c.processMsg(ctx, msg); err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("failed to process message")
			_ = msg.Nak()
			continue
		}

		_ = msg.Ack()
	}
}

func (c *Consumer) processMsg(ctx context.Context, msg jetstream.Msg) error {
	env, err := parseEnvelope(msg.Headers(), msg.Data())
	if err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}

	// A malformed or missing traceparent is not an error: the event is
	// processed under a fresh trace instead.
	if sc, ok := tracing.ParseTraceparent(msg.Headers().Get(relay.HeaderTraceparent)); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}

	ctx, span := c.tracer.Start(ctx, "link.events.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.EventID.String()),
			attribute.String("link.event.type", env.EventType),
			attribute.String("link.aggregate.id", env.AggregateID),
		),
	)
	defer span.End()

	// The logger is a value scoped to this message; it cannot leak fields
	// into whatever this worker processes next.
	logger := log.With().
		Str("event_id", env.EventID.String()).
		Str("event_type", env.EventType).
		Str("aggregate_id", env.AggregateID).
		Str("tenant_id", env.TenantID).
		Str("trace_id", span.SpanContext().TraceID().String()).
		Logger()

	duplicate, err := c.handler.Apply(ctx, logger, env)
	if err != nil {
		return err
	}

	if duplicate {
		logger.Debug().Msg("duplicate delivery skipped")
	}

	return nil
}

// parseEnvelope decodes the message body and backfills correlation fields
// from the wire headers, which win over body fields when both are present.
func parseEnvelope(header nats.Header, data []byte) (*relay.Envelope, error) {
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	if v := header.Get(relay.HeaderTenantID); v != "" {
		env.TenantID = v
	}

	if v := header.Get(relay.HeaderActorID); v != "" {
		env.ActorID = v
	}

	if v := header.Get(relay.HeaderRequestID); v != "" {
		env.RequestID = v
	}

	if v := header.Get(relay.HeaderAggregateID); v != "" {
		env.AggregateID = v
	}

	if v := header.Get(relay.HeaderEventType); v != "" {
		env.EventType = v
	}

	return &env, nil
}

func aggregateKey(msg jetstream.Msg) string {
	if key := msg.Headers().Get(relay.HeaderAggregateID); key != "" {
		return key
	}

	// Subject ends in the aggregate id, so it shards identically.
	return msg.Subject()
}

func shardFor(key string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum32() % uint32(workers))
}
