package main

import (
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/consumer"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/link"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/reaper"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/relay"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/sqlutil"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/tracing"
)

// Pipeline holds every long-running component of the event pipeline plus the
// business service that feeds it.
type Pipeline struct {
	Links     *link.Service
	Listener  *relay.Listener
	Poller    *relay.Poller
	Consumer  *consumer.Consumer
	Reaper    *reaper.Reaper
	Sweeper   *link.Sweeper
	publisher *relay.JetStreamPublisher
}

func setupPipeline(cfg *Config, database *sql.DB, dsn string, tel *tracing.Telemetry) (*Pipeline, error) {
	// Ledger layer shared by every component.
	ledger := outbox.NewRepository(database)
	runner := sqlutil.DB{DB: database}

	// Business side: link mutations record events in their own transaction.
	recorder := outbox.NewRecorder(ledger)
	linkStore := link.NewRepository(database)
	links := link.NewService(runner, linkStore, recorder)

	// Relay side: broker publisher, notification listener, fallback poller.
	jsCfg := relay.DefaultJetStreamConfig()
	jsCfg.URL = getEnv("NATS_URL", jsCfg.URL)
	jsCfg.StreamName = stringOr(cfg.Broker.StreamName, jsCfg.StreamName)
	jsCfg.SubjectPrefix = stringOr(cfg.Broker.SubjectPrefix, jsCfg.SubjectPrefix)

	publisher, err := relay.NewJetStreamPublisher(jsCfg)
	if err != nil {
		return nil, fmt.Errorf("setup publisher: %w", err)
	}

	listenerCfg := relay.DefaultListenerConfig()
	listenerCfg.DatabaseURL = dsn
	listenerCfg.NotifyChannel = stringOr(cfg.Relay.NotifyChannel, listenerCfg.NotifyChannel)
	listenerCfg.SubjectPrefix = jsCfg.SubjectPrefix

	listener, err := relay.NewListener(ledger, publisher, listenerCfg)
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("setup listener: %w", err)
	}

	pollerCfg := relay.DefaultPollerConfig()
	pollerCfg.SubjectPrefix = jsCfg.SubjectPrefix
	pollerCfg.PollInterval = durationOr(cfg.Relay.PollInterval, pollerCfg.PollInterval)
	pollerCfg.GracePeriod = durationOr(cfg.Relay.GracePeriod, pollerCfg.GracePeriod)
	pollerCfg.BatchSize = intOr(cfg.Relay.BatchSize, pollerCfg.BatchSize)
	pollerCfg.MaxRetries = intOr(cfg.Relay.MaxRetries, pollerCfg.MaxRetries)

	poller := relay.NewPoller(database, ledger, publisher, pollerCfg, clockwork.NewRealClock())

	// Consumer side: idempotent handler plus the durable stream consumer.
	consumerCfg := consumer.DefaultConfig()
	consumerCfg.URL = jsCfg.URL
	consumerCfg.StreamName = jsCfg.StreamName
	consumerCfg.FilterSubject = jsCfg.SubjectPrefix + ".>"
	consumerCfg.ConsumerName = stringOr(cfg.Consumer.Name, consumerCfg.ConsumerName)
	consumerCfg.Workers = intOr(cfg.Consumer.Workers, consumerCfg.Workers)

	handler := consumer.NewHandler(
		runner,
		consumer.NewPostgresDedup(),
		consumer.NewAnalyticsProjection(),
		consumerCfg.ConsumerName,
	)

	eventConsumer, err := consumer.New(handler, tel.Tracer("link-event-consumer"), consumerCfg)
	if err != nil {
		_ = listener.Stop()
		publisher.Close()
		return nil, fmt.Errorf("setup consumer: %w", err)
	}

	reaperCfg := reaper.DefaultConfig()
	reaperCfg.Retention = durationOr(cfg.Reaper.Retention, reaperCfg.Retention)
	reaperCfg.Interval = durationOr(cfg.Reaper.Interval, reaperCfg.Interval)

	sweepCfg := link.DefaultSweepConfig()
	sweepCfg.Interval = durationOr(cfg.Sweeper.Interval, sweepCfg.Interval)
	sweepCfg.BatchSize = intOr(cfg.Sweeper.BatchSize, sweepCfg.BatchSize)

	return &Pipeline{
		Links:     links,
		Listener:  listener,
		Poller:    poller,
		Consumer:  eventConsumer,
		Reaper:    reaper.New(ledger, reaperCfg),
		Sweeper:   link.NewSweeper(linkStore, links, sweepCfg),
		publisher: publisher,
	}, nil
}

func (p *Pipeline) Close() {
	_ = p.Consumer.Close()
	_ = p.Listener.Stop()
	if p.publisher != nil {
		p.publisher.Close()
	}
}
