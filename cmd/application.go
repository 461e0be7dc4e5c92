package cmd

import (
	"fmt"
	"strings"

	"example.com/backstage/services/powerwatch/internal/core"
	"example.com/backstage/services/powerwatch/internal/infrastructure"
)

// application is the wired service graph shared by serve and worker.
type application struct {
	db       *infrastructure.Database
	services *core.ServiceRegistry
	cache    *infrastructure.DeviceCache
	closers  []func()
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApplication connects the database and every optional adapter enabled in
// the config. Optional adapters that fail to connect are logged and skipped.
func newApplication() (*application, error) {
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	app := &application{db: db}
	app.closers = append(app.closers, func() { _ = db.Close() })

	deps := core.Dependencies{
		DeviceTTL: cfg.Redis.DeviceTTL,
		Ingestion: core.IngestionOptions{
			MaxBatchSize:   cfg.Ingestion.MaxBatchSize,
			Concurrency:    cfg.Ingestion.Concurrency,
			DedupCacheSize: cfg.Ingestion.DedupCacheSize,
		},
		Worker: core.WorkerOptions{
			PollInterval:   cfg.Worker.PollInterval,
			StaleAfter:     cfg.Worker.StaleAfter,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			ProcessTimeout: cfg.Worker.ProcessTimeout,
		},
	}

	if cfg.Redis.Enabled {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewDeviceCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		} else {
			deps.Cache = cache
			app.cache = cache
			app.closers = append(app.closers, func() { _ = cache.Close() })
		}
	}

	publisher, closePublisher, err := newPublisher()
	if err != nil {
		logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
	} else if publisher != nil {
		deps.Publisher = publisher
		app.closers = append(app.closers, closePublisher)
	}

	if cfg.Influx.Enabled {
		sink, err := infrastructure.NewInfluxSink(cfg.Influx)
		if err != nil {
			logger.WithError(err).Warn("Telemetry sink unavailable, continuing without it")
		} else {
			deps.Sink = sink
			app.closers = append(app.closers, sink.Close)
		}
	}

	services, err := core.NewServiceRegistry(core.NewRepository(db.DB), deps, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = services
	return app, nil
}

// newPublisher returns a nil publisher when messaging is disabled.
func newPublisher() (core.Publisher, func(), error) {
	switch strings.ToLower(cfg.Messaging.Driver) {
	case "", "none":
		return nil, nil, nil
	case "servicebus":
		logger.Info("Connecting to Service Bus...")
		sender, err := infrastructure.NewServiceBusPublisher(cfg.ServiceBus)
		if err != nil {
			return nil, nil, err
		}
		return sender, func() { _ = sender.Close() }, nil
	case "kafka":
		logger.Info("Connecting to Kafka...")
		producer, err := infrastructure.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		return producer, func() { _ = producer.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported messaging driver %q", cfg.Messaging.Driver)
	}
}
