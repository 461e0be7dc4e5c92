package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Ingestion *IngestionService
	Telemetry *TelemetryService
	Admin     *AdminService
	Partners  *PartnerService
	Sizing    *SizingService
	Processor *EventProcessor
	Worker    *Worker
	Resolver  *DeviceResolver
}

// Dependencies are the optional adapters wired into the services. Nil
// adapters disable the matching feature.
type Dependencies struct {
	Cache     DeviceCache
	DeviceTTL time.Duration
	Publisher Publisher
	Sink      TelemetrySink
	Ingestion IngestionOptions
	Worker    WorkerOptions
}

// NewServiceRegistry builds every service on top of one repository.
func NewServiceRegistry(repo Repository, deps Dependencies, logger *logrus.Logger) (*ServiceRegistry, error) {
	ingestion, err := NewIngestionService(repo, logger, deps.Ingestion)
	if err != nil {
		return nil, err
	}

	resolver := NewDeviceResolver(repo, deps.Cache, deps.DeviceTTL, logger)
	processor := NewEventProcessor(repo, resolver, deps.Publisher, logger)

	return &ServiceRegistry{
		Ingestion: ingestion,
		Telemetry: NewTelemetryService(repo, resolver, deps.Sink, logger),
		Admin:     NewAdminService(repo, resolver, deps.Publisher, logger),
		Partners:  NewPartnerService(repo, logger),
		Sizing:    NewSizingService(repo, logger),
		Processor: processor,
		Worker:    NewWorker(repo, processor, logger, deps.Worker),
		Resolver:  resolver,
	}, nil
}
