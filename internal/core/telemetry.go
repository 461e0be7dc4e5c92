package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// TelemetryRequest is one metrics sample reported for a known device.
type TelemetryRequest struct {
	DeviceRef string                 `json:"deviceRef" validate:"required,min=1"`
	Timestamp string                 `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Metrics   map[string]interface{} `json:"metrics" validate:"required"`
}

// TelemetryResult is returned to the reporting client.
type TelemetryResult struct {
	OK       bool             `json:"ok"`
	DeviceID uint             `json:"deviceId"`
	Snapshot HealthAssessment `json:"snapshot"`
}

// TelemetryService stores raw telemetry and the health snapshot derived from it.
type TelemetryService struct {
	repo     Repository
	resolver *DeviceResolver
	sink     TelemetrySink
	logger   *logrus.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewTelemetryService(repo Repository, resolver *DeviceResolver, sink TelemetrySink, logger *logrus.Logger) *TelemetryService {
	return &TelemetryService{
		repo:     repo,
		resolver: resolver,
		sink:     sink,
		logger:   logger,
		validate: newValidator(),
		now:      utcNow,
	}
}

// Ingest never provisions devices: an unknown reference yields
// ErrUnknownDevice and nothing is written.
func (s *TelemetryService) Ingest(ctx context.Context, req *TelemetryRequest) (*TelemetryResult, error) {
	timestamp, err := s.validateRequest(req)
	if err != nil {
		return nil, err
	}

	device, err := s.resolver.Lookup(ctx, req.DeviceRef)
	if err != nil {
		return nil, err
	}

	metrics, err := json.Marshal(req.Metrics)
	if err != nil {
		return nil, newValidationError("metrics is not serializable")
	}

	now := s.now()
	assessment := ScoreHealth(device.InstallDate, device.Model.ExpectedLifetimeMonths, req.Metrics, now)
	reasons, _ := json.Marshal(assessment.Reasons)

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.CreateTelemetry(ctx, &TelemetryRaw{
			DeviceID:  device.ID,
			Timestamp: timestamp,
			Metrics:   metrics,
		}); err != nil {
			return fmt.Errorf("failed to store telemetry: %w", err)
		}
		if err := tx.CreateHealthSnapshot(ctx, &DeviceHealthSnapshot{
			DeviceID:  device.ID,
			Health:    assessment.Health,
			Score:     assessment.Score,
			Reasons:   reasons,
			Timestamp: now,
		}); err != nil {
			return fmt.Errorf("failed to store health snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.sink != nil {
		if err := s.sink.WriteTelemetry(ctx, device, timestamp, req.Metrics, assessment); err != nil {
			s.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to mirror telemetry")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"health":    assessment.Health,
		"score":     assessment.Score,
	}).Debug("Telemetry ingested")

	return &TelemetryResult{OK: true, DeviceID: device.ID, Snapshot: assessment}, nil
}

// ListTelemetry returns the newest raw samples of a device.
func (s *TelemetryService) ListTelemetry(ctx context.Context, deviceID uint, limit int) ([]*TelemetryRaw, error) {
	if _, err := s.repo.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.repo.ListTelemetry(ctx, deviceID, limit)
}

func (s *TelemetryService) validateRequest(req *TelemetryRequest) (time.Time, error) {
	if req == nil {
		return time.Time{}, newValidationError("body is required")
	}
	if err := validateStruct(s.validate, req); err != nil {
		return time.Time{}, err
	}

	var problems []string
	for _, key := range []string{"voltage", "temperature"} {
		if v, ok := req.Metrics[key]; ok && v != nil {
			if _, numeric := numericMetric(req.Metrics, key); !numeric {
				problems = append(problems, "metrics."+key+" must be a number")
			}
		}
	}
	if v, ok := req.Metrics["faultCode"]; ok && v != nil {
		if _, isString := v.(string); !isString {
			problems = append(problems, "metrics.faultCode must be a string")
		}
	}
	if len(problems) > 0 {
		return time.Time{}, newValidationError(problems...)
	}

	timestamp, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return time.Time{}, newValidationError("timestamp must be an ISO-8601 timestamp")
	}
	return timestamp.UTC(), nil
}
