package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Resolve actions for rejected inbox events.
const (
	ResolveActionMerge  = "merge"
	ResolveActionCreate = "create"
)

const (
	inboxLimit          = 100
	deviceListLimit     = 200
	serviceHistoryLimit = 200
	detailHistoryLimit  = 50
	recentRecsLimit     = 50
	recentTelemetry     = 200
)

// ResolveRequest tells the admin service how to settle a rejected event.
type ResolveRequest struct {
	Action   string `json:"action" validate:"required,oneof=merge create"`
	DeviceID *uint  `json:"deviceId,omitempty" validate:"required_if=Action merge"`
}

// ResolveResult is returned once an event has been settled.
type ResolveResult struct {
	Status   string `json:"status"`
	DeviceID uint   `json:"deviceId"`
}

// DeviceSummary is a device with its most recent activity.
type DeviceSummary struct {
	*Device
	LatestService   *ServiceHistory       `json:"latestService,omitempty"`
	Recommendations []*Recommendation     `json:"recommendations"`
	LatestHealth    *DeviceHealthSnapshot `json:"latestHealth,omitempty"`
}

// DeviceDetail is a device with its full history.
type DeviceDetail struct {
	*Device
	ServiceHistory  []*ServiceHistory       `json:"serviceHistory"`
	Recommendations []*Recommendation       `json:"recommendations"`
	HealthSnapshots []*DeviceHealthSnapshot `json:"healthSnapshots"`
	Telemetry       []*TelemetryRaw         `json:"telemetry"`
}

// AdminService backs the operator views of the inbox and the registry.
type AdminService struct {
	repo      Repository
	resolver  *DeviceResolver
	publisher Publisher
	logger    *logrus.Logger
	validate  *validator.Validate
	now       func() time.Time
}

func NewAdminService(repo Repository, resolver *DeviceResolver, publisher Publisher, logger *logrus.Logger) *AdminService {
	return &AdminService{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
		validate:  newValidator(),
		now:       utcNow,
	}
}

// ListInbox returns the newest ingress events first.
func (s *AdminService) ListInbox(ctx context.Context) ([]*IngressEvent, error) {
	return s.repo.ListEvents(ctx, inboxLimit)
}

func (s *AdminService) ListDevices(ctx context.Context) ([]*DeviceSummary, error) {
	devices, err := s.repo.ListDevices(ctx, deviceListLimit)
	if err != nil {
		return nil, err
	}

	summaries := make([]*DeviceSummary, 0, len(devices))
	for _, device := range devices {
		summary := &DeviceSummary{Device: device}

		services, err := s.repo.ListServiceHistory(ctx, device.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(services) > 0 {
			summary.LatestService = services[0]
		}

		if summary.Recommendations, err = s.repo.ListRecommendations(ctx, device.ID, 3); err != nil {
			return nil, err
		}

		snapshots, err := s.repo.ListHealthSnapshots(ctx, device.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(snapshots) > 0 {
			summary.LatestHealth = snapshots[0]
		}

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *AdminService) GetDevice(ctx context.Context, id uint) (*DeviceDetail, error) {
	device, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &DeviceDetail{Device: device}
	if detail.ServiceHistory, err = s.repo.ListServiceHistory(ctx, id, 0); err != nil {
		return nil, err
	}
	if detail.Recommendations, err = s.repo.ListRecommendations(ctx, id, 0); err != nil {
		return nil, err
	}
	if detail.HealthSnapshots, err = s.repo.ListHealthSnapshots(ctx, id, detailHistoryLimit); err != nil {
		return nil, err
	}
	if detail.Telemetry, err = s.repo.ListTelemetry(ctx, id, detailHistoryLimit); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListServiceHistory returns recent service entries across all devices.
func (s *AdminService) ListServiceHistory(ctx context.Context) ([]*ServiceHistory, error) {
	return s.repo.ListServiceHistory(ctx, 0, serviceHistoryLimit)
}

// ListRecommendations returns the newest recommendations across all devices.
func (s *AdminService) ListRecommendations(ctx context.Context) ([]*Recommendation, error) {
	return s.repo.ListRecommendations(ctx, 0, recentRecsLimit)
}

// ListTelemetry returns the newest raw telemetry across all devices.
func (s *AdminService) ListTelemetry(ctx context.Context) ([]*TelemetryRaw, error) {
	return s.repo.ListTelemetry(ctx, 0, recentTelemetry)
}

// EventCounts reports how many events sit in each status.
func (s *AdminService) EventCounts(ctx context.Context) (map[string]int64, error) {
	return s.repo.CountEventsByStatus(ctx)
}

// ResolveInbox settles a REJECTED event by attaching it to an existing device
// (merge) or to a newly registered one (create), then runs the same backfill
// and recommendation steps as automatic processing.
func (s *AdminService) ResolveInbox(ctx context.Context, eventID uint, req *ResolveRequest) (*ResolveResult, error) {
	if req == nil {
		return nil, newValidationError("action is required")
	}
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	event, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if _, err := nextStatus(ctx, event.Status, eventResolve); err != nil {
		return nil, err
	}

	ref := strings.TrimSpace(event.DeviceRef)
	if req.Action == ResolveActionCreate && ref == "" {
		return nil, newValidationError("deviceRef missing")
	}

	var (
		device     *Device
		rec        *Recommendation
		backfilled bool
	)
	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		switch req.Action {
		case ResolveActionMerge:
			device, err = tx.GetDevice(ctx, *req.DeviceID)
		default:
			device, err = s.registerDevice(ctx, tx, ref, event.EventID)
		}
		if err != nil {
			return err
		}

		if backfilled, err = s.resolver.withRepository(tx).ApplyReportedYears(ctx, device, event.InstallYear, event.LastServiceYear); err != nil {
			return err
		}

		now := s.now()
		if rec, err = recommendForDevice(ctx, tx, device, now); err != nil {
			return err
		}

		return transitionEvent(ctx, tx, event, eventResolve, map[string]interface{}{
			"processed_at": now,
			"device_id":    device.ID,
		})
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			return nil, fmt.Errorf("%w: event %s changed while resolving", ErrInvalidTransition, event.EventID)
		}
		return nil, err
	}

	if backfilled {
		s.resolver.Invalidate(ctx, device)
	}
	if rec != nil && s.publisher != nil {
		if err := s.publisher.Publish(ctx, TopicRecommendations, NewRecommendationMessage(rec, event.EventID)); err != nil {
			s.logger.WithError(err).WithField("recommendation_id", rec.ID).Warn("Failed to publish recommendation")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"event_id":  event.EventID,
		"action":    req.Action,
		"device_id": device.ID,
	}).Info("Inbox event resolved")

	return &ResolveResult{Status: EventStatusAccepted, DeviceID: device.ID}, nil
}

// registerDevice creates an ACTIVE device, keeping the reference as serial or
// QR code when it already carries the matching prefix.
func (s *AdminService) registerDevice(ctx context.Context, repo Repository, ref, eventID string) (*Device, error) {
	prefix := idPrefix(eventID)

	serial := "SN-" + prefix
	if strings.HasPrefix(ref, "SN-") {
		serial = ref
	}
	qr := "QR-" + prefix
	if strings.HasPrefix(ref, "QR-") {
		qr = ref
	}

	return provisionDevice(ctx, repo, serial, qr, DeviceStatusActive)
}
