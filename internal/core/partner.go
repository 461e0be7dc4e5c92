package core

import (
	"context"
	"strings"
	"time"

	"example.com/backstage/services/powerwatch/internal/utils"
	"github.com/sirupsen/logrus"
)

// CreateCustomerRequest is a partner's request to register a customer.
type CreateCustomerRequest struct {
	Name string `json:"name"`
}

// DeviceStatus is the partner-facing view of a device's latest health.
type DeviceStatus struct {
	SerialNumber string     `json:"serialNumber"`
	Status       string     `json:"status"`
	Health       string     `json:"health"`
	Score        *int       `json:"score"`
	Timestamp    *time.Time `json:"timestamp"`
}

// PartnerService serves integrators authenticated by api key.
type PartnerService struct {
	repo   Repository
	logger *logrus.Logger
}

func NewPartnerService(repo Repository, logger *logrus.Logger) *PartnerService {
	return &PartnerService{repo: repo, logger: logger}
}

// Authenticate returns the partner owning apiKey.
func (s *PartnerService) Authenticate(ctx context.Context, apiKey string) (*Partner, error) {
	if apiKey == "" {
		return nil, ErrPartnerNotFound
	}
	partner, err := s.repo.GetPartnerByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if !utils.SecureCompare(partner.APIKey, apiKey) {
		return nil, ErrPartnerNotFound
	}
	return partner, nil
}

func (s *PartnerService) CreateCustomer(ctx context.Context, partner *Partner, req *CreateCustomerRequest) (*Customer, error) {
	name := ""
	if req != nil {
		name = strings.TrimSpace(req.Name)
	}
	if name == "" {
		return nil, newValidationError("name required")
	}

	customer := &Customer{Name: name, PartnerID: &partner.ID}
	if err := s.repo.CreateCustomer(ctx, customer); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"partner_id":  partner.ID,
		"customer_id": customer.ID,
	}).Info("Customer created by partner")

	return customer, nil
}

// DeviceStatus reports health UNKNOWN when no snapshot exists yet.
func (s *PartnerService) DeviceStatus(ctx context.Context, serial string) (*DeviceStatus, error) {
	device, err := s.repo.GetDeviceBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	status := &DeviceStatus{
		SerialNumber: device.SerialNumber,
		Status:       device.Status,
		Health:       HealthUnknown,
	}

	snapshots, err := s.repo.ListHealthSnapshots(ctx, device.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(snapshots) > 0 {
		last := snapshots[0]
		status.Health = last.Health
		status.Score = &last.Score
		status.Timestamp = &last.Timestamp
	}
	return status, nil
}
