package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/powerwatch/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	deviceCachePrefix = "device:ref:"
	serviceYearNote   = "service year reported from PowerWatch"
)

// DeviceResolver maps a free-text device reference onto a registry device,
// provisioning placeholders for references it has never seen.
type DeviceResolver struct {
	repo   Repository
	cache  DeviceCache
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

func NewDeviceResolver(repo Repository, cache DeviceCache, ttl time.Duration, logger *logrus.Logger) *DeviceResolver {
	return &DeviceResolver{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    utcNow,
	}
}

// withRepository returns a copy bound to repo, typically a transaction.
func (r *DeviceResolver) withRepository(repo Repository) *DeviceResolver {
	clone := *r
	clone.repo = repo
	return &clone
}

// Resolve finds the device for ref or provisions an UNKNOWN placeholder under
// the default product model. The bool reports whether a device was created.
func (r *DeviceResolver) Resolve(ctx context.Context, ref, eventID string) (*Device, bool, error) {
	device, err := r.repo.FindDeviceByRef(ctx, ref)
	if err == nil {
		return device, false, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, fmt.Errorf("failed to look up device %q: %w", ref, err)
	}

	prefix := idPrefix(eventID)
	qr := "QR-" + prefix
	if strings.HasPrefix(ref, "QR-") {
		qr = ref
	}

	device, err = provisionDevice(ctx, r.repo, "UNKNOWN-"+prefix, qr, DeviceStatusUnknown)
	if err != nil {
		return nil, false, err
	}

	r.logger.WithFields(logrus.Fields{
		"device_id":  device.ID,
		"device_ref": ref,
		"serial":     device.SerialNumber,
		"event_id":   eventID,
	}).Info("Provisioned placeholder device")

	return device, true, nil
}

// Lookup resolves ref without provisioning. Unknown references yield
// ErrUnknownDevice.
func (r *DeviceResolver) Lookup(ctx context.Context, ref string) (*Device, error) {
	if cached := r.cachedDevice(ctx, ref); cached != nil {
		return cached, nil
	}

	device, err := r.repo.FindDeviceByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}

	r.cacheDevice(ctx, ref, device)
	return device, nil
}

// ApplyReportedYears backfills the install date and records a reported service
// year. Both writes are idempotent: an existing install date is never replaced
// and at most one service entry exists per calendar year. The bool reports a
// backfill; cached copies of device are stale once the caller commits.
func (r *DeviceResolver) ApplyReportedYears(ctx context.Context, device *Device, installYear, lastServiceYear *int) (bool, error) {
	now := r.now()
	backfilled := false

	if installYear != nil && device.InstallDate == nil && utils.PlausibleYear(*installYear, now) {
		installDate := utils.YearStart(*installYear)
		updated, err := r.repo.SetInstallDateIfEmpty(ctx, device.ID, installDate)
		if err != nil {
			return false, fmt.Errorf("failed to backfill install date: %w", err)
		}
		if updated {
			device.InstallDate = &installDate
		} else if fresh, err := r.repo.GetDevice(ctx, device.ID); err == nil {
			device.InstallDate = fresh.InstallDate
		}
		backfilled = true
	}

	if lastServiceYear != nil && utils.PlausibleYear(*lastServiceYear, now) {
		from := utils.YearStart(*lastServiceYear)
		existing, err := r.repo.FindServiceBetween(ctx, device.ID, from, utils.YearStart(*lastServiceYear+1))
		if err != nil {
			return false, fmt.Errorf("failed to check service history: %w", err)
		}
		if existing == nil {
			entry := &ServiceHistory{
				DeviceID:    device.ID,
				ServiceDate: from,
				Action:      ServiceActionService,
				Notes:       serviceYearNote,
			}
			if err := r.repo.CreateServiceHistory(ctx, entry); err != nil {
				return false, fmt.Errorf("failed to record service year: %w", err)
			}
		}
	}

	return backfilled, nil
}

// Invalidate drops cached lookups for both references of device.
func (r *DeviceResolver) Invalidate(ctx context.Context, device *Device) {
	if r.cache == nil {
		return
	}
	for _, ref := range []string{device.SerialNumber, device.QRCodeID} {
		if err := r.cache.Delete(ctx, deviceCachePrefix+ref); err != nil {
			r.logger.WithError(err).WithField("device_ref", ref).Warn("Failed to invalidate cached device")
		}
	}
}

func (r *DeviceResolver) cacheDevice(ctx context.Context, ref string, device *Device) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, deviceCachePrefix+ref, string(data), r.ttl); err != nil {
		r.logger.WithError(err).WithField("device_ref", ref).Debug("Failed to cache device")
	}
}

func (r *DeviceResolver) cachedDevice(ctx context.Context, ref string) *Device {
	if r.cache == nil {
		return nil
	}
	data, err := r.cache.Get(ctx, deviceCachePrefix+ref)
	if err != nil || data == "" {
		return nil
	}
	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil
	}
	return &device
}

// provisionDevice creates a device under the default product model.
func provisionDevice(ctx context.Context, repo Repository, serial, qr, status string) (*Device, error) {
	model, err := repo.DefaultProductModel(ctx)
	if err != nil {
		return nil, err
	}

	device := &Device{
		SerialNumber: serial,
		QRCodeID:     qr,
		Status:       status,
		ModelID:      model.ID,
	}
	if err := repo.CreateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to provision device %s: %w", serial, err)
	}
	device.Model = *model
	return device, nil
}

// recommendForDevice runs the recommendation engine for device and stores the
// outcome. It returns nil when nothing was recommended.
func recommendForDevice(ctx context.Context, repo Repository, device *Device, now time.Time) (*Recommendation, error) {
	last, err := repo.LatestRecommendation(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest recommendation: %w", err)
	}

	input := RecommendationInput{
		InstallDate:            device.InstallDate,
		ExpectedLifetimeMonths: device.Model.ExpectedLifetimeMonths,
		Now:                    now,
	}
	if last != nil {
		input.LastRecommendedAt = &last.CreatedAt
	}

	rec := Recommend(input)
	if rec == nil {
		return nil, nil
	}
	rec.DeviceID = device.ID
	rec.CreatedAt = now
	if err := repo.CreateRecommendation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store recommendation: %w", err)
	}
	return rec, nil
}

// idPrefix is the first eight characters of an event id.
func idPrefix(eventID string) string {
	if len(eventID) <= 8 {
		return eventID
	}
	return eventID[:8]
}
