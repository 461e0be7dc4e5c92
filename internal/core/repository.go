package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for data access operations.
// Lookups by key return a domain sentinel when nothing matches; "latest"/"next"
// queries return nil without error instead.
type Repository interface {
	// Event store
	InsertEvent(ctx context.Context, event *IngressEvent) (bool, error)
	GetEvent(ctx context.Context, id uint) (*IngressEvent, error)
	GetEventByEventID(ctx context.Context, eventID string) (*IngressEvent, error)
	NextReceivedEvent(ctx context.Context) (*IngressEvent, error)
	TransitionEvent(ctx context.Context, id uint, from, to string, updates map[string]interface{}) (bool, error)
	ListStaleProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]*IngressEvent, error)
	ListEvents(ctx context.Context, limit int) ([]*IngressEvent, error)
	CountEventsByStatus(ctx context.Context) (map[string]int64, error)

	// Device registry
	FindDeviceByRef(ctx context.Context, ref string) (*Device, error)
	GetDevice(ctx context.Context, id uint) (*Device, error)
	GetDeviceBySerial(ctx context.Context, serial string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	SetInstallDateIfEmpty(ctx context.Context, deviceID uint, installDate time.Time) (bool, error)
	ListDevices(ctx context.Context, limit int) ([]*Device, error)

	// Product models
	DefaultProductModel(ctx context.Context) (*ProductModel, error)
	ListProductModelsWithCapacity(ctx context.Context) ([]*ProductModel, error)
	UpsertProductModel(ctx context.Context, model *ProductModel) error

	// Service history
	FindServiceBetween(ctx context.Context, deviceID uint, from, to time.Time) (*ServiceHistory, error)
	CreateServiceHistory(ctx context.Context, entry *ServiceHistory) error
	ListServiceHistory(ctx context.Context, deviceID uint, limit int) ([]*ServiceHistory, error)

	// Recommendations
	LatestRecommendation(ctx context.Context, deviceID uint) (*Recommendation, error)
	CreateRecommendation(ctx context.Context, rec *Recommendation) error
	ListRecommendations(ctx context.Context, deviceID uint, limit int) ([]*Recommendation, error)
	ListRecommendationsBetween(ctx context.Context, deviceID uint, from, to time.Time, limit int) ([]*Recommendation, error)

	// Telemetry
	CreateTelemetry(ctx context.Context, raw *TelemetryRaw) error
	CreateHealthSnapshot(ctx context.Context, snapshot *DeviceHealthSnapshot) error
	ListTelemetry(ctx context.Context, deviceID uint, limit int) ([]*TelemetryRaw, error)
	ListHealthSnapshots(ctx context.Context, deviceID uint, limit int) ([]*DeviceHealthSnapshot, error)

	// Partners, customers, sites
	GetPartnerByAPIKey(ctx context.Context, apiKey string) (*Partner, error)
	CreatePartner(ctx context.Context, partner *Partner) error
	CreateCustomer(ctx context.Context, customer *Customer) error
	CreateSite(ctx context.Context, site *Site) error

	// Sizing
	CreateSizingRequest(ctx context.Context, req *SizingRequest) error
	CreateSizingResult(ctx context.Context, res *SizingResult) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository accepts a *gorm.DB so callers choose the driver.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

// --- Event store ---

// InsertEvent reports false when a row with the same event id already exists.
func (r *repository) InsertEvent(ctx context.Context, e *IngressEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(e)
	if res.Error != nil {
		if isDuplicateKeyError(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) GetEvent(ctx context.Context, id uint) (*IngressEvent, error) {
	var e IngressEvent
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err, ErrEventNotFound)
	}
	return &e, nil
}

func (r *repository) GetEventByEventID(ctx context.Context, eventID string) (*IngressEvent, error) {
	var e IngressEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&e).Error; err != nil {
		return nil, notFound(err, ErrEventNotFound)
	}
	return &e, nil
}

func (r *repository) NextReceivedEvent(ctx context.Context) (*IngressEvent, error) {
	var events []*IngressEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", EventStatusReceived).
		Order("received_at ASC").Order("id ASC").
		Limit(1).Find(&events).Error
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// TransitionEvent only updates rows still in the expected status; the bool is
// the affected-row signal.
func (r *repository) TransitionEvent(ctx context.Context, id uint, from, to string, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := r.db.WithContext(ctx).Model(&IngressEvent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListStaleProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]*IngressEvent, error) {
	var events []*IngressEvent
	q := r.db.WithContext(ctx).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at < ?)", EventStatusProcessing, claimedBefore).
		Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return events, q.Find(&events).Error
}

func (r *repository) ListEvents(ctx context.Context, limit int) ([]*IngressEvent, error) {
	var events []*IngressEvent
	q := r.db.WithContext(ctx).Order("received_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return events, q.Find(&events).Error
}

func (r *repository) CountEventsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&IngressEvent{}).
		Select("status, count(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// --- Device registry ---

func (r *repository) FindDeviceByRef(ctx context.Context, ref string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Preload("Model").
		Where("qr_code_id = ? OR serial_number = ?", ref, ref).
		Order("id ASC").First(&d).Error
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &d, nil
}

func (r *repository) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Preload("Model").Preload("Site.Customer").First(&d, id).Error
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &d, nil
}

func (r *repository) GetDeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Preload("Model").Where("serial_number = ?", serial).First(&d).Error
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &d, nil
}

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Omit("Model", "Site").Create(d).Error
}

// SetInstallDateIfEmpty never overwrites an existing install date.
func (r *repository) SetInstallDateIfEmpty(ctx context.Context, deviceID uint, installDate time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND install_date IS NULL", deviceID).
		Update("install_date", installDate)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListDevices(ctx context.Context, limit int) ([]*Device, error) {
	var devices []*Device
	q := r.db.WithContext(ctx).Preload("Model").Preload("Site.Customer").Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return devices, q.Find(&devices).Error
}

// --- Product models ---

// DefaultProductModel is the model with the alphabetically smallest display name.
func (r *repository) DefaultProductModel(ctx context.Context) (*ProductModel, error) {
	var models []*ProductModel
	err := r.db.WithContext(ctx).Order("display_name ASC").Order("id ASC").Limit(1).Find(&models).Error
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrNoProductModel
	}
	return models[0], nil
}

func (r *repository) ListProductModelsWithCapacity(ctx context.Context) ([]*ProductModel, error) {
	var models []*ProductModel
	err := r.db.WithContext(ctx).
		Where("battery_capacity_ah IS NOT NULL").
		Order("battery_capacity_ah ASC").Find(&models).Error
	return models, err
}

func (r *repository) UpsertProductModel(ctx context.Context, m *ProductModel) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "expected_lifetime_months", "nominal_power_w", "battery_capacity_ah", "notes", "updated_at"}),
	}).Create(m).Error
}

// --- Service history ---

func (r *repository) FindServiceBetween(ctx context.Context, deviceID uint, from, to time.Time) (*ServiceHistory, error) {
	var entries []*ServiceHistory
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND service_date >= ? AND service_date < ?", deviceID, from, to).
		Limit(1).Find(&entries).Error
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

func (r *repository) CreateServiceHistory(ctx context.Context, entry *ServiceHistory) error {
	return r.db.WithContext(ctx).Omit("Device").Create(entry).Error
}

func (r *repository) ListServiceHistory(ctx context.Context, deviceID uint, limit int) ([]*ServiceHistory, error) {
	var entries []*ServiceHistory
	q := r.db.WithContext(ctx).Order("service_date DESC")
	if deviceID > 0 {
		q = q.Where("device_id = ?", deviceID)
	} else {
		q = q.Preload("Device.Model").Preload("Device.Site.Customer")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return entries, q.Find(&entries).Error
}

// --- Recommendations ---

func (r *repository) LatestRecommendation(ctx context.Context, deviceID uint) (*Recommendation, error) {
	recs, err := r.ListRecommendations(ctx, deviceID, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (r *repository) CreateRecommendation(ctx context.Context, rec *Recommendation) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *repository) ListRecommendations(ctx context.Context, deviceID uint, limit int) ([]*Recommendation, error) {
	var recs []*Recommendation
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if deviceID > 0 {
		q = q.Where("device_id = ?", deviceID)
	} else {
		q = q.Preload("Device.Model").Preload("Device.Site.Customer")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return recs, q.Find(&recs).Error
}

func (r *repository) ListRecommendationsBetween(ctx context.Context, deviceID uint, from, to time.Time, limit int) ([]*Recommendation, error) {
	var recs []*Recommendation
	q := r.db.WithContext(ctx).Where("created_at >= ? AND created_at < ?", from, to).Order("created_at ASC")
	if deviceID > 0 {
		q = q.Where("device_id = ?", deviceID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return recs, q.Find(&recs).Error
}

// --- Telemetry ---

func (r *repository) CreateTelemetry(ctx context.Context, raw *TelemetryRaw) error {
	return r.db.WithContext(ctx).Create(raw).Error
}

func (r *repository) CreateHealthSnapshot(ctx context.Context, s *DeviceHealthSnapshot) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *repository) ListTelemetry(ctx context.Context, deviceID uint, limit int) ([]*TelemetryRaw, error) {
	var rows []*TelemetryRaw
	q := r.db.WithContext(ctx).Order("timestamp DESC")
	if deviceID > 0 {
		q = q.Where("device_id = ?", deviceID)
	} else {
		q = q.Preload("Device.Model").Preload("Device.Site.Customer")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return rows, q.Find(&rows).Error
}

func (r *repository) ListHealthSnapshots(ctx context.Context, deviceID uint, limit int) ([]*DeviceHealthSnapshot, error) {
	var rows []*DeviceHealthSnapshot
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return rows, q.Find(&rows).Error
}

// --- Partners ---

func (r *repository) GetPartnerByAPIKey(ctx context.Context, apiKey string) (*Partner, error) {
	var p Partner
	if err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&p).Error; err != nil {
		return nil, notFound(err, ErrPartnerNotFound)
	}
	return &p, nil
}

func (r *repository) CreatePartner(ctx context.Context, p *Partner) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *repository) CreateCustomer(ctx context.Context, c *Customer) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *repository) CreateSite(ctx context.Context, s *Site) error {
	return r.db.WithContext(ctx).Omit("Customer").Create(s).Error
}

// --- Sizing ---

func (r *repository) CreateSizingRequest(ctx context.Context, req *SizingRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *repository) CreateSizingResult(ctx context.Context, res *SizingResult) error {
	return r.db.WithContext(ctx).Create(res).Error
}

// Helper functions

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}
