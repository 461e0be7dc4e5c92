package core

import (
	"time"

	"gorm.io/datatypes"
)

// IngressEvent is one field report queued for processing. Rows are never deleted.
type IngressEvent struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	EventID          string         `json:"eventId" gorm:"uniqueIndex;not null"`
	Source           string         `json:"source" gorm:"not null"`
	DeviceRef        string         `json:"deviceRef"`
	Payload          datatypes.JSON `json:"payload"`
	Contact          datatypes.JSON `json:"contact,omitempty"`
	InstallYear      *int           `json:"installYear,omitempty"`
	LastServiceYear  *int           `json:"lastServiceYear,omitempty"`
	Status           string         `json:"status" gorm:"index;not null"`
	Attempts         int            `json:"attempts" gorm:"default:0"`
	ReceivedAt       time.Time      `json:"receivedAt" gorm:"index;not null"`
	ClaimedAt        *time.Time     `json:"claimedAt,omitempty"`
	ProcessedAt      *time.Time     `json:"processedAt,omitempty"`
	ValidationErrors datatypes.JSON `json:"validationErrors,omitempty"`
	DeviceID         *uint          `json:"deviceId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// ProductModel is read-only reference data describing a sellable unit.
type ProductModel struct {
	ID                     uint      `json:"id" gorm:"primaryKey"`
	SKU                    string    `json:"sku" gorm:"uniqueIndex;not null"`
	DisplayName            string    `json:"displayName" gorm:"index;not null"`
	ExpectedLifetimeMonths int       `json:"expectedLifetimeMonths" gorm:"not null"`
	NominalPowerW          *int      `json:"nominalPowerW,omitempty"`
	BatteryCapacityAh      *float64  `json:"batteryCapacityAh,omitempty"`
	Notes                  string    `json:"notes,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Device is a deployed unit, addressable by serial number or QR code.
type Device struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	SerialNumber string       `json:"serialNumber" gorm:"uniqueIndex;not null"`
	QRCodeID     string       `json:"qrCodeId" gorm:"column:qr_code_id;uniqueIndex;not null"`
	Status       string       `json:"status" gorm:"index;not null"`
	InstallDate  *time.Time   `json:"installDate"`
	ModelID      uint         `json:"modelId" gorm:"index;not null"`
	SiteID       *uint        `json:"siteId,omitempty" gorm:"index"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Model        ProductModel `json:"model" gorm:"foreignKey:ModelID"`
	Site         *Site        `json:"site,omitempty" gorm:"foreignKey:SiteID"`
}

// Recommendation is an append-only maintenance suggestion.
type Recommendation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	DeviceID  uint      `json:"deviceId" gorm:"index;not null"`
	Type      string    `json:"type" gorm:"not null"`
	Reason    string    `json:"reason" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
	Device    *Device   `json:"device,omitempty" gorm:"foreignKey:DeviceID"`
}

// ServiceHistory records a maintenance action on a device.
type ServiceHistory struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	DeviceID    uint      `json:"deviceId" gorm:"index;not null"`
	ServiceDate time.Time `json:"serviceDate" gorm:"index;not null"`
	Action      string    `json:"action" gorm:"not null"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Device      *Device   `json:"device,omitempty" gorm:"foreignKey:DeviceID"`
}

// TelemetryRaw is an append-only metrics sample.
type TelemetryRaw struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	DeviceID  uint           `json:"deviceId" gorm:"index;not null"`
	Timestamp time.Time      `json:"timestamp" gorm:"index;not null"`
	Metrics   datatypes.JSON `json:"metrics"`
	CreatedAt time.Time      `json:"createdAt"`
	Device    *Device        `json:"device,omitempty" gorm:"foreignKey:DeviceID"`
}

// DeviceHealthSnapshot is a derived point-in-time risk assessment.
type DeviceHealthSnapshot struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	DeviceID  uint           `json:"deviceId" gorm:"index;not null"`
	Health    string         `json:"health" gorm:"not null"`
	Score     int            `json:"score" gorm:"not null"`
	Reasons   datatypes.JSON `json:"reasons"`
	Timestamp time.Time      `json:"timestamp" gorm:"index;not null"`
}

// Partner is an integrator calling the partner API with an api key.
type Partner struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	APIKey    string    `json:"-" gorm:"column:api_key;uniqueIndex;not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Customer owns sites, optionally through a partner.
type Customer struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	PartnerID *uint     `json:"partnerId,omitempty" gorm:"index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Site is a physical installation location.
type Site struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CustomerID uint      `json:"customerId" gorm:"index;not null"`
	Name       string    `json:"name" gorm:"not null"`
	Address    string    `json:"address,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Customer   *Customer `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
}

// SizingRequest stores the raw sizing inputs.
type SizingRequest struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Inputs    datatypes.JSON `json:"inputs"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SizingResult stores the computed recommendation for a request.
type SizingResult struct {
	ID                  uint      `json:"id" gorm:"primaryKey"`
	SizingRequestID     uint      `json:"sizingRequestId" gorm:"uniqueIndex;not null"`
	RecommendedModelSKU string    `json:"recommendedModelSku"`
	BatteryCapacityAh   int       `json:"batteryCapacityAh"`
	SafetyMargin        float64   `json:"safetyMargin"`
	AlgorithmVersion    string    `json:"algorithmVersion"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TableName overrides for GORM
func (IngressEvent) TableName() string         { return "ingress_events" }
func (ProductModel) TableName() string         { return "product_models" }
func (Device) TableName() string               { return "devices" }
func (Recommendation) TableName() string       { return "recommendations" }
func (ServiceHistory) TableName() string       { return "service_history" }
func (TelemetryRaw) TableName() string         { return "telemetry_raw" }
func (DeviceHealthSnapshot) TableName() string { return "device_health_snapshots" }
func (Partner) TableName() string              { return "partners" }
func (Customer) TableName() string             { return "customers" }
func (Site) TableName() string                 { return "sites" }
func (SizingRequest) TableName() string        { return "sizing_requests" }
func (SizingResult) TableName() string         { return "sizing_results" }

// AllModels lists every table managed by migrations.
func AllModels() []interface{} {
	return []interface{}{
		&ProductModel{},
		&Partner{},
		&Customer{},
		&Site{},
		&Device{},
		&IngressEvent{},
		&Recommendation{},
		&ServiceHistory{},
		&TelemetryRaw{},
		&DeviceHealthSnapshot{},
		&SizingRequest{},
		&SizingResult{},
	}
}

// Constants for business processes
const (
	// Event sources
	SourcePowerWatch = "POWERWATCH"

	// Event statuses
	EventStatusReceived   = "RECEIVED"
	EventStatusProcessing = "PROCESSING"
	EventStatusAccepted   = "ACCEPTED"
	EventStatusRejected   = "REJECTED"

	// Per-event intake outcomes
	ReceiptReceived        = "RECEIVED"
	ReceiptAlreadyReceived = "ALREADY_RECEIVED"

	// Device statuses
	DeviceStatusActive  = "ACTIVE"
	DeviceStatusUnknown = "UNKNOWN"

	// Recommendation types
	RecommendationInspect = "INSPECT"
	RecommendationService = "SERVICE"
	RecommendationReplace = "REPLACE"

	// Service actions
	ServiceActionService = "SERVICE"

	// Health labels
	HealthOK       = "OK"
	HealthWarn     = "WARN"
	HealthCritical = "CRITICAL"
	HealthUnknown  = "UNKNOWN"

	// Publisher topics
	TopicRecommendations = "recommendations"
	TopicAlerts          = "alerts"
)
