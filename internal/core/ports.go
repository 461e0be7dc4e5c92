package core

import (
	"context"
	"time"
)

// Publisher delivers domain notifications to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// DeviceCache is a key/value cache for resolved devices.
type DeviceCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TelemetrySink mirrors accepted telemetry into a time-series store.
type TelemetrySink interface {
	WriteTelemetry(ctx context.Context, device *Device, timestamp time.Time, metrics map[string]interface{}, assessment HealthAssessment) error
}
