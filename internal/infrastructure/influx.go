package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"example.com/backstage/services/powerwatch/config"
	"example.com/backstage/services/powerwatch/internal/core"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const telemetryMeasurement = "telemetry"

// InfluxSink mirrors telemetry and health scores into InfluxDB for dashboards.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxSink(cfg config.InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx url is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (s *InfluxSink) WriteTelemetry(ctx context.Context, device *core.Device, timestamp time.Time, metrics map[string]interface{}, assessment core.HealthAssessment) error {
	return s.writeAPI.WritePoint(ctx, buildTelemetryPoint(device, timestamp, metrics, assessment))
}

func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// buildTelemetryPoint keeps scalar metrics as fields; nested values and
// non-finite numbers are dropped.
func buildTelemetryPoint(device *core.Device, timestamp time.Time, metrics map[string]interface{}, assessment core.HealthAssessment) *write.Point {
	tags := map[string]string{
		"deviceId":     strconv.FormatUint(uint64(device.ID), 10),
		"serialNumber": device.SerialNumber,
		"health":       assessment.Health,
	}
	if device.Model.SKU != "" {
		tags["model"] = device.Model.SKU
	}

	fields := map[string]interface{}{
		"score": assessment.Score,
	}
	for key, value := range metrics {
		switch v := value.(type) {
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				fields[key] = v
			}
		case json.Number:
			if f, err := v.Float64(); err == nil {
				fields[key] = f
			}
		case float32, int, int64, string, bool:
			fields[key] = v
		}
	}

	return write.NewPoint(telemetryMeasurement, tags, fields, timestamp)
}
