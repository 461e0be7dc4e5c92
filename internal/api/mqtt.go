package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"example.com/backstage/services/powerwatch/internal/core"
	"example.com/backstage/services/powerwatch/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// TelemetryMessageHandler feeds MQTT telemetry into the same ingestion path
// as POST /api/telemetry. The last topic segment is the device reference
// when the payload omits one.
func TelemetryMessageHandler(telemetry *core.TelemetryService, logger *logrus.Logger) infrastructure.MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.UseNumber()

		var req core.TelemetryRequest
		if err := decoder.Decode(&req); err != nil {
			return fmt.Errorf("failed to decode telemetry message: %w", err)
		}
		if req.DeviceRef == "" {
			req.DeviceRef = infrastructure.TopicSuffix(topic)
		}

		result, err := telemetry.Ingest(ctx, &req)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"topic":     topic,
			"device_id": result.DeviceID,
			"health":    result.Snapshot.Health,
		}).Debug("Telemetry ingested from MQTT")
		return nil
	}
}
