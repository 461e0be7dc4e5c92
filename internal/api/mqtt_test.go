package api

import (
	"context"
	"errors"
	"io"
	"testing"

	"example.com/backstage/services/powerwatch/internal/core"
	"github.com/sirupsen/logrus"
)

func TestTelemetryMessageHandler(t *testing.T) {
	_, services := setupRouter(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	handle := TelemetryMessageHandler(services.Telemetry, logger)
	ctx := context.Background()

	// device reference taken from the topic
	payload := []byte(`{"timestamp":"2024-05-31T10:00:00Z","metrics":{"voltage":12.6,"temperature":21}}`)
	if err := handle(ctx, "powerwatch/telemetry/"+core.DemoDeviceSerial, payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	rows, err := services.Telemetry.ListTelemetry(ctx, 1, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListTelemetry() = %d rows, %v", len(rows), err)
	}

	if err := handle(ctx, "powerwatch/telemetry/SN-GHOST", payload); !errors.Is(err, core.ErrUnknownDevice) && !errors.Is(err, core.ErrDeviceNotFound) {
		t.Errorf("unknown device error = %v", err)
	}
	if err := handle(ctx, "powerwatch/telemetry/x", []byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
