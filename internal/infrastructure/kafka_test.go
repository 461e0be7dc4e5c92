package infrastructure

import (
	"testing"

	"example.com/backstage/services/powerwatch/config"
)

func TestMessageKey(t *testing.T) {
	tests := map[string]string{
		`{"deviceId": 12, "eventId": "e-1"}`:       "device-12",
		`{"eventId": "e-2", "kind": "DATA_SETUP"}`: "e-2",
		`{}`:       "",
		`not json`: "",
	}
	for payload, want := range tests {
		if got := messageKey([]byte(payload)); got != want {
			t.Errorf("messageKey(%s) = %q, want %q", payload, got, want)
		}
	}
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(config.KafkaConfig{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}
