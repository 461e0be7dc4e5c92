package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/powerwatch/config"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes domain notifications to Kafka, one Kafka topic per
// domain topic under a common prefix.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		prefix: cfg.TopicPrefix,
	}, nil
}

// Publish keys messages by device id when the payload carries one so all
// notifications for a device land on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.prefix + topic,
		Key:   []byte(messageKey(data)),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// messageKey prefers the device id and falls back to the event id.
func messageKey(data []byte) string {
	var keyed struct {
		DeviceID uint   `json:"deviceId"`
		EventID  string `json:"eventId"`
	}
	_ = json.Unmarshal(data, &keyed)

	if keyed.DeviceID != 0 {
		return fmt.Sprintf("device-%d", keyed.DeviceID)
	}
	return keyed.EventID
}
