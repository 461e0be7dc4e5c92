package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/powerwatch/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
)

const jsonContentType = "application/json"

// ServiceBusPublisher sends recommendations and alerts to a single queue.
// The domain topic becomes the message subject so subscribers can filter
// with SQL rules instead of needing one queue per topic.
type ServiceBusPublisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
	ttl    time.Duration
}

func NewServiceBusPublisher(cfg config.ServiceBusConfig) (*ServiceBusPublisher, error) {
	if cfg.ConnectionString == "" || cfg.QueueName == "" {
		return nil, errors.New("service bus connection string and queue name are required")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("service bus client: %w", err)
	}
	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("service bus sender for %s: %w", cfg.QueueName, err)
	}

	return &ServiceBusPublisher{client: client, sender: sender, ttl: cfg.MessageTTL}, nil
}

func (p *ServiceBusPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	if err := p.sender.SendMessage(ctx, newServiceBusMessage(topic, data, p.ttl, time.Now().UTC()), nil); err != nil {
		return fmt.Errorf("send %s message: %w", topic, err)
	}
	return nil
}

// newServiceBusMessage correlates notifications of one device (or one
// event when no device is known) through CorrelationID.
func newServiceBusMessage(topic string, data []byte, ttl time.Duration, sentAt time.Time) *azservicebus.Message {
	messageID := uuid.NewString()
	contentType := jsonContentType
	subject := topic

	msg := &azservicebus.Message{
		MessageID:   &messageID,
		Subject:     &subject,
		ContentType: &contentType,
		Body:        data,
		ApplicationProperties: map[string]interface{}{
			"topic":  topic,
			"sentAt": sentAt.Format(time.RFC3339),
		},
	}
	if key := messageKey(data); key != "" {
		msg.CorrelationID = &key
	}
	if ttl > 0 {
		msg.TimeToLive = &ttl
	}
	return msg
}

func (p *ServiceBusPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return errors.Join(p.sender.Close(ctx), p.client.Close(ctx))
}
