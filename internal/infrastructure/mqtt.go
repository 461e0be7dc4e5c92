package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/powerwatch/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxInFlight    = 16
	defaultHandlerTimeout = 30 * time.Second
	disconnectQuiesceMs   = 250
)

// MessageHandler consumes one payload delivered on topic.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTSubscriber feeds device telemetry published on the broker into the
// registered handlers. A topic is routed by the first of its segments that
// names a handler, so "powerwatch/telemetry/QR-1" reaches "telemetry".
// At most MaxInFlight payloads are handled at once; further deliveries wait
// for a free slot, which pushes back on the broker instead of piling up
// goroutines.
type MQTTSubscriber struct {
	cfg    config.MQTTConfig
	logger *logrus.Logger
	client mqtt.Client

	routesMu sync.RWMutex
	routes   map[string]MessageHandler

	slots    chan struct{}
	inFlight sync.WaitGroup

	connected  atomic.Bool
	received   atomic.Uint64
	failed     atomic.Uint64
	unrouted   atomic.Uint64
	reconnects atomic.Uint64
}

func NewMQTTSubscriber(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("powerwatch-%d", time.Now().UnixNano())
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}

	return &MQTTSubscriber{
		cfg:    cfg,
		logger: logger,
		routes: make(map[string]MessageHandler),
		slots:  make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// RegisterHandler routes topics containing the segment name to handler.
func (s *MQTTSubscriber) RegisterHandler(name string, handler MessageHandler) {
	s.routesMu.Lock()
	s.routes[name] = handler
	s.routesMu.Unlock()
}

// Start connects and subscribes. Subscriptions are renewed on every
// reconnect by the connect callback.
func (s *MQTTSubscriber) Start() error {
	s.client = mqtt.NewClient(s.clientOptions())

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout + time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", s.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.BrokerURL, err)
	}

	s.logger.WithFields(logrus.Fields{
		"broker":    s.cfg.BrokerURL,
		"client_id": s.cfg.ClientID,
		"topics":    s.cfg.Topics,
	}).Info("MQTT telemetry subscriber started")
	return nil
}

// Stop unsubscribes, disconnects and waits for in-flight payloads.
func (s *MQTTSubscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		if len(s.cfg.Topics) > 0 {
			token := s.client.Unsubscribe(s.cfg.Topics...)
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				s.logger.WithError(token.Error()).Warn("MQTT unsubscribe failed")
			}
		}
		s.client.Disconnect(disconnectQuiesceMs)
	}
	s.connected.Store(false)
	s.inFlight.Wait()

	s.logger.WithFields(logrus.Fields{
		"received": s.received.Load(),
		"failed":   s.failed.Load(),
	}).Info("MQTT telemetry subscriber stopped")
}

func (s *MQTTSubscriber) IsConnected() bool {
	return s.connected.Load()
}

// Stats reports delivery counters for the admin stats view.
func (s *MQTTSubscriber) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":  s.connected.Load(),
		"received":   s.received.Load(),
		"failed":     s.failed.Load(),
		"unrouted":   s.unrouted.Load(),
		"reconnects": s.reconnects.Load(),
		"inFlight":   len(s.slots),
	}
}

func (s *MQTTSubscriber) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(s.cfg.CleanSession).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(s.cfg.MaxReconnectDelay).
		// handlers block on slots; unordered delivery keeps pings flowing
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.connected.Store(false)
			s.logger.WithError(err).Warn("MQTT connection lost")
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			s.reconnects.Add(1)
			s.logger.Debug("MQTT reconnecting")
		}).
		SetDefaultPublishHandler(s.deliver)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.connected.Store(true)
	if len(s.cfg.Topics) == 0 {
		s.logger.Warn("MQTT connected without topics to subscribe")
		return
	}

	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, topic := range s.cfg.Topics {
		filters[topic] = s.cfg.QoS
	}
	token := client.SubscribeMultiple(filters, nil)
	if token.WaitTimeout(s.cfg.ConnectTimeout+time.Second) && token.Error() != nil {
		s.logger.WithError(token.Error()).WithField("topics", s.cfg.Topics).Error("MQTT subscribe failed")
		return
	}
	s.logger.WithField("topics", s.cfg.Topics).Info("MQTT subscribed")
}

func (s *MQTTSubscriber) deliver(_ mqtt.Client, msg mqtt.Message) {
	s.slots <- struct{}{}
	s.inFlight.Add(1)
	go func() {
		defer func() {
			<-s.slots
			s.inFlight.Done()
		}()
		s.processMessage(msg)
	}()
}

func (s *MQTTSubscriber) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	route, handler := s.handlerFor(topic)
	if handler == nil {
		s.unrouted.Add(1)
		s.logger.WithField("topic", topic).Debug("MQTT message without route")
		return
	}
	s.received.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	defer cancel()

	if err := handler(ctx, topic, msg.Payload()); err != nil {
		s.failed.Add(1)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"route": route,
			"bytes": len(msg.Payload()),
		}).Warn("MQTT payload rejected")
	}
}

func (s *MQTTSubscriber) handlerFor(topic string) (string, MessageHandler) {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()

	for _, segment := range strings.Split(topic, "/") {
		if handler, ok := s.routes[segment]; ok {
			return segment, handler
		}
	}
	return "", nil
}

// TopicSuffix returns the segment after the last slash, which carries the
// device reference on telemetry topics.
func TopicSuffix(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}
