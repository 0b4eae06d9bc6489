package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"azanhome/internal/config"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached at startup
	ErrConnectionFailed = errors.New("notify: mqtt connection failed")

	// ErrPublishFailed wraps every failed publish
	ErrPublishFailed = errors.New("notify: mqtt publish failed")
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 60 * time.Second

	// eventQoS is at-least-once; events carry IDs so consumers can dedupe
	eventQoS = 1
)

// MQTTNotifier publishes events as JSON to {prefix}/events/{type} and keeps a
// retained online/offline marker on {prefix}/status.
type MQTTNotifier struct {
	client pahomqtt.Client
	prefix string
	logger *zap.Logger
}

// EventTopic returns the topic an event type is published on
func EventTopic(prefix string, eventType EventType) string {
	return fmt.Sprintf("%s/events/%s", strings.TrimRight(prefix, "/"), eventType)
}

// StatusTopic returns the retained availability topic
func StatusTopic(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/status"
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)

	// The broker marks us offline if we vanish without Close
	opts.SetWill(StatusTopic(cfg.TopicPrefix), "offline", eventQoS, true)

	return opts
}

// NewMQTTNotifier connects to the configured broker
func NewMQTTNotifier(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTNotifier, error) {
	logger = logger.Named("notify")
	opts := buildClientOptions(cfg)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		c.Publish(StatusTopic(cfg.TopicPrefix), eventQoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newMQTTNotifier(client, cfg.TopicPrefix, logger), nil
}

func newMQTTNotifier(client pahomqtt.Client, prefix string, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Publish sends one event and waits for the broker to acknowledge it
func (n *MQTTNotifier) Publish(ctx context.Context, event Event) error {
	if !n.client.IsConnected() {
		return fmt.Errorf("%w: not connected", ErrPublishFailed)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode event: %w", ErrPublishFailed, err)
	}

	topic := EventTopic(n.prefix, event.Type)
	token := n.client.Publish(topic, eventQoS, false, payload)

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, publishTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}

	n.logger.Debug("Event published", zap.String("topic", topic), zap.String("id", event.ID.String()))
	return nil
}

// Close marks the service offline and disconnects
func (n *MQTTNotifier) Close() error {
	if n.client.IsConnected() {
		token := n.client.Publish(StatusTopic(n.prefix), eventQoS, true, "offline")
		token.WaitTimeout(publishTimeout)
	}
	n.client.Disconnect(disconnectQuiesce)
	return nil
}
