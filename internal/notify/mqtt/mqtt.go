// Package mqtt publishes workflow events to an MQTT broker, one topic per alert.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

const (
	defaultQoS        byte = 1
	connectTimeout         = 10 * time.Second
	disconnectQuiesce      = 250
)

// Config configures the broker connection.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// publisher is the subset of paho.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Sink publishes each workflow event to <prefix>/alerts/<alert id>/events.
type Sink struct {
	client publisher
	prefix string
	qos    byte
	logger log.Logger
}

// Connect dials the broker and returns a ready Sink.
func Connect(cfg Config, logger log.Logger) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return newSink(client, cfg.TopicPrefix, logger), nil
}

func newSink(client publisher, prefix string, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "clinalert"
	}
	return &Sink{client: client, prefix: prefix, qos: defaultQoS, logger: logger}
}

func (s *Sink) Name() string { return "mqtt" }

// Topic returns the topic events for alertID are published on.
func (s *Sink) Topic(alertID string) string {
	return s.prefix + "/alerts/" + alertID + "/events"
}

// message is the published payload.
type message struct {
	AlertID       string                  `json:"alert_id"`
	BeneficiaryID string                  `json:"beneficiary_id"`
	Category      string                  `json:"category"`
	Priority      alerting.Priority       `json:"priority"`
	Status        alerting.Status         `json:"status"`
	SLABreached   bool                    `json:"sla_breached"`
	Event         *alerting.WorkflowEvent `json:"event"`
}

// Notify publishes the event and waits for the broker acknowledgement or ctx.
func (s *Sink) Notify(ctx context.Context, n *alerting.Notification) error {
	if n == nil || n.Alert == nil || n.Event == nil {
		return nil
	}
	payload, err := json.Marshal(message{
		AlertID:       n.Alert.ID,
		BeneficiaryID: n.Alert.BeneficiaryID,
		Category:      n.Alert.Category,
		Priority:      n.Alert.Priority,
		Status:        n.Alert.Status,
		SLABreached:   n.Alert.SLABreached,
		Event:         n.Event,
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal event: %w", err)
	}

	topic := s.Topic(n.Alert.ID)
	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.client.Disconnect(disconnectQuiesce)
}

var _ alerting.Notifier = (*Sink)(nil)
