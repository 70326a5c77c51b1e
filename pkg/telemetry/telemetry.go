// Package telemetry publishes capture and verification events to an
// MQTT broker. Publishing is optional: with no broker configured the
// nil Publisher is a safe no-op, so callers can wire hooks without
// caring whether telemetry is on.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/itohio/govcal/pkg/calib"
	"github.com/itohio/govcal/pkg/config"
)

const connectTimeout = 5 * time.Second

// Publisher publishes JSON events under a base topic.
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// New connects a publisher, or returns nil when no broker is
// configured. A nil Publisher ignores all publishes.
func New(cfg config.TelemetryConfig) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Telemetry: connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Printf("Telemetry: connected to %s", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
	}, nil
}

// Publish marshals v and publishes it under "<topic>/<subtopic>".
func (p *Publisher) Publish(subtopic string, v any) error {
	if p == nil || p.client == nil {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subtopic, err)
	}

	token := p.client.Publish(p.topic+"/"+subtopic, p.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish %s event: %w", subtopic, token.Error())
	}
	return nil
}

// PublishRecord publishes an accepted capture record. Errors are
// logged, not returned: telemetry must never stall a capture run.
func (p *Publisher) PublishRecord(rec calib.Record) {
	if err := p.Publish("capture", rec); err != nil {
		log.Printf("Telemetry: %v", err)
	}
}

// Close disconnects from the broker. Safe on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(250)
}
