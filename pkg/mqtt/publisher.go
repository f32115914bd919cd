// Package mqtt publishes flash outcomes to an MQTT broker so downstream
// factory tooling can track station throughput without polling the station.
package mqtt

import (
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopic = "zflash/results"

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config for the result publisher.
type Config struct {
	// Broker is the MQTT endpoint, e.g. tcp://localhost:1883.
	Broker string
	// Topic defaults to zflash/results.
	Topic string
}

// ResultMessage is the JSON document published once per finished attempt.
type ResultMessage struct {
	Port      string  `json:"port"`
	Status    string  `json:"status"`
	ChipType  string  `json:"chip_type,omitempty"`
	MAC       string  `json:"mac,omitempty"`
	DurationS float64 `json:"duration_s"`
	Firmware  string  `json:"firmware,omitempty"`
	Error     string  `json:"error,omitempty"`
	FlashedAt string  `json:"flashed_at"`
}

// Publisher is a connected MQTT client publishing ResultMessages at QoS 1.
type Publisher struct {
	client paho.Client
	topic  string
}

// NewPublisher connects to the broker. The caller decides whether a
// connection failure is fatal; the station treats it as a warning and runs
// without reporting.
func NewPublisher(cfg Config) (*Publisher, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("flashd-" + uuid.NewString()).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)
	client := paho.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, pkgerrors.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, pkgerrors.Wrapf(err, "mqtt: connect to %s failed", cfg.Broker)
	}
	log.Info().Str("broker", cfg.Broker).Str("topic", topic).Msg("mqtt: publisher connected")
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one result document. Waits briefly for the broker ack so a
// dead connection surfaces as an error instead of silent loss.
func (p *Publisher) Publish(msg ResultMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(err, "mqtt: marshal result failed")
	}
	token := p.client.Publish(p.topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return pkgerrors.Errorf("mqtt: publish to %s timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return pkgerrors.Wrapf(err, "mqtt: publish to %s failed", p.topic)
	}
	return nil
}

// Close disconnects from the broker, letting in-flight messages drain
// briefly.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(250)
}
