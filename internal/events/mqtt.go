package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttKeepAlive      = 60 * time.Second
	mqttQuiesceMs      = 250
)

// MQTTConfig configures MQTTPublisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id" toml:"client_id"`
	Username    string `yaml:"username" json:"username" toml:"username"`
	Password    string `yaml:"password" json:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" json:"qos" toml:"qos"`
}

// MQTTPublisher publishes each event as JSON to <prefix>/<device>/<name>.
// Publishing is fire-and-forget: the caller never waits for the broker.
type MQTTPublisher struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	log    zerolog.Logger
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig, log zerolog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker not set")
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "compiled"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.New("mqtt: connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "compiled/events"
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: byte(cfg.QoS), log: log}, nil
}

// Topic returns the topic an event is published to.
func (p *MQTTPublisher) Topic(e Event) string {
	dev := e.Device
	if dev == "" {
		dev = "_"
	}
	return p.prefix + "/" + dev + "/" + e.Name
}

func (p *MQTTPublisher) Publish(e Event) {
	payload, err := json.Marshal(Stamp(e))
	if err != nil {
		p.log.Warn().Err(err).Str("event", e.Name).Msg("mqtt encode failed")
		return
	}
	p.client.Publish(p.Topic(e), p.qos, false, payload)
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttQuiesceMs)
	return nil
}
