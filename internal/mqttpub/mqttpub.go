// Package mqttpub implements the relay's MQTT collaborator (§6):
// outbound-only publish of accepted telemetry frames to a broker.
// Grounded on original_source/edge/heltec/lib/mqtt_publisher.h for the
// config surface and edge-triggered connection logging, and on
// original_source/edge/pi/src/pkg/thingsboard/thingsboard.go for the
// paho.mqtt.golang connect/publish idiom.
package mqttpub

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config mirrors mqtt_publisher.h's MqttPublisherConfig.
type Config struct {
	Enable      bool
	BrokerHost  string
	BrokerPort  uint16
	ClientID    string
	Username    string
	Password    string
	BaseTopic   string
	DeviceTopic string // optional suffix override
	QoS         byte
	Retain      bool

	ReconnectInterval time.Duration
}

// DefaultConfig mirrors the original's field defaults.
func DefaultConfig() Config {
	return Config{
		BrokerHost:        "192.168.1.180",
		BrokerPort:        1883,
		ClientID:          "relay-" + uuid.NewString(),
		BaseTopic:         "farm/telemetry",
		ReconnectInterval: 3 * time.Second,
	}
}

// Publisher is the §6 MQTT collaborator: publish(topic_suffix,
// payload) bool, owning base topic, QoS, retain, and client identity.
type Publisher struct {
	cfg    Config
	client mqtt.Client

	lastConnected bool
}

// New creates a publisher. Call Begin to connect.
func New(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

// Begin initializes the MQTT client if enabled. A disabled publisher
// is a no-op collaborator that always reports not-ready.
func (p *Publisher) Begin() {
	if !p.cfg.Enable {
		log.Printf("mqttpub: disabled by config; skipping init")
		return
	}
	log.Printf("mqttpub: init host=%s port=%d clientId=%s baseTopic=%s qos=%d retain=%v",
		p.cfg.BrokerHost, p.cfg.BrokerPort, p.cfg.ClientID, p.cfg.BaseTopic, p.cfg.QoS, p.cfg.Retain)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.BrokerHost, p.cfg.BrokerPort))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(p.cfg.ReconnectInterval)

	p.client = mqtt.NewClient(opts)
}

// Update checks the MQTT session state and logs on transitions, not on
// every tick, matching the original's lastMqttConnected edge detection.
func (p *Publisher) Update(now time.Time) {
	if !p.cfg.Enable || p.client == nil {
		return
	}
	connected := p.client.IsConnected()
	if connected != p.lastConnected {
		if connected {
			log.Printf("mqttpub: session connected")
		} else {
			log.Printf("mqttpub: session disconnected")
		}
		p.lastConnected = connected
	}
	if !connected {
		token := p.client.Connect()
		token.WaitTimeout(time.Second)
		if err := token.Error(); err != nil {
			log.Printf("mqttpub: connect failed: %v", err)
		}
	}
}

// IsReady reports whether publish would currently succeed.
func (p *Publisher) IsReady() bool {
	return p.cfg.Enable && p.client != nil && p.client.IsConnected()
}

func (p *Publisher) topicFor(suffix string) string {
	base := p.cfg.BaseTopic
	if base == "" {
		base = "farm/telemetry"
	}
	if p.cfg.DeviceTopic != "" {
		return base + "/" + p.cfg.DeviceTopic
	}
	if suffix != "" {
		return base + "/" + suffix
	}
	return base
}

// Publish sends payload to baseTopic/topicSuffix (or baseTopic/deviceTopic
// if configured). Returns false if disabled, the payload is empty, not
// connected, or the broker rejects the publish.
func (p *Publisher) Publish(topicSuffix string, payload []byte) bool {
	if !p.cfg.Enable || len(payload) == 0 {
		return false
	}
	if p.client == nil || !p.client.IsConnected() {
		return false
	}

	topic := p.topicFor(topicSuffix)
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("mqttpub: publish failed to %s: %v", topic, err)
		return false
	}
	log.Printf("mqttpub: published %d bytes to %s", len(payload), topic)
	return true
}
