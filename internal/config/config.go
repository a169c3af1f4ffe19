// Package config loads the layered YAML configuration for either node
// binary, following the teacher's cmd/agsys-controller/main.go idiom:
// a nested struct with yaml tags, read with os.ReadFile and
// yaml.Unmarshal, with zero-value fields falling back to each
// component's own DefaultConfig.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/farm/telemetry/internal/link"
	"github.com/farm/telemetry/internal/mqttpub"
	"github.com/farm/telemetry/internal/radio"
	"github.com/farm/telemetry/internal/sensor"
)

// NodeSection is the §6 per-node configuration surface.
type NodeSection struct {
	Mode         string `yaml:"mode"` // "master" or "slave"
	SelfID       uint8  `yaml:"self_id"`
	MasterNodeID uint8  `yaml:"master_node_id"`
}

// RadioSection configures the C1 driver.
type RadioSection struct {
	Driver          string `yaml:"driver"` // "loopback" | "sx127x" | "zmq"
	FrequencyHz     uint32 `yaml:"frequency_hz"`
	SpreadingFactor uint8  `yaml:"spreading_factor"`
	BandwidthHz     uint32 `yaml:"bandwidth_hz"`
	CodingRate      uint8  `yaml:"coding_rate"`
	TxPowerDbm      int8   `yaml:"tx_power_dbm"`
	PreambleSymbols uint16 `yaml:"preamble_symbols"`
	IQInvert        bool   `yaml:"iq_invert"`
	ZMQUplinkURL    string `yaml:"zmq_uplink_url"`
	ZMQDownlinkURL  string `yaml:"zmq_downlink_url"`
}

// LinkSection is the §4.3 parameter table.
type LinkSection struct {
	MaxFrame           int `yaml:"max_frame"`
	MaxOutbox          int `yaml:"max_outbox"`
	MaxPeers           int `yaml:"max_peers"`
	AckTimeoutMs       int `yaml:"ack_timeout_ms"`
	MaxRetries         int `yaml:"max_retries"`
	PeerTimeoutMs      int `yaml:"peer_timeout_ms"`
	TxGuardMs          int `yaml:"tx_guard_ms"`
	TxStuckReinitCount int `yaml:"tx_stuck_reinit_count"`
	ReconnectAttemptMs int `yaml:"reconnect_attempt_ms"`
}

// TaskOverride is one scheduler entry's override, keyed by task name in
// SchedulerSection.
type TaskOverride struct {
	IntervalMs int  `yaml:"interval_ms"`
	Enabled    bool `yaml:"enabled"`
}

// SensorSection configures C5.
type SensorSection struct {
	PulsesPerLiter uint32 `yaml:"pulses_per_liter"`
	Disabled       bool   `yaml:"disabled"`
}

// PersistenceSection configures C2.
type PersistenceSection struct {
	Path string `yaml:"path"`
}

// MQTTSection mirrors mqtt_publisher.h's MqttPublisherConfig.
type MQTTSection struct {
	Enable      bool   `yaml:"enable"`
	BrokerHost  string `yaml:"broker_host"`
	BrokerPort  uint16 `yaml:"broker_port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	BaseTopic   string `yaml:"base_topic"`
	DeviceTopic string `yaml:"device_topic"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// HealthSection configures the ambient grpc health surface.
type HealthSection struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DebugSection configures the ambient websocket debug surface.
type DebugSection struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingSection matches the teacher's Logging block shape.
type LoggingSection struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// File is the top-level YAML document shared by both node binaries; a
// given binary only reads the sections relevant to its role.
type File struct {
	Node        NodeSection             `yaml:"node"`
	Radio       RadioSection            `yaml:"radio"`
	Link        LinkSection             `yaml:"link"`
	Scheduler   map[string]TaskOverride `yaml:"scheduler"`
	Sensor      SensorSection           `yaml:"sensor"`
	Persistence PersistenceSection      `yaml:"persistence"`
	MQTT        MQTTSection             `yaml:"mqtt"`
	Health      HealthSection           `yaml:"health"`
	Debug       DebugSection            `yaml:"debug"`
	Logging     LoggingSection          `yaml:"logging"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &f, nil
}

// TaskInterval resolves a scheduler override for name, or falls back
// to def if absent or zero.
func (f *File) TaskInterval(name string, def time.Duration) time.Duration {
	o, ok := f.Scheduler[name]
	if !ok || o.IntervalMs <= 0 {
		return def
	}
	return time.Duration(o.IntervalMs) * time.Millisecond
}

// TaskEnabled resolves a scheduler override's enabled flag, defaulting
// to true when the task has no override entry.
func (f *File) TaskEnabled(name string) bool {
	o, ok := f.Scheduler[name]
	if !ok {
		return true
	}
	return o.Enabled
}

// RadioConfig copies non-zero fields over radio.DefaultConfig().
func (f *File) RadioConfig() radio.Config {
	cfg := radio.DefaultConfig()
	if f.Radio.FrequencyHz != 0 {
		cfg.FrequencyHz = f.Radio.FrequencyHz
	}
	if f.Radio.SpreadingFactor != 0 {
		cfg.SpreadingFactor = f.Radio.SpreadingFactor
	}
	if f.Radio.BandwidthHz != 0 {
		cfg.BandwidthHz = f.Radio.BandwidthHz
	}
	if f.Radio.CodingRate != 0 {
		cfg.CodingRate = f.Radio.CodingRate
	}
	if f.Radio.TxPowerDbm != 0 {
		cfg.TxPowerDbm = f.Radio.TxPowerDbm
	}
	if f.Radio.PreambleSymbols != 0 {
		cfg.PreambleSymbols = f.Radio.PreambleSymbols
	}
	cfg.IQInvert = f.Radio.IQInvert
	return cfg
}

// LinkConfig copies non-zero fields over link.DefaultConfig().
func (f *File) LinkConfig() link.Config {
	cfg := link.DefaultConfig()
	if f.Link.MaxFrame != 0 {
		cfg.MaxFrame = f.Link.MaxFrame
	}
	if f.Link.MaxOutbox != 0 {
		cfg.MaxOutbox = f.Link.MaxOutbox
	}
	if f.Link.MaxPeers != 0 {
		cfg.MaxPeers = f.Link.MaxPeers
	}
	if f.Link.AckTimeoutMs != 0 {
		cfg.AckTimeout = time.Duration(f.Link.AckTimeoutMs) * time.Millisecond
	}
	if f.Link.MaxRetries != 0 {
		cfg.MaxRetries = f.Link.MaxRetries
	}
	if f.Link.PeerTimeoutMs != 0 {
		cfg.PeerTimeout = time.Duration(f.Link.PeerTimeoutMs) * time.Millisecond
	}
	if f.Link.TxGuardMs != 0 {
		cfg.TxGuard = time.Duration(f.Link.TxGuardMs) * time.Millisecond
	}
	if f.Link.TxStuckReinitCount != 0 {
		cfg.TxStuckReinitCount = f.Link.TxStuckReinitCount
	}
	if f.Link.ReconnectAttemptMs != 0 {
		cfg.ReconnectAttempt = time.Duration(f.Link.ReconnectAttemptMs) * time.Millisecond
	}
	return cfg
}

// SensorConfig copies non-zero fields over sensor.DefaultConfig().
func (f *File) SensorConfig() sensor.Config {
	cfg := sensor.DefaultConfig()
	if f.Sensor.PulsesPerLiter != 0 {
		cfg.PulsesPerLiter = f.Sensor.PulsesPerLiter
	}
	cfg.Disabled = f.Sensor.Disabled
	return cfg
}

// MQTTConfig copies non-zero fields over mqttpub.DefaultConfig().
func (f *File) MQTTConfig() mqttpub.Config {
	cfg := mqttpub.DefaultConfig()
	cfg.Enable = f.MQTT.Enable
	if f.MQTT.BrokerHost != "" {
		cfg.BrokerHost = f.MQTT.BrokerHost
	}
	if f.MQTT.BrokerPort != 0 {
		cfg.BrokerPort = f.MQTT.BrokerPort
	}
	if f.MQTT.ClientID != "" {
		cfg.ClientID = f.MQTT.ClientID
	}
	cfg.Username = f.MQTT.Username
	cfg.Password = f.MQTT.Password
	if f.MQTT.BaseTopic != "" {
		cfg.BaseTopic = f.MQTT.BaseTopic
	}
	cfg.DeviceTopic = f.MQTT.DeviceTopic
	cfg.QoS = f.MQTT.QoS
	cfg.Retain = f.MQTT.Retain
	return cfg
}
