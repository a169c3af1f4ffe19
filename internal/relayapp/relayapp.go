// Package relayapp wires up the relay node (C9): the link engine in
// Master mode, the scheduler, the device manager, and the MQTT
// collaborator. Inbound telemetry frames are handed to the device
// manager and republished to MQTT.
package relayapp

import (
	"fmt"
	"log"
	"time"

	"github.com/farm/telemetry/internal/collab"
	"github.com/farm/telemetry/internal/devicemgr"
	"github.com/farm/telemetry/internal/link"
	"github.com/farm/telemetry/internal/mqttpub"
	"github.com/farm/telemetry/internal/radio"
	"github.com/farm/telemetry/internal/sched"
	"github.com/farm/telemetry/internal/store"
)

// Intervals are the §4.9 task table defaults. They are fixed: Config
// has no field to override any of them.
const (
	HeartbeatInterval     = 1000 * time.Millisecond
	BatteryInterval       = 1000 * time.Millisecond
	DisplayInterval       = 800 * time.Millisecond
	LoraInterval          = 50 * time.Millisecond
	DeviceManagerInterval = 5000 * time.Millisecond
	DailyResetInterval    = 3600000 * time.Millisecond
	WiFiInterval          = 1000 * time.Millisecond
)

// Config configures a relay app instance.
type Config struct {
	SelfID         link.NodeID
	PulsesPerLiter uint32
}

// DefaultConfig returns the §4.9 nominal configuration.
func DefaultConfig() Config {
	return Config{PulsesPerLiter: 450}
}

// App wires C1, C3, C4, C8, and the MQTT collaborator for the relay.
type App struct {
	cfg Config

	link    *link.Engine
	sched   *sched.Scheduler
	devices *devicemgr.Manager
	mqtt    *mqttpub.Publisher
	st      *store.Store

	battery collab.Battery
	display collab.Display
	wifi    collab.WiFi

	stateNS *store.Namespace

	heartbeatOn bool
	errorCount  uint32
	lastReset   time.Time
}

// New constructs the relay app. dev is the radio driver, mp the MQTT
// collaborator (already constructed, not yet Begin'd), st the already
// open persistence store.
func New(cfg Config, dev radio.Driver, radioCfg radio.Config, mp *mqttpub.Publisher, st *store.Store) *App {
	eng := link.New(link.Master, cfg.SelfID, 0, dev, radioCfg, link.DefaultConfig())

	a := &App{
		cfg:     cfg,
		link:    eng,
		sched:   sched.New(16),
		mqtt:    mp,
		st:      st,
		battery: collab.StubBattery{},
		display: collab.StubDisplay{},
		wifi:    collab.StubWiFi{},
		stateNS: st.OpenNamespace("app_state"),
	}
	a.devices = devicemgr.New(eng, st, cfg.PulsesPerLiter)

	eng.SetOnDataReceived(a.onDataReceived)
	return a
}

// Begin starts the radio, loads persisted state, and registers tasks.
func (a *App) Begin(now time.Time) error {
	if err := a.link.Begin(); err != nil {
		return err
	}
	a.mqtt.Begin()
	a.devices.Begin(now)

	a.errorCount = a.stateNS.GetU32("errorCount", 0)
	a.lastReset = now

	a.sched.Register(now, "heartbeat", HeartbeatInterval, a.tickHeartbeat)
	a.sched.Register(now, "battery", BatteryInterval, a.battery.Update)
	a.sched.Register(now, "display", DisplayInterval, a.display.Update)
	a.sched.Register(now, "lora", LoraInterval, a.link.Tick)
	a.sched.Register(now, "device_manager", DeviceManagerInterval, a.devices.Update)
	a.sched.Register(now, "daily_reset", DailyResetInterval, a.tickDailyReset)
	a.sched.Register(now, "wifi", WiFiInterval, a.tickWiFi)
	return nil
}

// Tick runs one scheduler pass.
func (a *App) Tick(now time.Time) {
	a.sched.Tick(now)
}

func (a *App) tickHeartbeat(now time.Time) {
	a.heartbeatOn = !a.heartbeatOn
}

func (a *App) tickWiFi(now time.Time) {
	a.wifi.Update(now)
	a.mqtt.Update(now)
}

// tickDailyReset runs hourly and zeroes the error counter once 24h have
// passed since the previous reset.
func (a *App) tickDailyReset(now time.Time) {
	if now.Sub(a.lastReset) < 24*time.Hour {
		return
	}
	a.errorCount = 0
	a.stateNS.PutU32("errorCount", 0)
	a.lastReset = now
	log.Printf("relayapp: daily error counter reset")
}

// onDataReceived is the link engine's DATA callback: decode the CSV
// payload, hand it to the device manager, and republish to MQTT.
func (a *App) onDataReceived(now time.Time, src link.NodeID, payload []byte) {
	text := string(payload)
	a.devices.HandleTelemetry(src, text, now)

	topic := fmt.Sprintf("remote-%d", src)
	if !a.mqtt.Publish(topic, payload) {
		a.errorCount++
		a.stateNS.PutU32("errorCount", a.errorCount)
		log.Printf("relayapp: mqtt publish failed for %s, errorCount now %d", topic, a.errorCount)
	}
}

// LinkEngine exposes the underlying engine for tests and debug
// surfaces.
func (a *App) LinkEngine() *link.Engine { return a.link }

// DeviceManager exposes the device manager for debug surfaces.
func (a *App) DeviceManager() *devicemgr.Manager { return a.devices }

// ErrorCount returns the relay's own persisted error counter.
func (a *App) ErrorCount() uint32 { return a.errorCount }

// DebugSnapshot is the JSON payload pushed by internal/debugsrv.
type DebugSnapshot struct {
	Connected  bool                `json:"connected"`
	PeerCount  int                 `json:"peer_count"`
	ErrorCount uint32              `json:"error_count"`
	Devices    []devicemgr.Record  `json:"devices"`
}

// Snapshot builds the current debug snapshot. Suitable as a
// debugsrv.SnapshotFunc via a closure.
func (a *App) Snapshot() any {
	return DebugSnapshot{
		Connected:  a.link.IsConnected(),
		PeerCount:  a.link.PeerCount(),
		ErrorCount: a.errorCount,
		Devices:    a.devices.Snapshot(),
	}
}
