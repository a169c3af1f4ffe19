// Package remoteapp wires up the remote node (C7): the scheduler, the
// link engine in Slave mode, the pulse sensor, the batch transmitter,
// and the external collaborators, then handles the single inbound
// command the remote understands.
package remoteapp

import (
	"log"
	"time"

	"github.com/farm/telemetry/internal/collab"
	"github.com/farm/telemetry/internal/link"
	"github.com/farm/telemetry/internal/radio"
	"github.com/farm/telemetry/internal/sched"
	"github.com/farm/telemetry/internal/sensor"
	"github.com/farm/telemetry/internal/store"
	"github.com/farm/telemetry/internal/telemetry"
)

// MaxQuiet is the lora_watchdog threshold (§4.7): if no ACK has been
// received within this window, force a reconnect.
const MaxQuiet = 60 * time.Second

// Intervals are the §4.7 task table defaults. Only the sensors task's
// interval is configurable (Config.ReportInterval); the others are fixed.
const (
	HeartbeatInterval    = 1000 * time.Millisecond
	BatteryInterval      = 1000 * time.Millisecond
	PersistenceInterval  = 60000 * time.Millisecond
	DefaultReportInterval = 5000 * time.Millisecond
	LoraTxInterval       = 1000 * time.Millisecond
	LoraInterval         = 50 * time.Millisecond
	WatchdogInterval     = 30000 * time.Millisecond
	DisplayInterval      = 200 * time.Millisecond
)

// Config configures a remote app instance.
type Config struct {
	SelfID           link.NodeID
	MasterID         link.NodeID
	ReportInterval   time.Duration
	MaxQuiet         time.Duration
	PulsesPerLiter   uint32
	SensorDisabled   bool
}

// DefaultConfig returns the §4.7 nominal configuration.
func DefaultConfig() Config {
	return Config{
		ReportInterval: DefaultReportInterval,
		MaxQuiet:       MaxQuiet,
		PulsesPerLiter: sensor.DefaultPulsesPerLiter,
	}
}

// App wires C1-C6 together for the remote node.
type App struct {
	cfg Config

	link  *link.Engine
	sched *sched.Scheduler
	pulse *sensor.Pulse
	tx    *telemetry.Transmitter
	st    *store.Store

	battery collab.Battery
	display collab.Display

	stateNS *store.Namespace

	heartbeatOn bool
	errorCount  uint32
	lastResetAt time.Time
	lastAckAt   time.Time
}

// New constructs the remote app. dev is the radio driver; st is the
// already-open persistence store.
func New(cfg Config, dev radio.Driver, radioCfg radio.Config, st *store.Store) *App {
	linkCfg := link.DefaultConfig()
	eng := link.New(link.Slave, cfg.SelfID, cfg.MasterID, dev, radioCfg, linkCfg)

	a := &App{
		cfg:     cfg,
		link:    eng,
		sched:   sched.New(16),
		pulse:   sensor.New(sensor.Config{PulsesPerLiter: cfg.PulsesPerLiter, Disabled: cfg.SensorDisabled}, st.OpenNamespace("water_meter"), time.Time{}),
		tx:      telemetry.New(eng, cfg.MasterID, linkCfg.MaxPayload()),
		st:      st,
		battery: collab.StubBattery{},
		display: collab.StubDisplay{},
		stateNS: st.OpenNamespace("app_state"),
	}

	eng.SetOnDataReceived(a.onDataReceived)
	eng.SetOnAckReceived(a.onAckReceived)
	return a
}

// Begin starts the radio and registers the scheduler tasks. now is the
// boot timestamp.
func (a *App) Begin(now time.Time) error {
	if err := a.link.Begin(); err != nil {
		return err
	}

	a.errorCount = a.stateNS.GetU32("errorCount", 0)
	a.lastResetAt = time.UnixMilli(a.stateNS.GetI64("lastResetMs", now.UnixMilli()))
	a.lastAckAt = now

	a.sched.Register(now, "heartbeat", HeartbeatInterval, a.tickHeartbeat)
	a.sched.Register(now, "battery", BatteryInterval, a.battery.Update)
	a.sched.Register(now, "persistence", PersistenceInterval, a.tickPersistence)
	a.sched.Register(now, "sensors", a.cfg.ReportInterval, a.tickSensors)
	a.sched.Register(now, "lora_tx", LoraTxInterval, a.tx.Update)
	a.sched.Register(now, "lora", LoraInterval, a.link.Tick)
	a.sched.Register(now, "lora_watchdog", WatchdogInterval, a.tickWatchdog)
	a.sched.Register(now, "display", DisplayInterval, a.display.Update)
	return nil
}

// Tick runs one scheduler pass.
func (a *App) Tick(now time.Time) {
	a.sched.Tick(now)
}

func (a *App) tickHeartbeat(now time.Time) {
	a.heartbeatOn = !a.heartbeatOn
}

func (a *App) tickPersistence(now time.Time) {
	a.pulse.Save()
}

func (a *App) tickSensors(now time.Time) {
	r := a.pulse.Read(now)

	if r.Disabled {
		a.tx.AddReading(telemetry.NaNReading("pd"))
		a.tx.AddReading(telemetry.NaNReading("tv"))
	} else {
		a.tx.AddReading(telemetry.IntReading("pd", r.PulseDelta))
		a.tx.AddReading(telemetry.FloatReading("tv", r.TotalVolumeL))
	}

	a.tx.AddReading(telemetry.IntReading("batt", a.battery.PercentRemaining()))
	a.tx.AddReading(telemetry.IntReading("ec", int(a.errorCount)))
	a.tx.AddReading(telemetry.IntReading("tsr", int(now.Sub(a.lastResetAt).Seconds())))
}

func (a *App) tickWatchdog(now time.Time) {
	if now.Sub(a.lastAckAt) > a.cfg.MaxQuiet {
		log.Printf("remoteapp: no ack in %s, forcing link reconnect", now.Sub(a.lastAckAt))
		a.link.ForceReconnect()
	}
}

func (a *App) onAckReceived(now time.Time, src link.NodeID, msgID uint16, attempts int) {
	a.lastAckAt = now
}

// onDataReceived is the link engine's DATA callback: the only defined
// command is ResetWaterVolume (§4.7).
func (a *App) onDataReceived(now time.Time, src link.NodeID, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case 0x01: // ResetWaterVolume
		a.handleResetWaterVolume(now)
	default:
		log.Printf("remoteapp: unknown command opcode 0x%02x from %d", payload[0], src)
	}
}

func (a *App) handleResetWaterVolume(now time.Time) {
	a.pulse.ResetTotal()

	a.errorCount = 0
	a.stateNS.PutU32("errorCount", 0)
	a.lastResetAt = now
	a.stateNS.PutI64("lastResetMs", now.UnixMilli())

	a.link.ResetStats()
	log.Printf("remoteapp: water volume reset command handled")
}

// IncrementErrorCount bumps and persists the remote's local error
// counter, for diagnostics surfaces other components report through
// the ec telemetry field.
func (a *App) IncrementErrorCount() {
	a.errorCount++
	a.stateNS.PutU32("errorCount", a.errorCount)
}

// LinkEngine exposes the underlying engine for tests and debug
// surfaces.
func (a *App) LinkEngine() *link.Engine { return a.link }
