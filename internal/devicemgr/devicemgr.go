// Package devicemgr implements the relay's device manager (C8): per-
// remote state (last-seen, daily totals, error count, reset timer),
// telemetry parsing, and daily reset command dispatch. Grounded on
// original_source/edge/heltec/relay/remote_device_manager.h, carried
// into this protocol's CSV/persistence shapes.
package devicemgr

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/farm/telemetry/internal/link"
	"github.com/farm/telemetry/internal/store"
	"github.com/farm/telemetry/internal/telemetry"
)

// ResetInterval is the daily-reset cycle length (§4.8).
const ResetInterval = 24 * time.Hour

// ResetWaterVolume is the single command opcode defined by §6.
const ResetWaterVolume byte = 0x01

// Record is the per-remote device state (§3).
type Record struct {
	DeviceID          link.NodeID
	LastResetAt       time.Time
	DailyVolumeLiters float32
	ErrorCount        uint32
	LastMessageAt     time.Time
	LastTsrSeconds    uint32
	Dirty             bool
}

// Sender is the slice of the link engine the manager needs to dispatch
// commands.
type Sender interface {
	SendData(dst link.NodeID, payload []byte, requireAck bool) bool
}

// Manager maintains NodeId -> Record and issues daily reset commands.
type Manager struct {
	mu             sync.Mutex
	devices        map[link.NodeID]*Record
	store          *store.Store
	sender         Sender
	pulsesPerLiter uint32
}

// New creates a device manager. pulsesPerLiter feeds the instantaneous
// flow-rate calculation in HandleTelemetry.
func New(sender Sender, st *store.Store, pulsesPerLiter uint32) *Manager {
	return &Manager{
		devices:        make(map[link.NodeID]*Record),
		store:          st,
		sender:         sender,
		pulsesPerLiter: pulsesPerLiter,
	}
}

func msFromTime(t time.Time) int64  { return t.UnixMilli() }
func timeFromMs(ms int64) time.Time { return time.UnixMilli(ms) }

// Begin loads device_list and each dev_<id> record from persistence.
func (m *Manager) Begin(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mgrNS := m.store.OpenNamespace("dev_manager")
	list := mgrNS.GetStr("device_list", "")
	mgrNS.Close()

	for _, idStr := range strings.Split(list, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		id64, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		id := link.NodeID(id64)

		ns := m.store.OpenNamespace(fmt.Sprintf("dev_%d", id))
		rec := &Record{
			DeviceID:          id,
			LastResetAt:       timeFromMs(ns.GetI64("lastReset", msFromTime(now))),
			DailyVolumeLiters: ns.GetF32("dailyVol", 0),
			ErrorCount:        ns.GetU32("errorCount", 0),
			LastTsrSeconds:    ns.GetU32("lastTsr", 0),
			LastMessageAt:     now,
		}
		ns.Close()
		m.devices[id] = rec
		log.Printf("devicemgr: loaded state for device %d", id)
	}
}

func (m *Manager) getOrCreate(id link.NodeID, now time.Time) *Record {
	if rec, ok := m.devices[id]; ok {
		return rec
	}
	log.Printf("devicemgr: first time seeing device %d", id)
	rec := &Record{
		DeviceID:      id,
		LastResetAt:   now,
		LastMessageAt: now,
		Dirty:         true,
	}
	m.devices[id] = rec
	return rec
}

// HandleTelemetry parses a CSV telemetry payload from src and updates
// its record.
func (m *Manager) HandleTelemetry(src link.NodeID, payload string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreate(src, now)
	rec.LastMessageAt = now

	fields := telemetry.ParseCSV(payload)
	var pulseDelta int
	var havePulseDelta bool
	prevTsr := rec.LastTsrSeconds

	for _, f := range fields {
		switch f.Key {
		case "tv":
			if v, ok := f.ParseFloat(); ok {
				rec.DailyVolumeLiters = v
			}
		case "ec":
			if v, ok := f.ParseInt(); ok {
				rec.ErrorCount = uint32(v)
			}
		case "tsr":
			if v, ok := f.ParseInt(); ok {
				rec.LastTsrSeconds = uint32(v)
			}
		case "pd":
			if v, ok := f.ParseInt(); ok {
				pulseDelta = v
				havePulseDelta = true
			}
		}
	}

	if havePulseDelta && prevTsr != 0 {
		deltaSec := int64(rec.LastTsrSeconds) - int64(prevTsr)
		if deltaSec > 0 && m.pulsesPerLiter > 0 {
			flowLPM := (float64(pulseDelta) * 60.0) / (float64(m.pulsesPerLiter) * float64(deltaSec))
			log.Printf("devicemgr: device %d flow rate %.2f L/min (%d pulses over %ds)", src, flowLPM, pulseDelta, deltaSec)
		}
	}

	rec.Dirty = true
}

// Update runs the device_manager task: issue daily resets and flush
// dirty records.
func (m *Manager) Update(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]link.NodeID, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec := m.devices[id]
		if now.Sub(rec.LastResetAt) > ResetInterval {
			log.Printf("devicemgr: device %d reached 24h reset period (final daily volume %.2f L)", id, rec.DailyVolumeLiters)
			m.sender.SendData(id, []byte{ResetWaterVolume}, true)
			rec.DailyVolumeLiters = 0
			rec.ErrorCount = 0
			rec.LastResetAt = now
			rec.Dirty = true
		}
		if rec.Dirty {
			m.flush(rec)
		}
	}
}

func (m *Manager) flush(rec *Record) {
	ns := m.store.OpenNamespace(fmt.Sprintf("dev_%d", rec.DeviceID))
	ns.PutI64("lastReset", msFromTime(rec.LastResetAt))
	ns.PutF32("dailyVol", rec.DailyVolumeLiters)
	ns.PutU32("errorCount", rec.ErrorCount)
	ns.PutU32("lastTsr", rec.LastTsrSeconds)
	ns.Close()

	m.saveDeviceList()
	rec.Dirty = false
	log.Printf("devicemgr: saved state for device %d", rec.DeviceID)
}

func (m *Manager) saveDeviceList() {
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, strconv.Itoa(int(id)))
	}
	sort.Strings(ids)

	ns := m.store.OpenNamespace("dev_manager")
	ns.PutStr("device_list", strings.Join(ids, ","))
	ns.Close()
}

// Record returns a copy of a device's current record, for the relay
// app and debug surface.
func (m *Manager) Record(id link.NodeID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every tracked device record.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
