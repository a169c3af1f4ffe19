// Package sensor implements the pulse-counter sensor (C5): ISR-driven
// edge counting with a snapshot-and-zero critical section, cumulative
// volume tracking, and a persisted running total.
package sensor

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/farm/telemetry/internal/store"
)

// DefaultPulsesPerLiter resolves spec §9's open question: the source
// carries two conflicting constants (4.5 and 450) for the YF-S201
// flow sensor; only 450 is consistent with the reported tv semantics.
const DefaultPulsesPerLiter = 450

// Reading is one emitted sample from Read.
type Reading struct {
	PulseDelta     int     // pd: pulses since the previous read, NaN-safe via Disabled
	TotalVolumeL   float32 // tv: cumulative volume in liters
	Disabled       bool
}

// Pulse counts falling edges on a digital input. The ISR does exactly
// one operation -- increment pulseCount -- everything else runs from
// the scheduler's execution context.
type Pulse struct {
	pulseCount atomic.Uint32 // volatile u32 equivalent; Relaxed ordering is sufficient

	pulsesPerLiter uint32
	totalPulses    uint32
	lastReadAt     time.Time

	ns       *store.Namespace
	disabled bool
}

// Config configures a Pulse sensor instance.
type Config struct {
	PulsesPerLiter uint32
	Disabled       bool
}

// DefaultConfig returns the nominal YF-S201 configuration.
func DefaultConfig() Config {
	return Config{PulsesPerLiter: DefaultPulsesPerLiter}
}

// New creates a pulse sensor backed by the water_meter namespace.
func New(cfg Config, ns *store.Namespace, now time.Time) *Pulse {
	p := &Pulse{
		pulsesPerLiter: cfg.PulsesPerLiter,
		ns:             ns,
		disabled:       cfg.Disabled,
		lastReadAt:     now,
	}
	if ns != nil {
		p.totalPulses = ns.GetU32("totalPulses", 0)
	}
	return p
}

// OnEdge is the interrupt handler: increment the shared counter. Must
// remain this cheap -- it is the only ISR-originated mutation in the
// whole system (spec §5).
func (p *Pulse) OnEdge() {
	p.pulseCount.Add(1)
}

// snapshotAndZero is the critical section: atomically read and clear
// the ISR counter so edges arriving between the read and the clear are
// never lost -- they simply accumulate into the next read.
func (p *Pulse) snapshotAndZero() uint32 {
	return p.pulseCount.Swap(0)
}

// Read is called by the scheduler at telemetry cadence. It snapshots
// the ISR counter, advances the cumulative total, and emits pd/tv.
func (p *Pulse) Read(now time.Time) Reading {
	if p.disabled {
		p.lastReadAt = now
		return Reading{Disabled: true, PulseDelta: 0, TotalVolumeL: float32(math.NaN())}
	}

	delta := p.snapshotAndZero()
	p.lastReadAt = now
	p.totalPulses += delta

	return Reading{
		PulseDelta:   int(delta),
		TotalVolumeL: float32(p.totalPulses) / float32(p.pulsesPerLiter),
	}
}

// Save flushes the running total to persistence. Called by a separate
// scheduler task every 60s and on ResetTotal, never from Read itself --
// Read and Save share the same single-threaded execution context so
// they never race.
func (p *Pulse) Save() bool {
	if p.ns == nil {
		return false
	}
	return p.ns.PutU32("totalPulses", p.totalPulses)
}

// ResetTotal zeroes the cumulative total and schedules an immediate
// save. Used by the ResetWaterVolume command handler (§4.7).
func (p *Pulse) ResetTotal() {
	p.totalPulses = 0
	p.Save()
}

// TotalPulses returns the current cumulative pulse count.
func (p *Pulse) TotalPulses() uint32 {
	return p.totalPulses
}

// Disabled reports whether this sensor instance is configured off.
func (p *Pulse) Disabled() bool {
	return p.disabled
}
