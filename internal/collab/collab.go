// Package collab holds the thin external-collaborator interfaces §6
// defines for UI, battery, and WiFi: each is a function-shaped object
// with update(now) and a handful of accessors. No core invariant
// depends on their state; the stub implementations here satisfy the
// interfaces so remoteapp/relayapp can wire a scheduler task against
// them without pulling in board-specific or UI code, neither of which
// is in scope.
package collab

import "time"

// Battery reports charge state, backed by a board-specific voltage
// curve out of scope for this repository.
type Battery interface {
	Update(now time.Time)
	PercentRemaining() int
	Charging() bool
}

// Display is the UI redraw collaborator (OLED layout, out of scope).
type Display interface {
	Update(now time.Time)
}

// WiFi reports link state, backed by board-specific association code
// out of scope for this repository.
type WiFi interface {
	Update(now time.Time)
	RSSIPercent() int
	Connected() bool
}

// StubBattery always reports a full, non-charging battery. It exists
// so remoteapp/relayapp has something concrete to register against the
// scheduler's battery task in the absence of real hardware.
type StubBattery struct{}

func (StubBattery) Update(time.Time) {}
func (StubBattery) PercentRemaining() int { return 100 }
func (StubBattery) Charging() bool        { return false }

// StubDisplay does nothing; no OLED is attached.
type StubDisplay struct{}

func (StubDisplay) Update(time.Time) {}

// StubWiFi always reports connected with full signal. relayapp wires
// this stub in every configuration; no board-specific WiFi collaborator
// exists in this repository.
type StubWiFi struct{}

func (StubWiFi) Update(time.Time)  {}
func (StubWiFi) RSSIPercent() int { return 100 }
func (StubWiFi) Connected() bool  { return true }
