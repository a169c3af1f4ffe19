package radio

import "sync"

// Medium is an in-memory shared channel connecting Loopback drivers, for
// integration tests and the in-process simulated deployment. It delivers
// each Send synchronously to every other attached driver's OnRxDone.
type Medium struct {
	mu      sync.Mutex
	drivers []*Loopback
}

// NewMedium creates an empty shared medium.
func NewMedium() *Medium {
	return &Medium{}
}

func (m *Medium) attach(d *Loopback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers = append(m.drivers, d)
}

func (m *Medium) deliver(from *Loopback, payload []byte) {
	m.mu.Lock()
	peers := make([]*Loopback, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d != from {
			peers = append(peers, d)
		}
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.deliver(payload, -42, 9.5)
	}
}

// Loopback is a deterministic, RAM-only Driver used by engine tests and
// the simulated deployment mode. Send completes immediately with
// OnTxDone. DropNext makes sends vanish in the air (lost frames, e.g.
// lost ACKs for §8 S2/S3) and Suppress makes them never complete (stuck
// TX, §8 S4), without a real radio.
type Loopback struct {
	mu            sync.Mutex
	medium        *Medium
	cb            Callbacks
	cfg           Config
	begun         bool
	dropNextSends int
	suppressTx    bool // when true, Send never calls OnTxDone/OnTxTimeout (S4 stuck-TX simulation)
}

// NewLoopback creates a Loopback driver attached to medium. medium may
// be nil for unit tests that drive the engine directly without an RF
// peer.
func NewLoopback(medium *Medium) *Loopback {
	d := &Loopback{medium: medium}
	if medium != nil {
		medium.attach(d)
	}
	return d
}

func (d *Loopback) Begin(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.begun = true
	return nil
}

func (d *Loopback) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

// DropNext makes the next n Send calls silently vanish: no delivery to
// the medium, though each still completes with OnTxDone as a real
// transmission lost in the air would. Used to simulate lost frames.
func (d *Loopback) DropNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropNextSends = n
}

// Suppress makes every subsequent Send vanish without completion,
// modeling a stuck transmitter (§8 S4) until Unsuppress is called.
func (d *Loopback) Suppress() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressTx = true
}

func (d *Loopback) Unsuppress() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressTx = false
}

func (d *Loopback) Send(payload []byte) error {
	d.mu.Lock()
	drop := false
	if d.dropNextSends > 0 {
		d.dropNextSends--
		drop = true
	}
	suppressed := d.suppressTx
	cb := d.cb
	medium := d.medium
	d.mu.Unlock()

	if suppressed {
		return nil
	}
	if drop {
		if cb.OnTxDone != nil {
			cb.OnTxDone()
		}
		return nil
	}

	if medium != nil {
		buf := append([]byte(nil), payload...)
		medium.deliver(d, buf)
	}
	if cb.OnTxDone != nil {
		cb.OnTxDone()
	}
	return nil
}

func (d *Loopback) deliver(payload []byte, rssi int16, snr float32) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb.OnRxDone != nil {
		cb.OnRxDone(payload, rssi, snr)
	}
}

func (d *Loopback) EnterRxContinuous() error { return nil }
func (d *Loopback) Sleep() error             { return nil }
func (d *Loopback) Standby() error           { return nil }
func (d *Loopback) ProcessIRQ()              {}
