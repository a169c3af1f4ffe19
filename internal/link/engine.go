// Package link implements the reliable datagram protocol between nodes:
// framing, ACK, retry, peer tracking, the slave reconnection state
// machine, and stuck-TX recovery (spec §4.3). The engine is entirely
// tick-driven -- no goroutines, no timers of its own -- so every one of
// the literal-timestamp scenarios it must satisfy is reproducible by
// calling Tick with successive time.Time values, never by sleeping.
package link

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/farm/telemetry/internal/radio"
)

// Mode is the static role of a node.
type Mode int

const (
	Master Mode = iota
	Slave
)

// ConnState is the slave-only connection state machine (§3).
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Config holds the link-layer parameters from §4.3's table.
type Config struct {
	MaxFrame            int
	MaxOutbox           int
	MaxPeers            int
	AckTimeout          time.Duration
	MaxRetries          int
	PeerTimeout         time.Duration
	TxGuard             time.Duration
	TxStuckReinitCount  int
	ReconnectAttempt    time.Duration
}

// DefaultConfig returns the typical values from §4.3.
func DefaultConfig() Config {
	return Config{
		MaxFrame:           64,
		MaxOutbox:          8,
		MaxPeers:           16,
		AckTimeout:         1500 * time.Millisecond,
		MaxRetries:         4,
		PeerTimeout:        15000 * time.Millisecond,
		TxGuard:            8000 * time.Millisecond,
		TxStuckReinitCount: 3,
		ReconnectAttempt:   5000 * time.Millisecond,
	}
}

// MaxPayload returns the maximum application payload for this config's
// MaxFrame.
func (c Config) MaxPayload() int {
	return c.MaxFrame - HeaderSize
}

type radioState int

const (
	radioIdle radioState = iota
	radioTx
)

type rxEvent struct {
	buf  []byte
	rssi int16
	snr  float32
}

// Engine is the link-layer datagram engine (C3).
type Engine struct {
	mu sync.Mutex

	// eventMu guards pendingRx/txDone/txTimedOut only. The shipped radio
	// drivers invoke their Callbacks synchronously from inside Send,
	// which Tick calls while holding mu -- these fields need their own
	// lock so that callback re-entrancy on the same goroutine never
	// tries to re-acquire mu.
	eventMu sync.Mutex

	mode     Mode
	selfID   NodeID
	masterID NodeID

	cfg      Config
	radioCfg radio.Config
	dev      radio.Driver

	outbox *outbox
	peers  *peerTable

	nextMsgID uint16

	state             radioState
	lastRadioActivity time.Time
	currentTxMsgID    uint16
	consecutiveStuck  int

	connState                ConnState
	nextReconnectAttempt     time.Time
	connectionAttemptStarted time.Time
	lastSeenMaster           time.Time

	pendingAckSrc   NodeID
	pendingAckMsgID uint16
	havePendingAck  bool

	lastRSSI int16

	stallSince  time.Time
	stallActive bool
	stallWarned bool

	droppedOnTimeout int

	// guarded by eventMu, not mu
	pendingRx  []rxEvent
	txDone     bool
	txTimedOut bool

	onDataReceived   func(now time.Time, src NodeID, payload []byte)
	onAckReceived    func(now time.Time, src NodeID, msgID uint16, attempts int)
	onMessageDropped func(msgID uint16, attempts int)
}

// New constructs an engine for the given role. dev is the radio driver
// it will drive; radioCfg is passed to dev.Begin (and re-used on
// watchdog reinit).
func New(mode Mode, selfID NodeID, masterID NodeID, dev radio.Driver, radioCfg radio.Config, cfg Config) *Engine {
	e := &Engine{
		mode:     mode,
		selfID:   selfID,
		masterID: masterID,
		cfg:      cfg,
		radioCfg: radioCfg,
		dev:      dev,
		outbox:   newOutbox(cfg.MaxOutbox),
		peers:    newPeerTable(cfg.MaxPeers, cfg.PeerTimeout),
	}
	if mode == Slave {
		e.connState = Disconnected
		// zero-value nextReconnectAttempt: due immediately on first tick.
	}
	return e
}

// SetOnDataReceived installs the DATA delivery callback.
func (e *Engine) SetOnDataReceived(cb func(now time.Time, src NodeID, payload []byte)) {
	e.mu.Lock()
	e.onDataReceived = cb
	e.mu.Unlock()
}

// SetOnAckReceived installs the ACK delivery callback.
func (e *Engine) SetOnAckReceived(cb func(now time.Time, src NodeID, msgID uint16, attempts int)) {
	e.mu.Lock()
	e.onAckReceived = cb
	e.mu.Unlock()
}

// SetOnMessageDropped installs the retry-exhaustion callback.
func (e *Engine) SetOnMessageDropped(cb func(msgID uint16, attempts int)) {
	e.mu.Lock()
	e.onMessageDropped = cb
	e.mu.Unlock()
}

// Begin initializes the radio and parks it in RX. Idempotent.
func (e *Engine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.SetCallbacks(radio.Callbacks{
		OnTxDone:    e.markTxDone,
		OnTxTimeout: e.markTxTimeout,
		OnRxDone:    e.markRxDone,
	})
	if err := e.dev.Begin(e.radioCfg); err != nil {
		return fmt.Errorf("link: radio begin: %w", err)
	}
	if err := e.dev.EnterRxContinuous(); err != nil {
		return fmt.Errorf("link: enter rx: %w", err)
	}
	e.state = radioIdle
	return nil
}

// SetMasterNodeID updates which node this slave treats as master.
func (e *Engine) SetMasterNodeID(id NodeID) {
	e.mu.Lock()
	e.masterID = id
	e.mu.Unlock()
}

// SetPeerTimeout updates the peer liveness window.
func (e *Engine) SetPeerTimeout(d time.Duration) {
	e.mu.Lock()
	e.cfg.PeerTimeout = d
	e.peers.timeout = d
	e.mu.Unlock()
}

// ForceReconnect drops the slave connection state immediately; the next
// Tick will attempt re-registration.
func (e *Engine) ForceReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != Slave {
		return
	}
	e.connState = Disconnected
	e.nextReconnectAttempt = time.Time{}
}

// ResetStats clears the retry/drop counters and rewinds the message id
// allocator back to 1. Used by the remote's ResetWaterVolume command
// handler (§4.7), which resets the radio link state alongside the
// sensor total. That handler runs inside the data callback while Tick
// holds the engine lock, so ResetStats does not take the lock itself;
// call it only from such a callback or when no Tick runs concurrently.
func (e *Engine) ResetStats() {
	e.nextMsgID = 0
	e.droppedOnTimeout = 0
	e.consecutiveStuck = 0
}

// DroppedOnTimeout returns the count of entries dropped after retry
// exhaustion, for diagnostics.
func (e *Engine) DroppedOnTimeout() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedOnTimeout
}

// allocMsgID returns the next message id, skipping 0 and wrapping to 1.
func (e *Engine) allocMsgID() uint16 {
	e.nextMsgID++
	if e.nextMsgID == 0 {
		e.nextMsgID = 1
	}
	return e.nextMsgID
}

// SendData enqueues a DATA frame. It returns false if the payload
// exceeds the per-frame max or the outbox has no admissible slot.
func (e *Engine) SendData(dst NodeID, payload []byte, requireAck bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueueData(dst, payload, requireAck) != 0
}

// enqueueData returns the allocated msgID, or 0 on admission failure.
func (e *Engine) enqueueData(dst NodeID, payload []byte, requireAck bool) uint16 {
	if len(payload) > e.cfg.MaxPayload() {
		return 0
	}

	msgID := e.allocMsgID()
	f := Frame{
		Version: Version,
		Type:    FrameTypeData,
		Src:     e.selfID,
		Dst:     dst,
		MsgID:   msgID,
		Payload: payload,
	}
	if requireAck {
		f.Flags |= FlagRequireAck
	}

	idx := e.outbox.admit(dst, msgID, requireAck, f.Encode())
	if idx < 0 {
		return 0
	}
	return msgID
}

// IsReadyForTx reports whether the engine can immediately attempt a new
// send.
func (e *Engine) IsReadyForTx() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != radioTx
}

// IsTxBusy is the inverse of IsReadyForTx.
func (e *Engine) IsTxBusy() bool {
	return !e.IsReadyForTx()
}

// IsConnected reports link connectivity. A master is always "up"
// relative to itself.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == Master {
		return true
	}
	return e.connState == Connected
}

// ConnectionState returns the slave connection state machine's current
// state (meaningless, always Connected, for a master).
func (e *Engine) ConnectionState() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == Master {
		return Connected
	}
	return e.connState
}

// LastRSSIDbm returns the RSSI of the most recently received frame.
func (e *Engine) LastRSSIDbm() int16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRSSI
}

// PeerCount returns the number of tracked peers.
func (e *Engine) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers.count()
}

// PeerByIndex returns the i-th tracked peer.
func (e *Engine) PeerByIndex(i int) (Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers.byIndex(i)
}

// markRxDone and friends are the radio driver callbacks. They only
// record the event; all state mutation happens inside Tick so that
// every observable transition happens at a caller-supplied `now`.
func (e *Engine) markRxDone(buf []byte, rssi int16, snr float32) {
	e.eventMu.Lock()
	e.pendingRx = append(e.pendingRx, rxEvent{buf: buf, rssi: rssi, snr: snr})
	e.eventMu.Unlock()
}

func (e *Engine) markTxDone() {
	e.eventMu.Lock()
	e.txDone = true
	e.eventMu.Unlock()
}

func (e *Engine) markTxTimeout() {
	e.eventMu.Lock()
	e.txTimedOut = true
	e.eventMu.Unlock()
}

// Tick runs one pass of the §4.3 algorithm. Must be called at 20 Hz or
// faster.
func (e *Engine) Tick(now time.Time) {
	e.dev.ProcessIRQ()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainRx(now)
	e.drainTxCompletion(now)

	e.tickWatchdog(now) // step 1
	e.peers.ageAll(now) // step 2

	if e.mode == Slave {
		e.tickConnectionFSM(now) // step 3
	}

	ackSent := false
	if e.havePendingAck && e.state != radioTx {
		e.sendPendingAck(now) // step 4
		ackSent = true
	}

	if !ackSent && e.state != radioTx {
		e.trySendNext(now) // step 5
	}

	e.outbox.compact(now, e.cfg.MaxRetries, e.onMessageDropped) // step 6
	e.tickStallDetection(now)                                   // step 7
}

func (e *Engine) drainRx(now time.Time) {
	e.eventMu.Lock()
	events := e.pendingRx
	e.pendingRx = nil
	e.eventMu.Unlock()

	for _, ev := range events {
		e.processRxFrame(now, ev)
	}
}

func (e *Engine) processRxFrame(now time.Time, ev rxEvent) {
	e.dev.Sleep()

	f, ok := DecodeFrame(ev.buf)
	if !ok || f.Version != Version || (f.Dst != e.selfID && f.Dst != Broadcast) {
		e.dev.EnterRxContinuous()
		return
	}

	e.lastRSSI = ev.rssi
	e.peers.noteSeen(f.Src, now)

	if e.mode == Slave && f.Src == e.masterID {
		e.lastSeenMaster = now
		if e.connState == Connecting {
			e.connState = Connected
		}
	}

	switch f.Type {
	case FrameTypeData:
		if f.RequireAck() {
			e.pendingAckSrc = f.Src
			e.pendingAckMsgID = f.MsgID
			e.havePendingAck = true
		}
		if e.onDataReceived != nil {
			e.onDataReceived(now, f.Src, f.Payload)
		}
	case FrameTypeAck:
		attempts := e.outbox.removeByMsgID(f.MsgID)
		if e.onAckReceived != nil {
			e.onAckReceived(now, f.Src, f.MsgID, attempts)
		}
		if e.mode == Slave && f.Src == e.masterID && e.connState == Connecting {
			e.connState = Connected
		}
	}

	e.dev.EnterRxContinuous()
}

func (e *Engine) drainTxCompletion(now time.Time) {
	e.eventMu.Lock()
	done := e.txDone
	e.txDone = false
	timedOut := e.txTimedOut
	e.txTimedOut = false
	e.eventMu.Unlock()

	if done {
		e.consecutiveStuck = 0
		if entry, ok := e.outbox.byMsgID(e.currentTxMsgID); ok && !entry.requireAck {
			e.outbox.removeNonAckCompleted(e.currentTxMsgID)
		}
		e.finishTx(now)
	}
	if timedOut {
		e.completeWithTimeout(now)
		e.finishTx(now)
	}
}

func (e *Engine) completeWithTimeout(now time.Time) {
	if entry, ok := e.outbox.byMsgID(e.currentTxMsgID); ok {
		if entry.requireAck {
			entry.nextAttempt = now.Add(e.cfg.AckTimeout)
		} else {
			e.outbox.removeNonAckCompleted(e.currentTxMsgID)
			e.droppedOnTimeout++
		}
	}
}

func (e *Engine) finishTx(now time.Time) {
	e.state = radioIdle
	e.lastRadioActivity = now
	e.dev.Sleep()
	e.dev.Standby()
	e.dev.EnterRxContinuous()
}

// tickWatchdog is §4.3 step 1.
func (e *Engine) tickWatchdog(now time.Time) {
	if e.state != radioTx {
		return
	}
	if now.Sub(e.lastRadioActivity) < e.cfg.TxGuard {
		return
	}

	log.Printf("link: tx watchdog fired for msg %d (stuck %d)", e.currentTxMsgID, e.consecutiveStuck+1)
	e.consecutiveStuck++

	if entry, ok := e.outbox.byMsgID(e.currentTxMsgID); ok {
		if entry.requireAck {
			entry.nextAttempt = now.Add(e.cfg.AckTimeout)
		} else {
			e.outbox.removeNonAckCompleted(e.currentTxMsgID)
			e.droppedOnTimeout++
		}
	}

	if e.consecutiveStuck >= e.cfg.TxStuckReinitCount {
		log.Printf("link: reinitializing radio after %d stuck TX events", e.consecutiveStuck)
		if err := e.dev.Begin(e.radioCfg); err != nil {
			log.Printf("link: radio reinit failed: %v", err)
		}
		e.consecutiveStuck = 0
	}

	e.finishTx(now)
}

// tickConnectionFSM is §4.3 step 3, slave only.
func (e *Engine) tickConnectionFSM(now time.Time) {
	switch e.connState {
	case Connected:
		if now.Sub(e.lastSeenMaster) >= e.cfg.PeerTimeout {
			e.connState = Disconnected
			e.nextReconnectAttempt = now
		}
	case Disconnected:
		if !now.Before(e.nextReconnectAttempt) {
			// An ACK-requiring DATA already queued for the master serves
			// as the registration frame; its ACK completes the handshake.
			queued := false
			for i := range e.outbox.entries {
				en := &e.outbox.entries[i]
				if en.inUse && en.requireAck && en.dst == e.masterID && en.attempts < e.cfg.MaxRetries {
					queued = true
					break
				}
			}
			if queued || e.enqueueData(e.masterID, nil, true) != 0 {
				e.connState = Connecting
				e.connectionAttemptStarted = now
			} else {
				e.nextReconnectAttempt = now.Add(500 * time.Millisecond)
			}
		}
	case Connecting:
		deadline := time.Duration(int64(e.cfg.AckTimeout)*int64(e.cfg.MaxRetries)) + 2000*time.Millisecond
		if now.Sub(e.connectionAttemptStarted) >= deadline {
			e.connState = Disconnected
			e.nextReconnectAttempt = now.Add(e.cfg.ReconnectAttempt)
		}
	}
}

// sendPendingAck is §4.3 step 4.
func (e *Engine) sendPendingAck(now time.Time) {
	f := ackFrame(e.selfID, e.pendingAckSrc, e.pendingAckMsgID)
	e.havePendingAck = false

	e.dev.Sleep()
	e.dev.Standby()
	if err := e.dev.Send(f.Encode()); err != nil {
		log.Printf("link: ack send failed: %v", err)
		e.dev.EnterRxContinuous()
		return
	}
	e.currentTxMsgID = 0
	e.state = radioTx
	e.lastRadioActivity = now
}

// trySendNext is §4.3 step 5.
func (e *Engine) trySendNext(now time.Time) {
	idx := e.outbox.selectNext(now, e.cfg.MaxRetries)
	if idx < 0 {
		return
	}
	entry := &e.outbox.entries[idx]
	entry.attempts++
	if entry.requireAck {
		entry.nextAttempt = now.Add(e.cfg.AckTimeout)
	}
	e.currentTxMsgID = entry.msgID

	e.dev.Sleep()
	e.dev.Standby()
	if err := e.dev.Send(entry.buf); err != nil {
		log.Printf("link: send failed: %v", err)
		e.dev.EnterRxContinuous()
		return
	}
	e.state = radioTx
	e.lastRadioActivity = now
}

// tickStallDetection is §4.3 step 7.
func (e *Engine) tickStallDetection(now time.Time) {
	if e.outbox.used() == 0 || e.state == radioTx {
		e.stallActive = false
		e.stallWarned = false
		return
	}

	due := e.outbox.selectNext(now, e.cfg.MaxRetries) >= 0
	if due {
		e.stallActive = false
		e.stallWarned = false
		return
	}

	if !e.stallActive {
		e.stallActive = true
		e.stallSince = now
		return
	}
	if !e.stallWarned && now.Sub(e.stallSince) > e.cfg.AckTimeout+200*time.Millisecond {
		log.Printf("link: outbox stalled for %s", now.Sub(e.stallSince))
		e.stallWarned = true
	}
}
