package link

import (
	"testing"
	"time"

	"github.com/farm/telemetry/internal/radio"
)

// fakeRadio captures Send calls and lets the test fire completion
// callbacks at precise times, mirroring the teacher's MockLoRaDriver.
type fakeRadio struct {
	cb       radio.Callbacks
	sent     [][]byte
	beginErr error
	sleeps   int
	standbys int
	rxEnters int
}

func (f *fakeRadio) Begin(cfg radio.Config) error   { return f.beginErr }
func (f *fakeRadio) SetCallbacks(cb radio.Callbacks) { f.cb = cb }
func (f *fakeRadio) Send(payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}
func (f *fakeRadio) EnterRxContinuous() error { f.rxEnters++; return nil }
func (f *fakeRadio) Sleep() error             { f.sleeps++; return nil }
func (f *fakeRadio) Standby() error           { f.standbys++; return nil }
func (f *fakeRadio) ProcessIRQ()              {}

func (f *fakeRadio) simulateRxDone(buf []byte, rssi int16, snr float32) {
	f.cb.OnRxDone(buf, rssi, snr)
}
func (f *fakeRadio) simulateTxDone()    { f.cb.OnTxDone() }
func (f *fakeRadio) simulateTxTimeout() { f.cb.OnTxTimeout() }

func t0() time.Time { return time.Unix(1700000000, 0) }

func newTestEngine(t *testing.T, mode Mode, selfID, masterID NodeID) (*Engine, *fakeRadio) {
	t.Helper()
	dev := &fakeRadio{}
	cfg := DefaultConfig()
	e := New(mode, selfID, masterID, dev, radio.DefaultConfig(), cfg)
	if err := e.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return e, dev
}

// S1 — single ACKed telemetry round trip.
func TestScenarioS1SingleAckedRoundTrip(t *testing.T) {
	slave, slaveRadio := newTestEngine(t, Slave, 3, 1)
	master, masterRadio := newTestEngine(t, Master, 1, 0)

	var masterGotPayload []byte
	var masterGotSrc NodeID
	master.SetOnDataReceived(func(now time.Time, src NodeID, payload []byte) {
		masterGotSrc = src
		masterGotPayload = append([]byte(nil), payload...)
	})

	var slaveAckMsgID uint16
	var slaveAckAttempts int
	slave.SetOnAckReceived(func(now time.Time, src NodeID, msgID uint16, attempts int) {
		slaveAckMsgID = msgID
		slaveAckAttempts = attempts
	})

	now := t0()
	payload := []byte("batt:73,pd:9,tv:0.02,ec:0,tsr:10")
	if ok := slave.SendData(1, payload, true); !ok {
		t.Fatalf("SendData failed")
	}

	// tick 1: slave transmits.
	slave.Tick(now)
	if len(slaveRadio.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(slaveRadio.sent))
	}
	frame, ok := DecodeFrame(slaveRadio.sent[0])
	if !ok {
		t.Fatalf("could not decode sent frame")
	}
	if frame.Version != 1 || frame.Type != FrameTypeData || !frame.RequireAck() ||
		frame.Src != 3 || frame.Dst != 1 || frame.MsgID != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// deliver to master, master processes on its own tick.
	masterRadio.simulateRxDone(slaveRadio.sent[0], -50, 9.0)
	now = now.Add(50 * time.Millisecond)
	master.Tick(now)

	if masterGotSrc != 3 || string(masterGotPayload) != string(payload) {
		t.Fatalf("master did not receive expected telemetry: src=%d payload=%q", masterGotSrc, masterGotPayload)
	}
	if len(masterRadio.sent) != 1 {
		t.Fatalf("master should have sent an ACK, got %d sends", len(masterRadio.sent))
	}
	ackFrameDecoded, _ := DecodeFrame(masterRadio.sent[0])
	if ackFrameDecoded.Type != FrameTypeAck || ackFrameDecoded.MsgID != 1 {
		t.Fatalf("unexpected ack frame: %+v", ackFrameDecoded)
	}

	// master's ack send completes; deliver to slave.
	masterRadio.simulateTxDone()
	slaveRadio.simulateRxDone(masterRadio.sent[0], -48, 9.5)
	now = now.Add(50 * time.Millisecond)
	slave.Tick(now)

	if slaveAckMsgID != 1 || slaveAckAttempts != 1 {
		t.Fatalf("slave ack callback: msgID=%d attempts=%d, want 1,1", slaveAckMsgID, slaveAckAttempts)
	}
	if slave.outbox.used() != 0 {
		t.Fatalf("slave outbox should be empty after ack, used=%d", slave.outbox.used())
	}
	if !slave.IsConnected() {
		t.Fatalf("slave should be connected after successful round trip")
	}
	if slave.LastRSSIDbm() != -48 {
		t.Fatalf("LastRSSIDbm = %d, want -48", slave.LastRSSIDbm())
	}
}

// S2 — three lost attempts then delivery on the 4th.
func TestScenarioS2ThreeLostAttemptsThenDelivery(t *testing.T) {
	slave, slaveRadio := newTestEngine(t, Slave, 3, 1)

	var observedAttempts []time.Duration
	start := t0()
	var ackMsgID uint16
	var ackAttempts int
	slave.SetOnAckReceived(func(now time.Time, src NodeID, msgID uint16, attempts int) {
		ackMsgID = msgID
		ackAttempts = attempts
	})

	if ok := slave.SendData(1, []byte("x"), true); !ok {
		t.Fatalf("SendData failed")
	}

	now := start
	slave.Tick(now) // attempt 1 at t=0
	observedAttempts = append(observedAttempts, now.Sub(start))
	slaveRadio.simulateTxDone()
	slave.Tick(now.Add(1))

	// Advance through 3 more ACK-timeout windows with no ACK delivered.
	for i := 0; i < 3; i++ {
		now = now.Add(1500 * time.Millisecond)
		slave.Tick(now)
		if len(slaveRadio.sent) != i+2 {
			continue
		}
		observedAttempts = append(observedAttempts, now.Sub(start))
		slaveRadio.simulateTxDone()
		slave.Tick(now.Add(1))
	}

	if len(observedAttempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d: %v", len(observedAttempts), observedAttempts)
	}
	wantOffsets := []time.Duration{0, 1500 * time.Millisecond, 3000 * time.Millisecond, 4500 * time.Millisecond}
	for i, want := range wantOffsets {
		if observedAttempts[i] != want {
			t.Errorf("attempt %d at %v, want %v", i, observedAttempts[i], want)
		}
	}

	// Now deliver the ACK for the 4th attempt.
	f, _ := DecodeFrame(slaveRadio.sent[3])
	ack := ackFrame(1, 3, f.MsgID).Encode()
	slaveRadio.simulateRxDone(ack, -50, 8.0)
	slave.Tick(now.Add(2))

	if ackMsgID != f.MsgID || ackAttempts != 4 {
		t.Fatalf("ack callback: msgID=%d attempts=%d, want %d,4", ackMsgID, ackAttempts, f.MsgID)
	}
}

// S3 — dropped after retries exhausted.
func TestScenarioS3DroppedAfterRetriesExhausted(t *testing.T) {
	slave, slaveRadio := newTestEngine(t, Slave, 3, 1)

	var droppedMsgID uint16
	var droppedAttempts int
	dropped := false
	slave.SetOnMessageDropped(func(msgID uint16, attempts int) {
		droppedMsgID = msgID
		droppedAttempts = attempts
		dropped = true
	})

	slave.SendData(1, []byte("x"), true)

	now := t0()
	for attempt := 0; attempt < 4; attempt++ {
		slave.Tick(now)
		slaveRadio.simulateTxDone()
		slave.Tick(now.Add(1))
		now = now.Add(1500 * time.Millisecond)
	}

	// At t=6000ms the 4th attempt has timed out (no ack ever delivered).
	// The compactor fires once now >= next_attempt, i.e. at 6000+1500=7500ms.
	slave.Tick(now) // t=6000ms
	if dropped {
		t.Fatalf("dropped fired too early at t=6000ms")
	}
	now = now.Add(1500 * time.Millisecond) // t=7500ms
	slave.Tick(now)

	if !dropped {
		t.Fatalf("expected on_message_dropped to have fired by t=7500ms")
	}
	if droppedAttempts != 4 {
		t.Errorf("dropped attempts = %d, want 4", droppedAttempts)
	}
	_ = droppedMsgID
	_ = slaveRadio
}

// S4 — stuck TX recovery.
func TestScenarioS4StuckTxRecovery(t *testing.T) {
	slave, slaveRadio := newTestEngine(t, Slave, 3, 1)

	slave.SendData(1, []byte("x"), true)

	now := t0()
	slave.Tick(now) // sends, radio goes "silent": no TxDone/TxTimeout ever fires

	if !slave.IsTxBusy() {
		t.Fatalf("expected engine busy after send with no completion")
	}

	for i := 0; i < 3; i++ {
		now = now.Add(8000 * time.Millisecond)
		slave.Tick(now)
		// each watchdog firing reschedules the ack-required entry and
		// forces the radio back to idle/rx so the engine can retry.
		if slave.IsTxBusy() {
			t.Fatalf("watchdog should have returned engine to idle at iteration %d", i)
		}
		// allow the rescheduled retry (due one ACK timeout after the
		// watchdog) to go out again so the next watchdog window has
		// something to watch.
		now = now.Add(1500 * time.Millisecond)
		slave.Tick(now)
	}

	if slave.consecutiveStuck != 0 {
		t.Errorf("consecutiveStuck = %d, want reset to 0 after reinit threshold", slave.consecutiveStuck)
	}
	if len(slaveRadio.sent) < 3 {
		t.Errorf("expected at least 3 retries across stuck-TX cycles, got %d", len(slaveRadio.sent))
	}
}

// S5 — slave reconnect after losing master traffic.
func TestScenarioS5SlaveReconnect(t *testing.T) {
	slave, slaveRadio := newTestEngine(t, Slave, 3, 1)

	now := t0()
	// Establish Connected directly, as after an earlier successful round trip.
	slave.lastSeenMaster = now
	slave.connState = Connected

	slave.Tick(now.Add(14999 * time.Millisecond))
	if slave.ConnectionState() != Connected {
		t.Fatalf("should still be connected just before timeout")
	}

	now = now.Add(15000 * time.Millisecond)
	slave.Tick(now)
	if slave.ConnectionState() != Disconnected {
		t.Fatalf("expected Disconnected at t=15000ms, got %v", slave.ConnectionState())
	}

	// The Disconnected transition sets the reconnect attempt due now, so
	// the next tick enqueues + sends a registration frame.
	now = now.Add(50 * time.Millisecond)
	slave.Tick(now)
	if len(slaveRadio.sent) == 0 {
		t.Fatalf("expected a registration frame to have been sent")
	}
	regFrame, _ := DecodeFrame(slaveRadio.sent[len(slaveRadio.sent)-1])
	if regFrame.Type != FrameTypeData || !regFrame.RequireAck() || len(regFrame.Payload) != 0 {
		t.Fatalf("unexpected registration frame: %+v", regFrame)
	}
	if slave.ConnectionState() != Connecting {
		t.Fatalf("expected Connecting after registration enqueued, got %v", slave.ConnectionState())
	}

	slaveRadio.simulateTxDone()
	slave.Tick(now.Add(1 * time.Millisecond))

	ack := ackFrame(1, 3, regFrame.MsgID).Encode()
	slaveRadio.simulateRxDone(ack, -55, 7.0)
	now = now.Add(2000 * time.Millisecond)
	slave.Tick(now)

	if slave.ConnectionState() != Connected {
		t.Fatalf("expected Connected after ack within reconnect deadline, got %v", slave.ConnectionState())
	}
}

// Property 2 — no id 0.
func TestNoZeroMsgID(t *testing.T) {
	e, _ := newTestEngine(t, Slave, 3, 1)
	seen := map[uint16]bool{}
	for i := 0; i < 10; i++ {
		id := e.allocMsgID()
		if id == 0 {
			t.Fatalf("allocMsgID returned 0")
		}
		seen[id] = true
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct ids, got %d", len(seen))
	}
}

// Property 5 — peer LRU eviction.
func TestPeerLRUEviction(t *testing.T) {
	e, _ := newTestEngine(t, Master, 1, 0)
	e.cfg.MaxPeers = 4
	e.peers = newPeerTable(4, e.cfg.PeerTimeout)

	now := t0()
	for i := NodeID(1); i <= 5; i++ {
		e.peers.noteSeen(i, now)
		now = now.Add(time.Second)
	}

	if e.peers.count() != 4 {
		t.Fatalf("expected exactly 4 peers retained, got %d", e.peers.count())
	}
	if _, ok := e.peers.lastSeen(1); ok {
		t.Fatalf("oldest peer (1) should have been evicted")
	}
	for _, id := range []NodeID{2, 3, 4, 5} {
		if _, ok := e.peers.lastSeen(id); !ok {
			t.Errorf("peer %d should still be tracked", id)
		}
	}
}

// Property 10 — frame rejection.
func TestFrameRejection(t *testing.T) {
	master, masterRadio := newTestEngine(t, Master, 1, 0)

	fired := false
	master.SetOnDataReceived(func(now time.Time, src NodeID, payload []byte) { fired = true })

	bad := Frame{Version: 2, Type: FrameTypeData, Src: 3, Dst: 1, MsgID: 1}.Encode()
	masterRadio.simulateRxDone(bad, -50, 5)
	master.Tick(t0())
	if fired {
		t.Errorf("wrong version frame should have been dropped")
	}

	badDst := Frame{Version: 1, Type: FrameTypeData, Src: 3, Dst: 9, MsgID: 1}.Encode()
	masterRadio.simulateRxDone(badDst, -50, 5)
	master.Tick(t0().Add(50 * time.Millisecond))
	if fired {
		t.Errorf("wrong dst frame should have been dropped")
	}

	tooShort := []byte{1, 1, 0, 3}
	masterRadio.simulateRxDone(tooShort, -50, 5)
	master.Tick(t0().Add(100 * time.Millisecond))
	if fired {
		t.Errorf("short frame should have been dropped")
	}
}

// Property 4 — outbox non-starvation: a due retry beats a fresh entry.
func TestOutboxPrefersDueRetryOverFreshEntry(t *testing.T) {
	ob := newOutbox(8)
	now := t0()

	ob.admit(1, 1, true, []byte{1})
	ob.entries[0].attempts = 1
	ob.entries[0].nextAttempt = now.Add(-time.Second) // overdue

	ob.admit(2, 2, false, []byte{2}) // fresh best-effort

	idx := ob.selectNext(now, 4)
	if idx != 0 {
		t.Fatalf("expected due retry (index 0) to be selected, got %d", idx)
	}
}

func TestSendDataRejectsOversizedPayload(t *testing.T) {
	e, _ := newTestEngine(t, Slave, 3, 1)
	big := make([]byte, e.cfg.MaxPayload()+1)
	if ok := e.SendData(1, big, false); ok {
		t.Errorf("expected oversized payload to be rejected")
	}
}

func TestSendDataRejectsWhenOutboxFull(t *testing.T) {
	e, _ := newTestEngine(t, Slave, 3, 1)
	e.cfg.MaxOutbox = 2
	e.outbox = newOutbox(2)

	if ok := e.SendData(1, []byte("a"), true); !ok {
		t.Fatalf("first require-ack send should admit")
	}
	if ok := e.SendData(1, []byte("b"), true); !ok {
		t.Fatalf("second require-ack send should admit (fills reserved slot)")
	}
	if ok := e.SendData(1, []byte("c"), true); ok {
		t.Errorf("third require-ack send should be rejected, outbox is full")
	}
}
