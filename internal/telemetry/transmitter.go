package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/farm/telemetry/internal/link"
)

// Sender is the slice of the link engine the transmitter depends on.
type Sender interface {
	SendData(dst link.NodeID, payload []byte, requireAck bool) bool
	IsReadyForTx() bool
	IsConnected() bool
}

// Transmitter is the batch buffer + submission policy (C6). It holds at
// most one batch -- not a queue -- so a fresh QueueBatch is refused
// while a previous one is still pending delivery.
type Transmitter struct {
	mu         sync.Mutex
	pending    []Reading
	maxPayload int
	master     link.NodeID
	link       Sender
}

// New creates a transmitter bound to the link engine and master node.
func New(sender Sender, master link.NodeID, maxPayload int) *Transmitter {
	return &Transmitter{link: sender, master: master, maxPayload: maxPayload}
}

// AddReading appends one field to the in-progress batch.
func (t *Transmitter) AddReading(r Reading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, r)
}

// QueueBatch replaces the buffer with readings, but only if it is
// currently empty.
func (t *Transmitter) QueueBatch(readings []Reading) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) != 0 {
		return false
	}
	t.pending = append([]Reading(nil), readings...)
	return true
}

// Update is invoked by the scheduler: if the buffer is non-empty and
// the link is connected and ready for TX, format and submit.
func (t *Transmitter) Update(now time.Time) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	readings := t.pending
	t.mu.Unlock()

	if !t.link.IsConnected() || !t.link.IsReadyForTx() {
		return
	}

	payload := FormatCSV(readings)
	if len(payload) > t.maxPayload {
		log.Printf("telemetry: batch of %d bytes exceeds max payload %d, dropping", len(payload), t.maxPayload)
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
		return
	}

	if t.link.SendData(t.master, []byte(payload), true) {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
	}
	// on failure the buffer is preserved and retried next tick.
}

// IsEmpty reports whether the buffer currently holds no batch.
func (t *Transmitter) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) == 0
}
