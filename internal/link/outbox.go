package link

import "time"

// outboxEntry is the sender-side queue slot described in §3. ACK frames
// are never queued -- only DATA.
type outboxEntry struct {
	inUse       bool
	dst         NodeID
	msgID       uint16
	requireAck  bool
	attempts    int
	nextAttempt time.Time
	buf         []byte // encoded frame, ready to hand to the radio
}

// outbox is the fixed-capacity array of pending outgoing DATA frames.
type outbox struct {
	entries []outboxEntry
}

func newOutbox(capacity int) *outbox {
	return &outbox{entries: make([]outboxEntry, capacity)}
}

func (o *outbox) capacity() int { return len(o.entries) }

func (o *outbox) used() int {
	n := 0
	for i := range o.entries {
		if o.entries[i].inUse {
			n++
		}
	}
	return n
}

// freeSlot returns the index of an empty slot, or -1 if none. It does
// not preempt anything; admit handles preemption.
func (o *outbox) freeSlot() int {
	for i := range o.entries {
		if !o.entries[i].inUse {
			return i
		}
	}
	return -1
}

// admit enqueues a new DATA entry honoring the reserved-slot rule: one
// slot (capacity-1) is always kept available for require_ack traffic;
// a queued non-ack entry may be preempted (dropped) to make room when
// only the reserved slot remains free. Returns the occupied index, or
// -1 if no admission was possible.
func (o *outbox) admit(dst NodeID, msgID uint16, requireAck bool, frame []byte) int {
	freeCount := o.capacity() - o.used()

	if freeCount == 0 {
		// Try to preempt the oldest best-effort (non-ack) entry, FIFO.
		if idx := o.preemptBestEffort(); idx >= 0 {
			o.entries[idx] = outboxEntry{
				inUse:      true,
				dst:        dst,
				msgID:      msgID,
				requireAck: requireAck,
				buf:        frame,
			}
			return idx
		}
		return -1
	}

	// If taking this slot would consume the reserved slot, only a
	// require_ack entry (the very kind the reservation protects) or the
	// last remaining non-reserved demand may use it.
	if freeCount <= 1 && !requireAck {
		if idx := o.preemptBestEffort(); idx >= 0 {
			o.entries[idx] = outboxEntry{
				inUse:      true,
				dst:        dst,
				msgID:      msgID,
				requireAck: requireAck,
				buf:        frame,
			}
			return idx
		}
	}

	idx := o.freeSlot()
	if idx < 0 {
		return -1
	}
	o.entries[idx] = outboxEntry{
		inUse:      true,
		dst:        dst,
		msgID:      msgID,
		requireAck: requireAck,
		buf:        frame,
	}
	return idx
}

// preemptBestEffort drops the oldest (lowest index, FIFO-ish within a
// small fixed array) best-effort entry to free a slot, whether or not it
// has been transmitted yet.
func (o *outbox) preemptBestEffort() int {
	for i := range o.entries {
		if o.entries[i].inUse && !o.entries[i].requireAck {
			o.entries[i].inUse = false
			return i
		}
	}
	return -1
}

// selectNext implements §4.3 step 5's selection order: a due retry
// beats a fresh entry; among due retries the most-overdue wins.
func (o *outbox) selectNext(now time.Time, maxRetries int) int {
	best := -1
	var bestOverdue time.Duration

	for i := range o.entries {
		e := &o.entries[i]
		if !e.inUse || !e.requireAck || e.attempts == 0 || e.attempts >= maxRetries {
			continue
		}
		if now.Before(e.nextAttempt) {
			continue
		}
		overdue := now.Sub(e.nextAttempt)
		if best < 0 || overdue > bestOverdue {
			best = i
			bestOverdue = overdue
		}
	}
	if best >= 0 {
		return best
	}

	for i := range o.entries {
		e := &o.entries[i]
		if e.inUse && e.attempts == 0 {
			return i
		}
	}
	return -1
}

// compact removes entries that exhausted retries and whose retry delay
// has also elapsed, invoking onDropped for each.
func (o *outbox) compact(now time.Time, maxRetries int, onDropped func(msgID uint16, attempts int)) {
	for i := range o.entries {
		e := &o.entries[i]
		if e.inUse && e.requireAck && e.attempts >= maxRetries && !now.Before(e.nextAttempt) {
			msgID, attempts := e.msgID, e.attempts
			e.inUse = false
			if onDropped != nil {
				onDropped(msgID, attempts)
			}
		}
	}
}

// removeByMsgID clears entries matching a delivered ACK's msgID. It
// returns the matched attempt count (0 if nothing matched).
func (o *outbox) removeByMsgID(msgID uint16) int {
	for i := range o.entries {
		if o.entries[i].inUse && o.entries[i].msgID == msgID {
			attempts := o.entries[i].attempts
			o.entries[i].inUse = false
			return attempts
		}
	}
	return 0
}

// removeNonAckCompleted clears a best-effort entry on TxDone.
func (o *outbox) removeNonAckCompleted(msgID uint16) {
	for i := range o.entries {
		if o.entries[i].inUse && !o.entries[i].requireAck && o.entries[i].msgID == msgID {
			o.entries[i].inUse = false
			return
		}
	}
}

func (o *outbox) byMsgID(msgID uint16) (*outboxEntry, bool) {
	for i := range o.entries {
		if o.entries[i].inUse && o.entries[i].msgID == msgID {
			return &o.entries[i], true
		}
	}
	return nil, false
}
