package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	zmq "github.com/go-zeromq/zmq4"
)

// ZMQDriver talks to an external software radio-concentrator process
// over ZeroMQ IPC sockets -- a SUB socket for uplinks and a REQ socket
// for downlinks -- following the teacher's ConcentratordDriver shape
// (internal/lora/concentratord.go) but carrying this protocol's 7-byte
// frame directly as the wire payload instead of a gateway-specific
// event envelope.
type ZMQDriver struct {
	mu  sync.Mutex
	cb  Callbacks
	cfg Config

	uplinkURL   string
	downlinkURL string

	sub zmq.Socket
	req zmq.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewZMQDriver creates a driver that will SUB uplinkURL for received
// frames and REQ downlinkURL to transmit.
func NewZMQDriver(uplinkURL, downlinkURL string) *ZMQDriver {
	return &ZMQDriver{uplinkURL: uplinkURL, downlinkURL: downlinkURL}
}

func (d *ZMQDriver) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *ZMQDriver) Begin(cfg Config) error {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.ctx = ctx
	d.cancel = cancel

	d.sub = zmq.NewSub(ctx)
	if err := d.sub.Dial(d.uplinkURL); err != nil {
		return fmt.Errorf("zmq sub dial %s: %w", d.uplinkURL, err)
	}
	if err := d.sub.SetOption(zmq.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("zmq sub subscribe: %w", err)
	}

	d.req = zmq.NewReq(ctx)
	if err := d.req.Dial(d.downlinkURL); err != nil {
		return fmt.Errorf("zmq req dial %s: %w", d.downlinkURL, err)
	}

	d.wg.Add(1)
	go d.recvLoop()

	log.Printf("radio: zmq driver connected uplink=%s downlink=%s", d.uplinkURL, d.downlinkURL)
	return nil
}

func (d *ZMQDriver) recvLoop() {
	defer d.wg.Done()
	for {
		msg, err := d.sub.Recv()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				continue
			}
		}
		d.handleUplink(msg.Bytes())
	}
}

// handleUplink decodes the concentrator's envelope: [rssi:int16 be][snr_centibels:int16 be][frame...]
func (d *ZMQDriver) handleUplink(raw []byte) {
	if len(raw) < 4 {
		return
	}
	rssi := int16(binary.BigEndian.Uint16(raw[0:2]))
	snrCentibels := int16(binary.BigEndian.Uint16(raw[2:4]))
	frame := raw[4:]

	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb.OnRxDone != nil {
		cb.OnRxDone(frame, rssi, float32(snrCentibels)/10.0)
	}
}

// Send is blocking: it waits for the concentrator's reply on the REQ
// socket and reports OnTxDone or OnTxTimeout before returning.
func (d *ZMQDriver) Send(payload []byte) error {
	d.mu.Lock()
	req := d.req
	cb := d.cb
	d.mu.Unlock()

	if req == nil {
		return fmt.Errorf("zmq driver not started")
	}

	if err := req.Send(zmq.NewMsg(payload)); err != nil {
		if cb.OnTxTimeout != nil {
			cb.OnTxTimeout()
		}
		return fmt.Errorf("zmq downlink send: %w", err)
	}
	if _, err := req.Recv(); err != nil {
		if cb.OnTxTimeout != nil {
			cb.OnTxTimeout()
		}
		return fmt.Errorf("zmq downlink ack: %w", err)
	}
	if cb.OnTxDone != nil {
		cb.OnTxDone()
	}
	return nil
}

func (d *ZMQDriver) EnterRxContinuous() error { return nil }
func (d *ZMQDriver) Sleep() error             { return nil }
func (d *ZMQDriver) Standby() error           { return nil }
func (d *ZMQDriver) ProcessIRQ()              {}

// Close releases the underlying sockets and stops the receive loop.
func (d *ZMQDriver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.sub != nil {
		d.sub.Close()
	}
	if d.req != nil {
		d.req.Close()
	}
	d.wg.Wait()
	return nil
}
