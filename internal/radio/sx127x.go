package radio

import "log"

// SX127x is a stub hardware driver for a real SPI-attached SX127x-family
// transceiver. It mirrors the teacher's RAK2245/SX1301 driver shape --
// initHardware/shutdownHardware/receivePacket/transmitPacket left as
// logged stubs pending the real SPI/GPIO wiring -- so the rest of the
// stack (link engine, scheduler, apps) can be built and tested against a
// real Driver implementation before hardware bring-up exists.
type SX127x struct {
	cfg Config
	cb  Callbacks
}

// NewSX127x constructs an uninitialized hardware driver handle.
func NewSX127x() *SX127x {
	return &SX127x{}
}

func (d *SX127x) Begin(cfg Config) error {
	d.cfg = cfg
	log.Printf("radio: initializing SX127x (stub): freq=%d Hz sf=%d bw=%d Hz power=%d dBm",
		cfg.FrequencyHz, cfg.SpreadingFactor, cfg.BandwidthHz, cfg.TxPowerDbm)
	// TODO: real bring-up: reset via GPIO, write RegOpMode/RegFrf*/RegModemConfig*,
	// configure preamble length and sync word, then enter standby.
	return nil
}

func (d *SX127x) SetCallbacks(cb Callbacks) {
	d.cb = cb
}

func (d *SX127x) Send(payload []byte) error {
	log.Printf("radio: TX %d bytes (stub)", len(payload))
	// TODO: write payload to the FIFO and trigger TX; completion should
	// arrive via the DIO0 TxDone interrupt, surfaced through ProcessIRQ.
	return nil
}

func (d *SX127x) EnterRxContinuous() error {
	// TODO: set RegOpMode to RXCONTINUOUS.
	return nil
}

func (d *SX127x) Sleep() error {
	// TODO: set RegOpMode to SLEEP.
	return nil
}

func (d *SX127x) Standby() error {
	// TODO: set RegOpMode to STANDBY.
	return nil
}

// ProcessIRQ drains pending interrupt bits and fires callbacks. On real
// hardware this reads RegIrqFlags over SPI; here it is a no-op because
// no interrupt source exists without the physical transceiver.
func (d *SX127x) ProcessIRQ() {}
