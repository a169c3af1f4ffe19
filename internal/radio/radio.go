// Package radio is the narrow port the link-layer engine drives: raw
// byte-frame TX/RX with completion reported through callbacks, modeled
// after the teacher's SetReceiveCallback driver shape but split into the
// three events the engine's tick algorithm requires.
package radio

// Config carries one-shot radio initialization parameters.
type Config struct {
	FrequencyHz     uint32
	TxPowerDbm      int8
	BandwidthHz     uint32
	SpreadingFactor uint8
	CodingRate      uint8
	PreambleSymbols uint16
	IQInvert        bool
}

// DefaultConfig mirrors the teacher's DefaultConfig (US 915 MHz band).
func DefaultConfig() Config {
	return Config{
		FrequencyHz:     915000000,
		TxPowerDbm:      20,
		BandwidthHz:     125000,
		SpreadingFactor: 10,
		CodingRate:      5,
		PreambleSymbols: 8,
	}
}

// Callbacks are invoked by the driver as radio events occur. OnRxDone
// carries RSSI in dBm and SNR in dB alongside the received bytes.
type Callbacks struct {
	OnTxDone    func()
	OnTxTimeout func()
	OnRxDone    func(buf []byte, rssiDbm int16, snrDb float32)
}

// Driver is the C1 port. Implementations must guarantee at most one
// outstanding TX and must not re-enter RX by themselves between TXs --
// that transition is owned by the caller (the link engine).
type Driver interface {
	// Begin performs one-shot initialization.
	Begin(cfg Config) error
	// SetCallbacks installs the event callbacks; must be called before
	// Begin for callbacks to observe the first events.
	SetCallbacks(cb Callbacks)
	// Send is non-blocking; completion is reported via OnTxDone or
	// OnTxTimeout.
	Send(payload []byte) error
	// EnterRxContinuous parks the radio in receive mode.
	EnterRxContinuous() error
	// Sleep and Standby control direction-switch state used by the
	// engine around each Send.
	Sleep() error
	Standby() error
	// ProcessIRQ must be invoked frequently so pending IRQ bits drain
	// into callbacks.
	ProcessIRQ()
}
