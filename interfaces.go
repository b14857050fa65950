package sonar

// Polarity selects which signal transition the capture unit timestamps.
type Polarity uint8

const (
	Rising Polarity = iota
	Falling
)

func (p Polarity) String() string {
	switch p {
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	default:
		return "unknown"
	}
}

// InterruptSource identifies which timer event raised an interrupt.
type InterruptSource uint8

const (
	// PulseComplete fires once when the one-shot trigger pulse has finished.
	PulseComplete InterruptSource = iota
	// EdgeCaptured fires when the capture unit timestamps a signal edge.
	EdgeCaptured
)

func (s InterruptSource) String() string {
	switch s {
	case PulseComplete:
		return "pulse-complete"
	case EdgeCaptured:
		return "edge-captured"
	default:
		return "unknown"
	}
}

// MaxCounter is the largest value of the free-running 16-bit capture counter.
const MaxCounter = 0xFFFF

// TriggerConfig programs the timer for one-shot pulse generation.
// The pin drives high while the counter runs from Pulse to Period, so the
// emitted pulse spans Period-Pulse ticks of the prescaled base clock.
type TriggerConfig struct {
	Prescaler uint16
	Period    uint16
	Pulse     uint16
}

// CaptureConfig programs the timer for edge-timestamp capture.
// Period must give a counter sweep longer than the measurement timeout so
// the counter cannot wrap twice within one echo pulse.
type CaptureConfig struct {
	Prescaler uint16
	Period    uint16
	Polarity  Polarity
}

// Timer represents the single hardware counter/timer shared between trigger
// pulse generation and echo edge capture. Each Configure call is a full
// reconfiguration: it tears down the previous role, reprograms the pin and
// the counter, and re-arms the interrupt sources for the new role.
type Timer interface {
	// ConfigureTrigger switches the timer into one-shot pulse generation.
	// Returns once the configuration is committed; PulseComplete is reported
	// asynchronously through the registered handler.
	ConfigureTrigger(c TriggerConfig) error
	// ConfigureCapture switches the timer into edge-timestamp capture.
	// Returns once the configuration is committed; EdgeCaptured events are
	// reported asynchronously through the registered handler.
	ConfigureCapture(c CaptureConfig) error
	// SetCapturePolarity flips the capture edge without disabling the timer.
	// Safe to call from the interrupt handler between the two edges of a
	// pulse; the counter keeps running.
	SetCapturePolarity(p Polarity)
	// Capture returns the counter value latched at the last captured edge.
	Capture() uint16
	// ClearPending acknowledges a pending interrupt source.
	ClearPending(s InterruptSource)
	// SetHandler registers the interrupt callback. The handler runs in
	// interrupt context and must not block. A nil handler unregisters.
	SetHandler(h func(InterruptSource))
}
