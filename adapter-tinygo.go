//go:build tinygo

package sonar

import (
	"machine"
	"sync/atomic"
	"time"
)

// machineBaseClockHz is the reference clock the timer parameters are
// expressed against, matching the 72MHz timer clock of the original sensor
// board.
const machineBaseClockHz = 72_000_000

// NewTinyGo creates a sonar driver for TinyGo targets on the machine.Pin
// wired to the sensor's shared trigger/echo line.
func NewTinyGo(c Config, pin machine.Pin) (*Device, error) {
	return NewWithHardware(c, &machineTimer{pin: pin})
}

// machineTimer emulates the shared one-shot/input-capture hardware timer on
// a machine.Pin. Trigger role: drive the pin high for the programmed pulse,
// then report PulseComplete. Capture role: a both-edges pin interrupt with
// timestamps sampled from a free-running tick counter; the capture polarity
// is a software filter so flipping it between edges needs no hardware
// reconfiguration from interrupt context.
type machineTimer struct {
	pin machine.Pin

	handler  atomic.Value // func(InterruptSource)
	pending  atomic.Uint32
	polarity atomic.Uint32 // Polarity
	captured atomic.Uint32 // counter latched at the last edge

	// tick, period and epoch are written during ConfigureCapture before
	// the pin interrupt is armed.
	tick   time.Duration
	period uint32
	epoch  time.Time
}

func (t *machineTimer) SetHandler(h func(InterruptSource)) {
	t.handler.Store(h)
}

func (t *machineTimer) fire(src InterruptSource) {
	t.pending.Or(uint32(1) << uint32(src))
	h, _ := t.handler.Load().(func(InterruptSource))
	if h != nil {
		h(src)
	}
}

func (t *machineTimer) ClearPending(s InterruptSource) {
	t.pending.And(^(uint32(1) << uint32(s)))
}

// ConfigureTrigger switches the pin to output and emits one pulse whose
// width is Period-Pulse ticks of the prescaled base clock (~10us with the
// defaults). PulseComplete is reported when the pulse has finished.
func (t *machineTimer) ConfigureTrigger(c TriggerConfig) error {
	t.pin.SetInterrupt(0, nil)

	if c.Pulse > c.Period {
		return ErrBadConfig
	}
	t.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	t.pin.Low()

	width := time.Duration(uint64(c.Period-c.Pulse) * uint64(c.Prescaler+1) *
		uint64(time.Second) / machineBaseClockHz)

	go func() {
		t.pin.High()
		time.Sleep(width)
		t.pin.Low()
		t.fire(PulseComplete)
	}()
	return nil
}

// ConfigureCapture switches the pin to input, resets the tick counter, and
// arms a both-edges interrupt. Edges that do not match the configured
// polarity are discarded without latching the counter.
func (t *machineTimer) ConfigureCapture(c CaptureConfig) error {
	t.pin.SetInterrupt(0, nil)

	t.tick = time.Duration(uint64(c.Prescaler+1) * uint64(time.Second) / machineBaseClockHz)
	t.period = uint32(c.Period) + 1
	t.epoch = time.Now()
	t.polarity.Store(uint32(c.Polarity))

	t.pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	return t.pin.SetInterrupt(machine.PinToggle, func(p machine.Pin) {
		// The level after the transition tells which edge this was.
		edge := Falling
		if p.Get() {
			edge = Rising
		}
		if uint32(edge) != t.polarity.Load() {
			return
		}
		t.captured.Store(uint32(t.counter()))
		t.fire(EdgeCaptured)
	})
}

// SetCapturePolarity flips the software edge filter. Safe from interrupt
// context: no hardware access, the pin interrupt stays armed.
func (t *machineTimer) SetCapturePolarity(p Polarity) {
	t.polarity.Store(uint32(p))
}

// Capture returns the counter value latched at the last captured edge.
func (t *machineTimer) Capture() uint16 {
	return uint16(t.captured.Load())
}

// counter returns the current value of the emulated free-running counter:
// elapsed ticks since the last capture configuration, modulo the period.
func (t *machineTimer) counter() uint16 {
	ticks := uint64(time.Since(t.epoch) / t.tick)
	return uint16(ticks % uint64(t.period))
}

// Halt disarms the pin interrupt and releases the pin back to input.
func (t *machineTimer) Halt() error {
	t.pin.SetInterrupt(0, nil)
	t.pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	return nil
}
