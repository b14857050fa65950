//go:build !tinygo

package sonar

import (
	"fmt"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// baseClockHz is the reference clock the timer parameters are expressed
// against, matching the 72MHz timer clock of the original sensor board.
const baseClockHz = 72_000_000

// HostConfig holds the configuration for the Linux/periph.io driver.
type HostConfig struct {
	Config
	// PinName is the GPIO pin (BCM numbering on a Raspberry Pi, e.g.
	// "GPIO25") wired to the sensor's shared trigger/echo line.
	// Defaults to "GPIO25" if not provided.
	PinName string
}

// New creates and initializes a sonar driver for Linux systems.
// It initializes the GPIO interface using periph.io, wires the shared pin
// into a timer emulation, and hands it to the core driver.
func New(c HostConfig) (*Device, error) {
	// 1. Initialize periph.io host
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	// 2. Default pin
	if c.PinName == "" {
		c.PinName = "GPIO25"
	}
	pin := gpioreg.ByName(c.PinName)
	if pin == nil {
		return nil, fmt.Errorf("failed to open sonar pin %s", c.PinName)
	}

	// 3. Hand the wrapped pin to the core driver
	return NewWithHardware(c.Config, newPinTimer(pin))
}

// pinTimer emulates the shared one-shot/input-capture hardware timer on a
// plain GPIO line. Trigger role: drive the line high for the programmed
// pulse, then report PulseComplete. Capture role: edge detection through
// WaitForEdge, with timestamps sampled from a free-running tick counter
// derived from the monotonic clock and the programmed prescaler.
type pinTimer struct {
	pin gpio.PinIO

	handler atomic.Value // func(InterruptSource)
	pending atomic.Uint32

	polarity atomic.Uint32 // Polarity, flipped live between edges
	captured atomic.Uint32 // counter latched at the last edge

	stopWatch chan struct{}
}

func newPinTimer(pin gpio.PinIO) *pinTimer {
	return &pinTimer{pin: pin}
}

func (t *pinTimer) SetHandler(h func(InterruptSource)) {
	t.handler.Store(h)
}

func (t *pinTimer) fire(src InterruptSource) {
	mask := uint32(1) << uint32(src)
	for {
		old := t.pending.Load()
		if t.pending.CompareAndSwap(old, old|mask) {
			break
		}
	}
	h, _ := t.handler.Load().(func(InterruptSource))
	if h != nil {
		h(src)
	}
}

func (t *pinTimer) ClearPending(s InterruptSource) {
	mask := ^(uint32(1) << uint32(s))
	for {
		old := t.pending.Load()
		if t.pending.CompareAndSwap(old, old&mask) {
			break
		}
	}
}

// ConfigureTrigger switches the line to output and emits one pulse whose
// width is Period-Pulse ticks of the prescaled base clock (~10us with the
// defaults). PulseComplete is reported when the pulse has finished.
func (t *pinTimer) ConfigureTrigger(c TriggerConfig) error {
	t.stopWatching()

	if c.Pulse > c.Period {
		return fmt.Errorf("%w: trigger pulse %d exceeds period %d", ErrBadConfig, c.Pulse, c.Period)
	}
	if err := t.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to drive sonar pin: %w", err)
	}

	width := time.Duration(uint64(c.Period-c.Pulse) * uint64(c.Prescaler+1) *
		uint64(time.Second) / baseClockHz)

	go func() {
		if err := t.pin.Out(gpio.High); err != nil {
			// No pulse on the wire; let the trigger wait time out.
			globalLogger.Error("failed to drive trigger pulse: " + err.Error())
			return
		}
		time.Sleep(width)
		if err := t.pin.Out(gpio.Low); err != nil {
			globalLogger.Error("failed to release trigger pulse: " + err.Error())
		}
		t.fire(PulseComplete)
	}()
	return nil
}

// ConfigureCapture switches the line to floating input, resets the tick
// counter, and starts watching for edges of the configured polarity.
func (t *pinTimer) ConfigureCapture(c CaptureConfig) error {
	t.stopWatching()

	tick := time.Duration(uint64(c.Prescaler+1) * uint64(time.Second) / baseClockHz)
	period := uint32(c.Period) + 1
	t.polarity.Store(uint32(c.Polarity))

	if err := t.pin.In(gpio.Float, edgeOf(c.Polarity)); err != nil {
		return fmt.Errorf("failed to set sonar pin floating: %w", err)
	}

	t.stopWatch = make(chan struct{})
	go t.watch(t.stopWatch, c.Polarity, tick, period)
	return nil
}

// watch timestamps edges until stopped, on a free-running counter that
// starts at zero when the capture configuration committed. The wait is
// bounded so the goroutine notices stop requests and live polarity flips
// promptly; a flip requested by the interrupt handler is applied before the
// next wait.
func (t *pinTimer) watch(stop chan struct{}, applied Polarity, tick time.Duration, period uint32) {
	epoch := time.Now()
	for {
		select {
		case <-stop:
			return
		default:
		}

		if want := Polarity(t.polarity.Load()); want != applied {
			if err := t.pin.In(gpio.Float, edgeOf(want)); err != nil {
				globalLogger.Error("failed to flip capture polarity: " + err.Error())
				return
			}
			applied = want
		}

		if t.pin.WaitForEdge(10 * time.Millisecond) {
			// Some hosts report edges of either direction regardless of
			// the requested one; keep only transitions that land on the
			// level implied by the configured polarity.
			if t.pin.Read() != levelOf(applied) {
				continue
			}
			ticks := uint64(time.Since(epoch) / tick)
			t.captured.Store(uint32(uint16(ticks % uint64(period))))
			t.fire(EdgeCaptured)
		}
	}
}

// SetCapturePolarity requests a live edge flip. The timer stays enabled; the
// watch loop applies the flip before waiting for the next edge.
func (t *pinTimer) SetCapturePolarity(p Polarity) {
	t.polarity.Store(uint32(p))
}

// Capture returns the counter value latched at the last captured edge.
func (t *pinTimer) Capture() uint16 {
	return uint16(t.captured.Load())
}

func (t *pinTimer) stopWatching() {
	if t.stopWatch != nil {
		close(t.stopWatch)
		t.stopWatch = nil
	}
}

// Halt stops the watch goroutine and releases the line back to a floating
// input, following the periph.io resource convention.
func (t *pinTimer) Halt() error {
	t.stopWatching()
	return t.pin.In(gpio.Float, gpio.NoEdge)
}

func edgeOf(p Polarity) gpio.Edge {
	if p == Falling {
		return gpio.FallingEdge
	}
	return gpio.RisingEdge
}

func levelOf(p Polarity) gpio.Level {
	if p == Falling {
		return gpio.Low
	}
	return gpio.High
}
