// Package sonar drives an ultrasonic distance sensor whose trigger and echo
// signals share a single pin and a single hardware timer. The timer is
// reconfigured between two roles each measurement cycle: one-shot pulse
// generation to command the sensor, then edge-timestamp capture to measure
// the width of the returning echo pulse.
package sonar

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPkg       = errors.New("sonardev")
	ErrNoTimer   = errors.New("timer peripheral not configured")
	ErrBadConfig = errors.New("invalid timer configuration")
)

// BadValue is the distance published when no echo was captured within the
// timeout. Readers treat it as "nothing measurable in range".
const BadValue = -1

// OperatingMode records which role the shared timer is currently playing.
// It is written by the measurement task before arming the trigger, advanced
// to ModeEcho by the interrupt handler when the pulse finishes, and never
// moved backward within a cycle.
type OperatingMode uint32

const (
	ModeTrigger OperatingMode = iota
	ModeEcho
)

func (m OperatingMode) String() string {
	switch m {
	case ModeTrigger:
		return "trigger"
	case ModeEcho:
		return "echo"
	default:
		return "unknown"
	}
}

// Capture sub-state, meaningful only while the timer is in echo mode.
const (
	awaitingRisingEdge uint32 = iota
	awaitingFallingEdge
)

// Defaults mirror the HC-SR04 timings on a 72MHz timer clock.
const (
	// DefaultTimeout bounds each of the two per-cycle waits. The sensor
	// reports "no obstacle" with a 38ms echo, so even an empty room
	// completes within it.
	DefaultTimeout = 38 * time.Millisecond
	// DefaultCycleInterval is the pause between measurements. It bounds the
	// measurement rate and keeps consecutive pulses from cross-talking.
	DefaultCycleInterval = 100 * time.Millisecond
	// DefaultTick is the capture counter tick: 72MHz / (179+1) = 400kHz.
	// One full 16-bit sweep is 163.84ms, comfortably past the timeout.
	DefaultTick = 2500 * time.Nanosecond
	// DefaultRoundTripMicrosPerCm converts echo width to distance: the
	// pulse covers the range twice at the speed of sound, 58us per cm.
	DefaultRoundTripMicrosPerCm = 58

	// Trigger timer: 72MHz, no prescaling, counting the second half of the
	// period with the pin high gives a pulse of ~10us.
	DefaultTriggerPrescaler = 0
	DefaultTriggerPeriod    = 1451
	DefaultTriggerPulse     = DefaultTriggerPeriod / 2

	DefaultCapturePrescaler = 179
	DefaultCapturePeriod    = MaxCounter
)

// Config holds the measurement constants. The zero value of every field
// selects the default above, so Config{} is a working HC-SR04 setup.
type Config struct {
	// Timeout bounds each wait on the trigger-complete and echo-captured
	// events. A wait never exceeds it, even with no sensor attached.
	Timeout time.Duration
	// CycleInterval is the sleep between measurement cycles.
	CycleInterval time.Duration
	// Tick is the duration of one capture counter tick.
	Tick time.Duration
	// RoundTripMicrosPerCm is the microseconds-per-centimeter divisor for
	// the round trip of the acoustic burst.
	RoundTripMicrosPerCm int
	// Trigger and Capture carry the full timer parameter sets for the two
	// roles. Zero values select the defaults.
	Trigger TriggerConfig
	Capture CaptureConfig
	// Logger overrides the package logger for this device.
	// Optional. Defaults to the logger installed with SetLogger.
	Logger Logger
}

// Device is the driver for one sonar channel: one pin, one timer, one
// measurement task. Create it with NewWithHardware (or a platform adapter),
// call Start to begin measuring, and read distances with LastDistanceCm.
type Device struct {
	cfg   Config
	timer Timer
	log   Logger

	// gate is the binary semaphore between interrupt and task context:
	// capacity one, released (non-blocking send) by the interrupt handler,
	// taken by the task with a bounded wait. It is used exactly twice per
	// cycle and drained at the top of each cycle so a late release from a
	// timed-out phase cannot satisfy the next cycle's first wait.
	gate chan struct{}

	mode     atomic.Uint32 // OperatingMode
	capState atomic.Uint32 // awaitingRisingEdge / awaitingFallingEdge

	// Edge timestamps are written only in interrupt context and read by the
	// task only after a successful gate take, which orders the accesses.
	firstEdge  uint16
	secondEdge uint16

	// widthTicks holds the echo width of the current capture phase, or
	// BadValue before the second edge has been seen.
	widthTicks atomic.Int32

	// lastCm is the published distance: single store of a fully computed
	// value, so readers see either this cycle's result or the previous
	// one, never a partial write.
	lastCm atomic.Int32

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewWithHardware creates a sonar driver on the provided timer peripheral.
// Configuration problems are reported here; after a successful return the
// driver never surfaces a runtime error, it publishes BadValue and retries
// on the next cycle instead.
func NewWithHardware(c Config, t Timer) (*Device, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: %w", ErrPkg, ErrNoTimer)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CycleInterval == 0 {
		c.CycleInterval = DefaultCycleInterval
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.RoundTripMicrosPerCm == 0 {
		c.RoundTripMicrosPerCm = DefaultRoundTripMicrosPerCm
	}
	if c.Trigger == (TriggerConfig{}) {
		c.Trigger = TriggerConfig{
			Prescaler: DefaultTriggerPrescaler,
			Period:    DefaultTriggerPeriod,
			Pulse:     DefaultTriggerPulse,
		}
	}
	if c.Capture == (CaptureConfig{}) {
		c.Capture = CaptureConfig{
			Prescaler: DefaultCapturePrescaler,
			Period:    DefaultCapturePeriod,
		}
	}
	if c.Trigger.Pulse > c.Trigger.Period {
		return nil, fmt.Errorf("%w: %w: trigger pulse %d exceeds period %d",
			ErrPkg, ErrBadConfig, c.Trigger.Pulse, c.Trigger.Period)
	}
	// One counter sweep must outlast the timeout, otherwise the counter
	// could wrap twice within a single echo and the width is ambiguous.
	sweep := time.Duration(uint32(c.Capture.Period)+1) * c.Tick
	if sweep <= c.Timeout {
		return nil, fmt.Errorf("%w: %w: capture sweep %s does not exceed timeout %s",
			ErrPkg, ErrBadConfig, sweep, c.Timeout)
	}
	if c.Logger == nil {
		c.Logger = globalLogger
	}

	d := &Device{
		cfg:   c,
		timer: t,
		log:   c.Logger,
		gate:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	d.widthTicks.Store(BadValue)
	d.lastCm.Store(BadValue)
	t.SetHandler(d.onTimerEvent)

	d.log.Info("sonar channel initialized")
	return d, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("Sonar(Timeout=%s, CycleInterval=%s, Tick=%s, RoundTrip=%dus/cm)",
		d.cfg.Timeout, d.cfg.CycleInterval, d.cfg.Tick, d.cfg.RoundTripMicrosPerCm)
}

// Start launches the measurement task. Calling Start more than once has no
// effect.
func (d *Device) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Close stops the measurement task cooperatively: the stop signal is checked
// between cycles and at both bounded waits, so Close returns within one
// cycle. It unregisters the interrupt handler before returning.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.startOnce.Do(func() {
			// Never started, nothing is draining done.
			close(d.done)
		})
		<-d.done
		d.timer.SetHandler(nil)
		if h, ok := d.timer.(interface{ Halt() error }); ok {
			if err := h.Halt(); err != nil {
				d.log.Warn("failed to halt timer peripheral")
			}
		}
		d.log.Info("sonar channel stopped")
	})
	return nil
}

// LastDistanceCm returns the most recently published distance in
// centimeters, or BadValue if the last completed cycle saw no echo within
// the timeout. It never blocks; a reader may observe the previous cycle's
// value but never a partially written one.
func (d *Device) LastDistanceCm() int {
	return int(d.lastCm.Load())
}

// run is the measurement task: one full trigger/echo cycle per iteration,
// then a fixed sleep.
func (d *Device) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		d.measureOnce()

		select {
		case <-d.stop:
			return
		case <-time.After(d.cfg.CycleInterval):
		}
	}
}

// measureOnce performs a single measurement cycle and publishes the result.
func (d *Device) measureOnce() {
	// The gate must be back in the held state before the trigger is armed:
	// a phase that timed out last cycle may have been released late.
	d.drainGate()

	// Phase 1: one-shot trigger pulse.
	d.mode.Store(uint32(ModeTrigger))
	if err := d.timer.ConfigureTrigger(d.cfg.Trigger); err != nil {
		d.log.Error("trigger configuration failed: " + err.Error())
		d.lastCm.Store(BadValue)
		return
	}
	if !d.takeGate() {
		// The physical pulse may still complete late; arm the capture
		// phase anyway so the cycle cannot stall.
		d.lastCm.Store(BadValue)
		d.log.Warn("no trigger completion within timeout")
	}

	// Phase 2: echo edge capture.
	d.capState.Store(awaitingRisingEdge)
	d.widthTicks.Store(BadValue)
	cc := d.cfg.Capture
	cc.Polarity = Rising
	if err := d.timer.ConfigureCapture(cc); err != nil {
		d.log.Error("capture configuration failed: " + err.Error())
		d.lastCm.Store(BadValue)
		return
	}
	if !d.takeGate() {
		d.lastCm.Store(BadValue)
		return
	}

	width := d.widthTicks.Load()
	if width < 0 {
		d.lastCm.Store(BadValue)
		return
	}
	d.lastCm.Store(int32(d.ticksToCm(width)))
}

// onTimerEvent is the interrupt handler. It runs in interrupt context: it
// never blocks, allocates, or calls back into task-side code, and each
// branch clears its own pending flag before returning.
func (d *Device) onTimerEvent(src InterruptSource) {
	switch src {
	case PulseComplete:
		if OperatingMode(d.mode.Load()) == ModeTrigger {
			d.mode.Store(uint32(ModeEcho))
			d.releaseGate()
		}
		// A pulse-complete in echo mode is peripheral jitter: discard.
		d.timer.ClearPending(PulseComplete)

	case EdgeCaptured:
		if OperatingMode(d.mode.Load()) == ModeEcho {
			switch d.capState.Load() {
			case awaitingRisingEdge:
				d.firstEdge = d.timer.Capture()
				// Flip the capture edge between the two edges of the
				// same pulse. The timer stays enabled.
				d.timer.SetCapturePolarity(Falling)
				d.capState.Store(awaitingFallingEdge)
			case awaitingFallingEdge:
				d.secondEdge = d.timer.Capture()
				d.widthTicks.Store(pulseWidth(d.firstEdge, d.secondEdge))
				d.releaseGate()
			}
		}
		d.timer.ClearPending(EdgeCaptured)
	}
}

// releaseGate signals the measurement task. Non-blocking: a full gate means
// the task has not taken the previous release yet, and a second token must
// not accumulate.
func (d *Device) releaseGate() {
	select {
	case d.gate <- struct{}{}:
	default:
	}
}

// takeGate waits for the interrupt handler with a bounded timeout.
func (d *Device) takeGate() bool {
	t := time.NewTimer(d.cfg.Timeout)
	defer t.Stop()
	select {
	case <-d.gate:
		return true
	case <-t.C:
		return false
	case <-d.stop:
		return false
	}
}

func (d *Device) drainGate() {
	select {
	case <-d.gate:
	default:
	}
}

// pulseWidth returns the echo width in capture ticks from two free-running
// counter samples. If the second sample is not past the first, the counter
// wrapped during the pulse. Both branches subtract one tick for the
// interrupt-latency off-by-one of edge-to-edge counting on this counter
// family; the result is clamped so a width is never negative.
func pulseWidth(first, second uint16) int32 {
	var w int32
	if second > first {
		w = int32(second) - int32(first) - 1
	} else {
		w = (MaxCounter - int32(first)) + int32(second) - 1
	}
	if w < 0 {
		w = 0
	}
	return w
}

// ticksToCm converts an echo width to centimeters, truncating toward zero.
func (d *Device) ticksToCm(ticks int32) int {
	tickMicros := float64(d.cfg.Tick) / float64(time.Microsecond)
	return int(float64(ticks) * tickMicros / float64(d.cfg.RoundTripMicrosPerCm))
}
