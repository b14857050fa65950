//go:build !tinygo

package sonar

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func waitEvent(t *testing.T, events chan InterruptSource, want InterruptSource) {
	t.Helper()
	select {
	case got := <-events:
		if got != want {
			t.Fatalf("timer event = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %v event within a second", want)
	}
}

func TestPinTimerTrigger(t *testing.T) {
	pin := &gpiotest.Pin{N: "sonartest", EdgesChan: make(chan gpio.Level, 2)}
	pt := newPinTimer(pin)

	events := make(chan InterruptSource, 4)
	pt.SetHandler(func(s InterruptSource) { events <- s })

	err := pt.ConfigureTrigger(TriggerConfig{
		Prescaler: DefaultTriggerPrescaler,
		Period:    DefaultTriggerPeriod,
		Pulse:     DefaultTriggerPulse,
	})
	if err != nil {
		t.Fatalf("ConfigureTrigger failed: %v", err)
	}

	waitEvent(t, events, PulseComplete)
	if pin.Read() != gpio.Low {
		t.Errorf("pin still high after the one-shot pulse")
	}
}

// failingPin refuses to drive the line high, like a line held low by a
// wiring fault.
type failingPin struct {
	*gpiotest.Pin
}

func (p *failingPin) Out(l gpio.Level) error {
	if l == gpio.High {
		return errors.New("line stuck low")
	}
	return p.Pin.Out(l)
}

// recordingLogger keeps error messages for assertions.
type recordingLogger struct {
	mu   sync.Mutex
	errs []string
}

func (l *recordingLogger) Debug(msg string) {}
func (l *recordingLogger) Info(msg string)  {}
func (l *recordingLogger) Warn(msg string)  {}
func (l *recordingLogger) Error(msg string) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errs...)
}

// A line that cannot be driven high must not be reported as a completed
// trigger pulse: the failure goes to the logger and the trigger wait is left
// to time out.
func TestPinTimerTriggerPinFailure(t *testing.T) {
	rec := &recordingLogger{}
	prev := globalLogger
	globalLogger = rec
	defer func() { globalLogger = prev }()

	pin := &failingPin{Pin: &gpiotest.Pin{N: "sonartest", EdgesChan: make(chan gpio.Level, 2)}}
	pt := newPinTimer(pin)

	events := make(chan InterruptSource, 4)
	pt.SetHandler(func(s InterruptSource) { events <- s })

	err := pt.ConfigureTrigger(TriggerConfig{
		Prescaler: DefaultTriggerPrescaler,
		Period:    DefaultTriggerPeriod,
		Pulse:     DefaultTriggerPulse,
	})
	if err != nil {
		t.Fatalf("ConfigureTrigger failed: %v", err)
	}

	select {
	case got := <-events:
		t.Fatalf("timer reported %v despite the pin failure", got)
	case <-time.After(50 * time.Millisecond):
	}

	errs := rec.errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "trigger pulse") {
		t.Errorf("logged errors = %q, want one mentioning the trigger pulse", errs)
	}
}

func TestPinTimerCapture(t *testing.T) {
	pin := &gpiotest.Pin{N: "sonartest", EdgesChan: make(chan gpio.Level, 2)}
	pt := newPinTimer(pin)
	defer pt.Halt()

	events := make(chan InterruptSource, 4)
	pt.SetHandler(func(s InterruptSource) { events <- s })

	err := pt.ConfigureCapture(CaptureConfig{
		Prescaler: DefaultCapturePrescaler,
		Period:    DefaultCapturePeriod,
		Polarity:  Rising,
	})
	if err != nil {
		t.Fatalf("ConfigureCapture failed: %v", err)
	}

	pin.EdgesChan <- gpio.High
	waitEvent(t, events, EdgeCaptured)
	first := pt.Capture()

	pt.SetCapturePolarity(Falling)
	time.Sleep(2 * time.Millisecond)

	// The flip is applied between edge waits, so the first falling edge may
	// only serve to wake the watcher; deliver a second one after the flip
	// has certainly been applied.
	pin.EdgesChan <- gpio.Low
	time.Sleep(5 * time.Millisecond)
	pin.EdgesChan <- gpio.Low
	waitEvent(t, events, EdgeCaptured)
	second := pt.Capture()

	// 2ms at 2.5us per tick is around 800 ticks. The bounds are loose
	// because scheduling on a busy host stretches the upper end.
	width := pulseWidth(first, second)
	if width < 400 || width > 20000 {
		t.Errorf("captured width = %d ticks, want within [400, 20000]", width)
	}
}

// TestPinTimerEndToEnd runs the whole driver against a simulated sensor: a
// goroutine watches the shared line for the trigger pulse and answers with
// an echo pulse roughly a millisecond wide.
func TestPinTimerEndToEnd(t *testing.T) {
	pin := &gpiotest.Pin{N: "sonartest", EdgesChan: make(chan gpio.Level, 2)}

	stop := make(chan struct{})
	defer close(stop)
	go simulateSensor(pin, stop)

	d, err := NewWithHardware(Config{
		Logger: &nopLogger{},
		// Stretch the trigger pulse to ~2ms so the polling simulator
		// cannot miss it.
		Trigger: TriggerConfig{Prescaler: 199, Period: 1451, Pulse: 725},
	}, newPinTimer(pin))
	if err != nil {
		t.Fatalf("NewWithHardware failed: %v", err)
	}
	d.Start()
	defer d.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if cm := d.LastDistanceCm(); cm != BadValue {
			// ~1ms echo is ~400 ticks, ~17cm; leave room for scheduling.
			if cm < 0 || cm > 400 {
				t.Errorf("LastDistanceCm() = %d, want a plausible simulated reading", cm)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no distance published within the deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// simulateSensor answers trigger pulses on the shared pin with echo edges,
// the way the HC-SR04 would.
func simulateSensor(pin *gpiotest.Pin, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if pin.Read() != gpio.High {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		// Wait out the trigger pulse.
		for pin.Read() == gpio.High {
			time.Sleep(50 * time.Microsecond)
		}

		// Sonic burst departs, echo comes back ~1ms wide.
		time.Sleep(500 * time.Microsecond)
		pin.EdgesChan <- gpio.High
		time.Sleep(time.Millisecond)
		pin.EdgesChan <- gpio.Low
	}
}
