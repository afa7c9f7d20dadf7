package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"go.uber.org/zap"
)

// Level is the logical state of a GPIO line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Driver drives GPIO output lines. The rpio driver needs a Raspberry Pi; the
// mock records writes.
type Driver interface {
	SetupOutput(pin int) error
	WritePin(pin int, level Level) error
	Close() error
}

func NewDriver(mock bool, logger *zap.Logger) (Driver, error) {
	if mock {
		logger.Info("Using mock GPIO driver")
		return NewMockDriver(), nil
	}
	return NewRPiDriver(logger)
}

type RPiDriver struct {
	logger *zap.Logger
	mu     sync.Mutex
	pins   map[int]rpio.Pin
}

func NewRPiDriver(logger *zap.Logger) (*RPiDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w", err)
	}
	logger.Info("GPIO memory mapped")
	return &RPiDriver{logger: logger, pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupOutput(pin int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := rpio.Pin(pin)
	p.Output()
	p.High()
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d not set up as output", pin)
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// Close returns every pin to input before unmapping.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pins {
		p.Input()
	}
	return rpio.Close()
}

type PinWrite struct {
	Pin   int
	Level Level
}

type MockDriver struct {
	mu     sync.Mutex
	writes []PinWrite
}

func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

func (m *MockDriver) SetupOutput(pin int) error {
	return m.WritePin(pin, High)
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, PinWrite{Pin: pin, Level: level})
	return nil
}

func (m *MockDriver) Writes() []PinWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PinWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MockDriver) Close() error { return nil }

// Trigger fires a camera shutter before a frame is read.
type Trigger interface {
	Fire(ctx context.Context) error
}

// PulseTrigger pulls an active-low shutter line for a fixed time.
type PulseTrigger struct {
	driver Driver
	pin    int
	pulse  time.Duration
}

func NewPulseTrigger(driver Driver, pin int, pulse time.Duration) (*PulseTrigger, error) {
	if err := driver.SetupOutput(pin); err != nil {
		return nil, fmt.Errorf("setup trigger pin %d: %w", pin, err)
	}
	return &PulseTrigger{driver: driver, pin: pin, pulse: pulse}, nil
}

func (t *PulseTrigger) Fire(ctx context.Context) error {
	if err := t.driver.WritePin(t.pin, Low); err != nil {
		return fmt.Errorf("trigger pin %d: %w", t.pin, err)
	}

	timer := time.NewTimer(t.pulse)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	// Release even when cancelled so the line is never left asserted.
	if err := t.driver.WritePin(t.pin, High); err != nil {
		return fmt.Errorf("release pin %d: %w", t.pin, err)
	}
	return ctx.Err()
}
