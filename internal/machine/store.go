package machine

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
)

// Store mirrors what the bridge last reported. Apply is called only by the
// status listener; everything else reads.
type Store struct {
	mu      sync.RWMutex
	motors  [protocol.Actuators]MotorTelemetry
	limits  [protocol.Actuators]bool
	buttons [protocol.ButtonCount]bool
	presses [protocol.ButtonCount]uint64
	lamp    LampState

	frames    uint64
	lastFrame time.Time
}

func NewStore() *Store {
	s := &Store{lamp: LampState{G: true}}
	for i := range s.motors {
		s.motors[i] = MotorTelemetry{ID: i, State: "IDLE"}
	}
	return s
}

// Apply folds one status frame into the mirrors. Absent fields keep their
// previous value. Rising button edges between consecutive frames are counted
// per button so monitors can claim each press exactly once.
func (s *Store) Apply(msg *protocol.StatusMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.lastFrame = time.Now()

	for i, m := range msg.Motors {
		if i >= len(s.motors) {
			break
		}
		if m.Pos != nil {
			s.motors[i].Pos = *m.Pos
		}
		if m.Spd != nil {
			s.motors[i].Spd = *m.Spd
		}
		if m.State != nil {
			s.motors[i].State = *m.State
		}
	}

	if msg.Buttons != nil {
		var next [protocol.ButtonCount]bool
		for i, b := range msg.Buttons {
			if i < len(next) {
				next[i] = bool(b)
			}
		}
		for i := range next {
			if next[i] && !s.buttons[i] {
				s.presses[i]++
			}
		}
		s.buttons = next
	}

	if msg.Limits != nil {
		var next [protocol.Actuators]bool
		for i, l := range msg.Limits {
			if i < len(next) {
				next[i] = bool(l)
			}
		}
		s.limits = next
	}

	if msg.Lamp != nil {
		s.lamp = LampState{R: bool(msg.Lamp.R), Y: bool(msg.Lamp.Y), G: bool(msg.Lamp.G)}
	}
}

func (s *Store) Motor(id int) MotorTelemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.motors[id]
}

func (s *Store) Motors() []MotorTelemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MotorTelemetry, len(s.motors))
	copy(out, s.motors[:])
	return out
}

func (s *Store) Limit(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits[id]
}

func (s *Store) Limits() []bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bool, len(s.limits))
	copy(out, s.limits[:])
	return out
}

func (s *Store) Buttons() ButtonState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return buttonsFromSlots(s.buttons)
}

// Presses is the number of rising edges seen on a button slot.
func (s *Store) Presses(slot int) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presses[slot]
}

func (s *Store) Lamp() LampState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lamp
}

func (s *Store) Frames() (uint64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames, s.lastFrame
}

// Stationary reports whether every actuator last reported zero speed.
func (s *Store) Stationary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.motors {
		if m.Spd != 0 {
			return false
		}
	}
	return true
}
