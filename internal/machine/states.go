package machine

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
)

type State string

const (
	StateIdle    State = "IDLE"
	StateWorking State = "WORKING"
	StateHoming  State = "HOMING"
	StateError   State = "ERROR"
)

// Staying in the same state is always allowed and is a no-op.
var validTransitions = map[State][]State{
	StateIdle:    {StateWorking, StateHoming, StateError},
	StateWorking: {StateIdle, StateHoming, StateError},
	StateHoming:  {StateIdle, StateWorking, StateError},
	StateError:   {StateHoming},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}
	if from == to {
		return nil
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

type LampState struct {
	R bool `json:"r"`
	Y bool `json:"y"`
	G bool `json:"g"`
}

// LampFor is the lamp pattern that mirrors a machine state.
func LampFor(state State) LampState {
	switch state {
	case StateIdle:
		return LampState{G: true}
	case StateError:
		return LampState{R: true}
	default:
		return LampState{Y: true}
	}
}

// Color collapses the lamp into the single letter the operator UI shows.
func (l LampState) Color() string {
	switch {
	case l.R:
		return "r"
	case l.Y:
		return "y"
	case l.G:
		return "g"
	default:
		return "off"
	}
}

func (l LampState) command() protocol.Lamp {
	return protocol.Lamp{R: l.R, Y: l.Y, G: l.G}
}

type ButtonState struct {
	Emergency bool `json:"emg"`
	Shot      bool `json:"shot"`
	Home      bool `json:"home"`
	Resolve   bool `json:"resolve"`
	Unknown   bool `json:"unknown"`
}

func buttonsFromSlots(slots [protocol.ButtonCount]bool) ButtonState {
	return ButtonState{
		Emergency: slots[protocol.ButtonEmergency],
		Shot:      slots[protocol.ButtonShot],
		Home:      slots[protocol.ButtonHome],
		Resolve:   slots[protocol.ButtonResolve],
		Unknown:   slots[protocol.ButtonUnknown],
	}
}

// Pressed lists the held buttons by their wire names.
func (b ButtonState) Pressed() []string {
	pressed := []string{}
	for _, p := range []struct {
		name string
		on   bool
	}{
		{"emg", b.Emergency},
		{"shot", b.Shot},
		{"home", b.Home},
		{"resolve", b.Resolve},
		{"unknown", b.Unknown},
	} {
		if p.on {
			pressed = append(pressed, p.name)
		}
	}
	return pressed
}

// MotorStateError is the telemetry label the bridge reports for a faulted drive.
const MotorStateError = "ERROR"

type MotorTelemetry struct {
	ID     int     `json:"id"`
	Pos    float64 `json:"pos"`
	Spd    float64 `json:"spd"`
	State  string  `json:"state"`
	IsHome bool    `json:"is_home"`
}

type MachineStatus struct {
	State           State            `json:"state"`
	Emergency       bool             `json:"emergency"`
	Reason          string           `json:"reason"`
	Reasons         []string         `json:"reasons"`
	Lamp            LampState        `json:"lamp"`
	ColorLight      string           `json:"colorLight"`
	Motors          []MotorTelemetry `json:"motors"`
	Limits          []bool           `json:"limits"`
	Buttons         ButtonState      `json:"buttons"`
	ButtonsOn       []string         `json:"btn_on"`
	ActiveJobs      int              `json:"active_jobs"`
	LastStateChange time.Time        `json:"last_state_change"`
	LastFrame       time.Time        `json:"last_frame,omitempty"`
}

type ErrorEntry struct {
	Time   time.Time `json:"time"`
	Reason string    `json:"reason"`
	State  State     `json:"state"`
}

type Health struct {
	Running    bool          `json:"running"`
	State      State         `json:"state"`
	Emergency  bool          `json:"emergency"`
	Subscribed bool          `json:"subscribed"`
	Frames     uint64        `json:"frames"`
	FrameAge   time.Duration `json:"frame_age"`
}
