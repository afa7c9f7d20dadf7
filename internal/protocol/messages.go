package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ErrTimeout is the err text of a reply synthesised when the bridge did not
// answer in time.
const ErrTimeout = "Timeout"

type Reply struct {
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
	CID int64  `json:"cid,omitempty"`
}

func TimeoutReply() Reply {
	return Reply{OK: false, Err: ErrTimeout}
}

func FailureReply(err error) Reply {
	return Reply{OK: false, Err: err.Error()}
}

func (r Reply) TimedOut() bool {
	return !r.OK && r.Err == ErrTimeout
}

// Flag accepts the bridge's 0/1 integers as well as JSON booleans.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true":
		*f = true
		return nil
	case "false", "null":
		*f = false
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flag: %w", err)
	}
	*f = n != 0
	return nil
}

type MotorStatus struct {
	Pos   *float64 `json:"pos,omitempty"`
	Spd   *float64 `json:"spd,omitempty"`
	State *string  `json:"state,omitempty"`
}

type LampStatus struct {
	R Flag `json:"r"`
	Y Flag `json:"y"`
	G Flag `json:"g"`
}

// Button slots in the "btn" list.
const (
	ButtonEmergency = iota
	ButtonShot
	ButtonHome
	ButtonResolve
	ButtonUnknown
	ButtonCount
)

// StatusMessage is one frame from the status publisher. Every field is
// optional; keepalive frames carry only "alive".
type StatusMessage struct {
	Motors  []MotorStatus `json:"m,omitempty"`
	Buttons []Flag        `json:"btn,omitempty"`
	Limits  []Flag        `json:"lim,omitempty"`
	Lamp    *LampStatus   `json:"lamp,omitempty"`
	Alive   *int          `json:"alive,omitempty"`
}

// Keepalive reports whether the frame carries no state at all.
func (s *StatusMessage) Keepalive() bool {
	return s.Motors == nil && s.Buttons == nil && s.Limits == nil && s.Lamp == nil
}

// AnyLimit reports whether any limit switch is asserted.
func (s *StatusMessage) AnyLimit() bool {
	for _, l := range s.Limits {
		if l {
			return true
		}
	}
	return false
}
