// Package protocol defines the JSON messages exchanged with the hardware
// bridge: commands and replies on the REQ/REP socket, status frames on the
// PUB/SUB socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

type CommandType string

const (
	CmdMove CommandType = "MOVE"
	CmdStop CommandType = "STOP"
	CmdHome CommandType = "HOME"
	CmdLamp CommandType = "LAMP"
	CmdSet  CommandType = "SET"
	CmdSave CommandType = "SAVE"
	CmdLoad CommandType = "LOAD"
)

// Actuators is the number of arms the bridge drives.
const Actuators = 2

// Command is one of the tagged variants below. Actuator indices are 0-based
// in Go and become the 1-based "m" field on the wire.
type Command interface {
	Type() CommandType
	Validate() error
	params() map[string]any
}

type Move struct {
	Motor int
	Pos   float64
}

type Stop struct {
	Motor int
}

type Home struct {
	Motor int
}

type Lamp struct {
	R, Y, G bool
}

// Set changes motion parameters; nil fields are left untouched by the bridge.
type Set struct {
	Motor        int
	MaxSpeed     *float64
	Acceleration *float64
}

type Save struct{}

type Load struct{}

func (Move) Type() CommandType { return CmdMove }
func (Stop) Type() CommandType { return CmdStop }
func (Home) Type() CommandType { return CmdHome }
func (Lamp) Type() CommandType { return CmdLamp }
func (Set) Type() CommandType  { return CmdSet }
func (Save) Type() CommandType { return CmdSave }
func (Load) Type() CommandType { return CmdLoad }

func validMotor(m int) error {
	if m < 0 || m >= Actuators {
		return fmt.Errorf("invalid motor id %d", m)
	}
	return nil
}

func (c Move) Validate() error {
	if err := validMotor(c.Motor); err != nil {
		return err
	}
	if math.IsNaN(c.Pos) || math.IsInf(c.Pos, 0) {
		return fmt.Errorf("invalid position %v", c.Pos)
	}
	return nil
}

func (c Stop) Validate() error { return validMotor(c.Motor) }
func (c Home) Validate() error { return validMotor(c.Motor) }
func (Lamp) Validate() error   { return nil }
func (Save) Validate() error   { return nil }
func (Load) Validate() error   { return nil }

func (c Set) Validate() error {
	if err := validMotor(c.Motor); err != nil {
		return err
	}
	if c.MaxSpeed != nil && *c.MaxSpeed <= 0 {
		return fmt.Errorf("max speed must be > 0")
	}
	if c.Acceleration != nil && *c.Acceleration <= 0 {
		return fmt.Errorf("acceleration must be > 0")
	}
	return nil
}

func (c Move) params() map[string]any { return map[string]any{"m": c.Motor + 1, "pos": c.Pos} }
func (c Stop) params() map[string]any { return map[string]any{"m": c.Motor + 1} }
func (c Home) params() map[string]any { return map[string]any{"m": c.Motor + 1} }

func (c Lamp) params() map[string]any {
	return map[string]any{"r": bit(c.R), "y": bit(c.Y), "g": bit(c.G)}
}

func (c Set) params() map[string]any {
	p := map[string]any{"m": c.Motor + 1}
	if c.MaxSpeed != nil {
		p["max"] = *c.MaxSpeed
	}
	if c.Acceleration != nil {
		p["acc"] = *c.Acceleration
	}
	return p
}

func (Save) params() map[string]any { return nil }
func (Load) params() map[string]any { return nil }

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Encode renders the request object for one exchange.
func Encode(cid int64, cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("nil command")
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Type(), err)
	}

	obj := map[string]any{
		"cmd": string(cmd.Type()),
		"cid": cid,
	}
	for k, v := range cmd.params() {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// Decode parses a raw request back into its variant. Unknown commands are
// rejected. The bridge never sends requests; Decode serves fakes and replay
// tooling.
func Decode(data []byte) (int64, Command, error) {
	var raw struct {
		Cmd string   `json:"cmd"`
		CID int64    `json:"cid"`
		M   int      `json:"m"`
		Pos float64  `json:"pos"`
		R   Flag     `json:"r"`
		Y   Flag     `json:"y"`
		G   Flag     `json:"g"`
		Max *float64 `json:"max"`
		Acc *float64 `json:"acc"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, nil, fmt.Errorf("invalid command JSON: %w", err)
	}

	var cmd Command
	switch CommandType(raw.Cmd) {
	case CmdMove:
		cmd = Move{Motor: raw.M - 1, Pos: raw.Pos}
	case CmdStop:
		cmd = Stop{Motor: raw.M - 1}
	case CmdHome:
		cmd = Home{Motor: raw.M - 1}
	case CmdLamp:
		cmd = Lamp{R: bool(raw.R), Y: bool(raw.Y), G: bool(raw.G)}
	case CmdSet:
		cmd = Set{Motor: raw.M - 1, MaxSpeed: raw.Max, Acceleration: raw.Acc}
	case CmdSave:
		cmd = Save{}
	case CmdLoad:
		cmd = Load{}
	default:
		return 0, nil, fmt.Errorf("unknown command %q", raw.Cmd)
	}

	if err := cmd.Validate(); err != nil {
		return 0, nil, fmt.Errorf("%s: %w", cmd.Type(), err)
	}
	return raw.CID, cmd, nil
}
