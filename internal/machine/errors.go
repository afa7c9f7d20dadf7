package machine

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/protocol"
)

var (
	ErrMachineInError = errors.New("machine is in ERROR state")
	ErrInvalidMotor   = errors.New("invalid motor id")
	ErrNotRunning     = errors.New("supervisor not running")

	ErrMotionTimeout  = errors.New("motion timeout")
	ErrMotorStop      = errors.New("motor stop fault")
	ErrEmergencyAbort = errors.New("emergency abort")

	ErrCommandRejected = errors.New("command rejected by bridge")
	ErrCommandTimeout  = errors.New("command timed out")
)

type MotionKind int

const (
	MotionTimeout MotionKind = iota
	MotorStop
	EmergencyAbort
)

func (k MotionKind) String() string {
	switch k {
	case MotionTimeout:
		return "MotionTimeout"
	case MotorStop:
		return "MotorStopFault"
	case EmergencyAbort:
		return "EmergencyAbort"
	default:
		return "Unknown"
	}
}

// MotionError is a fault observed while waiting for an actuator to arrive.
type MotionError struct {
	Kind    MotionKind
	Motor   int
	Target  float64
	Pos     float64
	Elapsed time.Duration
	Detail  string
}

func (e *MotionError) Error() string {
	msg := fmt.Sprintf("%s: motor %d at %.2f, target %.2f after %s",
		e.Kind, e.Motor, e.Pos, e.Target, e.Elapsed.Round(time.Millisecond))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *MotionError) Unwrap() error {
	switch e.Kind {
	case MotionTimeout:
		return ErrMotionTimeout
	case MotorStop:
		return ErrMotorStop
	default:
		return ErrEmergencyAbort
	}
}

// CommandError carries the reply of a command the bridge did not accept.
type CommandError struct {
	Command protocol.CommandType
	Motor   int
	Reply   protocol.Reply
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s motor %d: %s", e.Command, e.Motor, e.Reply.Err)
}

func (e *CommandError) Unwrap() error {
	if e.Reply.TimedOut() {
		return ErrCommandTimeout
	}
	return ErrCommandRejected
}

// IsTimeout reports whether err is any kind of timeout raised by the
// supervisor, motion or protocol.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrMotionTimeout) || errors.Is(err, ErrCommandTimeout)
}
