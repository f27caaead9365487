package shutter

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	ShutterOpenState    = "open"
	ShutterClosedState  = "closed"
	ShutterOpeningState = "opening"
	ShutterClosingState = "closing"
)

const (
	FullClosePosition = 0
	FullOpenPosition  = 100
)

var (
	// ErrOutOfRange is reported when a requested position is outside [0,100].
	// The request is clamped and carried out anyway.
	ErrOutOfRange = errors.New("position out of range")
	ErrMoving     = errors.New("shutter is moving")
)

// Action is a single motor pulse understood by the remote receiver.
type Action int

const (
	ActionStop Action = iota
	ActionUp
	ActionDown
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionUp:
		return "up"
	case ActionDown:
		return "down"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Commander delivers motor pulses to a physical device. Send is fire-and-forget:
// a nil error only means the transport accepted the command.
type Commander interface {
	Send(ctx context.Context, deviceID string, action Action) error
}

type Motion int

const (
	MotionStopped Motion = iota
	MotionIncreasing
	MotionDecreasing
)

func (m Motion) String() string {
	switch m {
	case MotionStopped:
		return "stopped"
	case MotionIncreasing:
		return "increasing"
	case MotionDecreasing:
		return "decreasing"
	}
	return fmt.Sprintf("motion(%d)", int(m))
}

func (m Motion) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Motion) UnmarshalText(text []byte) error {
	for _, candidate := range []Motion{MotionStopped, MotionIncreasing, MotionDecreasing} {
		if candidate.String() == string(text) {
			*m = candidate
			return nil
		}
	}
	return errors.Errorf("%q is not a valid motion", text)
}

// Direction tells whether increasing the position is done with the UP or the DOWN command.
type Direction int

const (
	DirectionNormal Direction = iota
	DirectionReversed
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return DirectionNormal, nil
	case "reverse", "reversed":
		return DirectionReversed, nil
	}
	return DirectionNormal, errors.Errorf("%q is not a valid direction (normal/reverse)", s)
}

func (d Direction) String() string {
	if d == DirectionReversed {
		return "reverse"
	}
	return "normal"
}

// Update is published to handlers on every motion state change.
type Update struct {
	DeviceID       string `json:"device_id"`
	Name           string `json:"name"`
	Position       int    `json:"position"`
	TargetPosition int    `json:"target_position"`
	Motion         Motion `json:"motion"`
}

// State maps an update to a Home Assistant cover state.
func (u Update) State() string {
	switch u.Motion {
	case MotionIncreasing:
		return ShutterOpeningState
	case MotionDecreasing:
		return ShutterClosingState
	}
	if u.Position == FullClosePosition {
		return ShutterClosedState
	}
	return ShutterOpenState
}

type UpdateHandler func(u Update)

type Shutter interface {
	DeviceID() string
	Name() string

	Position() int
	TargetPosition() int
	Motion() Motion
	Snapshot() Update

	OnUpdate(h UpdateHandler)

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
	SetTargetPosition(ctx context.Context, position int) error
}

type StatelessShutter interface {
	Shutter

	ResetPosition(position int) error
}

func clamp(position int) int {
	if position < FullClosePosition {
		return FullClosePosition
	}
	if position > FullOpenPosition {
		return FullOpenPosition
	}
	return position
}
