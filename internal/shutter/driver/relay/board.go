package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaflik/rfxshutter/internal/rfx"
	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultPressTime = 300 * time.Millisecond

var ErrUnknownRemote = errors.New("relay: unknown remote")

// Buttons of a single wired remote.
type Buttons struct {
	Up   Relay
	Down Relay
	Stop Relay
}

// NewButtons groups the relays so a remote never sees two buttons pressed.
func NewButtons(up, down, stop Relay) Buttons {
	grouped := NewRelayGroup(up, down, stop)

	var b Buttons
	if up != nil {
		b.Up = grouped[0]
	}
	if down != nil {
		b.Down = grouped[1]
	}
	if stop != nil {
		b.Stop = grouped[2]
	}
	return b
}

// Board is a set of wired remotes. It serves as the shutters bridge when no
// RF transceiver is used: remotes come from configuration and every command is
// a button press.
type Board struct {
	pressTime time.Duration

	mu      sync.RWMutex
	remotes map[string]Buttons
}

func NewBoard(pressTime time.Duration) *Board {
	if pressTime <= 0 {
		pressTime = DefaultPressTime
	}
	return &Board{pressTime: pressTime, remotes: map[string]Buttons{}}
}

func (b *Board) Add(deviceID string, buttons Buttons) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remotes[deviceID] = buttons
}

func (b *Board) ListRemotes(ctx context.Context) ([]rfx.Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	remotes := make([]rfx.Remote, 0, len(b.remotes))
	for id := range b.remotes {
		remotes = append(remotes, rfx.Remote{DeviceID: id, RemoteType: "WIRED"})
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].DeviceID < remotes[j].DeviceID })

	return remotes, nil
}

func (b *Board) Send(ctx context.Context, deviceID string, action shutter.Action) error {
	b.mu.RLock()
	buttons, found := b.remotes[deviceID]
	b.mu.RUnlock()
	if !found {
		return errors.Wrapf(ErrUnknownRemote, "%s", deviceID)
	}

	var button Relay
	switch action {
	case shutter.ActionUp:
		button = buttons.Up
	case shutter.ActionDown:
		button = buttons.Down
	case shutter.ActionStop:
		button = buttons.Stop
	default:
		return errors.Errorf("%s: unsupported action %s", deviceID, action)
	}
	if button == nil {
		return errors.Errorf("%s: no %s button wired", deviceID, action)
	}

	logrus.Debugf("%s: press %s for %s", deviceID, action, b.pressTime)
	return button.EnableFor(ctx, b.pressTime)
}
