package rfx

import (
	"context"

	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/sirupsen/logrus"
)

// Dumb is a bridge without hardware. It lists a fixed set of remotes and only
// logs the commands it gets.
type Dumb struct {
	Remotes []Remote
}

func NewDumb(deviceIDs ...string) (*Dumb, error) {
	d := &Dumb{}
	for _, id := range deviceIDs {
		remote, err := RemoteFromDeviceID(id, "DUMB")
		if err != nil {
			return nil, err
		}
		d.Remotes = append(d.Remotes, remote)
	}
	return d, nil
}

func (d *Dumb) ListRemotes(ctx context.Context) ([]Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return append([]Remote(nil), d.Remotes...), nil
}

func (d *Dumb) Send(_ context.Context, deviceID string, action shutter.Action) error {
	logrus.Warnf("%s: dumb bridge %s", deviceID, action)
	return nil
}
