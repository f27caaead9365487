// Package rfx talks to RFXtrx transceivers driving RFY (Somfy RTS) shutter motors.
package rfx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/pkg/errors"
)

var (
	ErrNotInitialized  = errors.New("rfx: transceiver not set up")
	ErrInvalidDeviceID = errors.New("rfx: invalid device id")
)

// Remote is a remote identity known by the bridge.
type Remote struct {
	DeviceID   string  `json:"device_id"`
	RemoteType string  `json:"remote_type"`
	IDBytes    [3]byte `json:"id_bytes"`
	UnitCode   byte    `json:"unit_code"`
}

// Bridge lists the remotes paired with a transmitter and sends motor commands through it.
type Bridge interface {
	shutter.Commander

	ListRemotes(ctx context.Context) ([]Remote, error)
}

// FormatDeviceID renders an id the way remotes are listed, e.g. "0x0A0B0C/1".
func FormatDeviceID(id [3]byte, unit byte) string {
	return fmt.Sprintf("0x%02X%02X%02X/%d", id[0], id[1], id[2], unit)
}

func ParseDeviceID(deviceID string) (id [3]byte, unit byte, err error) {
	address, unitCode, found := strings.Cut(deviceID, "/")
	if !found {
		return id, 0, errors.Wrapf(ErrInvalidDeviceID, "%q: missing unit code", deviceID)
	}

	address = strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	n, err := strconv.ParseUint(address, 16, 24)
	if err != nil {
		return id, 0, errors.Wrapf(ErrInvalidDeviceID, "%q: %s", deviceID, err)
	}

	u, err := strconv.ParseUint(unitCode, 10, 8)
	if err != nil || u > 0x10 {
		return id, 0, errors.Wrapf(ErrInvalidDeviceID, "%q: bad unit code", deviceID)
	}

	id = [3]byte{byte(n >> 16), byte(n >> 8), byte(n)}
	return id, byte(u), nil
}

// RemoteFromDeviceID builds a Remote for a configured device id.
func RemoteFromDeviceID(deviceID, remoteType string) (Remote, error) {
	id, unit, err := ParseDeviceID(deviceID)
	if err != nil {
		return Remote{}, err
	}

	return Remote{
		DeviceID:   FormatDeviceID(id, unit),
		RemoteType: remoteType,
		IDBytes:    id,
		UnitCode:   unit,
	}, nil
}
