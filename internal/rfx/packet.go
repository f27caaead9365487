package rfx

import (
	"io"

	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/pkg/errors"
)

// Frames start with a length byte that does not count itself.
const (
	packetInterfaceControl = 0x00
	packetInterfaceMessage = 0x01
	packetTransmitter      = 0x02
	packetRfy              = 0x1A

	interfaceReset  = 0x00
	interfaceStatus = 0x02
	interfaceStart  = 0x07

	subtypeRfy    = 0x00
	subtypeRfyExt = 0x01
	subtypeASA    = 0x03

	rfyStop        = 0x00
	rfyUp          = 0x01
	rfyDown        = 0x03
	rfyListRemotes = 0x06

	transmitterAck = 0x00

	interfaceControlLength = 0x0D
	rfyLength              = 0x0C
)

var errShortFrame = errors.New("rfx: short frame")

func interfaceCommand(seq, cmd byte) []byte {
	frame := make([]byte, interfaceControlLength+1)
	frame[0] = interfaceControlLength
	frame[1] = packetInterfaceControl
	frame[3] = seq
	frame[4] = cmd
	return frame
}

func rfyCommand(seq byte, id [3]byte, unit, cmd byte) []byte {
	return []byte{rfyLength, packetRfy, subtypeRfy, seq, id[0], id[1], id[2], unit, cmd, 0, 0, 0, 0}
}

func rfyAction(a shutter.Action) (byte, error) {
	switch a {
	case shutter.ActionStop:
		return rfyStop, nil
	case shutter.ActionUp:
		return rfyUp, nil
	case shutter.ActionDown:
		return rfyDown, nil
	}
	return 0, errors.Errorf("rfx: unsupported action %s", a)
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	if length[0] == 0 {
		return nil, errShortFrame
	}

	frame := make([]byte, int(length[0])+1)
	frame[0] = length[0]
	if _, err := io.ReadFull(r, frame[1:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func isTransmitterAck(frame []byte, seq byte) bool {
	return len(frame) >= 5 && frame[1] == packetTransmitter && frame[3] == seq
}

// remoteFromFrame decodes an RFY entry of the remotes list. Empty slots report false.
func remoteFromFrame(frame []byte) (Remote, bool) {
	if len(frame) < 8 || frame[1] != packetRfy {
		return Remote{}, false
	}

	id := [3]byte{frame[4], frame[5], frame[6]}
	if id == [3]byte{} {
		return Remote{}, false
	}

	remoteType := "RFY"
	switch frame[2] {
	case subtypeRfyExt:
		remoteType = "RFYEXT"
	case subtypeASA:
		remoteType = "ASA"
	}

	return Remote{
		DeviceID:   FormatDeviceID(id, frame[7]),
		RemoteType: remoteType,
		IDBytes:    id,
		UnitCode:   frame[7],
	}, true
}
