package rfx

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultPort = "/dev/ttyUSB0"

	baudRate        = 38400
	resetDelay      = 500 * time.Millisecond
	statusTimeout   = 2 * time.Second
	frameBufferSize = 32
)

type Options struct {
	Debug bool
}

type PortOpener func(name string) (io.ReadWriteCloser, error)

func openSerialPort(name string) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

type connection struct {
	port   io.ReadWriteCloser
	frames chan []byte
	closed chan struct{}
	debug  bool
}

func (c *connection) close() error {
	close(c.closed)
	return c.port.Close()
}

// Transceiver is an RFXtrx433 attached to a serial port.
type Transceiver struct {
	open       PortOpener
	resetDelay time.Duration

	mu   sync.Mutex
	conn *connection
	seq  byte
}

func NewTransceiver() *Transceiver {
	return &Transceiver{open: openSerialPort, resetDelay: resetDelay}
}

func NewTransceiverWithOpener(open PortOpener) *Transceiver {
	return &Transceiver{open: open}
}

// Setup opens the port, resets the device and waits for its status. A second
// call replaces the active connection.
func (t *Transceiver) Setup(ctx context.Context, port string, opts Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		logrus.Infof("rfx: replacing connection")
		t.closeLocked()
	}
	p, err := t.open(port)
	if err != nil {
		return errors.Wrapf(err, "rfx: open %s", port)
	}

	conn := &connection{
		port:   p,
		frames: make(chan []byte, frameBufferSize),
		closed: make(chan struct{}),
		debug:  opts.Debug,
	}

	if err := t.write(conn, interfaceCommand(t.nextSeq(), interfaceReset)); err != nil {
		conn.close()
		return errors.Wrap(err, "rfx: reset")
	}

	if t.resetDelay > 0 {
		select {
		case <-time.After(t.resetDelay):
		case <-ctx.Done():
			conn.close()
			return ctx.Err()
		}
	}

	go t.readLoop(conn)

	seq := t.nextSeq()
	if err := t.write(conn, interfaceCommand(seq, interfaceStatus)); err != nil {
		conn.close()
		return errors.Wrap(err, "rfx: status")
	}

	statusCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	for {
		select {
		case frame, ok := <-conn.frames:
			if !ok {
				conn.close()
				return errors.Errorf("rfx: %s closed during setup", port)
			}
			if frame[1] != packetInterfaceMessage {
				continue
			}
			logrus.Infof("rfx: transceiver on %s ready", port)
			t.conn = conn
			return t.write(conn, interfaceCommand(t.nextSeq(), interfaceStart))
		case <-statusCtx.Done():
			conn.close()
			return errors.Wrapf(statusCtx.Err(), "rfx: no status from %s", port)
		}
	}
}

// ListRemotes asks the transceiver for its paired RFY remotes.
func (t *Transceiver) ListRemotes(ctx context.Context) ([]Remote, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrNotInitialized
	}
	conn := t.conn
	drain(conn.frames)

	seq := t.nextSeq()
	if err := t.write(conn, rfyCommand(seq, [3]byte{}, 0, rfyListRemotes)); err != nil {
		return nil, errors.Wrap(err, "rfx: list remotes")
	}

	var remotes []Remote
	for {
		select {
		case frame, ok := <-conn.frames:
			if !ok {
				return nil, errors.New("rfx: connection closed while listing remotes")
			}
			if isTransmitterAck(frame, seq) {
				if frame[4] != transmitterAck {
					logrus.Warnf("rfx: list remotes answered with status 0x%02X", frame[4])
				}
				logrus.Debugf("rfx: %d remotes listed", len(remotes))
				return remotes, nil
			}
			if remote, ok := remoteFromFrame(frame); ok {
				remotes = append(remotes, remote)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Transceiver) Send(_ context.Context, deviceID string, action shutter.Action) error {
	id, unit, err := ParseDeviceID(deviceID)
	if err != nil {
		return err
	}
	cmd, err := rfyAction(action)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotInitialized
	}

	logrus.Debugf("rfx: %s %s", deviceID, action)
	if err := t.write(t.conn, rfyCommand(t.nextSeq(), id, unit, cmd)); err != nil {
		return errors.Wrapf(err, "rfx: %s %s", deviceID, action)
	}
	return nil
}

func (t *Transceiver) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closeLocked()
}

func (t *Transceiver) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	return conn.close()
}

func (t *Transceiver) nextSeq() byte {
	t.seq++
	return t.seq
}

func (t *Transceiver) write(conn *connection, frame []byte) error {
	if conn.debug {
		logrus.Debugf("rfx: > %s", hex.EncodeToString(frame))
	}
	_, err := conn.port.Write(frame)
	return err
}

func (t *Transceiver) readLoop(conn *connection) {
	defer close(conn.frames)

	for {
		frame, err := readFrame(conn.port)
		if err != nil {
			select {
			case <-conn.closed:
			default:
				logrus.Errorf("rfx: read failed: %s", err)
			}
			return
		}

		if conn.debug {
			logrus.Debugf("rfx: < %s", hex.EncodeToString(frame))
		}
		if len(frame) < 4 {
			continue
		}

		select {
		case conn.frames <- frame:
		default:
			logrus.Debugf("rfx: dropped frame type 0x%02X", frame[1])
		}
	}
}

func drain(frames chan []byte) {
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
