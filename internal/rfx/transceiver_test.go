package rfx

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort plays the transceiver side of a serial line.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	respond func(frame []byte) [][]byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakePort(respond func(frame []byte) [][]byte) *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w, respond: respond}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	frame := append([]byte(nil), b...)

	p.mu.Lock()
	p.written = append(p.written, frame)
	p.mu.Unlock()

	if p.respond != nil {
		for _, response := range p.respond(frame) {
			if _, err := p.w.Write(response); err != nil {
				return 0, err
			}
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.w.Close()
	return p.r.Close()
}

func (p *fakePort) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([][]byte(nil), p.written...)
}

func (p *fakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

var statusResponse = func() []byte {
	frame := make([]byte, 0x15)
	frame[0] = 0x14
	frame[1] = packetInterfaceMessage
	frame[4] = interfaceStatus
	frame[5] = 0x53
	return frame
}()

func rfxtrx(remotes ...[]byte) func(frame []byte) [][]byte {
	return func(frame []byte) [][]byte {
		switch {
		case frame[1] == packetInterfaceControl && frame[4] == interfaceStatus:
			return [][]byte{statusResponse}
		case frame[1] == packetRfy && frame[8] == rfyListRemotes:
			responses := append([][]byte(nil), remotes...)
			return append(responses, []byte{0x04, packetTransmitter, 0x01, frame[3], transmitterAck})
		case frame[1] == packetRfy:
			return [][]byte{{0x04, packetTransmitter, 0x01, frame[3], transmitterAck}}
		}
		return nil
	}
}

func setupTransceiver(t *testing.T, port *fakePort) *Transceiver {
	t.Helper()

	tr := NewTransceiverWithOpener(func(name string) (io.ReadWriteCloser, error) {
		assert.Equal(t, DefaultPort, name)
		return port, nil
	})
	require.NoError(t, tr.Setup(context.Background(), DefaultPort, Options{Debug: true}))
	t.Cleanup(func() { tr.Close() })

	return tr
}

func TestTransceiverSetup(t *testing.T) {
	port := newFakePort(rfxtrx())
	setupTransceiver(t, port)

	written := port.Written()
	require.Len(t, written, 3)
	assert.Equal(t, byte(interfaceReset), written[0][4])
	assert.Equal(t, byte(interfaceStatus), written[1][4])
	assert.Equal(t, byte(interfaceStart), written[2][4])
}

func TestTransceiverSetupReplacesConnection(t *testing.T) {
	first := newFakePort(rfxtrx())
	second := newFakePort(rfxtrx())
	ports := []*fakePort{first, second}

	tr := NewTransceiverWithOpener(func(string) (io.ReadWriteCloser, error) {
		p := ports[0]
		ports = ports[1:]
		return p, nil
	})
	defer tr.Close()

	require.NoError(t, tr.Setup(context.Background(), DefaultPort, Options{}))
	require.NoError(t, tr.Setup(context.Background(), DefaultPort, Options{}))

	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())

	require.NoError(t, tr.Send(context.Background(), "0x000001/1", shutter.ActionUp))
	assert.Len(t, first.Written(), 3)
	assert.Len(t, second.Written(), 4)
}

func TestTransceiverSetupWithoutStatus(t *testing.T) {
	port := newFakePort(nil)
	tr := NewTransceiverWithOpener(func(string) (io.ReadWriteCloser, error) {
		return port, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Error(t, tr.Setup(ctx, DefaultPort, Options{}))
	assert.True(t, port.IsClosed())
	assert.True(t, errors.Is(tr.Send(context.Background(), "0x000001/1", shutter.ActionUp), ErrNotInitialized))
}

func TestTransceiverNotInitialized(t *testing.T) {
	tr := NewTransceiver()

	_, err := tr.ListRemotes(context.Background())
	assert.True(t, errors.Is(err, ErrNotInitialized))

	err = tr.Send(context.Background(), "0x000001/1", shutter.ActionStop)
	assert.True(t, errors.Is(err, ErrNotInitialized))
}

func TestTransceiverListRemotes(t *testing.T) {
	port := newFakePort(rfxtrx(
		[]byte{rfyLength, packetRfy, subtypeRfy, 0x00, 0x01, 0x02, 0x03, 0x01, rfyListRemotes, 0, 0, 0, 0},
		[]byte{rfyLength, packetRfy, subtypeRfy, 0x00, 0x00, 0x00, 0x00, 0x00, rfyListRemotes, 0, 0, 0, 0},
		[]byte{rfyLength, packetRfy, subtypeRfyExt, 0x00, 0x0A, 0x0B, 0x0C, 0x04, rfyListRemotes, 0, 0, 0, 0},
	))
	tr := setupTransceiver(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	remotes, err := tr.ListRemotes(ctx)
	require.NoError(t, err)
	require.Len(t, remotes, 2)
	assert.Equal(t, "0x010203/1", remotes[0].DeviceID)
	assert.Equal(t, "RFY", remotes[0].RemoteType)
	assert.Equal(t, "0x0A0B0C/4", remotes[1].DeviceID)
	assert.Equal(t, "RFYEXT", remotes[1].RemoteType)
}

func TestTransceiverListRemotesTimeout(t *testing.T) {
	port := newFakePort(func(frame []byte) [][]byte {
		if frame[1] == packetInterfaceControl && frame[4] == interfaceStatus {
			return [][]byte{statusResponse}
		}
		return nil
	})
	tr := setupTransceiver(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.ListRemotes(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTransceiverSend(t *testing.T) {
	port := newFakePort(rfxtrx())
	tr := setupTransceiver(t, port)

	require.NoError(t, tr.Send(context.Background(), "0x0A0B0C/2", shutter.ActionDown))

	written := port.Written()
	last := written[len(written)-1]
	assert.Equal(t, []byte{rfyLength, packetRfy, subtypeRfy, last[3], 0x0A, 0x0B, 0x0C, 0x02, rfyDown, 0, 0, 0, 0}, last)

	err := tr.Send(context.Background(), "kitchen", shutter.ActionDown)
	assert.True(t, errors.Is(err, ErrInvalidDeviceID))
}
