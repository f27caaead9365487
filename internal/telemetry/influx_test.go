package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/rfxshutter/internal/shutter"
)

type memoryWriter struct {
	mu     sync.Mutex
	points []*write.Point
}

func (w *memoryWriter) WritePoint(point *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.points = append(w.points, point)
}

func (w *memoryWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.points)
}

type nopCommander struct{}

func (nopCommander) Send(context.Context, string, shutter.Action) error {
	return nil
}

func fields(p *write.Point) map[string]interface{} {
	result := map[string]interface{}{}
	for _, f := range p.FieldList() {
		result[f.Key] = f.Value
	}
	return result
}

func TestPointFor(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := pointFor(shutter.Update{
		DeviceID:       "0x010203/1",
		Position:       30,
		TargetPosition: 80,
		Motion:         shutter.MotionIncreasing,
	}, at)

	assert.Equal(t, Measurement, p.Name())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "device_id", p.TagList()[0].Key)
	assert.Equal(t, "0x010203/1", p.TagList()[0].Value)
	assert.Equal(t, map[string]interface{}{
		"position": int64(30),
		"target":   int64(80),
		"motion":   "increasing",
	}, fields(p))
	assert.Equal(t, at, p.Time())
}

func TestTrack(t *testing.T) {
	w := &memoryWriter{}
	r := &Recorder{writer: w, now: time.Now}

	c := shutter.NewController(nopCommander{}, shutter.Config{
		DeviceID:  "0x010203/1",
		OpenTime:  20 * time.Millisecond,
		CloseTime: 20 * time.Millisecond,
	})
	r.Track(c)

	require.NoError(t, c.SetTargetPosition(context.Background(), 100))
	require.Eventually(t, func() bool { return w.Len() == 2 }, time.Second, 5*time.Millisecond)

	r.Close()
}
