// Package telemetry records shutter motion to InfluxDB.
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/shutter"
)

const (
	Measurement = "shutter_motion"

	connectTimeout     = 10 * time.Second
	defaultBatchSize   = 50
	flushIntervalMilli = 5000
)

var ErrUnhealthy = errors.New("influxdb: server not healthy")

type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type pointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder writes one point per shutter update. Writes are batched and never block the caller.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	flush  func()
	now    func() time.Time
}

func Connect(cfg Config) (*Recorder, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(flushIntervalMilli),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "influxdb: ping %s", cfg.URL)
	}
	if !healthy {
		client.Close()
		return nil, ErrUnhealthy
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logrus.Warnf("influxdb: write failed: %s", err)
		}
	}()

	return &Recorder{
		client: client,
		writer: writeAPI,
		flush:  writeAPI.Flush,
		now:    time.Now,
	}, nil
}

// Track records every update of the shutter.
func (r *Recorder) Track(sh shutter.Shutter) {
	sh.OnUpdate(r.record)
}

func (r *Recorder) record(u shutter.Update) {
	r.writer.WritePoint(pointFor(u, r.now()))
}

func pointFor(u shutter.Update, at time.Time) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{"device_id": u.DeviceID},
		map[string]interface{}{
			"position": int64(u.Position),
			"target":   int64(u.TargetPosition),
			"motion":   u.Motion.String(),
		},
		at,
	)
}

// Close flushes pending points and releases the client.
func (r *Recorder) Close() {
	if r.flush != nil {
		r.flush()
	}
	if r.client != nil {
		r.client.Close()
	}
}
