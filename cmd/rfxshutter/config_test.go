package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/rfxshutter/internal/shutter"
)

const testConfig = `
log_level: debug
driver: dumb
open_time: 30s
excluded_device_ids: ["0x000003/1"]
devices:
  "0x000001/1":
    name: Kitchen
    open_time: 20s
    close_time: 18s
    direction: reverse
  "0x000002/1":
    open_time: 12s
dumb:
  remotes: ["0x000001/1", "0x000002/1", "0x000003/1"]
mqtt:
  enabled: false
api:
  listen: ":9090"
`

func loadTestConfig(t *testing.T, content string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := reflect.ValueOf(&Cfg).Elem()
	cfg.Set(reflect.Zero(cfg.Type()))

	require.NoError(t, configLoader.Load())
	loadConfigFromYamlFile(path)
}

func TestConfigFromYaml(t *testing.T) {
	loadTestConfig(t, testConfig)

	assert.Equal(t, "debug", Cfg.LogLevel)
	assert.Equal(t, driverDumb, Cfg.Driver)
	assert.Equal(t, "/dev/ttyUSB0", Cfg.TTY)
	assert.Equal(t, 5*time.Second, Cfg.DiscoveryTimeout)
	assert.Equal(t, []string{"0x000003/1"}, Cfg.ExcludedDeviceIDs)
	assert.False(t, Cfg.MQTT.Enabled)
	assert.Equal(t, ":9090", Cfg.API.Listen)
	assert.Equal(t, 300*time.Millisecond, Cfg.Relays.PressTime)
	assert.NoError(t, validateDevices())
}

func TestControllerConfig(t *testing.T) {
	loadTestConfig(t, testConfig)

	cfg, err := controllerConfig("0x000001/1")
	require.NoError(t, err)
	assert.Equal(t, shutter.Config{
		DeviceID:  "0x000001/1",
		Name:      "Kitchen",
		OpenTime:  20 * time.Second,
		CloseTime: 18 * time.Second,
		Direction: shutter.DirectionReversed,
	}, cfg)

	cfg, err = controllerConfig("0x000002/1")
	require.NoError(t, err)
	assert.Equal(t, "Shutter 0x000002/1", cfg.Name)
	assert.Equal(t, 12*time.Second, cfg.OpenTime)
	assert.Equal(t, 12*time.Second, cfg.CloseTime)

	cfg, err = controllerConfig("0x000009/1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.OpenTime)
	assert.Equal(t, 30*time.Second, cfg.CloseTime)
	assert.Equal(t, shutter.DirectionNormal, cfg.Direction)
}

func TestTravelTimesDefaults(t *testing.T) {
	loadTestConfig(t, "driver: dumb\n")

	open, closeTime := travelTimes(cfgDevice{})
	assert.Equal(t, shutter.DefaultOpenTime, open)
	assert.Equal(t, shutter.DefaultCloseTime, closeTime)

	open, closeTime = travelTimes(cfgDevice{CloseTime: 10 * time.Second})
	assert.Equal(t, shutter.DefaultOpenTime, open)
	assert.Equal(t, 10*time.Second, closeTime)
}

func TestInvalidDirection(t *testing.T) {
	loadTestConfig(t, "devices:\n  \"0x000001/1\":\n    direction: sideways\n")

	assert.Error(t, validateDevices())
}
