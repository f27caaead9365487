package main

import (
	"context"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/jkaflik/rfxshutter/internal/api"
	"github.com/jkaflik/rfxshutter/internal/mqtt"
	"github.com/jkaflik/rfxshutter/internal/rfx"
	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/jkaflik/rfxshutter/internal/shutter/driver/relay"
	"github.com/jkaflik/rfxshutter/internal/telemetry"
)

const (
	driverRFXtrx = "rfxtrx"
	driverRelays = "relays"
	driverDumb   = "dumb"
)

type cfgWiredRelaySetPin struct {
	Kind string `yaml:"kind"`

	Pin uint8 `yaml:"pin"`

	Mcp23017 int `yaml:"mcp23017"`
}

type cfgRelay struct {
	Kind string `yaml:"kind"`

	Pin          cfgWiredRelaySetPin `yaml:"pin"`
	NormalClosed bool                `yaml:"normal_closed"`
}

type cfgWiredRemote struct {
	DeviceID string    `yaml:"device_id"`
	Up       cfgRelay  `yaml:"up"`
	Down     cfgRelay  `yaml:"down"`
	Stop     *cfgRelay `yaml:"stop"`
}

type cfgMcp23017 struct {
	Bus          uint8 `yaml:"bus" default:"1"`
	DeviceNumber uint8 `yaml:"device_number" default:"0"`
}

type cfgRelays struct {
	Pool      int                 `yaml:"pool" default:"0"`
	PressTime time.Duration       `yaml:"press_time" default:"300ms"`
	Mcp23017  map[int]cfgMcp23017 `yaml:"mcp23017"`
	Remotes   []cfgWiredRemote    `yaml:"remotes"`
}

type cfgDumb struct {
	Remotes []string `yaml:"remotes"`
}

type cfgDevice struct {
	Name      string        `yaml:"name"`
	OpenTime  time.Duration `yaml:"open_time"`
	CloseTime time.Duration `yaml:"close_time"`
	Direction string        `yaml:"direction"`
}

type cfgStore struct {
	Path string `yaml:"path" default:"/var/lib/rfxshutter/positions.db" env:"PATH"`
}

type cfgInfluxDB struct {
	Enabled bool   `yaml:"enabled" default:"false" env:"ENABLED"`
	URL     string `yaml:"url" env:"URL"`
	Token   string `yaml:"token" env:"TOKEN"`
	Org     string `yaml:"org" env:"ORG"`
	Bucket  string `yaml:"bucket" env:"BUCKET"`
}

func (c cfgInfluxDB) recorderConfig() telemetry.Config {
	return telemetry.Config{URL: c.URL, Token: c.Token, Org: c.Org, Bucket: c.Bucket}
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	Driver           string        `yaml:"driver" default:"rfxtrx" env:"DRIVER"`
	TTY              string        `yaml:"tty" default:"/dev/ttyUSB0" env:"TTY"`
	Debug            bool          `yaml:"debug" default:"false" env:"DEBUG"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"5s" env:"DISCOVERY_TIMEOUT"`

	OpenTime          time.Duration        `yaml:"open_time" env:"OPEN_TIME"`
	CloseTime         time.Duration        `yaml:"close_time" env:"CLOSE_TIME"`
	ExcludedDeviceIDs []string             `yaml:"excluded_device_ids"`
	Devices           map[string]cfgDevice `yaml:"devices"`

	Store    cfgStore        `yaml:"store" env:"STORE"`
	MQTT     mqtt.Config     `yaml:"mqtt" env:"MQTT"`
	HASS     mqtt.HASSConfig `yaml:"hass" env:"HASS"`
	API      api.Config      `yaml:"api" env:"API"`
	InfluxDB cfgInfluxDB     `yaml:"influxdb" env:"INFLUXDB"`

	Dumb   cfgDumb   `yaml:"dumb"`
	Relays cfgRelays `yaml:"relays"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix:        "RFXSHUTTER",
	SkipFlags:        true,
	SkipFiles:        true,
	AllowUnknownEnvs: true,
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Error(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
	}
}

// travelTimes resolves the travel times of a device. A close time left unset
// follows the open time of the same level, then the global close time.
func travelTimes(device cfgDevice) (openTime, closeTime time.Duration) {
	openTime, closeTime = Cfg.OpenTime, Cfg.CloseTime
	if closeTime <= 0 && openTime > 0 {
		closeTime = openTime
	}

	if device.OpenTime > 0 {
		openTime = device.OpenTime
		if device.CloseTime <= 0 {
			closeTime = device.OpenTime
		}
	}
	if device.CloseTime > 0 {
		closeTime = device.CloseTime
	}

	if openTime <= 0 {
		openTime = shutter.DefaultOpenTime
	}
	if closeTime <= 0 {
		closeTime = shutter.DefaultCloseTime
	}
	return openTime, closeTime
}

func controllerConfig(deviceID string) (shutter.Config, error) {
	device := Cfg.Devices[deviceID]

	direction, err := shutter.ParseDirection(device.Direction)
	if err != nil {
		return shutter.Config{}, errors.Wrapf(err, "devices.%s.direction", deviceID)
	}

	name := device.Name
	if name == "" {
		name = "Shutter " + deviceID
	}

	openTime, closeTime := travelTimes(device)

	return shutter.Config{
		DeviceID:  deviceID,
		Name:      name,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Direction: direction,
	}, nil
}

// validateDevices reports bad overrides at startup rather than at discovery.
func validateDevices() error {
	for id := range Cfg.Devices {
		if _, err := controllerConfig(id); err != nil {
			return err
		}
	}
	return nil
}

func bridgeFromConfig(ctx context.Context) (rfx.Bridge, func()) {
	switch Cfg.Driver {
	case driverRFXtrx:
		t := rfx.NewTransceiver()
		if err := t.Setup(ctx, Cfg.TTY, rfx.Options{Debug: Cfg.Debug}); err != nil {
			logrus.Errorf("rfxtrx: setup on %s failed: %s", Cfg.TTY, err)
		}
		return t, func() {
			if err := t.Close(); err != nil {
				logrus.Errorf("rfxtrx: close failed: %s", err)
			}
		}
	case driverRelays:
		return boardFromConfig(ctx), func() {}
	case driverDumb:
		d, err := rfx.NewDumb(Cfg.Dumb.Remotes...)
		if err != nil {
			logrus.Fatal(err)
		}
		return d, func() {}
	}

	logrus.Fatalf("%s is not supported driver", Cfg.Driver)
	return nil, nil
}

func boardFromConfig(ctx context.Context) *relay.Board {
	var pool chan struct{}
	if Cfg.Relays.Pool > 0 {
		pool = make(chan struct{}, Cfg.Relays.Pool)
	}

	board := relay.NewBoard(Cfg.Relays.PressTime)
	for _, remote := range Cfg.Relays.Remotes {
		var stop relay.Relay
		if remote.Stop != nil {
			stop = relayFromConfig(ctx, remote.DeviceID, *remote.Stop, pool)
		}

		board.Add(remote.DeviceID, relay.NewButtons(
			relayFromConfig(ctx, remote.DeviceID, remote.Up, pool),
			relayFromConfig(ctx, remote.DeviceID, remote.Down, pool),
			stop,
		))
	}

	return board
}

func relayFromConfig(ctx context.Context, deviceID string, cfg cfgRelay, pool chan struct{}) relay.Relay {
	if cfg.Kind == "wired" {
		return wrapRelayWithPoolProxy(&relay.Wired{
			Pin:          wiredRelaySetPinFromConfig(ctx, cfg.Pin),
			NormalClosed: cfg.NormalClosed,
		}, pool)
	}

	if cfg.Kind == "dumb" {
		return wrapRelayWithPoolProxy(&relay.Dumb{Name: deviceID}, pool)
	}

	logrus.Fatalf("%s: %s is not supported relay kind", deviceID, cfg.Kind)
	return nil
}

func wrapRelayWithPoolProxy(r relay.Relay, pool chan struct{}) relay.Relay {
	if pool == nil {
		return r
	}

	return relay.NewPoolProxy(r, pool)
}

func wiredRelaySetPinFromConfig(ctx context.Context, cfg cfgWiredRelaySetPin) relay.SetPin {
	if cfg.Kind == "mcp23017" {
		device := mcp23017DeviceFromConfigByID(ctx, cfg.Mcp23017)

		p, err := relay.NewMcp23017Pin(device, cfg.Pin)
		if err != nil {
			logrus.Fatal(err)
		}
		return p
	}

	logrus.Fatalf("%s is not supported wired relay set pin kind", cfg.Kind)
	return nil
}

var mcpDevices = map[int]*mcp23017.Device{}

func mcp23017DeviceFromConfigByID(ctx context.Context, id int) *mcp23017.Device {
	cfg, found := Cfg.Relays.Mcp23017[id]
	if !found {
		logrus.Fatalf("%d is not valid defined relays.mcp23017", id)
		return nil
	}

	dev := mcpDevices[id]
	if dev == nil {
		var err error
		dev, err = mcp23017.Open(cfg.Bus, cfg.DeviceNumber)
		if err != nil {
			logrus.Fatal(err)
		}
		go func() {
			<-ctx.Done()
			if err := dev.Close(); err != nil {
				logrus.Errorf("mcp23017: close failed %s", err)
				return
			}

			logrus.Infof("mcp23017: close")
		}()
		if err := dev.Reset(); err != nil {
			logrus.Fatal(err)
		}

		mcpDevices[id] = dev
	}

	return dev
}
