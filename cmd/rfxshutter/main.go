package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jkaflik/rfxshutter/internal/api"
	"github.com/jkaflik/rfxshutter/internal/mqtt"
	"github.com/jkaflik/rfxshutter/internal/registry"
	"github.com/jkaflik/rfxshutter/internal/shutter"
	"github.com/jkaflik/rfxshutter/internal/store"
	"github.com/jkaflik/rfxshutter/internal/telemetry"
)

const (
	storeLoadTimeout      = 2 * time.Second
	mqttDisconnectQuiesce = 250
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	loadConfigFromYamlFile(*configPath)

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	if err := validateDevices(); err != nil {
		logrus.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bridge, closeBridge := bridgeFromConfig(ctx)
	defer closeBridge()

	positions := openStore()
	if positions != nil {
		defer positions.Close()
	}

	recorder := connectTelemetry()
	if recorder != nil {
		defer recorder.Close()
	}

	reg := registry.New(bridge, func(deviceID string) *shutter.Controller {
		cfg, err := controllerConfig(deviceID)
		if err != nil {
			logrus.Error(err)
			cfg = shutter.Config{DeviceID: deviceID}
		}

		if positions != nil {
			loadCtx, cancel := context.WithTimeout(ctx, storeLoadTimeout)
			cfg.Position = positions.LastPosition(loadCtx, deviceID)
			cancel()
		}

		c := shutter.NewController(bridge, cfg)
		if positions != nil {
			positions.Track(c)
		}
		if recorder != nil {
			recorder.Track(c)
		}
		return c
	}, Cfg.ExcludedDeviceIDs, Cfg.DiscoveryTimeout)

	if Cfg.MQTT.Enabled {
		m, adapter := connectMQTT(ctx)
		reg.OnEvent(adapter.HandleEvent)
		defer func() {
			adapter.Close()
			m.Disconnect(mqttDisconnectQuiesce)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if Cfg.API.Enabled {
		server := api.New(Cfg.API, reg)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	g.Go(func() error {
		changes, err := reg.Discover(gctx)
		if err != nil {
			logrus.Errorf("discovery failed: %s", err)
			return nil
		}
		logrus.Infof("discovery: %d added, %d removed", len(changes.Added), len(changes.Removed))
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logrus.Error(err)
	}
	logrus.Info("shutting down")
}

func openStore() *store.Store {
	if Cfg.Store.Path == "" {
		return nil
	}

	s, err := store.Open(Cfg.Store.Path)
	if err != nil {
		logrus.Warnf("position cache disabled: %s", err)
		return nil
	}
	return s
}

func connectTelemetry() *telemetry.Recorder {
	if !Cfg.InfluxDB.Enabled {
		return nil
	}

	r, err := telemetry.Connect(Cfg.InfluxDB.recorderConfig())
	if err != nil {
		logrus.Warnf("telemetry disabled: %s", err)
		return nil
	}
	return r
}

func connectMQTT(ctx context.Context) (paho.Client, *mqtt.Adapter) {
	var adapter *mqtt.Adapter

	opts := mqtt.ClientOptions(Cfg.MQTT)
	opts.OnConnect = func(_ paho.Client) {
		logrus.Info("MQTT broker connected")
		adapter.Resubscribe()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(opts)
	adapter = mqtt.NewAdapter(ctx, m, Cfg.HASS)

	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	return m, adapter
}
