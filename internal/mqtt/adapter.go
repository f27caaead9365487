package mqtt

import (
	"context"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/registry"
)

type Config struct {
	Enabled  bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	ClientID string `yaml:"client_id" default:"rfxshutter" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type HASSConfig struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

func ClientOptions(cfg Config) *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(cfg.ClientID).
		AddBroker(cfg.Broker).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

// Adapter keeps one bridge per registered shutter.
type Adapter struct {
	ctx    context.Context
	client Client
	hass   HASSConfig

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewAdapter creates an adapter whose shutter commands run with ctx.
func NewAdapter(ctx context.Context, client Client, hass HASSConfig) *Adapter {
	return &Adapter{
		ctx:     ctx,
		client:  client,
		hass:    hass,
		bridges: map[string]*Bridge{},
	}
}

// HandleEvent is a registry.EventHandler.
func (a *Adapter) HandleEvent(e registry.Event) {
	switch e.Type {
	case registry.EventAdded:
		a.add(e)
	case registry.EventRemoved:
		a.remove(e)
	}
}

// Resubscribe announces and subscribes every bridge again, after a broker reconnect.
func (a *Adapter) Resubscribe() {
	for _, b := range a.Bridges() {
		a.announce(b)
	}
}

// Bridges returns the bridges ordered by device id.
func (a *Adapter) Bridges() []*Bridge {
	a.mu.Lock()
	defer a.mu.Unlock()

	bridges := make([]*Bridge, 0, len(a.bridges))
	for _, b := range a.bridges {
		bridges = append(bridges, b)
	}
	sort.Slice(bridges, func(i, j int) bool {
		return bridges[i].shutter.DeviceID() < bridges[j].shutter.DeviceID()
	})
	return bridges
}

// Close unsubscribes every bridge.
func (a *Adapter) Close() {
	for _, b := range a.Bridges() {
		if err := b.Unsubscribe(); err != nil {
			logrus.Error(err)
		}
	}
}

func (a *Adapter) add(e registry.Event) {
	a.mu.Lock()
	if _, found := a.bridges[e.Shutter.DeviceID()]; found {
		a.mu.Unlock()
		return
	}
	b := NewBridge(a.client, e.Shutter)
	a.bridges[e.Shutter.DeviceID()] = b
	a.mu.Unlock()

	a.announce(b)
	b.PublishState()
}

func (a *Adapter) announce(b *Bridge) {
	if a.hass.Enabled {
		if err := PublishHAAutoDiscovery(a.client, a.hass.TopicPrefix, b); err != nil {
			logrus.Error(err)
		}
	}

	if err := b.Subscribe(a.ctx); err != nil {
		logrus.Error(err)
	}
}

func (a *Adapter) remove(e registry.Event) {
	a.mu.Lock()
	b, found := a.bridges[e.Shutter.DeviceID()]
	delete(a.bridges, e.Shutter.DeviceID())
	a.mu.Unlock()

	if !found {
		return
	}

	if a.hass.Enabled {
		if err := ClearHAAutoDiscovery(a.client, a.hass.TopicPrefix, b); err != nil {
			logrus.Error(err)
		}
	}
	if err := b.Remove(); err != nil {
		logrus.Error(err)
	}
}
