package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/shutter"
)

const (
	topicRoot = "rfxshutter"

	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"
)

// Client is the part of paho.Client used by bridges.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// TopicID turns a device id into a single topic level.
func TopicID(deviceID string) string {
	return strings.ReplaceAll(deviceID, "/", "_")
}

// Bridge exposes a single shutter over MQTT.
type Bridge struct {
	mqtt    Client
	shutter shutter.StatelessShutter

	StateTopic    string
	PositionTopic string
	TargetTopic   string
	MotionTopic   string

	CommandTopic        string
	PositionChangeTopic string

	restored atomic.Bool
	removed  atomic.Bool
}

func NewBridge(client Client, sh shutter.StatelessShutter) *Bridge {
	base := fmt.Sprintf("%s/%s", topicRoot, TopicID(sh.DeviceID()))

	bridge := &Bridge{
		mqtt:                client,
		shutter:             sh,
		StateTopic:          base + "/state",
		PositionTopic:       base + "/position",
		TargetTopic:         base + "/target",
		MotionTopic:         base + "/motion",
		CommandTopic:        base + "/set",
		PositionChangeTopic: base + "/position/set",
	}

	sh.OnUpdate(bridge.onShutterUpdate)

	return bridge
}

// Subscribe listens to the command topics. Commands run with ctx. The first
// retained position received restores the shutter position.
func (b *Bridge) Subscribe(ctx context.Context) error {
	if err := b.restorePosition(); err != nil {
		logrus.Warn(err)
	}

	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommandHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT command topic subscription failed", b.shutter.Name())
	}
	logrus.Infof("%s: MQTT command topic subscribed", b.shutter.Name())

	if token := b.mqtt.Subscribe(b.PositionChangeTopic, 0, b.onPositionChangeHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position change topic subscription failed", b.shutter.Name())
	}
	logrus.Infof("%s: MQTT position change topic subscribed", b.shutter.Name())

	return nil
}

func (b *Bridge) Unsubscribe() error {
	if token := b.mqtt.Unsubscribe(b.PositionChangeTopic, b.CommandTopic); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT topics unsubscribe failed", b.shutter.Name())
	}
	logrus.Debugf("%s: MQTT command topics unsubscribed", b.shutter.Name())
	return nil
}

// Remove stops the bridge from publishing and drops its command subscriptions.
func (b *Bridge) Remove() error {
	b.removed.Store(true)
	return b.Unsubscribe()
}

// PublishState publishes the current shutter state.
func (b *Bridge) PublishState() {
	b.onShutterUpdate(b.shutter.Snapshot())
}

func (b *Bridge) onShutterUpdate(u shutter.Update) {
	if b.removed.Load() {
		return
	}

	for _, m := range []struct{ topic, payload string }{
		{b.StateTopic, u.State()},
		{b.PositionTopic, strconv.Itoa(u.Position)},
		{b.TargetTopic, strconv.Itoa(u.TargetPosition)},
		{b.MotionTopic, u.Motion.String()},
	} {
		if token := b.mqtt.Publish(m.topic, 0, true, m.payload); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT publish to %s failed: %s", b.shutter.Name(), m.topic, token.Error())
		}
	}
}

func (b *Bridge) onCommandHandler(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var err error

		cmd := strings.TrimSpace(string(msg.Payload()))
		switch cmd {
		case mqttOpenCmd:
			err = b.shutter.Open(ctx)
		case mqttCloseCmd:
			err = b.shutter.Close(ctx)
		case mqttStopCmd:
			err = b.shutter.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.shutter.Name(), cmd)
			return
		}

		if err != nil {
			logrus.Errorf("%s: MQTT %s command failed: %s", b.shutter.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		pos, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			logrus.Errorf("%s: MQTT invalid position %q", b.shutter.Name(), msg.Payload())
			return
		}
		if err := b.shutter.SetTargetPosition(ctx, pos); err != nil {
			logrus.Errorf("%s: MQTT position change failed: %s", b.shutter.Name(), err)
		}
	}
}

func (b *Bridge) restorePosition() error {
	if b.restored.Load() {
		return nil
	}

	restoreHandler := func(_ paho.Client, msg paho.Message) {
		if !b.restored.CompareAndSwap(false, true) {
			return
		}

		defer func() {
			if token := b.mqtt.Unsubscribe(b.PositionTopic); token.Wait() && token.Error() != nil {
				logrus.Errorf("%s: MQTT position restore topic unsubscribe failed: %s", b.shutter.Name(), token.Error())
				return
			}
			logrus.Debugf("%s: MQTT position restore topic unsubscribed", b.shutter.Name())
		}()

		pos, err := strconv.Atoi(string(msg.Payload()))
		if err != nil {
			logrus.Errorf("%s: MQTT invalid retained position %q", b.shutter.Name(), msg.Payload())
			return
		}
		if err := b.shutter.ResetPosition(pos); err != nil {
			logrus.Errorf("%s: MQTT position restore failed: %s", b.shutter.Name(), err)
			return
		}

		logrus.Infof("%s: MQTT position restored to %d", b.shutter.Name(), pos)
	}

	if token := b.mqtt.Subscribe(b.PositionTopic, 0, restoreHandler); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position restore topic subscription failed", b.shutter.Name())
	}

	return nil
}
