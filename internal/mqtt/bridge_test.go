package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/rfxshutter/internal/registry"
	"github.com/jkaflik/rfxshutter/internal/shutter"
)

type recordingCommander struct {
	mu      sync.Mutex
	actions []shutter.Action
}

func (r *recordingCommander) Send(_ context.Context, _ string, action shutter.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = append(r.actions, action)
	return nil
}

func (r *recordingCommander) Actions() []shutter.Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]shutter.Action(nil), r.actions...)
}

func newTestShutter(commander shutter.Commander) *shutter.Controller {
	return shutter.NewController(commander, shutter.Config{
		DeviceID:  "0x010203/1",
		Name:      "Kitchen",
		OpenTime:  100 * time.Millisecond,
		CloseTime: 100 * time.Millisecond,
	})
}

func waitStopped(t *testing.T, s shutter.Shutter) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Motion() == shutter.MotionStopped }, time.Second, 5*time.Millisecond)
}

func TestBridgeTopics(t *testing.T) {
	b := NewBridge(newFakeClient(), newTestShutter(&recordingCommander{}))

	assert.Equal(t, "rfxshutter/0x010203_1/state", b.StateTopic)
	assert.Equal(t, "rfxshutter/0x010203_1/position", b.PositionTopic)
	assert.Equal(t, "rfxshutter/0x010203_1/target", b.TargetTopic)
	assert.Equal(t, "rfxshutter/0x010203_1/motion", b.MotionTopic)
	assert.Equal(t, "rfxshutter/0x010203_1/set", b.CommandTopic)
	assert.Equal(t, "rfxshutter/0x010203_1/position/set", b.PositionChangeTopic)
}

func TestBridgePublishesUpdates(t *testing.T) {
	client := newFakeClient()
	s := newTestShutter(&recordingCommander{})
	b := NewBridge(client, s)

	require.NoError(t, s.SetTargetPosition(context.Background(), 100))

	state, _ := client.last(b.StateTopic)
	assert.Equal(t, shutter.ShutterOpeningState, state)
	target, _ := client.last(b.TargetTopic)
	assert.Equal(t, "100", target)
	motion, _ := client.last(b.MotionTopic)
	assert.Equal(t, "increasing", motion)

	waitStopped(t, s)

	state, _ = client.last(b.StateTopic)
	assert.Equal(t, shutter.ShutterOpenState, state)
	position, _ := client.last(b.PositionTopic)
	assert.Equal(t, "100", position)
}

func TestBridgeCommands(t *testing.T) {
	client := newFakeClient()
	commander := &recordingCommander{}
	s := newTestShutter(commander)
	b := NewBridge(client, s)

	require.NoError(t, b.Subscribe(context.Background()))

	require.True(t, client.deliver(b.CommandTopic, "open"))
	waitStopped(t, s)
	assert.Equal(t, 100, s.Position())

	client.deliver(b.CommandTopic, "dance")
	client.deliver(b.PositionChangeTopic, "not a number")
	assert.Equal(t, []shutter.Action{shutter.ActionUp}, commander.Actions())

	require.True(t, client.deliver(b.PositionChangeTopic, "150"))
	assert.Equal(t, 100, s.TargetPosition())

	require.True(t, client.deliver(b.PositionChangeTopic, "50"))
	waitStopped(t, s)
	assert.Equal(t, 50, s.Position())
	assert.Equal(t, []shutter.Action{shutter.ActionUp, shutter.ActionDown, shutter.ActionStop}, commander.Actions())

	require.NoError(t, b.Unsubscribe())
	assert.False(t, client.subscribed(b.CommandTopic))
	assert.False(t, client.subscribed(b.PositionChangeTopic))
}

func TestBridgeRestoresRetainedPosition(t *testing.T) {
	client := newFakeClient()
	s := newTestShutter(&recordingCommander{})
	b := NewBridge(client, s)

	require.NoError(t, b.Subscribe(context.Background()))
	require.True(t, client.deliver(b.PositionTopic, "35"))

	assert.Equal(t, 35, s.Position())
	assert.False(t, client.subscribed(b.PositionTopic))

	assert.False(t, client.deliver(b.PositionTopic, "80"))
	assert.Equal(t, 35, s.Position())
}

func TestBridgeDoesNotRestoreWhileMoving(t *testing.T) {
	client := newFakeClient()
	s := newTestShutter(&recordingCommander{})
	b := NewBridge(client, s)

	require.NoError(t, b.Subscribe(context.Background()))
	require.NoError(t, s.SetTargetPosition(context.Background(), 100))

	client.deliver(b.PositionTopic, "35")
	waitStopped(t, s)
	assert.Equal(t, 100, s.Position())
}

func TestHACover(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(client, newTestShutter(&recordingCommander{}))

	require.NoError(t, PublishHAAutoDiscovery(client, "homeassistant", b))

	payload, found := client.last("homeassistant/cover/rfxshutter/0x010203_1/config")
	require.True(t, found)

	var cover map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &cover))
	assert.Equal(t, UniqueID("0x010203/1"), cover["uniq_id"])
	assert.Equal(t, "Kitchen", cover["name"])
	assert.Equal(t, "shutter", cover["device_class"])
	assert.Equal(t, b.CommandTopic, cover["cmd_t"])
	assert.Equal(t, b.PositionChangeTopic, cover["set_pos_t"])
	assert.Equal(t, float64(100), cover["pos_open"])
	assert.Equal(t, float64(0), cover["pos_clsd"])
	assert.Equal(t, "RFXtrx433E", cover["device"].(map[string]interface{})["mdl"])

	assert.Equal(t, UniqueID("0x010203/1"), UniqueID("0x010203/1"))
	assert.NotEqual(t, UniqueID("0x010203/1"), UniqueID("0x010203/2"))
}

func TestAdapterFollowsRegistry(t *testing.T) {
	client := newFakeClient()
	commander := &recordingCommander{}
	adapter := NewAdapter(context.Background(), client, HASSConfig{Enabled: true, TopicPrefix: "ha"})

	r := registry.New(nil, func(deviceID string) *shutter.Controller {
		return shutter.NewController(commander, shutter.Config{DeviceID: deviceID})
	}, nil, time.Second)
	r.OnEvent(adapter.HandleEvent)

	r.Reconcile([]string{"0x000001/1", "0x000002/1"}, nil)
	require.Len(t, adapter.Bridges(), 2)
	assert.Equal(t, []string{
		"ha/cover/rfxshutter/0x000001_1/config",
		"ha/cover/rfxshutter/0x000002_1/config",
	}, client.topicsWithPrefix("ha/"))
	assert.True(t, client.subscribed("rfxshutter/0x000001_1/set"))
	position, _ := client.last("rfxshutter/0x000001_1/position")
	assert.Equal(t, "0", position)

	r.Reconcile(nil, []string{"0x000001/1"})
	require.Len(t, adapter.Bridges(), 1)
	config, _ := client.last("ha/cover/rfxshutter/0x000001_1/config")
	assert.Empty(t, config)
	assert.False(t, client.subscribed("rfxshutter/0x000001_1/set"))
	assert.True(t, client.subscribed("rfxshutter/0x000002_1/set"))
}
