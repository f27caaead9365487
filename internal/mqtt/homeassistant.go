package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jkaflik/rfxshutter/internal/shutter"
)

const (
	haManufacturer = "RFX"
	haModel        = "RFXtrx433E"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	UniqueID    string `json:"uniq_id,omitempty"`
	Name        string `json:"name,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`
}

// UniqueID is the stable Home Assistant id of a device.
func UniqueID(deviceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(deviceID)).String()
}

func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	return haCover{
		haEntity: haEntity{
			UniqueID:    UniqueID(bridge.shutter.DeviceID()),
			Name:        bridge.shutter.Name(),
			DeviceClass: "shutter",

			Device: haDevice{
				Identifiers:  []string{UniqueID(bridge.shutter.DeviceID())},
				Manufacturer: haManufacturer,
				Model:        haModel,
				Name:         bridge.shutter.Name(),
				SWVersion:    topicRoot,
			},
		},
		StateTopic:       bridge.StateTopic,
		CommandTopic:     bridge.CommandTopic,
		PositionTopic:    bridge.PositionTopic,
		SetPositionTopic: bridge.PositionChangeTopic,
		PositionOpen:     shutter.FullOpenPosition,
		PositionClosed:   shutter.FullClosePosition,
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
	}
}

func haDiscoveryTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/cover/%s/%s/config", prefix, topicRoot, TopicID(deviceID))
}

func PublishHAAutoDiscovery(client Client, homeAssistantDiscoveryTopicPrefix string, bridge *Bridge) error {
	payload, err := json.Marshal(NewHACoverFromMQTTBridge(bridge))
	if err != nil {
		return err
	}

	topic := haDiscoveryTopic(homeAssistantDiscoveryTopicPrefix, bridge.shutter.DeviceID())
	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: HA discovery publish failed", bridge.shutter.Name())
	}

	return nil
}

// ClearHAAutoDiscovery removes the retained discovery config, which makes
// Home Assistant drop the entity.
func ClearHAAutoDiscovery(client Client, homeAssistantDiscoveryTopicPrefix string, bridge *Bridge) error {
	topic := haDiscoveryTopic(homeAssistantDiscoveryTopicPrefix, bridge.shutter.DeviceID())
	if token := client.Publish(topic, 0, true, []byte{}); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: HA discovery clear failed", bridge.shutter.Name())
	}

	return nil
}
