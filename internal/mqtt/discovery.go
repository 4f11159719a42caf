package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/fingerprint-doorbell/internal/buildinfo"
	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups the entities under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// EntityConfig is the JSON payload of one discovery message.
type EntityConfig struct {
	Name           string     `json:"name"`
	UniqueID       string     `json:"unique_id"`
	ObjectID       string     `json:"object_id,omitempty"`
	StateTopic     string     `json:"state_topic,omitempty"`
	CommandTopic   string     `json:"command_topic,omitempty"`
	PayloadOn      string     `json:"payload_on,omitempty"`
	PayloadOff     string     `json:"payload_off,omitempty"`
	Optimistic     bool       `json:"optimistic,omitempty"`
	DeviceClass    string     `json:"device_class,omitempty"`
	Icon           string     `json:"icon,omitempty"`
	EntityCategory string     `json:"entity_category,omitempty"`
	Device         DeviceInfo `json:"device"`
}

// NewDeviceInfo creates a DeviceInfo keyed by the persistent instance
// ID, which stays stable when the hostname changes.
func NewDeviceInfo(instanceID, name string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         name,
		Manufacturer: "FingerprintDoorbell",
		Model:        "Fingerprint Doorbell Controller",
		SWVersion:    buildinfo.Version,
	}
}

// Message is one retained discovery publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Discovery builds the discovery messages for a doorbell whose
// telemetry lives under rootTopic.
func Discovery(prefix, rootTopic string, device DeviceInfo) ([]Message, error) {
	id := device.Identifiers[0]
	topic := func(suffix string) string { return rootTopic + "/" + suffix }

	defs := []struct {
		component string
		entity    string
		config    EntityConfig
	}{
		{"binary_sensor", "ring", EntityConfig{
			Name:        "Ring",
			StateTopic:  topic(connectivity.TopicRing),
			PayloadOn:   "on",
			PayloadOff:  "off",
			DeviceClass: "sound",
			Icon:        "mdi:doorbell",
		}},
		{"sensor", "match_id", EntityConfig{
			Name:       "Match ID",
			StateTopic: topic(connectivity.TopicMatchID),
			Icon:       "mdi:fingerprint",
		}},
		{"sensor", "match_name", EntityConfig{
			Name:       "Match Name",
			StateTopic: topic(connectivity.TopicMatchName),
			Icon:       "mdi:account",
		}},
		{"sensor", "match_confidence", EntityConfig{
			Name:       "Match Confidence",
			StateTopic: topic(connectivity.TopicMatchConfidence),
			Icon:       "mdi:percent",
		}},
		{"sensor", "last_log_message", EntityConfig{
			Name:           "Last Log Message",
			StateTopic:     topic(connectivity.TopicLastLogMessage),
			Icon:           "mdi:message-text",
			EntityCategory: "diagnostic",
		}},
		{"switch", "ignore_touch_ring", EntityConfig{
			Name:           "Ignore Touch Ring",
			CommandTopic:   topic(connectivity.TopicIgnoreTouchRing),
			PayloadOn:      "on",
			PayloadOff:     "off",
			Optimistic:     true,
			Icon:           "mdi:gesture-tap",
			EntityCategory: "config",
		}},
	}

	msgs := make([]Message, 0, len(defs))
	for _, d := range defs {
		cfg := d.config
		cfg.UniqueID = id + "_" + d.entity
		cfg.Device = device
		payload, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s discovery: %w", d.entity, err)
		}
		msgs = append(msgs, Message{
			Topic:   prefix + "/" + d.component + "/" + id + "/" + d.entity + "/config",
			Payload: payload,
		})
	}
	return msgs, nil
}

// RetainedPublisher publishes to absolute topics.
type RetainedPublisher interface {
	PublishTopic(ctx context.Context, topic string, payload []byte, retain bool) error
}

// PublishDiscovery sends every discovery message retained.
func PublishDiscovery(ctx context.Context, pub RetainedPublisher, prefix, rootTopic string, device DeviceInfo) error {
	msgs, err := Discovery(prefix, rootTopic, device)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := pub.PublishTopic(ctx, m.Topic, m.Payload, true); err != nil {
			return err
		}
	}
	return nil
}
