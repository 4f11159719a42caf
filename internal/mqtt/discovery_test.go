package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "frontdoor")
	if info.Name != "frontdoor" {
		t.Errorf("Name = %q, want %q", info.Name, "frontdoor")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func TestDiscovery(t *testing.T) {
	msgs, err := Discovery("homeassistant", "fingerprintDoorbell", NewDeviceInfo("inst", "frontdoor"))
	if err != nil {
		t.Fatalf("Discovery() error: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("len(msgs) = %d, want 6", len(msgs))
	}

	byTopic := make(map[string]EntityConfig)
	for _, m := range msgs {
		var cfg EntityConfig
		if err := json.Unmarshal(m.Payload, &cfg); err != nil {
			t.Fatalf("payload for %s is not JSON: %v", m.Topic, err)
		}
		if !strings.HasSuffix(m.Topic, "/config") {
			t.Errorf("topic %q lacks /config suffix", m.Topic)
		}
		byTopic[m.Topic] = cfg
	}

	ring, ok := byTopic["homeassistant/binary_sensor/inst/ring/config"]
	if !ok {
		t.Fatalf("ring discovery missing; topics: %v", byTopic)
	}
	if ring.StateTopic != "fingerprintDoorbell/ring" || ring.PayloadOn != "on" || ring.UniqueID != "inst_ring" {
		t.Errorf("ring config = %+v", ring)
	}

	sw, ok := byTopic["homeassistant/switch/inst/ignore_touch_ring/config"]
	if !ok {
		t.Fatal("ignore_touch_ring discovery missing")
	}
	if sw.CommandTopic != "fingerprintDoorbell/ignoreTouchRing" || sw.StateTopic != "" {
		t.Errorf("switch config = %+v", sw)
	}
}

type retainedRecorder struct {
	topics []string
	retain []bool
}

func (r *retainedRecorder) PublishTopic(_ context.Context, topic string, _ []byte, retain bool) error {
	r.topics = append(r.topics, topic)
	r.retain = append(r.retain, retain)
	return nil
}

func TestPublishDiscovery(t *testing.T) {
	rec := &retainedRecorder{}
	if err := PublishDiscovery(context.Background(), rec, "ha", "root", NewDeviceInfo("inst", "d")); err != nil {
		t.Fatalf("PublishDiscovery() error: %v", err)
	}
	if len(rec.topics) != 6 {
		t.Errorf("published %d messages, want 6", len(rec.topics))
	}
	for i, r := range rec.retain {
		if !r {
			t.Errorf("message %s not retained", rec.topics[i])
		}
	}
}
