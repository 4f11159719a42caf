package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID returns the device's persistent identity,
// stored in dataDir/instance_id. A UUIDv7 is generated on first use.
// It identifies the device to Home Assistant and seeds the fallback
// client ID, so it must survive hostname changes.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID returns the MQTT client identifier: the hostname when set,
// otherwise "doorbell-" and the first eight characters of the instance
// ID.
func ClientID(hostname, instanceID string) string {
	if hostname != "" {
		return hostname
	}
	short := strings.ReplaceAll(instanceID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return "doorbell-" + short
}
