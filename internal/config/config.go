// Package config handles doorbell configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/fingerprint-doorbell/internal/gpio"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/doorbell/config.yaml, /etc/doorbell/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "doorbell", "config.yaml"))
	}

	paths = append(paths, "/etc/doorbell/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all process-level doorbell configuration. Device
// settings edited by the operator (WiFi, broker, colors, credentials)
// live in the settings store instead.
type Config struct {
	DataDir      string          `yaml:"data_dir"`
	LogLevel     string          `yaml:"log_level"`
	LogFormat    string          `yaml:"log_format"` // text or json
	Listen       ListenConfig    `yaml:"listen"`
	TickInterval time.Duration   `yaml:"tick_interval"`
	Sensor       SensorConfig    `yaml:"sensor"`
	GPIO         GPIOConfig      `yaml:"gpio"`
	Network      NetworkConfig   `yaml:"network"`
	MQTT         MQTTConfig      `yaml:"mqtt"`
	Timing       TimingConfig    `yaml:"timing"`
	Provision    ProvisionConfig `yaml:"provision"`
}

// ListenConfig defines the admin API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SensorConfig selects the fingerprint module driver.
type SensorConfig struct {
	// Driver names the implementation. Only "sim" ships today.
	Driver string `yaml:"driver"`
	// Enrolled seeds the simulated module with templates.
	Enrolled map[int]string `yaml:"enrolled"`
}

// GPIOConfig maps the doorbell signal and custom lines to a chip.
type GPIOConfig struct {
	Enabled bool   `yaml:"enabled"`
	Chip    string `yaml:"chip"` // e.g. gpiochip0
	// DoorbellLine is the output pulsed on an unknown finger. A
	// negative value disables it.
	DoorbellLine int        `yaml:"doorbell_line"`
	Outputs      []gpio.Pin `yaml:"outputs"`
	Inputs       []gpio.Pin `yaml:"inputs"`
}

// Bank converts the section into the gpio package configuration.
func (g GPIOConfig) Bank() gpio.Config {
	return gpio.Config{
		Chip:           g.Chip,
		DoorbellOffset: g.DoorbellLine,
		Outputs:        g.Outputs,
		Inputs:         g.Inputs,
	}
}

// NetworkConfig controls how WiFi is brought up.
type NetworkConfig struct {
	Interface string `yaml:"interface"`
	// Mode is "nmcli" (the controller joins networks through
	// NetworkManager) or "host" (the OS owns the link).
	Mode        string            `yaml:"mode"`
	AccessPoint AccessPointConfig `yaml:"access_point"`
	CaptiveDNS  CaptiveDNSConfig  `yaml:"captive_dns"`
	MDNS        MDNSConfig        `yaml:"mdns"`
}

// AccessPointConfig is the hotspot opened in configuration mode.
type AccessPointConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	Address  string `yaml:"address"`
}

// CaptiveDNSConfig controls the configuration-mode DNS responder.
type CaptiveDNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MDNSConfig controls the _http._tcp advertisement.
type MDNSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig holds process-level broker options. Server address and
// credentials come from the settings store.
type MQTTConfig struct {
	TLS bool `yaml:"tls"`
	// DiscoveryPrefix enables Home Assistant discovery when set
	// (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

// TimingConfig overrides supervisor and scheduler timing.
type TimingConfig struct {
	RetryInterval   time.Duration `yaml:"retry_interval"`
	BringUpAttempts int           `yaml:"bring_up_attempts"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaintenanceWait time.Duration `yaml:"maintenance_wait"`
}

// ProvisionConfig seeds an empty settings store on first boot, so a
// headless install can skip configuration mode.
type ProvisionConfig struct {
	WiFi struct {
		SSID     string `yaml:"ssid"`
		Password string `yaml:"password"`
		Hostname string `yaml:"hostname"`
	} `yaml:"wifi"`
	Broker struct {
		Server    string `yaml:"server"`
		Port      int    `yaml:"port"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		RootTopic string `yaml:"root_topic"`
	} `yaml:"broker"`
}

// Empty reports whether nothing is provisioned.
func (p ProvisionConfig) Empty() bool {
	return p.WiFi.SSID == "" && p.Broker.Server == ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:      "./data",
		LogFormat:    "text",
		Listen:       ListenConfig{Port: 8080},
		TickInterval: 50 * time.Millisecond,
		Sensor:       SensorConfig{Driver: "sim"},
		GPIO:         GPIOConfig{Chip: "gpiochip0", DoorbellLine: -1},
		Network: NetworkConfig{
			Interface: "wlan0",
			Mode:      "nmcli",
			AccessPoint: AccessPointConfig{
				SSID:     "FingerprintDoorbell-Config",
				Password: "12345678",
				Address:  "192.168.4.1",
			},
			CaptiveDNS: CaptiveDNSConfig{Enabled: true, Listen: ":53"},
			MDNS:       MDNSConfig{Enabled: true},
		},
		Timing: TimingConfig{
			RetryInterval:   30 * time.Second,
			BringUpAttempts: 30,
			ConnectTimeout:  3 * time.Second,
			MaintenanceWait: 5 * time.Second,
		},
	}
}

// applyDefaults fills values a config file explicitly zeroed.
func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Sensor.Driver == "" {
		c.Sensor.Driver = d.Sensor.Driver
	}
	if c.Network.Mode == "" {
		c.Network.Mode = d.Network.Mode
	}
	if c.Network.AccessPoint.Address == "" {
		c.Network.AccessPoint.Address = d.Network.AccessPoint.Address
	}
	if c.Provision.Broker.Server != "" && c.Provision.Broker.Port == 0 {
		c.Provision.Broker.Port = 1883
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.Sensor.Driver != "sim" {
		errs = append(errs, fmt.Errorf("unknown sensor.driver %q (valid: sim)", c.Sensor.Driver))
	}
	switch c.Network.Mode {
	case "nmcli", "host":
	default:
		errs = append(errs, fmt.Errorf("unknown network.mode %q (valid: nmcli, host)", c.Network.Mode))
	}
	if ap := c.Network.AccessPoint; ap.Password != "" && len(ap.Password) < 8 {
		errs = append(errs, errors.New("network.access_point.password must be at least 8 characters"))
	}
	if t := c.Timing; t.RetryInterval <= 0 || t.ConnectTimeout <= 0 || t.MaintenanceWait <= 0 {
		errs = append(errs, errors.New("timing intervals must be positive"))
	}
	if t := c.Timing; t.ConnectTimeout >= t.MaintenanceWait {
		// A broker connect runs on the scheduler tick and would starve
		// the maintenance handshake.
		errs = append(errs, fmt.Errorf("timing.connect_timeout %s must be shorter than timing.maintenance_wait %s",
			t.ConnectTimeout, t.MaintenanceWait))
	}
	if c.Timing.BringUpAttempts < 1 {
		errs = append(errs, errors.New("timing.bring_up_attempts must be at least 1"))
	}
	if p := c.Provision.Broker.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("provision.broker.port %d out of range", p))
	}
	return errors.Join(errs...)
}

// DatabasePath returns the settings database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "settings.db")
}
