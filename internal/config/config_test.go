package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("listen port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.TickInterval != 50*time.Millisecond {
		t.Errorf("tick interval = %v", cfg.TickInterval)
	}
	if cfg.Sensor.Driver != "sim" || cfg.Network.Mode != "nmcli" {
		t.Errorf("sensor/network defaults = %q/%q", cfg.Sensor.Driver, cfg.Network.Mode)
	}
	if cfg.GPIO.DoorbellLine != -1 {
		t.Errorf("doorbell line = %d, want disabled", cfg.GPIO.DoorbellLine)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("DOORBELL_BROKER_PASS", "s3cret")
	cfg, err := Load(writeConfig(t, `
provision:
  broker:
    server: mqtt.lan
    password: ${DOORBELL_BROKER_PASS}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provision.Broker.Password != "s3cret" {
		t.Errorf("password = %q", cfg.Provision.Broker.Password)
	}
	if cfg.Provision.Broker.Port != 1883 {
		t.Errorf("provisioned port = %d, want 1883", cfg.Provision.Broker.Port)
	}
	if cfg.Provision.Empty() {
		t.Error("provision block reported empty")
	}
}

func TestLoadGPIO(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gpio:
  enabled: true
  chip: gpiochip4
  doorbell_line: 17
  outputs:
    - name: doorOpener
      offset: 22
  inputs:
    - name: doorContact
      offset: 23
      active_low: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	bank := cfg.GPIO.Bank()
	if bank.Chip != "gpiochip4" || bank.DoorbellOffset != 17 {
		t.Errorf("bank = %+v", bank)
	}
	if len(bank.Inputs) != 1 || !bank.Inputs[0].ActiveLow || bank.Inputs[0].Name != "doorContact" {
		t.Errorf("inputs = %+v", bank.Inputs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"port zero", func(c *Config) { c.Listen.Port = 0 }, "listen.port"},
		{"tick", func(c *Config) { c.TickInterval = 0 }, "tick_interval"},
		{"driver", func(c *Config) { c.Sensor.Driver = "r503" }, "sensor.driver"},
		{"network mode", func(c *Config) { c.Network.Mode = "wpa" }, "network.mode"},
		{"short ap password", func(c *Config) { c.Network.AccessPoint.Password = "1234" }, "at least 8"},
		{"retry", func(c *Config) { c.Timing.RetryInterval = -time.Second }, "timing intervals"},
		{"attempts", func(c *Config) { c.Timing.BringUpAttempts = 0 }, "bring_up_attempts"},
		{"connect outlasts maintenance wait", func(c *Config) { c.Timing.ConnectTimeout = 10 * time.Second }, "shorter than timing.maintenance_wait"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	if _, err := Load(writeConfig(t, "listen:\n  port: 70000\n")); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestFindConfig(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit path")
	}
	path := writeConfig(t, "")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = %q, %v", got, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{"TRACE", "DEBUG-4", false},
		{" warning ", "WARN", false},
		{"error", "ERROR", false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		lvl, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && lvl.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, lvl, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "sensor scan", "outcome", "match")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("text output = %q, want level=TRACE", buf.String())
	}

	buf.Reset()
	logger = NewLogger(&buf, slog.LevelDebug, "JSON")
	logger.Log(context.Background(), LevelTrace, "dropped")
	logger.Debug("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, `"msg":"kept"`) {
		t.Errorf("json output = %q", out)
	}
}
