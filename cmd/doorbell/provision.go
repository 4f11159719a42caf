package main

import (
	"fmt"
	"log/slog"

	"github.com/nugget/fingerprint-doorbell/internal/config"
	"github.com/nugget/fingerprint-doorbell/internal/settings"
)

// settingsSeeder is the part of the settings store provisioning writes.
type settingsSeeder interface {
	IsConfigured() bool
	WiFi() (settings.WiFi, error)
	SaveWiFi(settings.WiFi) error
	App() (settings.App, error)
	SaveApp(settings.App) error
}

// provision seeds an unconfigured store from the config file. A store
// that already has WiFi credentials is left alone, so operator edits
// made through the admin API survive restarts.
func provision(store settingsSeeder, p config.ProvisionConfig, logger *slog.Logger) error {
	if p.Empty() || store.IsConfigured() {
		return nil
	}

	if p.WiFi.SSID != "" {
		w, err := store.WiFi()
		if err != nil {
			return fmt.Errorf("provision wifi: %w", err)
		}
		w.SSID = p.WiFi.SSID
		w.Password = p.WiFi.Password
		if p.WiFi.Hostname != "" {
			w.Hostname = p.WiFi.Hostname
		}
		if err := store.SaveWiFi(w); err != nil {
			return fmt.Errorf("provision wifi: %w", err)
		}
		logger.Info("provisioned wifi settings", "ssid", w.SSID, "hostname", w.Hostname)
	}

	if p.Broker.Server != "" {
		a, err := store.App()
		if err != nil {
			return fmt.Errorf("provision broker: %w", err)
		}
		a.MQTTServer = p.Broker.Server
		a.MQTTPort = p.Broker.Port
		a.MQTTUsername = p.Broker.Username
		a.MQTTPassword = p.Broker.Password
		if p.Broker.RootTopic != "" {
			a.MQTTRootTopic = p.Broker.RootTopic
		}
		if err := store.SaveApp(a); err != nil {
			return fmt.Errorf("provision broker: %w", err)
		}
		logger.Info("provisioned broker settings", "server", a.MQTTServer, "port", a.MQTTPort, "root", a.MQTTRootTopic)
	}
	return nil
}
