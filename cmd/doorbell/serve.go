package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/api"
	"github.com/nugget/fingerprint-doorbell/internal/config"
	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
	"github.com/nugget/fingerprint-doorbell/internal/device"
	"github.com/nugget/fingerprint-doorbell/internal/eventlog"
	"github.com/nugget/fingerprint-doorbell/internal/events"
	"github.com/nugget/fingerprint-doorbell/internal/gpio"
	"github.com/nugget/fingerprint-doorbell/internal/metrics"
	"github.com/nugget/fingerprint-doorbell/internal/mode"
	"github.com/nugget/fingerprint-doorbell/internal/mqtt"
	"github.com/nugget/fingerprint-doorbell/internal/orchestrator"
	"github.com/nugget/fingerprint-doorbell/internal/pairing"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/sensor/sim"
	"github.com/nugget/fingerprint-doorbell/internal/settings"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
	"github.com/nugget/fingerprint-doorbell/internal/wifi"
)

const shutdownTimeout = 5 * time.Second

// hardware is everything that survives a controller restart: the
// sensor module, the GPIO lines, the settings database and the
// process-wide bus and metrics registry.
type hardware struct {
	store      *settings.Store
	sensor     sensor.Driver
	gpio       *gpio.Bank
	bus        *events.Bus
	metrics    *metrics.Metrics
	instanceID string
}

func openHardware(cfg *config.Config, logger *slog.Logger) (*hardware, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := settings.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	if err := provision(store, cfg.Provision, logger); err != nil {
		store.Close()
		return nil, err
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	hw := &hardware{
		store:      store,
		sensor:     sensor.Traced(newSensor(cfg.Sensor, logger), logger),
		bus:        events.New(),
		metrics:    metrics.New(),
		instanceID: instanceID,
	}

	if cfg.GPIO.Enabled {
		bank, err := gpio.Open(cfg.GPIO.Bank(), logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open gpio: %w", err)
		}
		hw.gpio = bank
	}

	logger.Info("hardware ready", "instance_id", instanceID, "gpio", cfg.GPIO.Enabled)
	return hw, nil
}

// Close releases the GPIO lines and the settings database.
func (hw *hardware) Close() error {
	return errors.Join(hw.gpio.Close(), hw.store.Close())
}

// newSensor builds the configured driver. Only the simulated module
// exists; config validation rejects anything else.
func newSensor(cfg config.SensorConfig, logger *slog.Logger) sensor.Driver {
	drv := sim.New()
	slots := make([]int, 0, len(cfg.Enrolled))
	for slot := range cfg.Enrolled {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for _, slot := range slots {
		if res := drv.Enroll(slot, cfg.Enrolled[slot]); !res.OK {
			logger.Warn("seeding simulated sensor failed", "slot", slot, "code", res.Code)
		}
	}
	return drv
}

// serveOnce boots one controller generation and runs it until ctx is
// cancelled or a reboot is requested.
func serveOnce(ctx context.Context, cfg *config.Config, hw *hardware, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logClock := timing.NewOffset(nil)
	log := eventlog.New(logger,
		eventlog.WithClock(logClock),
		eventlog.WithBus(hw.bus),
		eventlog.WithObserver(func(security bool) {
			if security {
				hw.metrics.SecurityEvent()
			}
		}),
	)

	machine := mode.New(hw.sensor,
		mode.WithObserver(device.ModeObserver(hw.bus, hw.metrics, logger)),
		mode.WithMaintenanceWait(cfg.Timing.MaintenanceWait, 0),
	)

	pair, err := pairing.New(hw.store, log, logger)
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}

	var link connectivity.Link
	var ap device.AccessPoint
	switch cfg.Network.Mode {
	case "host":
		link = wifi.NewHostLink(cfg.Network.Interface)
	default:
		nm := wifi.NewNMLink(cfg.Network.Interface, logger)
		link, ap = nm, nm
	}

	sup := connectivity.New(connectivity.Config{
		Link:            link,
		Broker:          mqtt.NewDialer(cfg.MQTT.TLS, logger),
		Log:             log,
		Bus:             hw.bus,
		Metrics:         hw.metrics,
		Logger:          logger,
		RetryInterval:   cfg.Timing.RetryInterval,
		BringUpAttempts: cfg.Timing.BringUpAttempts,
		ConnectTimeout:  cfg.Timing.ConnectTimeout,
	})
	log.SetPublisher(sup)

	orchCfg := orchestrator.Config{
		Log:       log,
		Publisher: sup,
		Pairing:   pair,
		Bus:       hw.bus,
		Metrics:   hw.metrics,
		Logger:    logger,
	}
	if hw.gpio != nil {
		orchCfg.Signal = hw.gpio
	}

	apCfg := wifi.AccessPoint{
		SSID:     cfg.Network.AccessPoint.SSID,
		Password: cfg.Network.AccessPoint.Password,
		Address:  cfg.Network.AccessPoint.Address,
	}

	deps := device.Deps{
		Sensor:            hw.sensor,
		Machine:           machine,
		Settings:          hw.store,
		Pairing:           pair,
		Log:               log,
		Supervisor:        sup,
		Orchestrator:      orchestrator.New(orchCfg),
		GPIO:              hw.gpio,
		Bus:               hw.bus,
		Metrics:           hw.metrics,
		Logger:            logger,
		AccessPoint:       ap,
		AccessPointConfig: apCfg,
		ClientID:          func(hostname string) string { return mqtt.ClientID(hostname, hw.instanceID) },
		DiscoveryPrefix:   cfg.MQTT.DiscoveryPrefix,
		DeviceInfo:        mqtt.NewDeviceInfo(hw.instanceID, cfg.MQTT.DeviceName),
		TimeSync:          timing.QueryNTP,
		LogClock:          logClock,
		TickInterval:      cfg.TickInterval,
	}
	if cfg.Network.CaptiveDNS.Enabled {
		deps.Captive = wifi.NewCaptiveDNS(cfg.Network.CaptiveDNS.Listen, net.ParseIP(apCfg.Address), logger)
	}
	if cfg.Network.MDNS.Enabled {
		deps.Advertise = func(hostname string) (func(), error) {
			ad, err := wifi.Advertise(hostname, cfg.Listen.Port, cfg.Network.Interface)
			if err != nil {
				return nil, err
			}
			return ad.Shutdown, nil
		}
	}

	dev, err := device.New(deps)
	if err != nil {
		return err
	}
	if err := dev.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, dev, logger)
	server.SetBus(hw.bus)
	server.SetMetrics(hw.metrics.Handler())
	server.SetProvisioning(apCfg.SSID, apCfg.Password)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
	}()

	runErr := dev.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown failed", "error", err)
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server failed: %w", err)
	default:
	}
	return runErr
}
