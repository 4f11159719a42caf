// Package device is the scheduler of the doorbell. It boots the
// controller, then runs one tick at a time: apply the pending mode
// transition, service connectivity, run the mode's sensor work, poll
// custom inputs. Administrative operations arrive from other
// goroutines and reach the sensor only through the maintenance
// handshake.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
	"github.com/nugget/fingerprint-doorbell/internal/eventlog"
	"github.com/nugget/fingerprint-doorbell/internal/events"
	"github.com/nugget/fingerprint-doorbell/internal/gpio"
	"github.com/nugget/fingerprint-doorbell/internal/metrics"
	"github.com/nugget/fingerprint-doorbell/internal/mode"
	"github.com/nugget/fingerprint-doorbell/internal/mqtt"
	"github.com/nugget/fingerprint-doorbell/internal/orchestrator"
	"github.com/nugget/fingerprint-doorbell/internal/pairing"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/settings"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
	"github.com/nugget/fingerprint-doorbell/internal/wifi"
)

// Status lines written by the scheduler.
const (
	MsgBooted         = "System booted successfully!"
	MsgRebooting      = "System is rebooting now..."
	MsgPairingInvalid = "Security issue! Pairing with sensor is invalid. This could potentially be an attack! If the sensor is new or has been replaced by you do a (re)pairing in settings page. MQTT messages regarding matching fingerprints will not been sent until pairing is valid again."
	MsgSensorMissing  = "Connecting to the fingerprint sensor failed. Please check the wiring."
	MsgSensorBusy     = "The sensor is busy, please try again."
	MsgSensorPassword = "The fingerprint sensor rejected the password. Please check the sensor PIN in settings."
	MsgPairingUnread  = "The sensor pairing code could not be read. Pairing will be checked again on the next match."
	MsgNoTimeServer   = "No NTP server configured. Log timestamps use the local clock."
	MsgTimeSyncFailed = "Time synchronization with the NTP server failed. Log timestamps use the local clock."
)

// DefaultTickInterval paces the scheduler when the sensor returns
// immediately.
const DefaultTickInterval = 50 * time.Millisecond

// ErrRebootRequested is returned by Run when an operator asked for a
// restart.
var ErrRebootRequested = errors.New("reboot requested")

// SettingsStore is the persistent settings collaborator.
type SettingsStore interface {
	WiFi() (settings.WiFi, error)
	SaveWiFi(settings.WiFi) error
	App() (settings.App, error)
	SaveApp(settings.App) error
	Colors() (sensor.Colors, error)
	SaveColors(sensor.Colors) error
	WebPage() (settings.WebPage, error)
	SaveWebPage(settings.WebPage) error
	IsConfigured() bool
	// DeleteAll wipes every section, reporting failures as
	// *settings.SectionError values joined together.
	DeleteAll() error
}

// AccessPoint opens the configuration hotspot.
type AccessPoint interface {
	StartAccessPoint(ctx context.Context, ap wifi.AccessPoint) error
	StopAccessPoint(ctx context.Context) error
}

// Service is a background server started in network configuration
// mode (the captive DNS).
type Service interface {
	Start() error
	Shutdown() error
}

// Advertiser publishes the admin interface on the local network.
type Advertiser func(hostname string) (shutdown func(), err error)

// Deps wires a Device. Sensor, Machine, Settings, Pairing, Log,
// Supervisor and Orchestrator are required.
type Deps struct {
	Sensor       sensor.Driver
	Machine      *mode.Machine
	Settings     SettingsStore
	Pairing      *pairing.Protocol
	Log          *eventlog.Log
	Supervisor   *connectivity.Supervisor
	Orchestrator *orchestrator.Orchestrator

	GPIO    *gpio.Bank
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Clock   timing.Clock
	Logger  *slog.Logger

	// Network configuration mode.
	AccessPoint       AccessPoint
	AccessPointConfig wifi.AccessPoint
	Captive           Service

	Advertise Advertiser

	// ClientID derives the broker client id from the hostname.
	ClientID func(hostname string) string
	// DiscoveryPrefix enables Home Assistant discovery when set.
	DiscoveryPrefix string
	DeviceInfo      mqtt.DeviceInfo

	// TimeSync measures the local clock offset against an NTP server.
	// LogClock receives the correction; it stamps event log lines.
	TimeSync func(ctx context.Context, server string) (time.Duration, error)
	LogClock *timing.Offset

	TickInterval time.Duration
}

// Device is the running controller.
type Device struct {
	d Deps

	reboot chan struct{}

	sensorUp    atomic.Bool
	colorsDirty atomic.Bool
	identities  atomic.Pointer[[]sensor.Identity]

	mu       sync.Mutex
	hostname string
	bootedAt time.Time
	stopAd   func()
}

// New validates deps and returns a Device that has not booted.
func New(d Deps) (*Device, error) {
	switch {
	case d.Sensor == nil:
		return nil, errors.New("device: sensor driver required")
	case d.Machine == nil:
		return nil, errors.New("device: mode machine required")
	case d.Settings == nil:
		return nil, errors.New("device: settings store required")
	case d.Pairing == nil:
		return nil, errors.New("device: pairing protocol required")
	case d.Log == nil:
		return nil, errors.New("device: event log required")
	case d.Supervisor == nil:
		return nil, errors.New("device: connectivity supervisor required")
	case d.Orchestrator == nil:
		return nil, errors.New("device: orchestrator required")
	}
	if d.Clock == nil {
		d.Clock = timing.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.TickInterval <= 0 {
		d.TickInterval = DefaultTickInterval
	}
	if d.ClientID == nil {
		d.ClientID = func(hostname string) string { return hostname }
	}
	return &Device{d: d, reboot: make(chan struct{}, 1)}, nil
}

// ModeObserver returns a mode.Machine observer that reports changes on
// the bus and in metrics.
func ModeObserver(bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) func(from, to mode.Mode) {
	all := []string{
		mode.Scanning.String(), mode.Enrolling.String(),
		mode.ConfiguringNetwork.String(), mode.Maintenance.String(),
	}
	return func(from, to mode.Mode) {
		if logger != nil {
			logger.Debug("mode changed", "from", from.String(), "to", to.String())
		}
		m.SetMode(to.String(), all)
		bus.Emit(events.SourceDevice, events.KindMode, map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

// Boot brings the controller up: sensor, pairing check, mode selection,
// network and broker. It only fails on programming errors; every
// runtime failure is logged and the device carries on degraded.
func (dv *Device) Boot(ctx context.Context) error {
	d := dv.d
	log := d.Logger
	dv.mu.Lock()
	dv.bootedAt = d.Clock.Now()
	dv.mu.Unlock()

	lease, err := d.Machine.Claim(mode.Scanning)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	drv := lease.Sensor()

	app, err := d.Settings.App()
	if err != nil {
		log.Error("loading app settings failed", "error", err)
	}
	if app.SensorPin == "" {
		app.SensorPin = settings.DefaultSensorPin
	}
	if err := drv.Connect(app.SensorPin); err != nil {
		log.Error("sensor connect failed", "error", err)
		if errors.Is(err, sensor.ErrWrongPassword) {
			d.Log.Notify(MsgSensorPassword)
		} else {
			d.Log.Notify(MsgSensorMissing)
		}
	}
	dv.sensorUp.Store(drv.Connected())

	switch status := d.Pairing.Check(drv); status {
	case pairing.Valid:
	case pairing.Unreadable:
		d.Log.Notify(MsgPairingUnread)
	default:
		log.Warn("sensor pairing not valid", "pairing", status.String())
		d.Log.Security(MsgPairingInvalid)
	}
	touched := drv.IsTouched()
	dv.refreshIdentities(drv)

	wifiCfg, err := d.Settings.WiFi()
	if err != nil {
		log.Error("loading wifi settings failed", "error", err)
	}
	dv.mu.Lock()
	dv.hostname = wifiCfg.Hostname
	dv.mu.Unlock()

	if touched || !d.Settings.IsConfigured() {
		drv.SetIndicator(sensor.IndicatorWifiConfig)
		lease.Release()
		d.Machine.Start(mode.ConfiguringNetwork)
		log.Info("started network configuration mode", "sensor_touched", touched)
		dv.startConfigServices(ctx)
		d.Log.Notify(MsgBooted)
		return nil
	}

	d.Machine.Start(mode.Scanning)
	log.Info("started normal operating mode")
	dv.registerInbound()

	creds := connectivity.Credentials{SSID: wifiCfg.SSID, Password: wifiCfg.Password, Hostname: wifiCfg.Hostname}
	online := d.Supervisor.BringUp(ctx, creds, wifiCfg.DHCP, staticAddress(wifiCfg))
	if online {
		dv.advertise(wifiCfg.Hostname)
		dv.syncTime(ctx, app.NTPServer)
	}

	d.Supervisor.ConfigureBroker(ctx, dv.brokerSettings(app, wifiCfg.Hostname))

	switch {
	case online && drv.Connected():
		colors, err := d.Settings.Colors()
		if err != nil {
			log.Warn("loading color settings failed, using defaults", "error", err)
			colors = sensor.DefaultColors()
		}
		drv.SetColors(colors)
		drv.SetIndicator(sensor.IndicatorReady)
	default:
		drv.SetIndicator(sensor.IndicatorError)
	}
	lease.Release()

	d.Log.Notify(MsgBooted)
	return nil
}

// syncTime corrects the event log clock from the configured NTP server.
// A missing or unreachable server leaves the local clock in use.
func (dv *Device) syncTime(ctx context.Context, server string) {
	d := dv.d
	if d.TimeSync == nil {
		return
	}
	if server == "" {
		d.Logger.Warn("no ntp server configured")
		d.Log.Notify(MsgNoTimeServer)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timing.DefaultSyncTimeout)
	defer cancel()
	offset, err := d.TimeSync(ctx, server)
	if err != nil {
		d.Logger.Warn("time synchronization failed", "server", server, "error", err)
		d.Log.Notify(MsgTimeSyncFailed)
		return
	}
	if d.LogClock != nil {
		d.LogClock.Set(offset)
	}
	d.Logger.Info("time synchronized", "server", server, "offset", offset)
}

func staticAddress(w settings.WiFi) connectivity.StaticAddress {
	return connectivity.StaticAddress{
		Local:   w.LocalIP,
		Gateway: w.Gateway,
		Mask:    w.SubnetMask,
		DNS0:    w.DNS0,
		DNS1:    w.DNS1,
	}
}

func (dv *Device) brokerSettings(app settings.App, hostname string) connectivity.BrokerSettings {
	return connectivity.BrokerSettings{
		Server:    app.MQTTServer,
		Port:      app.MQTTPort,
		Username:  app.MQTTUsername,
		Password:  app.MQTTPassword,
		RootTopic: app.MQTTRootTopic,
		ClientID:  dv.d.ClientID(hostname),
	}
}

// registerInbound routes broker topics to the orchestrator and the
// custom outputs, and publishes discovery on every connect.
func (dv *Device) registerInbound() {
	d := dv.d
	d.Supervisor.Handle(connectivity.TopicIgnoreTouchRing, d.Orchestrator.HandleIgnoreTouchRing)
	for _, name := range d.GPIO.Outputs() {
		d.Supervisor.Handle(name, func(payload string) {
			d.GPIO.HandlePayload(name, []byte(payload))
		})
	}
	if d.DiscoveryPrefix != "" {
		d.Supervisor.OnConnect(func(ctx context.Context, set connectivity.BrokerSettings) {
			if err := mqtt.PublishDiscovery(ctx, d.Supervisor, d.DiscoveryPrefix, set.RootTopic, d.DeviceInfo); err != nil {
				d.Logger.Warn("discovery publish failed", "error", err)
				return
			}
			d.Logger.Debug("discovery published", "prefix", d.DiscoveryPrefix)
		})
	}
}

func (dv *Device) startConfigServices(ctx context.Context) {
	d := dv.d
	if d.AccessPoint != nil {
		if err := d.AccessPoint.StartAccessPoint(ctx, d.AccessPointConfig); err != nil {
			d.Logger.Error("access point failed", "ssid", d.AccessPointConfig.SSID, "error", err)
		} else {
			d.Logger.Info("access point started", "ssid", d.AccessPointConfig.SSID, "address", d.AccessPointConfig.Address)
		}
	}
	if d.Captive != nil {
		if err := d.Captive.Start(); err != nil {
			d.Logger.Error("captive dns failed", "error", err)
		}
	}
}

func (dv *Device) advertise(hostname string) {
	if dv.d.Advertise == nil {
		return
	}
	stop, err := dv.d.Advertise(hostname)
	if err != nil {
		dv.d.Logger.Warn("mdns advertisement failed", "hostname", hostname, "error", err)
		return
	}
	dv.mu.Lock()
	dv.stopAd = stop
	dv.mu.Unlock()
}

// Tick runs one scheduler pass.
func (dv *Device) Tick(ctx context.Context) {
	d := dv.d
	current := d.Machine.Advance()
	if current != mode.ConfiguringNetwork {
		d.Supervisor.Service(ctx)
	}

	switch current {
	case mode.Scanning:
		dv.scan(ctx)
	case mode.Enrolling:
		dv.enroll()
	case mode.ConfiguringNetwork, mode.Maintenance:
		// no sensor work
	}

	if current != mode.ConfiguringNetwork {
		dv.pollInputs(ctx)
	}
}

func (dv *Device) scan(ctx context.Context) {
	lease, err := dv.d.Machine.Claim(mode.Scanning)
	if err != nil {
		dv.d.Logger.Debug("scan skipped", "error", err)
		return
	}
	defer lease.Release()

	drv := lease.Sensor()
	connected := drv.Connected()
	if was := dv.sensorUp.Swap(connected); was != connected {
		dv.d.Logger.Info("sensor connection changed", "connected", connected)
	}
	if !connected {
		return
	}
	if dv.colorsDirty.Swap(false) {
		dv.applyColors(drv)
	}
	dv.d.Orchestrator.ScanTick(ctx, lease)
}

func (dv *Device) enroll() {
	defer dv.d.Machine.Finish()
	req, ok := dv.d.Machine.TakeEnrollRequest()
	if !ok {
		return
	}
	lease, err := dv.d.Machine.Claim(mode.Enrolling)
	if err != nil {
		dv.d.Logger.Warn("enrollment skipped", "slot", req.Slot, "error", err)
		return
	}
	defer lease.Release()
	if dv.d.Orchestrator.EnrollTick(lease, req) {
		dv.refreshIdentities(lease.Sensor())
	}
}

func (dv *Device) pollInputs(ctx context.Context) {
	for _, c := range dv.d.GPIO.PollInputs() {
		payload := "off"
		if c.On {
			payload = "on"
		}
		dv.d.Logger.Debug("custom input changed", "input", c.Name, "on", c.On)
		if err := dv.d.Supervisor.Publish(ctx, c.Name, payload); err != nil {
			dv.d.Logger.Debug("custom input not published", "input", c.Name, "error", err)
		}
	}
}

func (dv *Device) applyColors(drv sensor.Driver) {
	colors, err := dv.d.Settings.Colors()
	if err != nil {
		dv.d.Logger.Warn("loading color settings failed", "error", err)
		return
	}
	drv.SetColors(colors)
	drv.SetIndicator(sensor.IndicatorReady)
}

func (dv *Device) refreshIdentities(drv sensor.Driver) {
	ids := drv.Identities()
	dv.identities.Store(&ids)
}

// Run ticks until ctx is cancelled or a reboot is requested, then
// shuts down the network services.
func (dv *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(dv.d.TickInterval)
	defer ticker.Stop()
	defer dv.shutdown()

	for {
		dv.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-dv.reboot:
			return ErrRebootRequested
		case <-ticker.C:
		}
	}
}

func (dv *Device) shutdown() {
	d := dv.d
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d.Supervisor.Close(ctx)
	dv.mu.Lock()
	stop := dv.stopAd
	dv.stopAd = nil
	dv.mu.Unlock()
	if stop != nil {
		stop()
	}
	if d.Machine.Mode() == mode.ConfiguringNetwork {
		if d.Captive != nil {
			if err := d.Captive.Shutdown(); err != nil {
				d.Logger.Debug("captive dns shutdown", "error", err)
			}
		}
		if d.AccessPoint != nil {
			if err := d.AccessPoint.StopAccessPoint(ctx); err != nil {
				d.Logger.Warn("stopping access point failed", "error", err)
			}
		}
	}
	d.Logger.Info("device stopped")
}

// RequestReboot asks Run to return ErrRebootRequested after the
// current tick.
func (dv *Device) RequestReboot() {
	dv.d.Log.Notify(MsgRebooting)
	select {
	case dv.reboot <- struct{}{}:
	default:
	}
}

// validIP reports whether s parses as an IP address.
func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
