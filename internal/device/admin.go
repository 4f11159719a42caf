package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
	"github.com/nugget/fingerprint-doorbell/internal/mode"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/settings"
)

// ErrRejected means the sensor refused an administrative operation.
var ErrRejected = errors.New("sensor rejected the operation")

// Status is a point-in-time view of the controller.
type Status struct {
	Mode            string             `json:"mode"`
	Hostname        string             `json:"hostname"`
	Connectivity    connectivity.State `json:"connectivity"`
	PairingValid    bool               `json:"pairing_valid"`
	SensorConnected bool               `json:"sensor_connected"`
	IgnoreTouchRing bool               `json:"ignore_touch_ring"`
	Identities      int                `json:"identities"`
	Uptime          string             `json:"uptime"`
}

// Status reports the current state without touching the sensor.
func (dv *Device) Status() Status {
	dv.mu.Lock()
	hostname, booted := dv.hostname, dv.bootedAt
	dv.mu.Unlock()

	var uptime string
	if !booted.IsZero() {
		uptime = dv.d.Clock.Now().Sub(booted).Truncate(time.Second).String()
	}
	return Status{
		Mode:            dv.d.Machine.Mode().String(),
		Hostname:        hostname,
		Connectivity:    dv.d.Supervisor.Snapshot(),
		PairingValid:    dv.d.Pairing.Valid(),
		SensorConnected: dv.sensorUp.Load(),
		IgnoreTouchRing: dv.d.Orchestrator.IgnoringTouchRing(),
		Identities:      len(dv.Identities()),
		Uptime:          uptime,
	}
}

// Identities returns the enrolled identities as of the last sensor
// access.
func (dv *Device) Identities() []sensor.Identity {
	ids := dv.identities.Load()
	if ids == nil {
		return nil
	}
	return append([]sensor.Identity(nil), (*ids)...)
}

// Lines returns the retained status lines.
func (dv *Device) Lines() []string {
	return dv.d.Log.Lines()
}

// Enroll queues an enrollment for the next tick. An out-of-range slot
// is rejected here without a mode change.
func (dv *Device) Enroll(req sensor.EnrollRequest) error {
	if err := req.Validate(); err != nil {
		dv.d.Log.Notify(fmt.Sprintf("Invalid memory slot id '%d'", req.Slot))
		return err
	}
	return dv.d.Machine.RequestEnroll(req)
}

// exclusive runs fn with the sensor held in Maintenance. When
// exclusivity is not granted fn is not called.
func (dv *Device) exclusive(ctx context.Context, op string, fn func(drv sensor.Driver) error) error {
	lease, err := dv.d.Machine.AcquireExclusive(ctx)
	if err != nil {
		dv.d.Logger.Warn("exclusive sensor access not granted", "op", op, "error", err)
		if errors.Is(err, mode.ErrExclusivityTimeout) || errors.Is(err, mode.ErrSensorBusy) {
			dv.d.Log.Notify(MsgSensorBusy)
		}
		return err
	}
	defer lease.Release()
	return fn(lease.Sensor())
}

// DeleteIdentity removes the template in slot.
func (dv *Device) DeleteIdentity(ctx context.Context, slot int) error {
	if err := sensor.ValidateSlot(slot); err != nil {
		return err
	}
	return dv.exclusive(ctx, "delete", func(drv sensor.Driver) error {
		if !drv.Delete(slot) {
			dv.d.Log.Notify(fmt.Sprintf("Fingerprint with id %d could not be deleted.", slot))
			return ErrRejected
		}
		dv.d.Log.Notify(fmt.Sprintf("Fingerprint with id %d deleted.", slot))
		dv.identitiesChanged(drv)
		return nil
	})
}

// RenameIdentity changes the name stored with slot.
func (dv *Device) RenameIdentity(ctx context.Context, slot int, name string) error {
	if err := sensor.ValidateSlot(slot); err != nil {
		return err
	}
	return dv.exclusive(ctx, "rename", func(drv sensor.Driver) error {
		if !drv.Rename(slot, name) {
			dv.d.Log.Notify(fmt.Sprintf("Fingerprint with id %d could not be renamed.", slot))
			return ErrRejected
		}
		dv.d.Log.Notify(fmt.Sprintf("Fingerprint with id %d renamed to '%s'.", slot, name))
		dv.identitiesChanged(drv)
		return nil
	})
}

// DeleteAllIdentities wipes the sensor's template memory.
func (dv *Device) DeleteAllIdentities(ctx context.Context) error {
	dv.d.Log.Notify("Deleting all fingerprints...")
	return dv.exclusive(ctx, "delete_all", func(drv sensor.Driver) error {
		defer dv.identitiesChanged(drv)
		if !drv.DeleteAll() {
			dv.d.Log.Notify("Finger database could not be deleted.")
			return ErrRejected
		}
		return nil
	})
}

func (dv *Device) identitiesChanged(drv sensor.Driver) {
	dv.refreshIdentities(drv)
	dv.d.Orchestrator.PublishIdentities(dv.Identities())
}

// Repair pairs the controller with the attached sensor again.
func (dv *Device) Repair(ctx context.Context) error {
	return dv.exclusive(ctx, "pair", func(drv sensor.Driver) error {
		if !dv.d.Pairing.Pair(drv) {
			return ErrRejected
		}
		return nil
	})
}

// FactoryReset wipes the sensor database and every settings section,
// then requests a reboot. Each step is attempted even if an earlier one
// failed; failures are logged and joined into the returned error.
func (dv *Device) FactoryReset(ctx context.Context) error {
	d := dv.d
	d.Log.Notify("Factory reset initiated...")

	var errs []error
	err := dv.exclusive(ctx, "factory_reset", func(drv sensor.Driver) error {
		defer dv.refreshIdentities(drv)
		if !drv.DeleteAll() {
			return ErrRejected
		}
		return nil
	})
	if err != nil {
		d.Log.Notify("Finger database could not be deleted.")
		errs = append(errs, fmt.Errorf("sensor database: %w", err))
	}

	if err := d.Settings.DeleteAll(); err != nil {
		for _, e := range unjoin(err) {
			ns := "unknown"
			var se *settings.SectionError
			if errors.As(e, &se) {
				ns = se.Namespace
			}
			d.Logger.Error("deleting settings failed", "namespace", ns, "error", e)
			d.Log.Notify(sectionLabel(ns) + " settings could not be deleted.")
			errs = append(errs, fmt.Errorf("%s settings: %w", ns, e))
		}
	}
	d.Pairing.Forget()

	dv.RequestReboot()
	return errors.Join(errs...)
}

func sectionLabel(namespace string) string {
	switch namespace {
	case settings.NamespaceColors:
		return "Color"
	case settings.NamespaceWiFi:
		return "Wifi"
	case settings.NamespaceApp:
		return "App"
	case settings.NamespaceWebPage:
		return "Web page"
	default:
		return "Some"
	}
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// Settings is the operator view of the stored settings, with secrets
// masked.
type Settings struct {
	WiFi    settings.WiFi    `json:"wifi"`
	App     settings.App     `json:"app"`
	Colors  sensor.Colors    `json:"colors"`
	WebPage settings.WebPage `json:"webpage"`
}

// Settings loads every section for display.
func (dv *Device) Settings() (Settings, error) {
	s := dv.d.Settings
	w, err := s.WiFi()
	if err != nil {
		return Settings{}, fmt.Errorf("wifi settings: %w", err)
	}
	a, err := s.App()
	if err != nil {
		return Settings{}, fmt.Errorf("app settings: %w", err)
	}
	c, err := s.Colors()
	if err != nil {
		return Settings{}, fmt.Errorf("color settings: %w", err)
	}
	p, err := s.WebPage()
	if err != nil {
		return Settings{}, fmt.Errorf("web page settings: %w", err)
	}
	return Settings{WiFi: w.Masked(), App: a.Masked(), Colors: c, WebPage: p}, nil
}

// SaveWiFi stores new WiFi settings and requests a restart. Unparsable static addresses are stored as given; boot falls
// back to DHCP for them.
func (dv *Device) SaveWiFi(w settings.WiFi) error {
	if w.SSID == "" {
		return errors.New("ssid is required")
	}
	if w.Hostname == "" {
		w.Hostname = settings.DefaultHostname
	}
	for field, v := range map[string]string{
		"local_ip": w.LocalIP, "gateway": w.Gateway, "subnet_mask": w.SubnetMask,
		"dns0": w.DNS0, "dns1": w.DNS1,
	} {
		if v != "" && !validIP(v) {
			dv.d.Logger.Warn("address could not be parsed", "field", field, "value", v)
		}
	}
	if err := dv.d.Settings.SaveWiFi(w); err != nil {
		return fmt.Errorf("save wifi settings: %w", err)
	}
	dv.d.Logger.Info("wifi settings saved", "ssid", w.SSID, "hostname", w.Hostname, "dhcp", w.DHCP)
	dv.RequestReboot()
	return nil
}

// SaveBroker stores new broker settings and hands them to the
// supervisor, which applies them on the next tick and clears an
// authentication latch.
func (dv *Device) SaveBroker(a settings.App) error {
	if a.MQTTPort <= 0 || a.MQTTPort > 65535 {
		return fmt.Errorf("mqtt port %d out of range", a.MQTTPort)
	}
	if a.MQTTRootTopic == "" {
		a.MQTTRootTopic = settings.DefaultRootTopic
	}
	if err := dv.d.Settings.SaveApp(a); err != nil {
		return fmt.Errorf("save app settings: %w", err)
	}
	stored, err := dv.d.Settings.App()
	if err != nil {
		return fmt.Errorf("reload app settings: %w", err)
	}
	dv.mu.Lock()
	hostname := dv.hostname
	dv.mu.Unlock()
	dv.d.Supervisor.SettingsChanged(dv.brokerSettings(stored, hostname))
	dv.d.Logger.Info("broker settings saved", "server", stored.MQTTServer, "port", stored.MQTTPort)
	return nil
}

// SaveColors stores the LED settings. They reach the sensor on its next
// scan tick.
func (dv *Device) SaveColors(c sensor.Colors) error {
	if err := dv.d.Settings.SaveColors(c); err != nil {
		return fmt.Errorf("save color settings: %w", err)
	}
	dv.colorsDirty.Store(true)
	return nil
}

// SaveWebPage changes the admin credentials. An empty or masked
// password keeps the current one.
func (dv *Device) SaveWebPage(username, password string) error {
	if username == "" {
		return errors.New("username is required")
	}
	wp, err := dv.d.Settings.WebPage()
	if err != nil {
		return fmt.Errorf("load web page settings: %w", err)
	}
	wp.Username = username
	if password != "" && password != settings.Mask {
		if err := wp.SetPassword(password); err != nil {
			return err
		}
	}
	if err := dv.d.Settings.SaveWebPage(wp); err != nil {
		return fmt.Errorf("save web page settings: %w", err)
	}
	dv.d.Logger.Info("admin credentials changed", "username", username)
	return nil
}

// Credentials returns the admin credentials for request
// authentication.
func (dv *Device) Credentials() (settings.WebPage, error) {
	return dv.d.Settings.WebPage()
}
