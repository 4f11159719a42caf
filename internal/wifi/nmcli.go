package wifi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
)

// DefaultStatusInterval is how long Up trusts the last device status
// before asking NetworkManager again.
const DefaultStatusInterval = time.Second

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMLink drives a wireless interface through nmcli. It implements
// connectivity.Link.
type NMLink struct {
	iface       string
	run         Runner
	logger      *slog.Logger
	clock       timing.Clock
	statusEvery time.Duration

	// connection profile created by the last Join
	profile string

	mu        sync.Mutex
	checkedAt time.Time
	up        bool
}

// NewNMLink returns a link for iface.
func NewNMLink(iface string, logger *slog.Logger) *NMLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NMLink{
		iface:       iface,
		run:         execRunner,
		logger:      logger,
		clock:       timing.Real(),
		statusEvery: DefaultStatusInterval,
	}
}

// invalidate forces the next Up to query NetworkManager.
func (l *NMLink) invalidate() {
	l.mu.Lock()
	l.checkedAt = time.Time{}
	l.mu.Unlock()
}

func (l *NMLink) nmcli(ctx context.Context, args ...string) ([]byte, error) {
	out, err := l.run(ctx, "nmcli", args...)
	if err != nil {
		return out, fmt.Errorf("nmcli %s: %w: %s", args[0], err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Join sets the hostname and asks NetworkManager to activate the
// network without waiting for the result.
func (l *NMLink) Join(ctx context.Context, creds connectivity.Credentials) error {
	if creds.Hostname != "" {
		if _, err := l.nmcli(ctx, "general", "hostname", creds.Hostname); err != nil {
			l.logger.Warn("setting hostname failed", "hostname", creds.Hostname, "error", err)
		}
	}
	args := []string{"--wait", "0", "device", "wifi", "connect", creds.SSID}
	if creds.Password != "" {
		args = append(args, "password", creds.Password)
	}
	args = append(args, "ifname", l.iface, "name", creds.SSID)
	defer l.invalidate()
	if _, err := l.nmcli(ctx, args...); err != nil {
		return err
	}
	l.profile = creds.SSID
	return nil
}

// Up reports whether NetworkManager lists the interface as connected.
// The answer is cached for statusEvery; Join, Reconnect and address
// changes drop the cache.
func (l *NMLink) Up(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if !l.checkedAt.IsZero() && now.Sub(l.checkedAt) < l.statusEvery {
		return l.up
	}
	l.checkedAt = now
	out, err := l.nmcli(ctx, "-t", "-f", "DEVICE,STATE", "device", "status")
	if err != nil {
		l.logger.Debug("device status failed", "error", err)
		l.up = false
		return false
	}
	l.up = deviceState(out, l.iface) == "connected"
	return l.up
}

// deviceState extracts the state of iface from terse device status
// output ("wlan0:connected").
func deviceState(out []byte, iface string) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		dev, state, ok := strings.Cut(sc.Text(), ":")
		if ok && dev == iface {
			return state
		}
	}
	return ""
}

// Reconnect re-activates the interface without waiting.
func (l *NMLink) Reconnect(ctx context.Context) error {
	defer l.invalidate()
	_, err := l.nmcli(ctx, "--wait", "0", "device", "connect", l.iface)
	return err
}

// ApplyStatic switches the active profile to manual addressing and
// re-activates it. If the profile cannot be activated it is switched
// back to DHCP, so a failure always leaves the link on DHCP.
func (l *NMLink) ApplyStatic(ctx context.Context, addr connectivity.StaticAddress) error {
	if l.profile == "" {
		return fmt.Errorf("no active connection profile on %s", l.iface)
	}
	prefix, err := addr.PrefixLen()
	if err != nil {
		return err
	}
	defer l.invalidate()
	if _, err := l.nmcli(ctx, "connection", "modify", l.profile,
		"ipv4.method", "manual",
		"ipv4.addresses", addr.Local+"/"+strconv.Itoa(prefix),
		"ipv4.gateway", addr.Gateway,
		"ipv4.dns", addr.DNS0+" "+addr.DNS1,
	); err != nil {
		return err
	}
	if _, err := l.nmcli(ctx, "--wait", "10", "connection", "up", l.profile); err != nil {
		l.logger.Warn("static addressing failed, reverting to dhcp", "profile", l.profile, "error", err)
		if rerr := l.resetDHCP(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// ApplyDHCP makes sure the active profile uses DHCP. A profile left on
// manual addressing by an earlier static configuration is reset and
// re-activated; one already on DHCP is not touched.
func (l *NMLink) ApplyDHCP(ctx context.Context) error {
	if l.profile == "" {
		return nil
	}
	out, err := l.nmcli(ctx, "-g", "ipv4.method", "connection", "show", l.profile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) != "manual" {
		return nil
	}
	l.logger.Info("switching profile back to dhcp", "profile", l.profile)
	defer l.invalidate()
	return l.resetDHCP(ctx)
}

func (l *NMLink) resetDHCP(ctx context.Context) error {
	if _, err := l.nmcli(ctx, "connection", "modify", l.profile,
		"ipv4.method", "auto",
		"ipv4.addresses", "",
		"ipv4.gateway", "",
		"ipv4.dns", "",
	); err != nil {
		return err
	}
	_, err := l.nmcli(ctx, "--wait", "10", "connection", "up", l.profile)
	return err
}

// AccessPoint is the configuration hotspot.
type AccessPoint struct {
	SSID     string
	Password string
	Address  string // e.g. 192.168.4.1
}

const hotspotProfile = "doorbell-config"

// StartAccessPoint opens a WPA2 hotspot on the interface with a fixed
// address, so clients can reach the admin interface.
func (l *NMLink) StartAccessPoint(ctx context.Context, ap AccessPoint) error {
	if _, err := l.nmcli(ctx, "device", "wifi", "hotspot",
		"ifname", l.iface, "con-name", hotspotProfile,
		"ssid", ap.SSID, "password", ap.Password,
	); err != nil {
		return err
	}
	if _, err := l.nmcli(ctx, "connection", "modify", hotspotProfile,
		"ipv4.method", "shared", "ipv4.addresses", ap.Address+"/24",
	); err != nil {
		return err
	}
	_, err := l.nmcli(ctx, "connection", "up", hotspotProfile)
	return err
}

// StopAccessPoint tears the hotspot down.
func (l *NMLink) StopAccessPoint(ctx context.Context) error {
	_, err := l.nmcli(ctx, "connection", "down", hotspotProfile)
	return err
}
